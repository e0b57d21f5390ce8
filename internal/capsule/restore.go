package capsule

import (
	"bytes"
	"fmt"
	"io"
)

// Restore rebuilds a mirror tree from the vault into target. It fetches
// the latest store snapshot, then every file the snapshot references,
// verifying each against its recorded hash. The snapshot is written last,
// so an interrupted restore never leaves a store that claims files which
// are not there. decrypt may be nil for a plaintext vault.
//
// Returns the paths written, relative to target's root.
func (m *Mirror) Restore(target Filesystem, decrypt DecryptionContext) ([]string, error) {
	m.logger.Info("restore started", "target", target.Root())

	var sealed bytes.Buffer
	if err := m.vault.GetMetadata(m.instanceID, StoreMetadataName, &sealed); err != nil {
		return nil, fmt.Errorf("fetching store snapshot: %w", err)
	}
	snapshot, err := open(&sealed, decrypt)
	if err != nil {
		return nil, fmt.Errorf("decrypting store snapshot: %w", err)
	}
	store, err := DecodeStore(snapshot, target)
	if err != nil {
		return nil, err
	}

	var restored []string
	for _, fp := range store.All() {
		if err := m.restoreFile(target, fp.OutputPath, fp.ContentHash, decrypt); err != nil {
			return restored, err
		}
		restored = append(restored, fp.OutputPath)
		for _, a := range fp.Attachments {
			if err := m.restoreFile(target, a.Path, a.Hash, decrypt); err != nil {
				return restored, err
			}
			restored = append(restored, a.Path)
		}
	}

	if err := target.WriteFile(StorePath, snapshot); err != nil {
		return restored, fmt.Errorf("writing store snapshot: %w", err)
	}
	restored = append(restored, StorePath)

	m.logger.Info("restore finished", "files", len(restored), "generation", store.Generation())
	return restored, nil
}

func (m *Mirror) restoreFile(target Filesystem, rel string, hash string, decrypt DecryptionContext) error {
	var sealed bytes.Buffer
	if err := m.vault.GetContent(HashKey(hash), &sealed); err != nil {
		return fmt.Errorf("fetching %s: %w", rel, err)
	}
	data, err := open(&sealed, decrypt)
	if err != nil {
		return fmt.Errorf("decrypting %s: %w", rel, err)
	}
	if got := HashBytes(data); got != hash {
		return fmt.Errorf("restored %s does not match its fingerprint (hash %s, want %s)", rel, got, hash)
	}
	if err := target.WriteFile(rel, data); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	m.logger.Debug("file restored", "path", rel)
	return nil
}

func open(r io.Reader, decrypt DecryptionContext) ([]byte, error) {
	if decrypt == nil {
		return io.ReadAll(r)
	}
	var buf bytes.Buffer
	if err := decrypt.Decrypt(r, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
