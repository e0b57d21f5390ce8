package capsule

import (
	"bytes"
	"fmt"
)

// StoreMetadataName is the vault metadata item holding store snapshots.
const StoreMetadataName = "fingerprints"

// Mirror copies the output of finished runs to an offsite vault. Content
// is keyed by its plaintext hash and encrypted when an Encryptor is set;
// the fingerprint store is uploaded as versioned metadata so a restore can
// rebuild the whole tree.
type Mirror struct {
	vault      Vault
	encryptor  Encryptor
	fsys       Filesystem
	instanceID string
	logger     Logger
}

// NewMirror creates a Mirror. A nil encryptor uploads plaintext.
func NewMirror(vault Vault, encryptor Encryptor, fsys Filesystem, instanceID string, logger Logger) *Mirror {
	return &Mirror{
		vault:      vault,
		encryptor:  encryptor,
		fsys:       fsys,
		instanceID: instanceID,
		logger:     logger,
	}
}

// MirrorReport summarizes one Push.
type MirrorReport struct {
	Uploaded int
	Present  int
	Version  int64
}

// CheckVersion fails when the vault holds a newer store snapshot than the
// local store, which means another machine or a restore moved ahead and
// this output directory is stale.
func (m *Mirror) CheckVersion(local int64) error {
	remote, err := m.vault.GetMetadataVersion(m.instanceID, StoreMetadataName)
	if err != nil {
		return fmt.Errorf("checking vault store version: %w", err)
	}
	if remote > local {
		return fmt.Errorf("local fingerprint store is behind vault (local=%d, vault=%d): restore from vault or use a fresh instance id", local, remote)
	}
	return nil
}

// Push uploads the files of every changed fingerprint and then the store
// snapshot itself. Content already in the vault is not uploaded again.
func (m *Mirror) Push(store *Store, changed []Fingerprint) (*MirrorReport, error) {
	report := &MirrorReport{}

	for _, fp := range changed {
		if err := m.putFile(fp.OutputPath, fp.ContentHash, report); err != nil {
			return report, err
		}
		for _, a := range fp.Attachments {
			if err := m.putFile(a.Path, a.Hash, report); err != nil {
				return report, err
			}
		}
	}

	snapshot, err := store.Encode()
	if err != nil {
		return report, err
	}
	sealed, err := m.seal(snapshot)
	if err != nil {
		return report, fmt.Errorf("encrypting store snapshot: %w", err)
	}
	version := store.Generation()
	if err := m.vault.PutMetadata(m.instanceID, StoreMetadataName, bytes.NewReader(sealed), int64(len(sealed)), version); err != nil {
		return report, fmt.Errorf("uploading store snapshot: %w", err)
	}
	report.Version = version

	m.logger.Info("mirror pushed",
		"uploaded", report.Uploaded,
		"present", report.Present,
		"version", version,
	)
	return report, nil
}

func (m *Mirror) putFile(rel string, hash string, report *MirrorReport) error {
	key := HashKey(hash)
	exists, err := m.vault.HasContent(key)
	if err != nil {
		return fmt.Errorf("checking vault for %s: %w", rel, err)
	}
	if exists {
		report.Present++
		return nil
	}

	data, err := m.fsys.ReadFile(rel)
	if err != nil {
		return fmt.Errorf("reading %s for upload: %w", rel, err)
	}
	if got := HashBytes(data); got != hash {
		return fmt.Errorf("%s changed on disk since it was written (hash %s, want %s)", rel, got, hash)
	}
	sealed, err := m.seal(data)
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", rel, err)
	}
	if err := m.vault.PutContent(key, bytes.NewReader(sealed), int64(len(sealed))); err != nil {
		return fmt.Errorf("uploading %s: %w", rel, err)
	}
	report.Uploaded++
	m.logger.Debug("file uploaded", "path", rel, "hash", hash)
	return nil
}

func (m *Mirror) seal(data []byte) ([]byte, error) {
	if m.encryptor == nil {
		return data, nil
	}
	var buf bytes.Buffer
	if err := m.encryptor.Encrypt(bytes.NewReader(data), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
