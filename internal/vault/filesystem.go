package vault

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"capsule-go/internal/capsule"
)

// FileSystemVault stores content and metadata under a directory, typically
// a mounted NAS or removable drive:
//
//	<root>/
//	  content/<cc>/<checksum>        content, sharded by the first two hex digits
//	  metadata/<instance>/<name>     metadata items
//	  metadata/<instance>/<name>.version
type FileSystemVault struct {
	name        string
	root        string
	contentDir  string
	metadataDir string
}

// NewFileSystemVault creates a vault rooted at root, creating its layout.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	v := &FileSystemVault{
		name:        name,
		root:        root,
		contentDir:  filepath.Join(root, "content"),
		metadataDir: filepath.Join(root, "metadata"),
	}
	for _, dir := range []string{v.contentDir, v.metadataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating vault directory: %w", err)
		}
	}
	return v, nil
}

func (v *FileSystemVault) contentPath(checksum string) (string, error) {
	if !validName(checksum) {
		return "", fmt.Errorf("invalid checksum %q", checksum)
	}
	shard := checksum
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(v.contentDir, shard, checksum), nil
}

func (v *FileSystemVault) metadataPath(instanceID, name string) (string, error) {
	if !validName(instanceID) || !validName(name) {
		return "", fmt.Errorf("invalid metadata key %q/%q", instanceID, name)
	}
	return filepath.Join(v.metadataDir, instanceID, name), nil
}

// validName rejects anything that could step outside the vault root.
func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// PutContent stores content under checksum. Existing content is kept and
// the reader is drained.
func (v *FileSystemVault) PutContent(checksum string, r io.Reader, size int64) error {
	dest, err := v.contentPath(checksum)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("reading content: %w", err)
		}
		if n != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, n)
		}
		return nil
	}
	return writeAtomic(dest, r, size)
}

func (v *FileSystemVault) GetContent(checksum string, w io.Writer) error {
	src, err := v.contentPath(checksum)
	if err != nil {
		return err
	}
	return copyFile(src, w, "content "+checksum)
}

func (v *FileSystemVault) HasContent(checksum string) (bool, error) {
	path, err := v.contentPath(checksum)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking content %s: %w", checksum, err)
	}
}

// PutMetadata writes the item and then its version, so a version never
// refers to an item that was not fully written.
func (v *FileSystemVault) PutMetadata(instanceID, name string, r io.Reader, size int64, version int64) error {
	dest, err := v.metadataPath(instanceID, name)
	if err != nil {
		return err
	}
	if err := writeAtomic(dest, r, size); err != nil {
		return err
	}
	ver := strconv.FormatInt(version, 10)
	return writeAtomic(dest+".version", strings.NewReader(ver), int64(len(ver)))
}

func (v *FileSystemVault) GetMetadata(instanceID, name string, w io.Writer) error {
	src, err := v.metadataPath(instanceID, name)
	if err != nil {
		return err
	}
	return copyFile(src, w, fmt.Sprintf("metadata %s/%s", instanceID, name))
}

func (v *FileSystemVault) GetMetadataVersion(instanceID, name string) (int64, error) {
	path, err := v.metadataPath(instanceID, name)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path + ".version")
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading metadata version: %w", err)
	}
	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing metadata version: %w", err)
	}
	return version, nil
}

// ValidateSetup checks that the layout exists and that the vault accepts
// writes.
func (v *FileSystemVault) ValidateSetup() error {
	for _, dir := range []string{v.root, v.contentDir, v.metadataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault %s not accessible: %w", v.name, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}
	probe, err := os.CreateTemp(v.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("vault %s is not writable: %w", v.name, err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// writeAtomic streams r into a temp file beside dest and renames it into
// place once exactly size bytes were written.
func writeAtomic(dest string, r io.Reader, size int64) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	done := false
	defer func() {
		if !done {
			os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, n)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	done = true
	return nil
}

func copyFile(src string, w io.Writer, what string) error {
	f, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	return nil
}

var _ capsule.Vault = (*FileSystemVault)(nil)
