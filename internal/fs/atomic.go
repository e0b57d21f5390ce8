// Package fs writes the local mirror tree.
package fs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"capsule-go/internal/capsule"
)

// AtomicWriter is the output tree rooted at a directory. Every write goes
// to a temp file in the target's own directory, is flushed and closed, and
// is then renamed over the target, so a reader or a crash at any point
// observes either the whole previous file or the whole new one.
type AtomicWriter struct {
	root string
	perm os.FileMode

	// beforeRename runs after the temp file is complete and before the
	// rename. Tests use it to simulate a crash at the last moment.
	beforeRename func(tmpPath string) error
}

// NewAtomicWriter creates an AtomicWriter rooted at root, creating the
// directory if needed.
func NewAtomicWriter(root string) (*AtomicWriter, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving output root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating output root: %w", err)
	}
	return &AtomicWriter{root: abs, perm: 0644}, nil
}

// Root returns the absolute output root.
func (w *AtomicWriter) Root() string {
	return w.root
}

// resolve maps a slash-separated relative path to an absolute path inside
// the root, refusing anything that would escape it.
func (w *AtomicWriter) resolve(rel string) (string, error) {
	if rel == "" || path.IsAbs(rel) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid output path %q", rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("output path %q escapes the output root", rel)
	}
	return filepath.Join(w.root, filepath.FromSlash(clean)), nil
}

// WriteFile durably replaces rel with data.
func (w *AtomicWriter) WriteFile(rel string, data []byte) error {
	destPath, err := w.resolve(rel)
	if err != nil {
		return err
	}

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", rel, err)
	}

	// Same directory as the target so the rename never crosses filesystems.
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", rel, err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("flushing %s: %w", rel, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", rel, err)
	}
	if err := os.Chmod(tmpPath, w.perm); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", rel, err)
	}

	if w.beforeRename != nil {
		if err := w.beforeRename(tmpPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("replacing %s: %w", rel, err)
	}
	success = true

	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry created by the rename. Not every
// platform supports syncing a directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// ReadFile returns the content of rel. A missing file yields an error
// matching fs.ErrNotExist.
func (w *AtomicWriter) ReadFile(rel string) ([]byte, error) {
	p, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Exists reports whether rel is an existing regular file.
func (w *AtomicWriter) Exists(rel string) bool {
	p, err := w.resolve(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// CleanTemp removes temp files left behind by writes that were interrupted
// before their rename. It returns the number of files removed.
func (w *AtomicWriter) CleanTemp() (int, error) {
	removed := 0
	err := filepath.WalkDir(w.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("removing %s: %w", p, err)
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cleaning temp files: %w", err)
	}
	return removed, nil
}

// Compile-time check that AtomicWriter implements capsule.Filesystem.
var _ capsule.Filesystem = (*AtomicWriter)(nil)
