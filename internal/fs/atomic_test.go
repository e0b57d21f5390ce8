package fs

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestWriter(t *testing.T) *AtomicWriter {
	t.Helper()
	w, err := NewAtomicWriter(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("NewAtomicWriter() error = %v", err)
	}
	return w
}

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var tmp []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			tmp = append(tmp, e.Name())
		}
	}
	return tmp
}

func TestAtomicWriter_WriteAndRead(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t)

	if err := w.WriteFile("pages/p1/index.md", []byte("hello")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := w.ReadFile("pages/p1/index.md")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("ReadFile() = %q, want %q", got, "hello")
	}
	if !w.Exists("pages/p1/index.md") {
		t.Error("Exists() = false after write")
	}
	if w.Exists("pages/p1") {
		t.Error("Exists() = true for a directory")
	}

	info, err := os.Stat(filepath.Join(w.Root(), "pages", "p1", "index.md"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("permissions = %v, want 0644", info.Mode().Perm())
	}
}

func TestAtomicWriter_ReplaceLeavesNoTempFiles(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t)

	for _, content := range []string{"one", "two", "three"} {
		if err := w.WriteFile("a/b.txt", []byte(content)); err != nil {
			t.Fatalf("WriteFile(%q) error = %v", content, err)
		}
	}
	got, _ := w.ReadFile("a/b.txt")
	if string(got) != "three" {
		t.Errorf("content = %q, want %q", got, "three")
	}
	if tmp := tempFiles(t, filepath.Join(w.Root(), "a")); len(tmp) != 0 {
		t.Errorf("temp files left behind: %v", tmp)
	}
}

func TestAtomicWriter_CrashBeforeRenameKeepsOldContent(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t)

	if err := w.WriteFile("doc.md", []byte("old content")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	crash := errors.New("simulated crash")
	w.beforeRename = func(tmpPath string) error {
		// The new bytes are complete in the temp file but not yet visible.
		data, err := os.ReadFile(tmpPath)
		if err != nil {
			t.Errorf("reading temp file: %v", err)
		}
		if string(data) != "new content" {
			t.Errorf("temp file = %q, want %q", data, "new content")
		}
		return crash
	}

	err := w.WriteFile("doc.md", []byte("new content"))
	if !errors.Is(err, crash) {
		t.Fatalf("WriteFile() error = %v, want %v", err, crash)
	}

	got, err := w.ReadFile("doc.md")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "old content" {
		t.Errorf("content after crash = %q, want %q", got, "old content")
	}
	if tmp := tempFiles(t, w.Root()); len(tmp) != 0 {
		t.Errorf("temp files left behind: %v", tmp)
	}
}

func TestAtomicWriter_CrashOnFirstWriteLeavesTargetMissing(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t)
	w.beforeRename = func(string) error { return errors.New("simulated crash") }

	if err := w.WriteFile("new.md", []byte("data")); err == nil {
		t.Fatal("WriteFile() error = nil, want error")
	}
	if _, err := w.ReadFile("new.md"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadFile() error = %v, want fs.ErrNotExist", err)
	}
}

func TestAtomicWriter_KilledProcessLeavesOnlyTempDebris(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t)

	if err := w.WriteFile("doc.md", []byte("old")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	// A process killed mid-write leaves a temp file and nothing else.
	debris := filepath.Join(w.Root(), ".tmp-123456")
	if err := os.WriteFile(debris, []byte("ne"), 0600); err != nil {
		t.Fatalf("writing debris: %v", err)
	}

	got, _ := w.ReadFile("doc.md")
	if string(got) != "old" {
		t.Errorf("content = %q, want %q", got, "old")
	}

	removed, err := w.CleanTemp()
	if err != nil {
		t.Fatalf("CleanTemp() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanTemp() removed %d, want 1", removed)
	}
	if _, err := os.Stat(debris); !os.IsNotExist(err) {
		t.Errorf("debris still present: %v", err)
	}
}

func TestAtomicWriter_ConcurrentReaderSeesWholeFiles(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t)

	a := bytes.Repeat([]byte("a"), 64*1024)
	b := bytes.Repeat([]byte("b"), 96*1024)
	if err := w.WriteFile("big.bin", a); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, err := w.ReadFile("big.bin")
			if err != nil {
				t.Errorf("ReadFile() error = %v", err)
				return
			}
			if !bytes.Equal(got, a) && !bytes.Equal(got, b) {
				t.Errorf("reader observed a partial file of %d bytes", len(got))
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		data := a
		if i%2 == 0 {
			data = b
		}
		if err := w.WriteFile("big.bin", data); err != nil {
			t.Errorf("WriteFile() error = %v", err)
			break
		}
	}
	close(stop)
	wg.Wait()
}

func TestAtomicWriter_RejectsEscapingPaths(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t)

	for _, rel := range []string{"", "/etc/passwd", "../outside.md", "a/../../outside.md", "."} {
		if err := w.WriteFile(rel, []byte("x")); err == nil {
			t.Errorf("WriteFile(%q) error = nil, want error", rel)
		}
	}
}
