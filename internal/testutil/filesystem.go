package testutil

import (
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"capsule-go/internal/capsule"
)

// MemoryFilesystem is an in-memory output tree that counts writes.
// Safe for concurrent use.
type MemoryFilesystem struct {
	mu         sync.Mutex
	root       string
	files      map[string][]byte
	writes     map[string]int
	failWrites map[string]error
}

// NewMemoryFilesystem creates an empty tree rooted at "/mirror".
func NewMemoryFilesystem() *MemoryFilesystem {
	return &MemoryFilesystem{
		root:       "/mirror",
		files:      make(map[string][]byte),
		writes:     make(map[string]int),
		failWrites: make(map[string]error),
	}
}

func (m *MemoryFilesystem) WriteFile(rel string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failWrites[rel]; ok {
		return err
	}
	m.files[rel] = append([]byte(nil), data...)
	m.writes[rel]++
	return nil
}

func (m *MemoryFilesystem) ReadFile(rel string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[rel]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: rel, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryFilesystem) Exists(rel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[rel]
	return ok
}

func (m *MemoryFilesystem) Root() string {
	return m.root
}

// Put stores a file without counting it as a write.
func (m *MemoryFilesystem) Put(rel string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[rel] = append([]byte(nil), data...)
}

// Remove deletes a file, as a user tidying the output directory would.
func (m *MemoryFilesystem) Remove(rel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, rel)
}

// Content returns a file's content as a string, or "" if it is missing.
func (m *MemoryFilesystem) Content(rel string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.files[rel])
}

// FailWrites makes writes to rel return err. A nil err clears it.
func (m *MemoryFilesystem) FailWrites(rel string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failWrites, rel)
		return
	}
	m.failWrites[rel] = err
}

// Writes returns the total number of successful writes.
func (m *MemoryFilesystem) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.writes {
		n += c
	}
	return n
}

// WritesTo returns the number of successful writes to rel.
func (m *MemoryFilesystem) WritesTo(rel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[rel]
}

// ResetWrites clears the write counters.
func (m *MemoryFilesystem) ResetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = make(map[string]int)
}

// Paths returns every stored path in sorted order.
func (m *MemoryFilesystem) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryFilesystem) String() string {
	return fmt.Sprintf("MemoryFilesystem(%d files)", len(m.Paths()))
}

// Compile-time check
var _ capsule.Filesystem = (*MemoryFilesystem)(nil)
