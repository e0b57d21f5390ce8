// Package vault implements offsite storage for the mirror: a directory,
// an S3 bucket, or memory for tests.
package vault

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"capsule-go/internal/capsule"
)

// ErrNotFound is wrapped by Get calls for keys the vault does not hold.
var ErrNotFound = errors.New("not found in vault")

type memoryItem struct {
	data    []byte
	version int64
}

// MemoryVault keeps everything in memory. Safe for concurrent use.
type MemoryVault struct {
	name     string
	mu       sync.RWMutex
	content  map[string][]byte
	metadata map[string]memoryItem
	puts     int
}

func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		content:  make(map[string][]byte),
		metadata: make(map[string]memoryItem),
	}
}

func readSized(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading data: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

func (m *MemoryVault) PutContent(checksum string, r io.Reader, size int64) error {
	data, err := readSized(r, size)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.content[checksum]; !ok {
		m.content[checksum] = data
		m.puts++
	}
	return nil
}

func (m *MemoryVault) GetContent(checksum string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.content[checksum]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("content %s: %w", checksum, ErrNotFound)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (m *MemoryVault) HasContent(checksum string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.content[checksum]
	return ok, nil
}

func (m *MemoryVault) PutMetadata(instanceID, name string, r io.Reader, size int64, version int64) error {
	data, err := readSized(r, size)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[instanceID+"/"+name] = memoryItem{data: data, version: version}
	return nil
}

func (m *MemoryVault) GetMetadata(instanceID, name string, w io.Writer) error {
	m.mu.RLock()
	item, ok := m.metadata[instanceID+"/"+name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("metadata %s/%s: %w", instanceID, name, ErrNotFound)
	}
	_, err := io.Copy(w, bytes.NewReader(item.data))
	return err
}

// GetMetadataVersion returns 0 for items never stored.
func (m *MemoryVault) GetMetadataVersion(instanceID, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata[instanceID+"/"+name].version, nil
}

func (m *MemoryVault) ValidateSetup() error {
	return nil
}

// ContentCount returns the number of distinct content items stored.
func (m *MemoryVault) ContentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.content)
}

// Corrupt replaces stored content, for tests that exercise hash checks.
func (m *MemoryVault) Corrupt(checksum string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[checksum] = data
}

var _ capsule.Vault = (*MemoryVault)(nil)
