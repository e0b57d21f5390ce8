package capsule

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"
)

// StorePath is where the fingerprint store lives, relative to the output root.
const StorePath = ".state/fingerprints.json"

// storeVersion is the on-disk format version.
const storeVersion = 1

// ErrUnsupportedVersion is returned when a store was written by an
// incompatible format version.
var ErrUnsupportedVersion = errors.New("unsupported fingerprint store version")

// Fingerprint is what the mirror remembers about a node after a
// successful refresh.
type Fingerprint struct {
	NodeID     string    `json:"id"`
	Kind       NodeKind  `json:"kind"`
	LastEdited time.Time `json:"last_edited_time"`
	// ContentHash is "sha256:<hex>" over exactly the bytes written to OutputPath.
	ContentHash string             `json:"content_hash"`
	OutputPath  string             `json:"output_path"`
	Attachments []AttachmentRecord `json:"attachments,omitempty"`
	SyncedAt    time.Time          `json:"synced_at"`
}

// AttachmentRecord is one downloaded attachment of a node.
type AttachmentRecord struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	// Source is the download URL without its query string, stable across
	// the signed URLs the remote hands out.
	Source string `json:"source"`
}

// HashBytes returns the content hash of data in fingerprint form.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HashKey strips the algorithm prefix, yielding the key used by vaults.
func HashKey(hash string) string {
	const prefix = "sha256:"
	if len(hash) > len(prefix) && hash[:len(prefix)] == prefix {
		return hash[len(prefix):]
	}
	return hash
}

type storeDoc struct {
	Version    int                    `json:"version"`
	Generation int64                  `json:"generation"`
	SavedAt    time.Time              `json:"saved_at"`
	Nodes      map[string]Fingerprint `json:"nodes"`
}

// Store is the durable map of node id to Fingerprint. It is loaded once
// per run, mutated in memory, and saved atomically at the end. Safe for
// concurrent use.
type Store struct {
	mu   sync.RWMutex
	fsys Filesystem
	doc  storeDoc
}

// NewStore returns an empty store that saves to fsys.
func NewStore(fsys Filesystem) *Store {
	return &Store{
		fsys: fsys,
		doc:  storeDoc{Version: storeVersion, Nodes: make(map[string]Fingerprint)},
	}
}

// LoadStore reads the store from fsys. A missing store yields an empty one.
// A store that cannot be decoded, or has a foreign version, also yields an
// empty store together with the decode error, so the caller can warn and
// carry on with a full run.
func LoadStore(fsys Filesystem) (*Store, error) {
	s := NewStore(fsys)
	data, err := fsys.ReadFile(StorePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("reading fingerprint store: %w", err)
	}

	decoded, err := DecodeStore(data, fsys)
	if err != nil {
		return s, err
	}
	return decoded, nil
}

// ResetStore replaces the store file with an empty store at generation,
// so the next save continues past a snapshot already mirrored elsewhere.
func ResetStore(fsys Filesystem, generation int64) (*Store, error) {
	s := NewStore(fsys)
	s.doc.Generation = generation
	data, err := s.encodeLocked()
	if err != nil {
		return nil, err
	}
	if err := fsys.WriteFile(StorePath, data); err != nil {
		return nil, fmt.Errorf("resetting fingerprint store: %w", err)
	}
	return s, nil
}

// DecodeStore parses an encoded store that will save to fsys.
func DecodeStore(data []byte, fsys Filesystem) (*Store, error) {
	var doc storeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding fingerprint store: %w", err)
	}
	if doc.Version != storeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}
	if doc.Nodes == nil {
		doc.Nodes = make(map[string]Fingerprint)
	}
	return &Store{fsys: fsys, doc: doc}, nil
}

// Get returns the fingerprint for a node id.
func (s *Store) Get(id string) (Fingerprint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.doc.Nodes[id]
	return fp, ok
}

// Put records fp, replacing any previous fingerprint for the same node.
func (s *Store) Put(fp Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Nodes[fp.NodeID] = fp
}

// Len returns the number of fingerprints.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.doc.Nodes)
}

// All returns every fingerprint ordered by output path.
func (s *Store) All() []Fingerprint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fingerprint, 0, len(s.doc.Nodes))
	for _, fp := range s.doc.Nodes {
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OutputPath < out[j].OutputPath })
	return out
}

// Generation returns the number of times the store has been saved.
func (s *Store) Generation() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Generation
}

// SavedAt returns the time of the last save.
func (s *Store) SavedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.SavedAt
}

// Encode returns the store in its on-disk form.
func (s *Store) Encode() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encodeLocked()
}

func (s *Store) encodeLocked() ([]byte, error) {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding fingerprint store: %w", err)
	}
	return append(data, '\n'), nil
}

// Save bumps the generation and atomically replaces the store file. On
// failure the in-memory generation is left unchanged.
func (s *Store) Save(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.doc
	s.doc.Generation++
	s.doc.SavedAt = now.UTC()

	data, err := s.encodeLocked()
	if err == nil {
		err = s.fsys.WriteFile(StorePath, data)
	}
	if err != nil {
		s.doc.Generation, s.doc.SavedAt = prev.Generation, prev.SavedAt
		return fmt.Errorf("saving fingerprint store: %w", err)
	}
	return nil
}

// CountByKind returns the number of fingerprints per node kind.
func (s *Store) CountByKind() map[NodeKind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[NodeKind]int)
	for _, fp := range s.doc.Nodes {
		counts[fp.Kind]++
	}
	return counts
}
