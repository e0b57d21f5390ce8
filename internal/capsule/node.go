package capsule

import (
	"encoding/json"
	"time"
)

// NodeKind identifies the variant of a remote node.
type NodeKind string

const (
	KindPage     NodeKind = "page"
	KindDatabase NodeKind = "database"
	KindRow      NodeKind = "row"
)

// Valid reports whether k is a known kind.
func (k NodeKind) Valid() bool {
	return k == KindPage || k == KindDatabase || k == KindRow
}

// ParentKind identifies what a node hangs off in the remote hierarchy.
type ParentKind string

const (
	ParentWorkspace ParentKind = "workspace"
	ParentPage      ParentKind = "page"
	ParentDatabase  ParentKind = "database"
	ParentBlock     ParentKind = "block"
)

// Node is a page, database, or database row as reported by the remote
// listing or fetch endpoints. Nodes are never persisted directly.
type Node struct {
	ID           string
	Kind         NodeKind
	ParentKind   ParentKind
	ParentID     string
	Title        string
	URL          string
	CreatedTime  time.Time
	LastEdited   time.Time
	CreatedBy    string
	LastEditedBy string
	Icon         string
	Cover        string
	Archived     bool

	// Properties holds simplified page or row property values keyed by name.
	Properties map[string]any
	// Schema is populated for databases only, sorted by property name.
	Schema []PropertySchema

	Raw json.RawMessage
}

// PropertySchema describes one column of a database.
type PropertySchema struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Options []string `yaml:"options,omitempty"`
}

// Block is one content block of a page. Data holds the type-specific
// payload, decoded lazily by the renderer.
type Block struct {
	ID          string
	Type        string
	HasChildren bool
	Data        json.RawMessage
	File        *FileRef
	Children    []Block
}

// FileRef is the file carried by an image, file, pdf, video or audio block.
type FileRef struct {
	URL  string
	Name string
	// Hosted is true for files stored by the remote service itself, as
	// opposed to external links. Only hosted files are downloaded.
	Hosted bool
}

// ChildRef reports whether the block links to a nested page or database
// and returns its id and kind.
func (b Block) ChildRef() (string, NodeKind, bool) {
	switch b.Type {
	case "child_page":
		return b.ID, KindPage, true
	case "child_database":
		return b.ID, KindDatabase, true
	}
	return "", "", false
}

// Content is the full body of a node, fetched only when a node may have
// changed.
type Content struct {
	Node        Node
	Blocks      []Block
	Attachments []Attachment
}

// Attachment is a downloadable file referenced by a block.
type Attachment struct {
	BlockID string
	URL     string
	Name    string
	// Path is the attachment's output path relative to the output root.
	Path string
	// Link is Path relative to the directory of the node's output file.
	Link string
}
