// Package render turns fetched workspace content into the files of the
// local mirror: Markdown with YAML front matter for pages and rows, and a
// YAML schema for databases.
//
// Output depends only on content. The node's last edited time is never
// written, and the expiring signature of hosted file URLs is dropped, so
// a node whose timestamp moved without a content change renders to the
// same bytes as before.
package render

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"capsule-go/internal/capsule"
)

// Markdown is the production capsule.Renderer.
type Markdown struct{}

// New creates a Markdown renderer.
func New() *Markdown {
	return &Markdown{}
}

type frontMatter struct {
	NotionID    string         `yaml:"notion_id"`
	Title       string         `yaml:"title"`
	CreatedTime string         `yaml:"created_time,omitempty"`
	URL         string         `yaml:"url,omitempty"`
	ParentType  string         `yaml:"parent_type,omitempty"`
	ParentID    string         `yaml:"parent_id,omitempty"`
	CreatedBy   string         `yaml:"created_by,omitempty"`
	Archived    bool           `yaml:"archived,omitempty"`
	Properties  map[string]any `yaml:"properties,omitempty"`
	Cover       string         `yaml:"cover,omitempty"`
	Icon        string         `yaml:"icon,omitempty"`
}

type schemaDoc struct {
	NotionID    string                   `yaml:"notion_id"`
	Title       string                   `yaml:"title"`
	CreatedTime string                   `yaml:"created_time,omitempty"`
	URL         string                   `yaml:"url,omitempty"`
	ParentType  string                   `yaml:"parent_type,omitempty"`
	ParentID    string                   `yaml:"parent_id,omitempty"`
	Properties  []capsule.PropertySchema `yaml:"properties"`
}

// Render implements capsule.Renderer.
func (m *Markdown) Render(c *capsule.Content, links map[string]string) ([]byte, error) {
	if c.Node.Kind == capsule.KindDatabase {
		return renderSchema(c.Node)
	}

	var buf bytes.Buffer
	if err := writeFrontMatter(&buf, c.Node); err != nil {
		return nil, err
	}

	w := &blockWriter{
		buf:    &buf,
		links:  links,
		output: capsule.OutputPath(c.Node),
	}
	if err := w.blocks(c.Blocks, 0); err != nil {
		return nil, fmt.Errorf("rendering %s: %w", c.Node.ID, err)
	}
	return append(bytes.TrimRight(buf.Bytes(), "\n"), '\n'), nil
}

func writeFrontMatter(buf *bytes.Buffer, n capsule.Node) error {
	fm := frontMatter{
		NotionID:   n.ID,
		Title:      n.Title,
		URL:        n.URL,
		ParentType: string(n.ParentKind),
		ParentID:   n.ParentID,
		CreatedBy:  n.CreatedBy,
		Archived:   n.Archived,
		Properties: n.Properties,
		Cover:      capsule.StableURL(n.Cover),
		Icon:       capsule.StableURL(n.Icon),
	}
	if !n.CreatedTime.IsZero() {
		fm.CreatedTime = n.CreatedTime.UTC().Format("2006-01-02T15:04:05Z")
	}

	data, err := marshalYAML(fm)
	if err != nil {
		return fmt.Errorf("encoding front matter of %s: %w", n.ID, err)
	}
	buf.WriteString("---\n")
	buf.Write(data)
	buf.WriteString("---\n\n")
	return nil
}

func renderSchema(n capsule.Node) ([]byte, error) {
	doc := schemaDoc{
		NotionID:   n.ID,
		Title:      n.Title,
		URL:        n.URL,
		ParentType: string(n.ParentKind),
		ParentID:   n.ParentID,
		Properties: n.Schema,
	}
	if !n.CreatedTime.IsZero() {
		doc.CreatedTime = n.CreatedTime.UTC().Format("2006-01-02T15:04:05Z")
	}
	if doc.Properties == nil {
		doc.Properties = []capsule.PropertySchema{}
	}
	data, err := marshalYAML(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding schema of %s: %w", n.ID, err)
	}
	return data, nil
}

func marshalYAML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
