package notion

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"capsule-go/internal/capsule"
)

type apiUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type apiParent struct {
	Type       string `json:"type"`
	PageID     string `json:"page_id"`
	DatabaseID string `json:"database_id"`
	BlockID    string `json:"block_id"`
}

type apiFile struct {
	Type     string `json:"type"`
	Emoji    string `json:"emoji"`
	External *struct {
		URL string `json:"url"`
	} `json:"external"`
	File *struct {
		URL string `json:"url"`
	} `json:"file"`
	Name string `json:"name"`
}

func (f *apiFile) url() string {
	switch {
	case f == nil:
		return ""
	case f.Type == "emoji":
		return f.Emoji
	case f.File != nil:
		return f.File.URL
	case f.External != nil:
		return f.External.URL
	}
	return ""
}

type apiText struct {
	PlainText string `json:"plain_text"`
}

type apiNode struct {
	Object         string                     `json:"object"`
	ID             string                     `json:"id"`
	CreatedTime    string                     `json:"created_time"`
	LastEditedTime string                     `json:"last_edited_time"`
	CreatedBy      apiUser                    `json:"created_by"`
	LastEditedBy   apiUser                    `json:"last_edited_by"`
	Parent         apiParent                  `json:"parent"`
	URL            string                     `json:"url"`
	Archived       bool                       `json:"archived"`
	InTrash        bool                       `json:"in_trash"`
	Icon           *apiFile                   `json:"icon"`
	Cover          *apiFile                   `json:"cover"`
	Title          []apiText                  `json:"title"`
	Properties     map[string]json.RawMessage `json:"properties"`
}

// decodeNode validates a page or database object and converts it.
func decodeNode(raw json.RawMessage) (capsule.Node, error) {
	var a apiNode
	if err := json.Unmarshal(raw, &a); err != nil {
		return capsule.Node{}, err
	}
	if a.ID == "" {
		return capsule.Node{}, errors.New("object without id")
	}
	edited, err := time.Parse(time.RFC3339, a.LastEditedTime)
	if err != nil {
		return capsule.Node{}, fmt.Errorf("%s: last_edited_time: %w", a.ID, err)
	}

	n := capsule.Node{
		ID:           a.ID,
		URL:          a.URL,
		LastEdited:   edited,
		CreatedBy:    a.CreatedBy.ID,
		LastEditedBy: a.LastEditedBy.ID,
		Icon:         a.Icon.url(),
		Cover:        a.Cover.url(),
		Archived:     a.Archived || a.InTrash,
		Raw:          raw,
	}
	if a.CreatedTime != "" {
		if n.CreatedTime, err = time.Parse(time.RFC3339, a.CreatedTime); err != nil {
			return capsule.Node{}, fmt.Errorf("%s: created_time: %w", a.ID, err)
		}
	}
	if err := setParent(&n, a.Parent); err != nil {
		return capsule.Node{}, fmt.Errorf("%s: %w", a.ID, err)
	}

	switch a.Object {
	case "page":
		n.Kind = capsule.KindPage
		if n.ParentKind == capsule.ParentDatabase {
			n.Kind = capsule.KindRow
		}
		n.Title, n.Properties, err = properties(a.Properties)
	case "database":
		n.Kind = capsule.KindDatabase
		n.Title = joinText(a.Title)
		n.Schema, err = schema(a.Properties)
	default:
		return capsule.Node{}, fmt.Errorf("%s: unexpected object %q", a.ID, a.Object)
	}
	if err != nil {
		return capsule.Node{}, fmt.Errorf("%s: %w", a.ID, err)
	}
	return n, nil
}

func setParent(n *capsule.Node, p apiParent) error {
	switch p.Type {
	case "workspace":
		n.ParentKind = capsule.ParentWorkspace
	case "page_id":
		n.ParentKind, n.ParentID = capsule.ParentPage, p.PageID
	case "database_id":
		n.ParentKind, n.ParentID = capsule.ParentDatabase, p.DatabaseID
	case "block_id":
		n.ParentKind, n.ParentID = capsule.ParentBlock, p.BlockID
	default:
		return fmt.Errorf("unknown parent type %q", p.Type)
	}
	return nil
}

func joinText(items []apiText) string {
	var sb strings.Builder
	for _, t := range items {
		sb.WriteString(t.PlainText)
	}
	return sb.String()
}

// properties simplifies page property values and extracts the title.
// Values that change on every edit are left out so they cannot alter the
// rendered output on their own.
func properties(raw map[string]json.RawMessage) (string, map[string]any, error) {
	title := "Untitled"
	out := make(map[string]any, len(raw))
	for name, data := range raw {
		var prop map[string]any
		if err := json.Unmarshal(data, &prop); err != nil {
			return "", nil, fmt.Errorf("property %q: %w", name, err)
		}
		typ, _ := prop["type"].(string)
		if typ == "title" {
			if t := plainText(prop["title"]); t != "" {
				title = t
			}
		}
		if v := propertyValue(prop); v != nil {
			out[name] = v
		}
	}
	if len(out) == 0 {
		out = nil
	}
	return title, out, nil
}

func propertyValue(prop map[string]any) any {
	typ, _ := prop["type"].(string)
	v := prop[typ]
	switch typ {
	case "title", "rich_text":
		return plainText(v)
	case "number", "checkbox", "url", "email", "phone_number", "created_time":
		return v
	case "select", "status":
		return field(v, "name")
	case "multi_select":
		return names(v, "name")
	case "date":
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		start, _ := m["start"].(string)
		if end, _ := m["end"].(string); end != "" {
			return start + " - " + end
		}
		return start
	case "people":
		return names(v, "name", "id")
	case "created_by":
		return field(v, "name", "id")
	case "relation":
		return names(v, "id")
	case "files":
		items, _ := v.([]any)
		urls := make([]string, 0, len(items))
		for _, item := range items {
			m, _ := item.(map[string]any)
			ft, _ := m["type"].(string)
			if u, ok := field(m[ft], "url").(string); ok {
				urls = append(urls, capsule.StableURL(u))
			}
		}
		return urls
	case "formula":
		m, _ := v.(map[string]any)
		ft, _ := m["type"].(string)
		return m[ft]
	case "rollup":
		m, _ := v.(map[string]any)
		rt, _ := m["type"].(string)
		if rt != "array" {
			return m[rt]
		}
		items, _ := m["array"].([]any)
		vals := make([]any, 0, len(items))
		for _, item := range items {
			if im, ok := item.(map[string]any); ok {
				vals = append(vals, propertyValue(im))
			}
		}
		return vals
	case "unique_id":
		m, _ := v.(map[string]any)
		num, _ := m["number"].(float64)
		if prefix, _ := m["prefix"].(string); prefix != "" {
			return fmt.Sprintf("%s-%d", prefix, int64(num))
		}
		return fmt.Sprintf("%d", int64(num))
	}
	// last_edited_time and last_edited_by are omitted along with types
	// this client does not know.
	return nil
}

// field returns the first non-empty string among keys of an object.
func field(v any, keys ...string) any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return nil
}

func names(v any, keys ...string) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := field(item, keys...).(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func plainText(v any) string {
	items, _ := v.([]any)
	var sb strings.Builder
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			s, _ := m["plain_text"].(string)
			sb.WriteString(s)
		}
	}
	return sb.String()
}

// schema converts database property definitions, sorted by name.
func schema(raw map[string]json.RawMessage) ([]capsule.PropertySchema, error) {
	out := make([]capsule.PropertySchema, 0, len(raw))
	for name, data := range raw {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("schema %q: %w", name, err)
		}
		ps := capsule.PropertySchema{Name: name, Type: head.Type}
		switch head.Type {
		case "select", "multi_select", "status":
			var body map[string]struct {
				Options []struct {
					Name string `json:"name"`
				} `json:"options"`
			}
			if err := json.Unmarshal(data, &body); err != nil {
				return nil, fmt.Errorf("schema %q: %w", name, err)
			}
			for _, o := range body[head.Type].Options {
				ps.Options = append(ps.Options, o.Name)
			}
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type apiBlock struct {
	Object      string `json:"object"`
	ID          string `json:"id"`
	Type        string `json:"type"`
	HasChildren bool   `json:"has_children"`
}

var fileBlocks = map[string]bool{
	"image": true,
	"file":  true,
	"pdf":   true,
	"video": true,
	"audio": true,
}

// decodeBlock validates a block object and keeps its type-specific payload.
func decodeBlock(raw json.RawMessage) (capsule.Block, error) {
	var a apiBlock
	if err := json.Unmarshal(raw, &a); err != nil {
		return capsule.Block{}, err
	}
	if a.Object != "block" {
		return capsule.Block{}, fmt.Errorf("expected a block, got %q", a.Object)
	}
	if a.ID == "" || a.Type == "" {
		return capsule.Block{}, errors.New("block without id or type")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return capsule.Block{}, err
	}
	b := capsule.Block{
		ID:          a.ID,
		Type:        a.Type,
		HasChildren: a.HasChildren,
		Data:        fields[a.Type],
	}
	if fileBlocks[a.Type] && len(b.Data) > 0 {
		var f apiFile
		if err := json.Unmarshal(b.Data, &f); err != nil {
			return capsule.Block{}, fmt.Errorf("block %s: %w", a.ID, err)
		}
		if u := f.url(); u != "" {
			b.File = &capsule.FileRef{
				URL:    u,
				Name:   fileName(f.Name, u),
				Hosted: f.Type == "file" || capsule.IsHostedURL(u),
			}
		}
	}
	return b, nil
}

// fileName prefers the name the API reports and falls back to the last
// path element of the URL.
func fileName(name, raw string) string {
	if name != "" {
		return name
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "file"
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "file"
	}
	return base
}
