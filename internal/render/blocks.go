package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"capsule-go/internal/capsule"
)

type richText struct {
	PlainText   string  `json:"plain_text"`
	Href        *string `json:"href"`
	Annotations struct {
		Bold          bool `json:"bold"`
		Italic        bool `json:"italic"`
		Strikethrough bool `json:"strikethrough"`
		Code          bool `json:"code"`
	} `json:"annotations"`
}

// payload is the union of the type-specific block fields the renderer
// reads. Fields a block type does not carry stay zero.
type payload struct {
	RichText   []richText   `json:"rich_text"`
	Caption    []richText   `json:"caption"`
	Checked    bool         `json:"checked"`
	Language   string       `json:"language"`
	URL        string       `json:"url"`
	Expression string       `json:"expression"`
	Title      string       `json:"title"`
	Cells      [][]richText `json:"cells"`
	Icon       *struct {
		Type  string `json:"type"`
		Emoji string `json:"emoji"`
	} `json:"icon"`
	Type       string `json:"type"`
	PageID     string `json:"page_id"`
	DatabaseID string `json:"database_id"`
}

func decode(b capsule.Block) (payload, error) {
	var p payload
	if len(b.Data) == 0 || string(b.Data) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(b.Data, &p); err != nil {
		return p, fmt.Errorf("block %s (%s): %w", b.ID, b.Type, err)
	}
	return p, nil
}

type blockWriter struct {
	buf    *bytes.Buffer
	links  map[string]string
	output string
}

func isListItem(t string) bool {
	return t == "bulleted_list_item" || t == "numbered_list_item" || t == "to_do"
}

func (w *blockWriter) blocks(blocks []capsule.Block, depth int) error {
	number := 0
	inList := false
	for _, b := range blocks {
		if b.Type == "numbered_list_item" {
			number++
		} else {
			number = 0
		}
		if inList && !isListItem(b.Type) && depth == 0 {
			w.buf.WriteString("\n")
		}
		inList = isListItem(b.Type)
		if err := w.block(b, depth, number); err != nil {
			return err
		}
	}
	if inList && depth == 0 {
		w.buf.WriteString("\n")
	}
	return nil
}

func (w *blockWriter) block(b capsule.Block, depth int, number int) error {
	p, err := decode(b)
	if err != nil {
		return err
	}
	indent := strings.Repeat("  ", depth)
	text := markdown(p.RichText)

	switch b.Type {
	case "paragraph":
		if text == "" {
			w.buf.WriteString("\n")
		} else {
			fmt.Fprintf(w.buf, "%s%s\n\n", indent, text)
		}
		return w.blocks(b.Children, depth+1)
	case "heading_1":
		fmt.Fprintf(w.buf, "# %s\n\n", text)
		return w.blocks(b.Children, depth)
	case "heading_2":
		fmt.Fprintf(w.buf, "## %s\n\n", text)
		return w.blocks(b.Children, depth)
	case "heading_3":
		fmt.Fprintf(w.buf, "### %s\n\n", text)
		return w.blocks(b.Children, depth)
	case "bulleted_list_item":
		fmt.Fprintf(w.buf, "%s- %s\n", indent, text)
		return w.listChildren(b, depth)
	case "numbered_list_item":
		fmt.Fprintf(w.buf, "%s%d. %s\n", indent, number, text)
		return w.listChildren(b, depth)
	case "to_do":
		box := "[ ]"
		if p.Checked {
			box = "[x]"
		}
		fmt.Fprintf(w.buf, "%s- %s %s\n", indent, box, text)
		return w.listChildren(b, depth)
	case "toggle":
		fmt.Fprintf(w.buf, "%s<details>\n%s<summary>%s</summary>\n\n", indent, indent, text)
		if err := w.blocks(b.Children, depth+1); err != nil {
			return err
		}
		fmt.Fprintf(w.buf, "%s</details>\n\n", indent)
	case "quote":
		for _, line := range strings.Split(text, "\n") {
			fmt.Fprintf(w.buf, "%s> %s\n", indent, line)
		}
		w.buf.WriteString("\n")
		return w.blocks(b.Children, depth)
	case "callout":
		emoji := ""
		if p.Icon != nil && p.Icon.Type == "emoji" {
			emoji = p.Icon.Emoji + " "
		}
		fmt.Fprintf(w.buf, "%s> %s%s\n\n", indent, emoji, text)
		return w.blocks(b.Children, depth)
	case "code":
		fmt.Fprintf(w.buf, "```%s\n%s\n```\n", p.Language, plain(p.RichText))
		if caption := markdown(p.Caption); caption != "" {
			fmt.Fprintf(w.buf, "*%s*\n", caption)
		}
		w.buf.WriteString("\n")
	case "divider":
		w.buf.WriteString("---\n\n")
	case "equation":
		fmt.Fprintf(w.buf, "$$\n%s\n$$\n\n", p.Expression)
	case "table_of_contents":
		w.buf.WriteString("[TOC]\n\n")
	case "image":
		alt := markdown(p.Caption)
		if alt == "" {
			alt = "image"
		}
		fmt.Fprintf(w.buf, "%s![%s](%s)\n\n", indent, alt, w.fileLink(b))
	case "file", "pdf", "video", "audio":
		name := markdown(p.Caption)
		if name == "" && b.File != nil && b.File.Name != "" {
			name = b.File.Name
		}
		if name == "" {
			name = fileLabels[b.Type]
		}
		fmt.Fprintf(w.buf, "%s[%s](%s)\n\n", indent, name, w.fileLink(b))
	case "bookmark", "embed", "link_preview":
		title := markdown(p.Caption)
		if title == "" {
			title = p.URL
		}
		fmt.Fprintf(w.buf, "%s[%s](%s)\n\n", indent, title, p.URL)
	case "child_page":
		title := p.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(w.buf, "%s[%s](%s)\n\n", indent, title, w.rel(path.Join("pages", b.ID, "index.md")))
	case "child_database":
		title := p.Title
		if title == "" {
			title = "Untitled database"
		}
		fmt.Fprintf(w.buf, "%s[%s](%s)\n\n", indent, title, w.rel(path.Join("databases", b.ID, "_schema.yaml")))
	case "link_to_page":
		target := path.Join("pages", p.PageID, "index.md")
		if p.Type == "database_id" {
			target = path.Join("databases", p.DatabaseID, "_schema.yaml")
		}
		fmt.Fprintf(w.buf, "%s[Linked page](%s)\n\n", indent, w.rel(target))
	case "table":
		return w.table(b)
	case "table_row", "breadcrumb":
	case "column_list", "column", "synced_block":
		return w.blocks(b.Children, depth)
	case "template":
		fmt.Fprintf(w.buf, "*Template: %s*\n\n", text)
	default:
		fmt.Fprintf(w.buf, "%s[Unsupported block: %s]\n\n", indent, b.Type)
	}
	return nil
}

var fileLabels = map[string]string{
	"file":  "File",
	"pdf":   "PDF",
	"video": "Video",
	"audio": "Audio",
}

func (w *blockWriter) listChildren(b capsule.Block, depth int) error {
	return w.blocks(b.Children, depth+1)
}

func (w *blockWriter) table(b capsule.Block) error {
	rows := 0
	for _, child := range b.Children {
		if child.Type != "table_row" {
			continue
		}
		p, err := decode(child)
		if err != nil {
			return err
		}
		cells := make([]string, len(p.Cells))
		for i, c := range p.Cells {
			cells[i] = strings.ReplaceAll(markdown(c), "|", "\\|")
		}
		fmt.Fprintf(w.buf, "| %s |\n", strings.Join(cells, " | "))
		if rows == 0 {
			sep := make([]string, len(cells))
			for i := range sep {
				sep[i] = "---"
			}
			fmt.Fprintf(w.buf, "| %s |\n", strings.Join(sep, " | "))
		}
		rows++
	}
	if rows == 0 {
		w.buf.WriteString("[Table]\n")
	}
	w.buf.WriteString("\n")
	return nil
}

// fileLink prefers the downloaded copy of a file over its remote URL.
func (w *blockWriter) fileLink(b capsule.Block) string {
	if link, ok := w.links[b.ID]; ok {
		return link
	}
	if b.File != nil {
		return capsule.StableURL(b.File.URL)
	}
	return ""
}

// rel returns target, a path relative to the output root, relative to the
// directory of the file being rendered.
func (w *blockWriter) rel(target string) string {
	dir := path.Dir(w.output)
	if dir == "." {
		return target
	}
	up := strings.Count(dir, "/") + 1
	return strings.Repeat("../", up) + target
}

func markdown(items []richText) string {
	var sb strings.Builder
	for _, rt := range items {
		text := rt.PlainText
		if text == "" {
			continue
		}
		if rt.Annotations.Code {
			text = "`" + text + "`"
		}
		if rt.Annotations.Bold {
			text = "**" + text + "**"
		}
		if rt.Annotations.Italic {
			text = "*" + text + "*"
		}
		if rt.Annotations.Strikethrough {
			text = "~~" + text + "~~"
		}
		if rt.Href != nil && *rt.Href != "" {
			text = "[" + text + "](" + *rt.Href + ")"
		}
		sb.WriteString(text)
	}
	return sb.String()
}

func plain(items []richText) string {
	var sb strings.Builder
	for _, rt := range items {
		sb.WriteString(rt.PlainText)
	}
	return sb.String()
}
