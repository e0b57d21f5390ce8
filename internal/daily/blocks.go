package daily

import (
	"regexp"
	"strings"
)

// Block is one block in the API's append format.
type Block = map[string]any

var (
	numbered = regexp.MustCompile(`^\d+\.\s+(.+)$`)
	inline   = regexp.MustCompile("\\[([^\\]]+)\\]\\(([^)]+)\\)|`([^`]+)`|\\*\\*([^*]+)\\*\\*|\\*([^*]+)\\*")
)

var languages = map[string]string{
	"":       "plain text",
	"js":     "javascript",
	"ts":     "typescript",
	"py":     "python",
	"rb":     "ruby",
	"sh":     "bash",
	"yml":    "yaml",
	"golang": "go",
}

// maxText is the longest text content a single rich text item accepts.
const maxText = 2000

// MarkdownToBlocks converts a small Markdown subset into blocks: headings,
// bulleted, numbered and to-do items, quotes, fenced code, dividers and
// paragraphs. Blank lines separate blocks and are otherwise dropped.
func MarkdownToBlocks(content string) []Block {
	var blocks []Block
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(line, "### "):
			blocks = append(blocks, textBlock("heading_3", line[4:]))
		case strings.HasPrefix(line, "## "):
			blocks = append(blocks, textBlock("heading_2", line[3:]))
		case strings.HasPrefix(line, "# "):
			blocks = append(blocks, textBlock("heading_1", line[2:]))
		case strings.HasPrefix(line, "- [ ] "), trimmed == "- [ ]":
			blocks = append(blocks, todo(strings.TrimPrefix(trimmed, "- [ ]"), false))
		case strings.HasPrefix(line, "- [x] "), strings.HasPrefix(line, "- [X] "):
			blocks = append(blocks, todo(line[6:], true))
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			blocks = append(blocks, textBlock("bulleted_list_item", line[2:]))
		case trimmed == "-":
			blocks = append(blocks, textBlock("bulleted_list_item", ""))
		case numbered.MatchString(line):
			blocks = append(blocks, textBlock("numbered_list_item", numbered.FindStringSubmatch(line)[1]))
		case strings.HasPrefix(line, "> "):
			quote := []string{line[2:]}
			for i+1 < len(lines) && strings.HasPrefix(lines[i+1], "> ") {
				i++
				quote = append(quote, lines[i][2:])
			}
			blocks = append(blocks, textBlock("quote", strings.Join(quote, "\n")))
		case strings.HasPrefix(line, "```"):
			lang := strings.TrimSpace(line[3:])
			var code []string
			for i+1 < len(lines) && !strings.HasPrefix(lines[i+1], "```") {
				i++
				code = append(code, lines[i])
			}
			i++ // closing fence
			blocks = append(blocks, codeBlock(strings.Join(code, "\n"), lang))
		case trimmed == "---" || trimmed == "***" || trimmed == "___":
			blocks = append(blocks, Block{"object": "block", "type": "divider", "divider": map[string]any{}})
		default:
			blocks = append(blocks, textBlock("paragraph", line))
		}
	}
	return blocks
}

func textBlock(typ, text string) Block {
	return Block{
		"object": "block",
		"type":   typ,
		typ:      map[string]any{"rich_text": richText(strings.TrimSpace(text))},
	}
}

func todo(text string, checked bool) Block {
	return Block{
		"object": "block",
		"type":   "to_do",
		"to_do": map[string]any{
			"rich_text": richText(strings.TrimSpace(text)),
			"checked":   checked,
		},
	}
}

func codeBlock(code, lang string) Block {
	if mapped, ok := languages[strings.ToLower(lang)]; ok {
		lang = mapped
	}
	rt := plain(code)
	if rt == nil {
		rt = []map[string]any{}
	}
	return Block{
		"object": "block",
		"type":   "code",
		"code": map[string]any{
			"rich_text": rt,
			"language":  strings.ToLower(lang),
		},
	}
}

// richText converts inline links, code, bold and italic spans.
func richText(s string) []map[string]any {
	var out []map[string]any
	last := 0
	for _, m := range inline.FindAllStringSubmatchIndex(s, -1) {
		if m[0] > last {
			out = append(out, plain(s[last:m[0]])...)
		}
		switch {
		case m[2] >= 0:
			out = append(out, textItem(s[m[2]:m[3]], s[m[4]:m[5]], nil))
		case m[6] >= 0:
			out = append(out, textItem(s[m[6]:m[7]], "", map[string]any{"code": true}))
		case m[8] >= 0:
			out = append(out, textItem(s[m[8]:m[9]], "", map[string]any{"bold": true}))
		case m[10] >= 0:
			out = append(out, textItem(s[m[10]:m[11]], "", map[string]any{"italic": true}))
		}
		last = m[1]
	}
	if last < len(s) {
		out = append(out, plain(s[last:])...)
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out
}

// plain splits text into items no longer than the API limit.
func plain(s string) []map[string]any {
	var out []map[string]any
	r := []rune(s)
	for len(r) > maxText {
		out = append(out, textItem(string(r[:maxText]), "", nil))
		r = r[maxText:]
	}
	if len(r) > 0 {
		out = append(out, textItem(string(r), "", nil))
	}
	return out
}

func textItem(content, link string, annotations map[string]any) map[string]any {
	text := map[string]any{"content": content}
	if link != "" {
		text["link"] = map[string]any{"url": link}
	}
	item := map[string]any{"type": "text", "text": text}
	if annotations != nil {
		item["annotations"] = annotations
	}
	return item
}
