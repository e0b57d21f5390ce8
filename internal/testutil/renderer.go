package testutil

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"capsule-go/internal/capsule"
)

// StubRenderer renders a compact, deterministic text form of a node. Like
// the real renderer it leaves out the last edited time.
type StubRenderer struct {
	mu    sync.Mutex
	fail  map[string]error
	calls int
}

func NewStubRenderer() *StubRenderer {
	return &StubRenderer{fail: make(map[string]error)}
}

// FailFor makes rendering of node id return err.
func (r *StubRenderer) FailFor(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[id] = err
}

// Calls returns the number of Render calls.
func (r *StubRenderer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *StubRenderer) Render(c *capsule.Content, links map[string]string) ([]byte, error) {
	r.mu.Lock()
	r.calls++
	err := r.fail[c.Node.ID]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %q\n", c.Node.Kind, c.Node.ID, c.Node.Title)

	keys := make([]string, 0, len(c.Node.Properties))
	for k := range c.Node.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "prop %s=%v\n", k, c.Node.Properties[k])
	}
	for _, s := range c.Node.Schema {
		fmt.Fprintf(&b, "column %s:%s\n", s.Name, s.Type)
	}
	writeBlocks(&b, c.Blocks, links, 0)
	return []byte(b.String()), nil
}

func writeBlocks(b *strings.Builder, blocks []capsule.Block, links map[string]string, depth int) {
	for _, blk := range blocks {
		fmt.Fprintf(b, "%s%s %s", strings.Repeat("  ", depth), blk.Type, blk.Data)
		if link, ok := links[blk.ID]; ok {
			fmt.Fprintf(b, " -> %s", link)
		} else if blk.File != nil {
			fmt.Fprintf(b, " -> %s", blk.File.URL)
		}
		b.WriteByte('\n')
		writeBlocks(b, blk.Children, links, depth+1)
	}
}

// Compile-time check
var _ capsule.Renderer = (*StubRenderer)(nil)
