package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"capsule-go/internal/capsule"
	"capsule-go/internal/remote"
	"capsule-go/internal/syncerr"
)

// Operation names used by FakeRemote for call counting and failure injection.
const (
	OpSearchPages     = "search_pages"
	OpSearchDatabases = "search_databases"
	OpQueryDatabase   = "query_database"
	OpGetPage         = "get_page"
	OpGetDatabase     = "get_database"
	OpGetBlocks       = "get_blocks"
	OpDownload        = "download"
)

// FakeRemote is an in-memory workspace implementing capsule.Remote.
// Listings are paginated with PageSize items per page. Safe for
// concurrent use.
type FakeRemote struct {
	// PageSize is the number of items per listing page (default 2).
	PageSize int
	// OnCall, if set, runs before every call with the operation and id.
	OnCall func(op string, id string)

	mu        sync.Mutex
	pages     []string
	databases []string
	rows      map[string][]string
	nodes     map[string]capsule.Node
	blocks    map[string][]capsule.Block
	files     map[string][]byte
	queued    map[string][]error
	always    map[string]error
	calls     map[string]int
}

// NewFakeRemote creates an empty workspace.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		PageSize: 2,
		rows:     make(map[string][]string),
		nodes:    make(map[string]capsule.Node),
		blocks:   make(map[string][]capsule.Block),
		files:    make(map[string][]byte),
		queued:   make(map[string][]error),
		always:   make(map[string]error),
		calls:    make(map[string]int),
	}
}

// Page builds a top-level page node.
func Page(id, title string, edited time.Time) capsule.Node {
	return capsule.Node{
		ID:         id,
		Kind:       capsule.KindPage,
		ParentKind: capsule.ParentWorkspace,
		Title:      title,
		URL:        "https://www.notion.so/" + id,
		LastEdited: edited,
	}
}

// Database builds a top-level database node.
func Database(id, title string, edited time.Time) capsule.Node {
	return capsule.Node{
		ID:         id,
		Kind:       capsule.KindDatabase,
		ParentKind: capsule.ParentWorkspace,
		Title:      title,
		URL:        "https://www.notion.so/" + id,
		LastEdited: edited,
		Schema:     []capsule.PropertySchema{{Name: "Name", Type: "title"}},
	}
}

// Row builds a database row node.
func Row(id, dbID, title string, edited time.Time) capsule.Node {
	return capsule.Node{
		ID:         id,
		Kind:       capsule.KindRow,
		ParentKind: capsule.ParentDatabase,
		ParentID:   dbID,
		Title:      title,
		URL:        "https://www.notion.so/" + id,
		LastEdited: edited,
		Properties: map[string]any{"Name": title},
	}
}

// Paragraph builds a paragraph block carrying plain text.
func Paragraph(id, text string) capsule.Block {
	data, _ := json.Marshal(map[string]any{
		"rich_text": []map[string]any{{"type": "text", "plain_text": text}},
	})
	return capsule.Block{ID: id, Type: "paragraph", Data: data}
}

// FileBlock builds a file block pointing at a hosted file.
func FileBlock(id, url, name string) capsule.Block {
	return capsule.Block{
		ID:   id,
		Type: "file",
		File: &capsule.FileRef{URL: url, Name: name, Hosted: true},
	}
}

// ChildPageBlock builds a block linking to a nested page.
func ChildPageBlock(pageID string) capsule.Block {
	return capsule.Block{ID: pageID, Type: "child_page", HasChildren: true}
}

// AddPage registers a page returned by the page search, with its blocks.
func (f *FakeRemote) AddPage(n capsule.Node, blocks ...capsule.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, n.ID)
	f.nodes[n.ID] = n
	f.blocks[n.ID] = blocks
}

// AddHiddenPage registers a page that only resolves by id, such as a
// child page reached through a parent's blocks in a scoped run.
func (f *FakeRemote) AddHiddenPage(n capsule.Node, blocks ...capsule.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[n.ID] = n
	f.blocks[n.ID] = blocks
}

// AddDatabase registers a database and its rows. Rows are also returned
// by the page search, as the real service does.
func (f *FakeRemote) AddDatabase(db capsule.Node, rows ...capsule.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.databases = append(f.databases, db.ID)
	f.nodes[db.ID] = db
	for _, r := range rows {
		f.rows[db.ID] = append(f.rows[db.ID], r.ID)
		f.pages = append(f.pages, r.ID)
		f.nodes[r.ID] = r
	}
}

// SetBlocks replaces the children of a page or block.
func (f *FakeRemote) SetBlocks(parentID string, blocks ...capsule.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[parentID] = blocks
}

// AddFile registers downloadable content at url.
func (f *FakeRemote) AddFile(url string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[url] = data
}

// Edit sets a node's last edited time, as an edit in the workspace would.
func (f *FakeRemote) Edit(id string, edited time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nodes[id]
	n.LastEdited = edited
	f.nodes[id] = n
}

// Fail queues errors returned by the next calls of op for id, one per call.
// Use "" as id for the search listings.
func (f *FakeRemote) Fail(op, id string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + ":" + id
	f.queued[key] = append(f.queued[key], errs...)
}

// FailAlways makes every call of op for id return err.
func (f *FakeRemote) FailAlways(op, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always[op+":"+id] = err
}

// Calls returns the number of calls made for op across all ids.
func (f *FakeRemote) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for key, c := range f.calls {
		if len(key) > len(op) && key[:len(op)+1] == op+":" {
			n += c
		}
	}
	return n
}

// CallsFor returns the number of calls made for op with id.
func (f *FakeRemote) CallsFor(op, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op+":"+id]
}

// ResetCalls clears the call counters.
func (f *FakeRemote) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

func (f *FakeRemote) enter(ctx context.Context, op, id string) error {
	if f.OnCall != nil {
		f.OnCall(op, id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + ":" + id
	f.calls[key]++
	if err, ok := f.always[key]; ok {
		return err
	}
	if q := f.queued[key]; len(q) > 0 {
		f.queued[key] = q[1:]
		return q[0]
	}
	return nil
}

func paginate[T any](items []T, cursor string, size int) (remote.Page[T], error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(items) {
			return remote.Page[T]{}, syncerr.New(syncerr.Malformed, "paginate", "bad cursor "+cursor)
		}
		start = n
	}
	if size <= 0 {
		size = 2
	}
	end := min(start+size, len(items))
	page := remote.Page[T]{Items: append([]T(nil), items[start:end]...)}
	if end < len(items) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *FakeRemote) nodesFor(ids []string) []capsule.Node {
	out := make([]capsule.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.nodes[id])
	}
	return out
}

func (f *FakeRemote) SearchPages(ctx context.Context, cursor string) (remote.Page[capsule.Node], error) {
	if err := f.enter(ctx, OpSearchPages, ""); err != nil {
		return remote.Page[capsule.Node]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.nodesFor(f.pages), cursor, f.PageSize)
}

func (f *FakeRemote) SearchDatabases(ctx context.Context, cursor string) (remote.Page[capsule.Node], error) {
	if err := f.enter(ctx, OpSearchDatabases, ""); err != nil {
		return remote.Page[capsule.Node]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.nodesFor(f.databases), cursor, f.PageSize)
}

func (f *FakeRemote) QueryDatabase(ctx context.Context, databaseID string, cursor string) (remote.Page[capsule.Node], error) {
	if err := f.enter(ctx, OpQueryDatabase, databaseID); err != nil {
		return remote.Page[capsule.Node]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.nodesFor(f.rows[databaseID]), cursor, f.PageSize)
}

func (f *FakeRemote) get(ctx context.Context, op, id string, kinds ...capsule.NodeKind) (capsule.Node, error) {
	if err := f.enter(ctx, op, id); err != nil {
		return capsule.Node{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if ok {
		for _, k := range kinds {
			if n.Kind == k {
				return n, nil
			}
		}
	}
	return capsule.Node{}, &syncerr.Error{Kind: syncerr.NotFound, Op: op, NodeID: id, Status: 404, Err: fmt.Errorf("object not found")}
}

func (f *FakeRemote) GetPage(ctx context.Context, id string) (capsule.Node, error) {
	return f.get(ctx, OpGetPage, id, capsule.KindPage, capsule.KindRow)
}

func (f *FakeRemote) GetDatabase(ctx context.Context, id string) (capsule.Node, error) {
	return f.get(ctx, OpGetDatabase, id, capsule.KindDatabase)
}

func (f *FakeRemote) GetBlocks(ctx context.Context, blockID string, cursor string) (remote.Page[capsule.Block], error) {
	if err := f.enter(ctx, OpGetBlocks, blockID); err != nil {
		return remote.Page[capsule.Block]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.blocks[blockID], cursor, f.PageSize)
}

func (f *FakeRemote) Download(ctx context.Context, url string) ([]byte, error) {
	if err := f.enter(ctx, OpDownload, url); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[url]
	if !ok {
		return nil, &syncerr.Error{Kind: syncerr.NotFound, Op: "download", Status: 404, Err: fmt.Errorf("no file at %s", url)}
	}
	return append([]byte(nil), data...), nil
}

// Compile-time check
var _ capsule.Remote = (*FakeRemote)(nil)
