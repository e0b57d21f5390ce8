package capsule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"capsule-go/internal/remote"
	"capsule-go/internal/syncerr"
)

// ErrRunInProgress is returned when Run is called while another run of the
// same Syncer has not finished.
var ErrRunInProgress = errors.New("a sync run is already in progress")

// maxBlockDepth bounds recursion into nested blocks.
const maxBlockDepth = 16

// defaultAttachmentWorkers is the number of concurrent attachment downloads
// per node. Downloads still pass through the shared rate limiter.
const defaultAttachmentWorkers = 4

// Syncer is the orchestration layer: it walks the remote hierarchy,
// decides per node whether anything changed, writes changed nodes and
// keeps the fingerprint store current. It never mutates the remote side.
type Syncer struct {
	api      Remote
	gate     *remote.Gate
	renderer Renderer
	fsys     Filesystem
	detector ChangeDetector
	exclude  Matcher
	workers  int
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	running  sync.Mutex
}

// SyncerOption customizes a Syncer.
type SyncerOption func(*Syncer)

// WithExclude skips nodes whose output path matches m, along with their
// descendants.
func WithExclude(m Matcher) SyncerOption {
	return func(s *Syncer) { s.exclude = m }
}

// WithAttachmentWorkers sets the number of concurrent downloads per node.
func WithAttachmentWorkers(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.workers = n
		}
	}
}

// NewSyncer creates a Syncer with the provided dependencies.
func NewSyncer(api Remote, gate *remote.Gate, renderer Renderer, fsys Filesystem, logger Logger, clock Clock, idgen IDGenerator, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		api:      api,
		gate:     gate,
		renderer: renderer,
		fsys:     fsys,
		workers:  defaultAttachmentWorkers,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run is the mutable state of one Run. Only the walking goroutine touches
// it; attachment workers report back through return values.
type run struct {
	opts             RunOptions
	store            *Store
	result           *RunResult
	seen             map[string]bool
	failedContainers map[string]bool
	fatal            error
}

func (r *run) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || r.fatal != nil
}

// Run performs one sync. Per-node failures are recorded in the result and
// never abort the walk. The returned error is non-nil only when the run as
// a whole was cut short: by cancellation (the fingerprint store is then not
// saved), by an authentication failure, or when the store cannot be read.
func (s *Syncer) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if !s.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.running.Unlock()

	result := &RunResult{
		RunID:     s.idgen.New(),
		Options:   opts,
		StartedAt: s.clock.Now(),
	}

	store, err := LoadStore(s.fsys)
	if store == nil {
		err = syncerr.Wrap(syncerr.Configuration, "load fingerprint store", err)
		result.fail("", err)
		result.finalize(s.clock.Now())
		return result, err
	}
	if err != nil {
		s.logger.Warn("fingerprint store unreadable, starting empty", "error", err)
	}
	result.Generation = store.Generation()

	r := &run{
		opts:             opts,
		store:            store,
		result:           result,
		seen:             make(map[string]bool),
		failedContainers: make(map[string]bool),
	}

	s.logger.Info("sync started",
		"run_id", result.RunID,
		"scope", scopeOf(opts),
		"full", opts.Full,
		"attachments", opts.Attachments,
		"dry_run", opts.DryRun,
		"fingerprints", store.Len(),
	)

	if opts.NodeID != "" {
		s.syncScoped(ctx, r)
	} else {
		s.syncAll(ctx, r)
	}

	if err := ctx.Err(); err != nil {
		result.Cancelled = true
		result.fail("", syncerr.Wrap(syncerr.Cancelled, "sync", err))
		result.finalize(s.clock.Now())
		s.logger.Warn("sync cancelled, fingerprint store not saved",
			"run_id", result.RunID,
			"refreshed", result.Refreshed,
		)
		return result, fmt.Errorf("sync cancelled: %w", err)
	}

	if !opts.DryRun {
		if err := store.Save(s.clock.Now()); err != nil {
			result.fail("", syncerr.Wrap(syncerr.Write, "save fingerprint store", err))
			s.logger.Error("fingerprint store not saved", "error", err)
		}
	}
	result.Generation = store.Generation()
	result.finalize(s.clock.Now())

	s.logger.Info("sync finished",
		"run_id", result.RunID,
		"outcome", string(result.Outcome),
		"examined", result.Examined,
		"refreshed", result.Refreshed,
		"skipped", result.Skipped,
		"touched", result.Touched,
		"excluded", result.Excluded,
		"attachments", result.AttachmentsFetched,
		"failures", len(result.Failures),
		"duration", result.Duration().String(),
	)
	return result, r.fatal
}

func scopeOf(opts RunOptions) string {
	if opts.NodeID != "" {
		return opts.NodeID
	}
	return "workspace"
}

// syncAll walks databases (with their rows) first, then pages. Rows that
// the page search also returns are already seen by then.
func (s *Syncer) syncAll(ctx context.Context, r *run) {
	dbs := remote.NewPager(s.gate, "search databases", s.api.SearchDatabases)
	for !r.stopped(ctx) && dbs.Next(ctx) {
		s.visit(ctx, r, dbs.Item())
	}
	if err := dbs.Err(); err != nil {
		s.record(ctx, r, "", err, "database listing failed")
	}

	pages := remote.NewPager(s.gate, "search pages", s.api.SearchPages)
	for !r.stopped(ctx) && pages.Next(ctx) {
		n := pages.Item()
		if n.Kind == KindRow && r.failedContainers[n.ParentID] {
			continue
		}
		s.visit(ctx, r, n)
	}
	if err := pages.Err(); err != nil {
		s.record(ctx, r, "", err, "page listing failed")
	}
	s.logger.Debug("workspace listed", "database_pages", dbs.Pages(), "page_pages", pages.Pages())
}

// syncScoped resolves a single page or database and walks its subtree.
func (s *Syncer) syncScoped(ctx context.Context, r *run) {
	id := r.opts.NodeID
	n, err := s.resolve(ctx, id, KindPage)
	if err != nil && isKind(err, syncerr.NotFound, syncerr.Malformed) {
		if db, dbErr := s.resolve(ctx, id, KindDatabase); dbErr == nil {
			n, err = db, nil
		}
	}
	if err != nil {
		s.record(ctx, r, id, err, "node could not be resolved")
		return
	}
	s.visit(ctx, r, n)
}

func isKind(err error, kinds ...syncerr.Kind) bool {
	k := syncerr.KindOf(err)
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// visit syncs one node and then its children. Each node is visited at most
// once per run.
func (s *Syncer) visit(ctx context.Context, r *run, n Node) {
	if r.stopped(ctx) || r.seen[n.ID] {
		return
	}
	r.seen[n.ID] = true

	if !s.syncNode(ctx, r, n) {
		return
	}

	switch n.Kind {
	case KindDatabase:
		s.visitRows(ctx, r, n)
	case KindPage, KindRow:
		// The workspace search already lists nested pages; only a scoped
		// run has to discover them through the page's blocks.
		if r.opts.NodeID != "" {
			s.visitChildren(ctx, r, n)
		}
	}
}

func (s *Syncer) visitRows(ctx context.Context, r *run, db Node) {
	rows := remote.NewPager(s.gate, "query database", func(ctx context.Context, cursor string) (remote.Page[Node], error) {
		return s.api.QueryDatabase(ctx, db.ID, cursor)
	})
	for !r.stopped(ctx) && rows.Next(ctx) {
		s.visit(ctx, r, rows.Item())
	}
	if err := rows.Err(); err != nil {
		r.failedContainers[db.ID] = true
		s.record(ctx, r, db.ID, err, "row listing failed, subtree skipped")
	}
}

func (s *Syncer) visitChildren(ctx context.Context, r *run, n Node) {
	type childRef struct {
		id   string
		kind NodeKind
	}

	blocks := remote.NewPager(s.gate, "list children", func(ctx context.Context, cursor string) (remote.Page[Block], error) {
		return s.api.GetBlocks(ctx, n.ID, cursor)
	})
	var refs []childRef
	for b, err := range blocks.All(ctx) {
		if err != nil {
			r.failedContainers[n.ID] = true
			s.record(ctx, r, n.ID, err, "child listing failed, subtree skipped")
			return
		}
		if id, kind, ok := b.ChildRef(); ok {
			refs = append(refs, childRef{id: id, kind: kind})
		}
	}

	for _, ref := range refs {
		if r.stopped(ctx) {
			return
		}
		if r.seen[ref.id] {
			continue
		}
		child, err := s.resolve(ctx, ref.id, ref.kind)
		if err != nil {
			s.record(ctx, r, ref.id, err, "child could not be resolved")
			continue
		}
		s.visit(ctx, r, child)
	}
}

func (s *Syncer) resolve(ctx context.Context, id string, kind NodeKind) (Node, error) {
	op, get := "get page", s.api.GetPage
	if kind == KindDatabase {
		op, get = "get database", s.api.GetDatabase
	}
	var n Node
	err := s.gate.Do(ctx, op, func(ctx context.Context) error {
		var err error
		n, err = get(ctx, id)
		return err
	})
	return n, err
}

// syncNode applies change detection to n and rewrites it when needed. It
// reports whether the walk should descend into n's children, which is
// false only for excluded nodes.
func (s *Syncer) syncNode(ctx context.Context, r *run, n Node) bool {
	out := OutputPath(n)
	if s.exclude != nil && s.exclude.Match(out) {
		r.result.Excluded++
		s.logger.Debug("node excluded", "node", n.ID, "path", out)
		return false
	}
	r.result.Examined++

	var prev *Fingerprint
	if fp, ok := r.store.Get(n.ID); ok {
		if s.fsys.Exists(fp.OutputPath) {
			prev = &fp
		} else {
			s.logger.Info("output missing, refreshing", "node", n.ID, "path", fp.OutputPath)
		}
	}

	decision := s.detector.Decide(n, prev, r.opts.Full)
	if decision.Action == ActionSkip {
		r.result.Skipped++
		s.logger.Debug("node skipped", "node", n.ID, "reason", decision.Reason)
		return true
	}

	content, err := s.fetchContent(ctx, n, r.opts.Attachments)
	if err != nil {
		s.record(ctx, r, n.ID, err, "content fetch failed")
		return true
	}

	links := make(map[string]string, len(content.Attachments))
	for _, a := range content.Attachments {
		links[a.BlockID] = a.Link
	}
	data, err := s.renderer.Render(content, links)
	if err != nil {
		s.record(ctx, r, n.ID, syncerr.Wrap(syncerr.Malformed, "render", err), "render failed")
		return true
	}
	hash := HashBytes(data)

	if decision.Action == ActionVerify {
		decision = s.detector.Confirm(prev, hash)
		if decision.Action == ActionTouch {
			touched := *prev
			touched.LastEdited = n.LastEdited
			r.store.Put(touched)
			r.result.Touched++
			s.logger.Debug("node touched", "node", n.ID, "reason", decision.Reason)
			return true
		}
	}

	if r.opts.DryRun {
		r.result.Refreshed++
		s.logger.Info("node would be refreshed", "node", n.ID, "path", out, "reason", decision.Reason)
		return true
	}

	records, fetched, err := s.writeAttachments(ctx, content.Attachments, prev)
	if err != nil {
		s.record(ctx, r, n.ID, err, "attachment download failed")
		return true
	}
	if err := s.fsys.WriteFile(out, data); err != nil {
		s.record(ctx, r, n.ID, syncerr.Wrap(syncerr.Write, "write "+out, err), "write failed")
		return true
	}

	fp := Fingerprint{
		NodeID:      n.ID,
		Kind:        n.Kind,
		LastEdited:  n.LastEdited,
		ContentHash: hash,
		OutputPath:  out,
		Attachments: records,
		SyncedAt:    s.clock.Now().UTC(),
	}
	r.store.Put(fp)
	r.result.Refreshed++
	r.result.AttachmentsFetched += fetched
	r.result.Changed = append(r.result.Changed, fp)

	s.logger.Info("node refreshed",
		"node", n.ID,
		"kind", string(n.Kind),
		"path", out,
		"reason", decision.Reason,
		"attachments", len(records),
	)
	return true
}

// record adds a failure to the result. Failures caused by the run's own
// cancellation are not recorded per node; Run records one for the run.
func (s *Syncer) record(ctx context.Context, r *run, nodeID string, err error, msg string) {
	if ctx.Err() != nil {
		return
	}
	r.result.fail(nodeID, err)
	kind := syncerr.KindOf(err)
	s.logger.Error(msg, "node", nodeID, "kind", kind.String(), "error", err)
	if kind == syncerr.Authentication && r.fatal == nil {
		r.fatal = err
	}
}

// fetchContent retrieves the full body of n: the database definition for
// databases, the block tree for pages and rows.
func (s *Syncer) fetchContent(ctx context.Context, n Node, withAttachments bool) (*Content, error) {
	if n.Kind == KindDatabase {
		fresh, err := s.resolve(ctx, n.ID, KindDatabase)
		if err != nil {
			return nil, err
		}
		return &Content{Node: fresh}, nil
	}

	blocks, err := s.fetchBlocks(ctx, n.ID, 0)
	if err != nil {
		return nil, err
	}
	c := &Content{Node: n, Blocks: blocks}
	if withAttachments {
		c.Attachments = collectAttachments(blocks, OutputPath(n), nil)
	}
	return c, nil
}

func (s *Syncer) fetchBlocks(ctx context.Context, parentID string, depth int) ([]Block, error) {
	p := remote.NewPager(s.gate, "get blocks", func(ctx context.Context, cursor string) (remote.Page[Block], error) {
		return s.api.GetBlocks(ctx, parentID, cursor)
	})
	blocks, err := remote.Collect(ctx, p)
	if err != nil {
		return nil, err
	}

	for i := range blocks {
		b := &blocks[i]
		if !b.HasChildren || depth >= maxBlockDepth {
			continue
		}
		if _, _, ok := b.ChildRef(); ok {
			continue
		}
		children, err := s.fetchBlocks(ctx, b.ID, depth+1)
		if err != nil {
			return nil, err
		}
		b.Children = children
	}
	return blocks, nil
}

func collectAttachments(blocks []Block, nodeOutput string, acc []Attachment) []Attachment {
	for _, b := range blocks {
		if b.File != nil && b.File.Hosted && b.File.URL != "" {
			rel, link := attachmentPaths(nodeOutput, b.ID, b.File.Name)
			acc = append(acc, Attachment{
				BlockID: b.ID,
				URL:     b.File.URL,
				Name:    b.File.Name,
				Path:    rel,
				Link:    link,
			})
		}
		acc = collectAttachments(b.Children, nodeOutput, acc)
	}
	return acc
}

// writeAttachments downloads and writes the node's attachments
// concurrently. An attachment already on disk from the same source is
// reused. Any failure fails the node.
func (s *Syncer) writeAttachments(ctx context.Context, atts []Attachment, prev *Fingerprint) ([]AttachmentRecord, int, error) {
	if len(atts) == 0 {
		return nil, 0, nil
	}

	known := make(map[string]AttachmentRecord)
	if prev != nil {
		for _, rec := range prev.Attachments {
			known[rec.Path] = rec
		}
	}

	records := make([]AttachmentRecord, len(atts))
	var fetched atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, a := range atts {
		src := sourceOf(a.URL)
		if rec, ok := known[a.Path]; ok && rec.Source == src && s.fsys.Exists(a.Path) {
			records[i] = rec
			continue
		}
		g.Go(func() error {
			var data []byte
			err := s.gate.Do(gctx, "download", func(ctx context.Context) error {
				var err error
				data, err = s.api.Download(ctx, a.URL)
				return err
			})
			if err != nil {
				return fmt.Errorf("attachment %s: %w", a.Name, err)
			}
			if err := s.fsys.WriteFile(a.Path, data); err != nil {
				return syncerr.Wrap(syncerr.Write, "write "+a.Path, err)
			}
			records[i] = AttachmentRecord{Path: a.Path, Hash: HashBytes(data), Source: src}
			fetched.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return records, int(fetched.Load()), nil
}
