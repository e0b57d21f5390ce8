package daily

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"capsule-go/internal/capsule"
	"capsule-go/internal/remote"
	"capsule-go/internal/syncerr"
)

// ErrNoContent is returned when the rendered template yields no blocks.
var ErrNoContent = errors.New("template produced no content")

// batchSize is the number of blocks appended per request.
const batchSize = 100

// Appender appends blocks to the end of a page.
type Appender interface {
	AppendBlocks(ctx context.Context, pageID string, blocks []map[string]any) error
}

// Result describes one publish.
type Result struct {
	PageID   string
	Blocks   int
	Requests int
	DryRun   bool
	Content  string
}

// Publisher renders the template and appends it to the target page.
type Publisher struct {
	api    Appender
	gate   *remote.Gate
	logger capsule.Logger
	clock  capsule.Clock
}

// NewPublisher creates a publisher. Every append goes through gate.
func NewPublisher(api Appender, gate *remote.Gate, logger capsule.Logger, clock capsule.Clock) *Publisher {
	return &Publisher{api: api, gate: gate, logger: logger, clock: clock}
}

// LoadTemplate reads a template file. An empty path selects DefaultTemplate.
func LoadTemplate(path string) (string, error) {
	if path == "" {
		return DefaultTemplate, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", syncerr.Wrap(syncerr.Configuration, "load template", err)
	}
	return string(data), nil
}

// Publish renders tmpl for the current time in loc and appends the
// resulting blocks to pageID. A dry run renders and converts but sends
// nothing.
func (p *Publisher) Publish(ctx context.Context, pageID, tmpl string, loc *time.Location, dryRun bool) (*Result, error) {
	if pageID == "" {
		return nil, syncerr.New(syncerr.Configuration, "daily publish", "no target page configured")
	}
	if loc == nil {
		loc = time.UTC
	}

	content := Render(tmpl, p.clock.Now().In(loc))
	blocks := MarkdownToBlocks(content)
	res := &Result{PageID: pageID, Blocks: len(blocks), DryRun: dryRun, Content: content}
	if len(blocks) == 0 {
		return res, ErrNoContent
	}
	if dryRun {
		p.logger.Info("daily publish dry run", "page", pageID, "blocks", len(blocks))
		return res, nil
	}

	for start := 0; start < len(blocks); start += batchSize {
		batch := blocks[start:min(start+batchSize, len(blocks))]
		err := p.gate.Do(ctx, "append blocks", func(ctx context.Context) error {
			return p.api.AppendBlocks(ctx, pageID, batch)
		})
		if err != nil {
			return res, fmt.Errorf("appending blocks %d-%d: %w", start+1, start+len(batch), err)
		}
		res.Requests++
	}
	p.logger.Info("daily content published", "page", pageID, "blocks", len(blocks), "requests", res.Requests)
	return res, nil
}
