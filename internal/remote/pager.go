package remote

import (
	"context"
	"iter"

	"capsule-go/internal/syncerr"
)

// Page is one response of a cursor-paginated listing.
type Page[T any] struct {
	Items      []T
	HasMore    bool
	NextCursor string
}

// ListFunc fetches the page starting at cursor. The first page uses "".
type ListFunc[T any] func(ctx context.Context, cursor string) (Page[T], error)

// Pager turns a paginated listing into a lazy, finite sequence. Each page
// is fetched through the Gate; a page failure that survives retries ends
// the sequence and is reported by Err. Pages are never skipped.
//
//	p := remote.NewPager(gate, "search pages", api.SearchPages)
//	for p.Next(ctx) {
//		use(p.Item())
//	}
//	if err := p.Err(); err != nil { ... }
type Pager[T any] struct {
	gate   *Gate
	op     string
	list   ListFunc[T]
	cursor string
	buf    []T
	idx    int
	cur    T
	done   bool
	err    error
	pages  int
}

// NewPager creates a Pager over list.
func NewPager[T any](gate *Gate, op string, list ListFunc[T]) *Pager[T] {
	return &Pager[T]{gate: gate, op: op, list: list}
}

// Next advances to the next item, fetching a new page when needed. It
// returns false at the end of the listing or on error.
func (p *Pager[T]) Next(ctx context.Context) bool {
	for {
		if p.idx < len(p.buf) {
			p.cur = p.buf[p.idx]
			p.idx++
			return true
		}
		if p.done || p.err != nil {
			return false
		}
		if err := p.fetch(ctx); err != nil {
			p.err = err
			p.buf, p.idx = nil, 0
			return false
		}
	}
}

func (p *Pager[T]) fetch(ctx context.Context) error {
	cursor := p.cursor
	var page Page[T]
	err := p.gate.Do(ctx, p.op, func(ctx context.Context) error {
		var err error
		page, err = p.list(ctx, cursor)
		return err
	})
	if err != nil {
		return err
	}
	p.pages++

	switch {
	case !page.HasMore:
		p.done = true
	case page.NextCursor == "":
		return syncerr.New(syncerr.Malformed, p.op, "listing declares more pages without a cursor")
	case page.NextCursor == cursor:
		return syncerr.New(syncerr.Malformed, p.op, "listing returned the same cursor twice")
	default:
		p.cursor = page.NextCursor
	}
	p.buf, p.idx = page.Items, 0
	return nil
}

// Item returns the current item. Valid only after Next returned true.
func (p *Pager[T]) Item() T {
	return p.cur
}

// Err returns the failure that ended the sequence, if any.
func (p *Pager[T]) Err() error {
	return p.err
}

// Pages returns the number of pages fetched so far.
func (p *Pager[T]) Pages() int {
	return p.pages
}

// All adapts the pager to a range-over-func sequence. A terminal error is
// yielded once, with the zero item, as the final pair.
func (p *Pager[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for p.Next(ctx) {
			if !yield(p.Item(), nil) {
				return
			}
		}
		if err := p.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

// Collect drains the pager into a slice.
func Collect[T any](ctx context.Context, p *Pager[T]) ([]T, error) {
	var out []T
	for p.Next(ctx) {
		out = append(out, p.Item())
	}
	return out, p.Err()
}
