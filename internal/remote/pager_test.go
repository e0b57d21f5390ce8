package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"capsule-go/internal/syncerr"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testGate(retries int) *Gate {
	return NewGate(nil, NewRetrier(RetryConfig{MaxRetries: retries}, WithSleeper(noSleep)))
}

// pagedSource serves items in fixed-size pages keyed by cursor "c<offset>".
type pagedSource struct {
	items    []string
	size     int
	failAt   map[string]int // cursor -> remaining failures
	failKind syncerr.Kind
	cursors  []string
}

func (s *pagedSource) list(ctx context.Context, cursor string) (Page[string], error) {
	s.cursors = append(s.cursors, cursor)
	if n := s.failAt[cursor]; n > 0 {
		s.failAt[cursor] = n - 1
		return Page[string]{}, &syncerr.Error{Kind: s.failKind, Op: "list"}
	}
	offset := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "c%d", &offset)
	}
	end := min(offset+s.size, len(s.items))
	page := Page[string]{Items: s.items[offset:end]}
	if end < len(s.items) {
		page.HasMore = true
		page.NextCursor = fmt.Sprintf("c%d", end)
	}
	return page, nil
}

func TestPager_YieldsAllItemsInOrder(t *testing.T) {
	t.Parallel()

	src := &pagedSource{items: []string{"a", "b", "c", "d", "e"}, size: 2}
	p := NewPager(testGate(0), "list", src.list)

	got, err := Collect(context.Background(), p)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if fmt.Sprint(got) != "[a b c d e]" {
		t.Errorf("items = %v, want [a b c d e]", got)
	}
	if p.Pages() != 3 {
		t.Errorf("Pages() = %d, want 3", p.Pages())
	}
}

func TestPager_EmptyListing(t *testing.T) {
	t.Parallel()

	src := &pagedSource{size: 10}
	p := NewPager(testGate(0), "list", src.list)

	if p.Next(context.Background()) {
		t.Fatalf("Next() = true on empty listing, item %q", p.Item())
	}
	if p.Err() != nil {
		t.Errorf("Err() = %v, want nil", p.Err())
	}
}

func TestPager_RetriesSameCursor(t *testing.T) {
	t.Parallel()

	src := &pagedSource{
		items:    []string{"a", "b", "c"},
		size:     1,
		failAt:   map[string]int{"c1": 2},
		failKind: syncerr.Transient,
	}
	p := NewPager(testGate(3), "list", src.list)

	got, err := Collect(context.Background(), p)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("items = %v, want 3 items", got)
	}
	want := []string{"", "c1", "c1", "c1", "c2"}
	if fmt.Sprint(src.cursors) != fmt.Sprint(want) {
		t.Errorf("cursors = %v, want %v", src.cursors, want)
	}
}

func TestPager_FailureAbortsSequence(t *testing.T) {
	t.Parallel()

	src := &pagedSource{
		items:    []string{"a", "b", "c", "d"},
		size:     2,
		failAt:   map[string]int{"c2": 10},
		failKind: syncerr.Transient,
	}
	p := NewPager(testGate(1), "list", src.list)

	got, err := Collect(context.Background(), p)
	if err == nil {
		t.Fatal("Collect() error = nil, want error")
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("Collect() error = %v, want ErrRetriesExhausted", err)
	}
	if len(got) != 2 {
		t.Errorf("items before failure = %v, want [a b]", got)
	}
	if p.Next(context.Background()) {
		t.Error("Next() = true after terminal error")
	}
}

func TestPager_MissingCursorIsMalformed(t *testing.T) {
	t.Parallel()

	list := func(ctx context.Context, cursor string) (Page[int], error) {
		return Page[int]{Items: []int{1}, HasMore: true}, nil
	}
	p := NewPager(testGate(0), "list", list)

	_, err := Collect(context.Background(), p)
	if kind := syncerr.KindOf(err); kind != syncerr.Malformed {
		t.Errorf("KindOf() = %v, want malformed_response", kind)
	}
}

func TestPager_All(t *testing.T) {
	t.Parallel()

	src := &pagedSource{items: []string{"x", "y", "z"}, size: 2}
	p := NewPager(testGate(0), "list", src.list)

	var got []string
	for item, err := range p.All(context.Background()) {
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		got = append(got, item)
	}
	if fmt.Sprint(got) != "[x y z]" {
		t.Errorf("items = %v, want [x y z]", got)
	}
}

func TestGate_AcquiresLimiterPerAttempt(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(200)
	g := NewGate(l, NewRetrier(RetryConfig{MaxRetries: 2}, WithSleeper(noSleep)))

	var stamps []time.Time
	err := g.Do(context.Background(), "op", func(ctx context.Context) error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 3 {
			return &syncerr.Error{Kind: syncerr.RateLimited}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if len(stamps) != 3 {
		t.Fatalf("attempts = %d, want 3", len(stamps))
	}
	if total := stamps[2].Sub(stamps[0]); total < 2*l.Interval()-tolerance {
		t.Errorf("three attempts spanned %v, want >= %v", total, 2*l.Interval())
	}
}
