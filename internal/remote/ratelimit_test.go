package remote

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"capsule-go/internal/syncerr"
)

// tolerance absorbs the limiter's float arithmetic on token accrual.
const tolerance = time.Millisecond

func TestRateLimiter_SpacesSequentialCalls(t *testing.T) {
	t.Parallel()

	const rps = 50.0
	l := NewRateLimiter(rps)
	interval := l.Interval()
	if interval != 20*time.Millisecond {
		t.Fatalf("Interval() = %v, want 20ms", interval)
	}

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 6; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		// time.Since uses the monotonic clock reading captured in start.
		elapsed := time.Since(start)
		min := time.Duration(i)*interval - tolerance
		if elapsed < min {
			t.Errorf("call %d granted after %v, want >= %v", i, elapsed, min)
		}
	}
}

func TestRateLimiter_ConcurrentCallersGetDistinctSlots(t *testing.T) {
	t.Parallel()

	const (
		rps     = 100.0
		callers = 8
	)
	l := NewRateLimiter(rps)

	var (
		mu     sync.Mutex
		grants []time.Duration
		wg     sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Wait(context.Background()); err != nil {
				t.Errorf("Wait() error = %v", err)
				return
			}
			mu.Lock()
			grants = append(grants, time.Since(start))
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(grants, func(i, j int) bool { return grants[i] < grants[j] })
	for i, g := range grants {
		min := time.Duration(i)*l.Interval() - tolerance
		if g < min {
			t.Errorf("grant %d at %v, want >= %v", i, g, min)
		}
	}
}

func TestRateLimiter_WaitHonoursCancellation(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(0.1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	cancel()

	err := l.Wait(ctx)
	if err == nil {
		t.Fatal("Wait() after cancel error = nil, want error")
	}
	if kind := syncerr.KindOf(err); kind != syncerr.Cancelled {
		t.Errorf("KindOf() = %v, want cancelled", kind)
	}
}

func TestNewRateLimiter_Default(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(0)
	want := time.Duration(float64(time.Second) / DefaultRequestsPerSecond)
	if l.Interval() != want {
		t.Errorf("Interval() = %v, want %v", l.Interval(), want)
	}
}
