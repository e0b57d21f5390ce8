package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"capsule-go/internal/capsule"
	"capsule-go/internal/scheduler"
)

type recorder struct {
	mu       sync.Mutex
	started  []string
	finished []scheduler.JobResult
}

func (r *recorder) JobStarted(job string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, job)
}

func (r *recorder) JobFinished(res scheduler.JobResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, res)
}

func (r *recorder) results() []scheduler.JobResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scheduler.JobResult(nil), r.finished...)
}

func every(d time.Duration) scheduler.ScheduleSpec {
	return scheduler.ScheduleFunc(func(t time.Time) time.Time { return t.Add(d) })
}

func newDaemon(cfg scheduler.Config, n scheduler.Notifier) *scheduler.Daemon {
	if cfg.Tick == 0 {
		cfg.Tick = 2 * time.Millisecond
	}
	return scheduler.New(cfg, capsule.NewNopLogger(), capsule.RealClock{}, n)
}

// start runs the daemon in the background and returns a stop function
// that cancels it and returns Run's error.
func start(t *testing.T, d *scheduler.Daemon) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run() did not return after cancellation")
			return nil
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDaemon_RunsDueJobs(t *testing.T) {
	rec := &recorder{}
	d := newDaemon(scheduler.Config{}, rec)

	var runs atomic.Int32
	err := d.Add("backup", "every 10ms", every(10*time.Millisecond), func(ctx context.Context) (string, error) {
		runs.Add(1)
		return "refreshed 1", nil
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	stop := start(t, d)
	waitFor(t, "two runs", func() bool { return len(rec.results()) >= 2 })
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	res := rec.results()[0]
	if res.Job != "backup" || res.Summary != "refreshed 1" || res.Err != nil {
		t.Errorf("first result = %+v", res)
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Errorf("FinishedAt %v before StartedAt %v", res.FinishedAt, res.StartedAt)
	}
	if st, _ := d.State("backup"); st != scheduler.Stopped {
		t.Errorf("State() = %v, want stopped", st)
	}
}

func TestDaemon_SkipsTriggerWhileRunning(t *testing.T) {
	d := newDaemon(scheduler.Config{}, nil)

	release := make(chan struct{})
	var active, maxActive, runs atomic.Int32
	err := d.Add("backup", "every 1ms", every(time.Millisecond), func(ctx context.Context) (string, error) {
		runs.Add(1)
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		return "", nil
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	stop := start(t, d)
	waitFor(t, "skipped triggers", func() bool { return d.Jobs()[0].Skipped >= 3 })

	if got := runs.Load(); got != 1 {
		t.Errorf("runs while blocked = %d, want 1", got)
	}
	if st, _ := d.State("backup"); st != scheduler.Running {
		t.Errorf("State() = %v, want running", st)
	}

	// Completing the blocked execution lets exactly one more start; the
	// skipped triggers are not replayed.
	release <- struct{}{}
	waitFor(t, "the next execution", func() bool { return runs.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != 2 {
		t.Errorf("runs after one completion = %d, want 2", got)
	}

	close(release)
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := maxActive.Load(); got != 1 {
		t.Errorf("max concurrent executions = %d, want 1", got)
	}
}

func TestDaemon_GracefulShutdownWaitsForRunningJob(t *testing.T) {
	rec := &recorder{}
	d := newDaemon(scheduler.Config{ShutdownTimeout: 5 * time.Second}, rec)

	started := make(chan struct{})
	var once sync.Once
	err := d.Add("backup", "every 1h", every(time.Millisecond), func(ctx context.Context) (string, error) {
		once.Do(func() { close(started) })
		time.Sleep(50 * time.Millisecond)
		return "done", ctx.Err()
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	stop := start(t, d)
	<-started
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	res := rec.results()
	if len(res) != 1 {
		t.Fatalf("finished runs = %d, want 1", len(res))
	}
	if res[0].Err != nil {
		t.Errorf("running job saw cancellation: %v", res[0].Err)
	}
	if st, _ := d.State("backup"); st != scheduler.Stopped {
		t.Errorf("State() = %v, want stopped", st)
	}
}

func TestDaemon_ShutdownTimeoutCancelsJobs(t *testing.T) {
	d := newDaemon(scheduler.Config{ShutdownTimeout: 20 * time.Millisecond}, nil)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	var once sync.Once
	err := d.Add("backup", "every 1h", every(time.Millisecond), func(ctx context.Context) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	stop := start(t, d)
	<-started
	if err := stop(); !errors.Is(err, scheduler.ErrShutdownTimeout) {
		t.Fatalf("Run() error = %v, want %v", err, scheduler.ErrShutdownTimeout)
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("running job was not cancelled")
	}
}

func TestDaemon_PanicIsReportedAsFailure(t *testing.T) {
	rec := &recorder{}
	d := newDaemon(scheduler.Config{}, rec)
	err := d.Add("daily", "every 1h", every(time.Millisecond), func(ctx context.Context) (string, error) {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	stop := start(t, d)
	waitFor(t, "a finished run", func() bool { return len(rec.results()) >= 1 })
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res := rec.results()[0]; res.Err == nil || !strings.Contains(res.Err.Error(), "boom") {
		t.Errorf("result error = %v, want panic message", res.Err)
	}
}

func TestDaemon_PartialResult(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantPartial bool
	}{
		{"partial", fmt.Errorf("backup %w: 2 failures", scheduler.ErrPartial), true},
		{"failed", errors.New("backup finished as failed"), false},
		{"success", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			d := newDaemon(scheduler.Config{}, rec)
			err := d.Add("backup", "every 1h", every(time.Millisecond), func(ctx context.Context) (string, error) {
				return "summary", tt.err
			})
			if err != nil {
				t.Fatalf("Add() error = %v", err)
			}

			stop := start(t, d)
			waitFor(t, "a finished run", func() bool { return len(rec.results()) >= 1 })
			if err := stop(); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res := rec.results()[0]; res.Partial != tt.wantPartial || !errors.Is(res.Err, tt.err) {
				t.Errorf("result Partial = %v, Err = %v; want %v, %v", res.Partial, res.Err, tt.wantPartial, tt.err)
			}
		})
	}
}

func TestDaemon_Add(t *testing.T) {
	d := newDaemon(scheduler.Config{}, nil)
	noop := func(context.Context) (string, error) { return "", nil }

	if err := d.Add("backup", "hourly", every(time.Hour), noop); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := d.Add("backup", "hourly", every(time.Hour), noop); !errors.Is(err, scheduler.ErrJobExists) {
		t.Errorf("Add(duplicate) error = %v, want %v", err, scheduler.ErrJobExists)
	}
	if _, ok := d.State("missing"); ok {
		t.Error("State(missing) reported a job")
	}
}

func TestDaemon_RunWithoutJobs(t *testing.T) {
	d := newDaemon(scheduler.Config{}, nil)
	if err := d.Run(context.Background()); !errors.Is(err, scheduler.ErrNoJobs) {
		t.Errorf("Run() error = %v, want %v", err, scheduler.ErrNoJobs)
	}
}
