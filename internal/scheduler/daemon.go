// Package scheduler runs named jobs on their schedules inside one
// long-lived process. A job never overlaps itself: a trigger that comes
// due while the previous execution is still running is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"capsule-go/internal/capsule"
)

var (
	// ErrJobExists is returned when a job name is registered twice.
	ErrJobExists = errors.New("job already registered")
	// ErrShutdownTimeout is returned by Run when running jobs did not
	// finish within the shutdown timeout and had to be cancelled.
	ErrShutdownTimeout = errors.New("shutdown timed out; running jobs were cancelled")
	// ErrNoJobs is returned by Run when nothing is registered.
	ErrNoJobs = errors.New("no jobs registered")
	// ErrPartial is wrapped by actions that finished only part of their
	// work. The result is reported as partial rather than failed.
	ErrPartial = errors.New("completed with errors")
)

// State is the lifecycle state of a job.
type State int

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Action is the work of a job. The returned summary is passed to the
// notifier with the result.
type Action func(ctx context.Context) (summary string, err error)

// JobResult describes one finished execution.
type JobResult struct {
	Job        string
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    string
	Err        error
	// Partial is set when Err wraps ErrPartial.
	Partial bool
}

// Notifier receives job lifecycle events. Calls are made from the job's
// goroutine, so implementations that do slow I/O should hand off.
type Notifier interface {
	JobStarted(job string, at time.Time)
	JobFinished(result JobResult)
}

type nopNotifier struct{}

func (nopNotifier) JobStarted(string, time.Time) {}
func (nopNotifier) JobFinished(JobResult)        {}

// JobStatus is a snapshot of one job.
type JobStatus struct {
	Name    string
	Spec    string
	State   State
	Next    time.Time
	Runs    int
	Skipped int
	LastRun *JobResult
}

type job struct {
	name     string
	spec     string
	schedule ScheduleSpec
	action   Action

	state   State
	next    time.Time
	runs    int
	skipped int
	last    *JobResult
}

// Config controls the daemon loop.
type Config struct {
	// Tick is how often due jobs are checked. Default 1s.
	Tick time.Duration
	// ShutdownTimeout bounds how long Run waits for running jobs after its
	// context is cancelled. Default 5m.
	ShutdownTimeout time.Duration
}

// Daemon triggers registered jobs when they come due.
type Daemon struct {
	cfg      Config
	logger   capsule.Logger
	clock    capsule.Clock
	notifier Notifier

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	started bool
	wg      sync.WaitGroup
}

// New creates a daemon. A nil notifier discards events.
func New(cfg Config, logger capsule.Logger, clock capsule.Clock, notifier Notifier) *Daemon {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Minute
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		notifier: notifier,
		jobs:     make(map[string]*job),
	}
}

// Add registers a job. spec is the human-readable form of schedule, used
// only for reporting. Jobs must be added before Run.
func (d *Daemon) Add(name, spec string, schedule ScheduleSpec, action Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("adding job %s: daemon already running", name)
	}
	if _, ok := d.jobs[name]; ok {
		return fmt.Errorf("adding job %s: %w", name, ErrJobExists)
	}
	d.jobs[name] = &job{name: name, spec: spec, schedule: schedule, action: action}
	d.order = append(d.order, name)
	return nil
}

// Jobs returns a snapshot of every job, sorted by name.
func (d *Daemon) Jobs() []JobStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]JobStatus, 0, len(d.jobs))
	for _, j := range d.jobs {
		st := JobStatus{
			Name:    j.name,
			Spec:    j.spec,
			State:   j.state,
			Next:    j.next,
			Runs:    j.runs,
			Skipped: j.skipped,
		}
		if j.last != nil {
			last := *j.last
			st.LastRun = &last
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Run triggers due jobs until ctx is cancelled, then waits for running
// jobs to finish. Running jobs do not see ctx's cancellation; they are
// cancelled only if they outlive the shutdown timeout, in which case Run
// returns ErrShutdownTimeout without waiting further.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if len(d.jobs) == 0 {
		d.mu.Unlock()
		return ErrNoJobs
	}
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already running")
	}
	d.started = true
	now := d.clock.Now()
	for _, name := range d.order {
		j := d.jobs[name]
		j.next = j.schedule.Next(now)
		d.logger.Info("job scheduled", "job", j.name, "schedule", j.spec, "next", j.next)
	}
	d.mu.Unlock()

	jobCtx, force := context.WithCancel(context.WithoutCancel(ctx))
	defer force()

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown(force)
		case <-ticker.C:
			d.tick(jobCtx)
		}
	}
}

// tick starts every idle job that is due and skips due jobs that are
// still running.
func (d *Daemon) tick(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	for _, name := range d.order {
		j := d.jobs[name]
		if now.Before(j.next) {
			continue
		}
		if j.state != Idle {
			j.skipped++
			j.next = j.schedule.Next(now)
			d.logger.Warn("job still running, trigger skipped", "job", j.name, "next", j.next)
			continue
		}
		j.state = Running
		j.runs++
		d.wg.Add(1)
		go d.execute(ctx, j, now)
	}
}

func (d *Daemon) execute(ctx context.Context, j *job, started time.Time) {
	defer d.wg.Done()

	d.logger.Info("job started", "job", j.name)
	d.notifier.JobStarted(j.name, started)

	summary, err := d.protect(ctx, j)
	finished := d.clock.Now()
	result := JobResult{
		Job:        j.name,
		StartedAt:  started,
		FinishedAt: finished,
		Summary:    summary,
		Err:        err,
		Partial:    errors.Is(err, ErrPartial),
	}

	d.mu.Lock()
	j.last = &result
	if j.state == Stopping {
		j.state = Stopped
	} else {
		j.state = Idle
		j.next = j.schedule.Next(finished)
	}
	next := j.next
	d.mu.Unlock()

	switch {
	case result.Partial:
		d.logger.Warn("job completed with errors", "job", j.name, "elapsed", finished.Sub(started), "summary", summary, "error", err, "next", next)
	case err != nil:
		d.logger.Error("job failed", "job", j.name, "elapsed", finished.Sub(started), "error", err)
	default:
		d.logger.Info("job finished", "job", j.name, "elapsed", finished.Sub(started), "summary", summary, "next", next)
	}
	d.notifier.JobFinished(result)
}

// protect runs the action and reports a panic as an error.
func (d *Daemon) protect(ctx context.Context, j *job) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	return j.action(ctx)
}

func (d *Daemon) shutdown(force context.CancelFunc) error {
	d.mu.Lock()
	running := 0
	for _, j := range d.jobs {
		if j.state == Running {
			j.state = Stopping
			running++
		} else {
			j.state = Stopped
		}
	}
	d.mu.Unlock()
	d.logger.Info("scheduler stopping", "running", running)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		d.logger.Info("scheduler stopped")
		return nil
	case <-timer.C:
		d.logger.Error("shutdown timed out, cancelling running jobs", "timeout", d.cfg.ShutdownTimeout)
		force()
		return ErrShutdownTimeout
	}
}

// State returns the state of a job, or false if it is not registered.
func (d *Daemon) State(name string) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[name]
	if !ok {
		return 0, false
	}
	return j.state, true
}
