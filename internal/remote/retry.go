package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"capsule-go/internal/syncerr"
)

// ErrRetriesExhausted wraps the last failure once the retry budget is spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig configures RetryExecutor behavior.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is multiplied by BackoffFactor^attempt (attempt counts from 0).
	BaseDelay time.Duration
	// BackoffFactor is the exponential base (default 2.0: 1s, 2s, 4s).
	BackoffFactor float64
	// MaxDelay caps the computed backoff. Server Retry-After hints are
	// honoured in full. Zero means no cap.
	MaxDelay time.Duration
	// IsRetryable decides whether a failure may be retried.
	IsRetryable func(error) bool
}

// DefaultRetryConfig returns 3 retries with 1s, 2s, 4s backoff on
// rate-limited and transient server failures.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      2 * time.Minute,
		IsRetryable:   syncerr.IsRetryable,
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryHook observes a retry before the executor sleeps.
type RetryHook func(op string, attempt int, delay time.Duration, err error)

// Retrier is the RetryExecutor: it repeats an operation on retryable
// failures with bounded exponential backoff.
type Retrier struct {
	cfg     RetryConfig
	sleep   Sleeper
	onRetry RetryHook
}

// RetryOption customizes a Retrier.
type RetryOption func(*Retrier)

// WithSleeper replaces the sleeper, typically with a recording fake in tests.
func WithSleeper(s Sleeper) RetryOption {
	return func(r *Retrier) { r.sleep = s }
}

// WithRetryHook registers a callback invoked before each backoff sleep.
func WithRetryHook(h RetryHook) RetryOption {
	return func(r *Retrier) { r.onRetry = h }
}

// NewRetrier creates a Retrier. Zero-valued config fields take defaults.
func NewRetrier(cfg RetryConfig, opts ...RetryOption) *Retrier {
	def := DefaultRetryConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = def.IsRetryable
	}
	r := &Retrier{cfg: cfg, sleep: SleepContext}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Backoff returns the computed delay before retry number attempt+1.
func (r *Retrier) Backoff(attempt int) time.Duration {
	d := time.Duration(float64(r.cfg.BaseDelay) * math.Pow(r.cfg.BackoffFactor, float64(attempt)))
	if r.cfg.MaxDelay > 0 && d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. The returned error keeps the classification of the
// last failure.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.cfg.IsRetryable(err) {
			return err
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.Backoff(attempt)
		if hint := syncerr.RetryAfterOf(err); hint > delay {
			delay = hint
		}
		if r.onRetry != nil {
			r.onRetry(op, attempt+1, delay, err)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: waiting to retry: %w", op, err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.cfg.MaxRetries+1, lastErr)
}
