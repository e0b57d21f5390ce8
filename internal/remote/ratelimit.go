// Package remote governs every outbound call to the remote workspace:
// request-rate limiting, retry with backoff, and cursor pagination.
package remote

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"capsule-go/internal/syncerr"
)

// DefaultRequestsPerSecond is the documented average rate limit of the
// Notion API for a single integration.
const DefaultRequestsPerSecond = 3.0

// RateLimiter spaces requests at least 1/rps apart. Concurrent callers are
// served from one token bucket of size one, so each caller is granted its
// own slot and no two slots are closer than the minimum interval.
type RateLimiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewRateLimiter creates a RateLimiter. A non-positive rps selects
// DefaultRequestsPerSecond.
func NewRateLimiter(rps float64) *RateLimiter {
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	return &RateLimiter{
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		interval: time.Duration(float64(time.Second) / rps),
	}
}

// Wait blocks until the next request may be issued.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return syncerr.Wrap(syncerr.Cancelled, "rate limit wait", err)
	}
	return nil
}

// Interval returns the minimum spacing between two granted requests.
func (r *RateLimiter) Interval() time.Duration {
	return r.interval
}
