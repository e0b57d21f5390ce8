package testutil

import (
	"context"
	"time"

	"capsule-go/internal/remote"
)

// NewTestGate returns a Gate that never sleeps: no rate limit and
// retries without backoff delays.
func NewTestGate(maxRetries int) *remote.Gate {
	retrier := remote.NewRetrier(
		remote.RetryConfig{MaxRetries: maxRetries},
		remote.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	return remote.NewGate(nil, retrier)
}
