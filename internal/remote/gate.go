package remote

import "context"

// Gate composes the retry executor around a rate-limited call. Every
// attempt acquires a limiter slot immediately before the call, so backoff
// sleeps never hold or consume a slot.
type Gate struct {
	limiter *RateLimiter
	retrier *Retrier
}

// NewGate creates a Gate. A nil limiter disables rate limiting; a nil
// retrier makes every call single-attempt.
func NewGate(limiter *RateLimiter, retrier *Retrier) *Gate {
	if retrier == nil {
		retrier = NewRetrier(RetryConfig{MaxRetries: 0})
	}
	return &Gate{limiter: limiter, retrier: retrier}
}

// Do performs fn under the rate limit and retry policy.
func (g *Gate) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return g.retrier.Do(ctx, op, func(ctx context.Context) error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return fn(ctx)
	})
}
