// Package ratelimit throttles control-plane requests: stream connects and
// basis requests. Frame emission is never rate limited.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the next request under the same key
	// would be allowed. Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes capacity for key. An error signals a limiter
	// malfunction; callers fail open.
	Allow(ctx context.Context, key string) (Decision, error)

	// Close releases background resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (NoopLimiter) Close() error { return nil }

// New returns a MemoryLimiter for rate > 0, otherwise a NoopLimiter.
func New(rate float64, burst int) Limiter {
	if rate <= 0 {
		return NoopLimiter{}
	}
	return NewMemoryLimiter(rate, burst)
}
