// Package ratelimit throttles expensive operator actions, such as backfills,
// per key.
//
// The Limiter interface is the contract; MemoryLimiter is a single-process
// token bucket.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "backfill:<tenant uuid>").
	// Returning an error signals a limiter malfunction; callers treat errors
	// as fail-open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// PerMinute returns a limiter allowing n requests per minute per key, with a
// burst of n. n <= 0 disables limiting.
func PerMinute(n int) Limiter {
	if n <= 0 {
		return NoopLimiter{}
	}
	return NewMemoryLimiter(float64(n)/60, n)
}
