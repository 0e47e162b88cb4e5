// Package ratelimit provides pluggable rate limiting and job-slot quotas.
//
// The in-memory token bucket suits single-node deployments; the Redis
// fixed-window limiter coordinates across instances. Both are consumed
// through the Limiter interface, and callers treat limiter errors as
// fail-open: a broken limiter must not take write traffic down with it.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque —
	// callers construct it (e.g. "org:<uuid>:mutate").
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
