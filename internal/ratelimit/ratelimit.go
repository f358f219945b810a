// Package ratelimit limits how often a client may submit self-play runs.
//
// MemoryLimiter keeps one token bucket per key in process. The Limiter
// interface is the contract the HTTP middleware depends on.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. An error signals a
	// limiter malfunction; the middleware lets such requests through.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources held by the limiter.
	Close() error
}

// retryAdvisor is implemented by limiters that can say when a denied key
// will next be allowed.
type retryAdvisor interface {
	RetryAfter(key string) time.Duration
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
