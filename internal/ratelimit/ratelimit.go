// Package ratelimit throttles the chat surface.
//
// Widget and share endpoints are limited per client IP, owner endpoints per
// authenticated principal. The Limiter interface keeps the policy pluggable;
// the in-process token bucket below is the default, and a shared backend can
// replace it when kagami runs more than one replica.
package ratelimit

import "context"

// Limiter answers whether the request identified by key may proceed. Keys
// are opaque to the limiter; callers build them. Implementations must be
// safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)

	// Close stops any background work the limiter runs.
	Close() error
}

// NoopLimiter admits everything. Installed when limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }
func (NoopLimiter) Close() error                                { return nil }
