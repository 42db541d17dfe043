// Package ratelimiter throttles how fast the acceptor hands new connections to
// the worker pool.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket measured in accepted connections per second.
//
// A burst lets short spikes (for example a client pool reconnecting after a
// deploy) through at once while the sustained rate stays bounded.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing connectionsPerSecond sustained accepts with
// the given burst. A zero rate means unlimited; a zero burst with a non-zero
// rate is raised to 1 so that Wait can ever succeed.
func New(connectionsPerSecond, burst uint) *RateLimiter {
	if connectionsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = 1
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(connectionsPerSecond), int(burst)),
	}
}

// Unlimited reports whether the limiter never throttles.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}

// Allow consumes a token if one is available without waiting.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
//
// The acceptor calls Wait before each Accept so pending connections stay in
// the kernel backlog instead of being accepted and dropped.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the number of tokens currently in the bucket.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
