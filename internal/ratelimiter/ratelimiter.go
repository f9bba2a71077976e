package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Config describes a token bucket.
//
// A zero RequestsPerSecond disables throttling.
type Config struct {
	// RequestsPerSecond is the sustained command rate per connection.
	RequestsPerSecond uint `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the bucket capacity. Defaults to RequestsPerSecond when 0.
	Burst uint `mapstructure:"burst" yaml:"burst"`
}

// Enabled reports whether the config describes an actual limit.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0
}

// RateLimiter throttles the commands of a single client connection using
// the token bucket algorithm from golang.org/x/time/rate.
//
// Commands are never rejected: a client that exceeds the rate simply waits
// for its next token. A nil *RateLimiter is valid and never waits, so callers
// do not need to special-case disabled limits.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter for the given rate and burst.
//
// Returns nil when requestsPerSecond is 0 (unlimited). A burst of 0 is
// raised to requestsPerSecond so at least one command can always proceed.
//
// Example:
//
//	// 50 commands/s sustained, bursts of 100
//	limiter := New(50, 100)
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		return nil
	}
	if burst == 0 {
		burst = requestsPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// NewFromConfig is New(config.RequestsPerSecond, config.Burst).
func NewFromConfig(config Config) *RateLimiter {
	return New(config.RequestsPerSecond, config.Burst)
}

// Allow consumes a token if one is available and reports whether it did.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
//
// Returns:
//   - nil if a token was acquired
//   - context error if ctx ended first
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}

// Tokens returns the number of tokens currently in the bucket.
// An unlimited limiter reports rate.Inf.
func (r *RateLimiter) Tokens() float64 {
	if r == nil {
		return float64(rate.Inf)
	}
	return r.limiter.Tokens()
}
