// Package ratelimit enforces fixed-window rate ceilings on named buckets
// shared by every worker process.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLimiterUnavailable means the shared counter store could not be
	// reached and the service is configured to fail closed.
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")
	ErrUnknownBucket      = errors.New("unknown rate limit bucket")
)

// Limit is the number of units a bucket admits per window.
type Limit struct {
	Capacity int
	Window   time.Duration
}

type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time until the current window closes. Zero when
	// allowed.
	RetryAfter time.Duration
}

// Bucket is a counter store. Take must check and consume one unit as a
// single atomic step; Peek reports the same decision without consuming.
type Bucket interface {
	Take(ctx context.Context, name string, limit Limit) (Decision, error)
	Peek(ctx context.Context, name string, limit Limit) (Decision, error)
}
