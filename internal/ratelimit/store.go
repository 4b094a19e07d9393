// Package ratelimit implements fixed-window quota limiters composed at three
// scopes (global, shared, per-route) over a pluggable counter store.
package ratelimit

import (
	"context"
	"time"
)

// Result is the state of one counter after a consume.
type Result struct {
	// Allowed is false once the window's consumed points exceed the limit.
	Allowed    bool
	Consumed   int
	Remaining  int
	ResetAfter time.Duration
}

// Store holds quota counters. Consume must be atomic per key under
// concurrent callers: it adds points to the counter for the current window
// (starting a new window of the given length when none is active) and
// reports the result against limit. Reset deletes the counter and is
// idempotent.
type Store interface {
	Consume(ctx context.Context, key string, points, limit int, window time.Duration) (Result, error)
	Reset(ctx context.Context, key string) error
}

func newResult(consumed, limit int, resetAfter time.Duration) Result {
	remaining := limit - consumed
	if remaining < 0 {
		remaining = 0
	}
	if resetAfter < 0 {
		resetAfter = 0
	}
	return Result{
		Allowed:    consumed <= limit,
		Consumed:   consumed,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}
}
