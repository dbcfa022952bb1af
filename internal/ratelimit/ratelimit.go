// Package ratelimit enforces per-key sliding-window rate limits: requests per
// minute, requests per hour, and max concurrent in-flight requests.
//
// Two implementations share one contract: Local keeps windows in process
// memory under striped locks; Distributed shares the minute/hour windows
// across gateway replicas through Redis sorted sets with atomic Lua scripts.
package ratelimit

import (
	"context"
	"time"
)

// Window sizes. Both windows are right-anchored on the current instant.
const (
	MinuteWindow = time.Minute
	HourWindow   = time.Hour

	// IdleEviction is how long a key may be silent before its state is
	// eligible for eviction (2x the longest window).
	IdleEviction = 2 * HourWindow
)

// Deny reasons, first failing check wins in the order
// concurrent -> minute -> hour.
const (
	ReasonConcurrent = "rate_limited_concurrent"
	ReasonMinute     = "rate_limited_minute"
	ReasonHour       = "rate_limited_hour"
)

// Limits are the per-key budgets. Zero blocks everything.
type Limits struct {
	PerMinute     int
	PerHour       int
	MaxConcurrent int
}

// Window is the post-decision state of one sliding window, used to build
// rate-limit response headers.
type Window struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool
	Reason     string        // set when denied
	RetryAfter time.Duration // reset_at - now for the failing window
	Minute     Window
	Hour       Window
	InFlight   int
}

// Limiter is the admission-facing contract. A successful Acquire counts the
// request in both windows and increments the in-flight counter; the caller
// must Release exactly once per successful Acquire when the request reaches
// a terminal state.
type Limiter interface {
	Acquire(ctx context.Context, key string, limits Limits) (Result, error)
	Release(key string)
}
