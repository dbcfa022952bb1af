package proxy

import (
	"math"
	"math/rand"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
)

// Retry policy defaults.
const (
	DefaultRetryMaxAttempts = 3
	DefaultRetryBaseDelay   = 200 * time.Millisecond
	DefaultRetryFactor      = 2.0
	DefaultRetryJitterPct   = 0.2
)

// RetryPolicy computes backoff delays for retryable failures. Attempt indexes
// are 0-based: attempt 0 is the first try, so the delay before attempt i+1 is
// Delay(i, err).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	JitterPct   float64 // uniform jitter fraction, 0 disables

	// rng is injectable for deterministic tests; nil uses the global source.
	rng *rand.Rand
}

func NewRetryPolicy(maxAttempts int, baseDelay time.Duration, factor, jitterPct float64) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = DefaultRetryMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	if factor <= 0 {
		factor = DefaultRetryFactor
	}
	return &RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Factor: factor, JitterPct: jitterPct}
}

// ShouldRetry reports whether another attempt is allowed after attempt i
// failed with the given class.
func (p *RetryPolicy) ShouldRetry(i int, class providers.Class) bool {
	if i+1 >= p.MaxAttempts {
		return false
	}
	return providers.Retryable(class)
}

// Delay returns the backoff before attempt i+1. An upstream rate limit with a
// server-supplied hint never waits less than that hint.
func (p *RetryPolicy) Delay(i int, err *providers.Error) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Factor, float64(i)))
	if p.JitterPct > 0 {
		span := p.JitterPct * float64(d)
		d += time.Duration((p.random()*2 - 1) * span)
		if d < 0 {
			d = 0
		}
	}
	if err != nil && err.Class == providers.ClassRateLimitedUpstream && err.RetryAfter > d {
		d = err.RetryAfter
	}
	return d
}

func (p *RetryPolicy) random() float64 {
	if p.rng != nil {
		return p.rng.Float64()
	}
	return rand.Float64()
}
