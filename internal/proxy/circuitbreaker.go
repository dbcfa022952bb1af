package proxy

import (
	"sync"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/internal/telemetry"
)

// cbState is the operational state of one instance's breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — instance is failing; requests short-circuit with circuit_open.
//	cbHalfOpen — recovery window; a bounded number of probes may pass.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Circuit breaker defaults. Zero-valued CBConfig fields fall back to these.
const (
	DefaultCBFailureThreshold = 5
	DefaultCBWindow           = 60 * time.Second
	DefaultCBRecoveryTimeout  = 30 * time.Second
	DefaultCBHalfOpenLimit    = 1
)

// CBConfig holds circuit breaker tuning parameters.
type CBConfig struct {
	// FailureThreshold is the number of upstream-fault failures within
	// Window that trips the breaker.
	FailureThreshold int

	// Window is the rolling window for counting failures.
	Window time.Duration

	// RecoveryTimeout is how long the breaker stays open before allowing
	// probes.
	RecoveryTimeout time.Duration

	// HalfOpenLimit bounds concurrent probes while half-open.
	HalfOpenLimit int
}

func (c *CBConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultCBFailureThreshold
}

func (c *CBConfig) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return DefaultCBWindow
}

func (c *CBConfig) recoveryTimeout() time.Duration {
	if c.RecoveryTimeout > 0 {
		return c.RecoveryTimeout
	}
	return DefaultCBRecoveryTimeout
}

func (c *CBConfig) halfOpenLimit() int {
	if c.HalfOpenLimit > 0 {
		return c.HalfOpenLimit
	}
	return DefaultCBHalfOpenLimit
}

// instanceCB holds per-instance breaker state.
type instanceCB struct {
	mu sync.Mutex

	state       cbState
	failures    int
	windowStart time.Time // start of the current failure-counting window
	openUntil   time.Time // when the open state may yield to half-open
	probes      int       // probes in flight while half-open
}

// CircuitBreaker manages independent breakers per provider instance. Safe for
// concurrent use. Instances not seen before start closed.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*instanceCB
	cfg      CBConfig
	clock    func() time.Time
}

func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*instanceCB),
		cfg:      cfg,
		clock:    time.Now,
	}
}

// Allow reports whether the named instance may receive the next request.
//
//   - Closed   → true.
//   - Open     → false until the recovery timeout elapses, then the breaker
//     moves to half-open and the call claims a probe slot.
//   - HalfOpen → true while probe slots remain.
//
// A claimed probe slot is released by the matching RecordSuccess or
// RecordFailure.
func (cb *CircuitBreaker) Allow(instance string) bool {
	icb := cb.get(instance)
	now := cb.clock()

	icb.mu.Lock()
	defer icb.mu.Unlock()

	switch icb.state {
	case cbClosed:
		return true

	case cbOpen:
		if now.Before(icb.openUntil) {
			return false
		}
		icb.state = cbHalfOpen
		icb.probes = 1
		telemetry.Emit(telemetry.CircuitHalfOpen, nil, telemetry.Metadata{"instance": instance})
		return true

	case cbHalfOpen:
		if icb.probes >= cb.cfg.halfOpenLimit() {
			return false
		}
		icb.probes++
		return true
	}
	return true
}

// RecordSuccess closes the breaker and resets its counters.
func (cb *CircuitBreaker) RecordSuccess(instance string) {
	icb := cb.get(instance)

	icb.mu.Lock()
	defer icb.mu.Unlock()

	wasOpen := icb.state != cbClosed
	icb.state = cbClosed
	icb.failures = 0
	icb.probes = 0
	icb.windowStart = cb.clock()
	if wasOpen {
		telemetry.Emit(telemetry.CircuitClose, nil, telemetry.Metadata{"instance": instance})
	}
}

// RecordFailure feeds one failed request. Only classes that count as an
// upstream fault move the breaker: client-side failures release a held probe
// slot but do not trip anything — a provider that answers 400 is healthy.
func (cb *CircuitBreaker) RecordFailure(instance string, class providers.Class) {
	icb := cb.get(instance)
	now := cb.clock()

	icb.mu.Lock()
	defer icb.mu.Unlock()

	if !providers.CountsAsUpstreamFault(class) {
		if icb.state == cbHalfOpen {
			// The provider responded; the probe counts as recovery.
			icb.state = cbClosed
			icb.failures = 0
			icb.probes = 0
			icb.windowStart = now
			telemetry.Emit(telemetry.CircuitClose, nil, telemetry.Metadata{"instance": instance})
		}
		return
	}

	if icb.state == cbHalfOpen {
		// Probe failed; back to open with a fresh recovery timer.
		icb.state = cbOpen
		icb.openUntil = now.Add(cb.cfg.recoveryTimeout())
		icb.probes = 0
		telemetry.Emit(telemetry.CircuitOpen, nil, telemetry.Metadata{"instance": instance, "probe": "failed"})
		return
	}

	if now.Sub(icb.windowStart) > cb.cfg.window() {
		icb.failures = 0
		icb.windowStart = now
	}
	icb.failures++

	if icb.state == cbClosed && icb.failures >= cb.cfg.failureThreshold() {
		icb.state = cbOpen
		icb.openUntil = now.Add(cb.cfg.recoveryTimeout())
		telemetry.Emit(telemetry.CircuitOpen, nil, telemetry.Metadata{"instance": instance})
	}
}

// Reset forces the named breaker closed (operator action).
func (cb *CircuitBreaker) Reset(instance string) {
	cb.RecordSuccess(instance)
}

// Open reports whether the breaker currently rejects traffic outright.
func (cb *CircuitBreaker) Open(instance string) bool {
	icb := cb.get(instance)
	now := cb.clock()
	icb.mu.Lock()
	defer icb.mu.Unlock()
	return icb.state == cbOpen && now.Before(icb.openUntil)
}

// StateLabel returns "closed", "open", or "half_open" for health reporting.
func (cb *CircuitBreaker) StateLabel(instance string) string {
	icb := cb.get(instance)
	icb.mu.Lock()
	defer icb.mu.Unlock()
	switch icb.state {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(instance string) *instanceCB {
	cb.mu.RLock()
	icb := cb.breakers[instance]
	cb.mu.RUnlock()
	if icb != nil {
		return icb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if icb = cb.breakers[instance]; icb == nil {
		icb = &instanceCB{state: cbClosed, windowStart: cb.clock()}
		cb.breakers[instance] = icb
	}
	return icb
}
