// Package telemetry is the cross-cutting event hook. Components emit named
// events with numeric measurements and string metadata; sinks decide what to
// do with them. No global state beyond one sink pointer set at start-up.
package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event names. The set is closed; components never invent names inline.
const (
	AuthSuccess    = "auth.success"
	AuthFailure    = "auth.failure"
	RateLimitAllow = "rate_limit.allow"
	RateLimitBlock = "rate_limit.block"

	RouterDecide     = "router.decide"
	RouterRouteError = "router.route_error"

	ProviderRequestStart = "provider.request.start"
	ProviderRequestStop  = "provider.request.stop"
	ProviderRequestError = "provider.request.error"

	CircuitOpen     = "circuit.open"
	CircuitClose    = "circuit.close"
	CircuitHalfOpen = "circuit.half_open"

	OverflowEnqueue     = "overflow.enqueue"
	OverflowDrainStart  = "overflow.drain.start"
	OverflowDrainStop   = "overflow.drain.stop"
	OverflowDrainGiveup = "overflow.drain.giveup"

	StreamChunk    = "stream.chunk"
	StreamComplete = "stream.complete"
	StreamError    = "stream.error"
)

// Measurements are numeric observations attached to an event.
type Measurements map[string]float64

// Metadata are string dimensions attached to an event.
type Metadata map[string]string

// Sink receives emitted events.
type Sink interface {
	Emit(event string, m Measurements, md Metadata)
}

var sink atomic.Pointer[Sink]

// SetSink installs the process-wide sink. Pass nil to drop events.
func SetSink(s Sink) {
	if s == nil {
		sink.Store(nil)
		return
	}
	sink.Store(&s)
}

// Emit forwards to the installed sink, if any.
func Emit(event string, m Measurements, md Metadata) {
	if p := sink.Load(); p != nil {
		(*p).Emit(event, m, md)
	}
}

// Fanout forwards each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(event string, m Measurements, md Metadata) {
	for _, s := range f {
		s.Emit(event, m, md)
	}
}

// SlogSink writes events as structured debug logs.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) Emit(event string, m Measurements, md Metadata) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	attrs := make([]any, 0, 2*(len(m)+len(md)))
	for k, v := range m {
		attrs = append(attrs, k, v)
	}
	for k, v := range md {
		attrs = append(attrs, k, v)
	}
	log.Debug(event, attrs...)
}

// CaptureSink records events for assertions in tests.
type CaptureSink struct {
	mu     sync.Mutex
	events []Captured
}

// Captured is one recorded event.
type Captured struct {
	Event        string
	Measurements Measurements
	Metadata     Metadata
}

func (c *CaptureSink) Emit(event string, m Measurements, md Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Captured{Event: event, Measurements: m, Metadata: md})
}

// Events returns a copy of everything recorded so far.
func (c *CaptureSink) Events() []Captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Captured, len(c.events))
	copy(out, c.events)
	return out
}

// Count returns how many times the named event was recorded.
func (c *CaptureSink) Count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Event == event {
			n++
		}
	}
	return n
}
