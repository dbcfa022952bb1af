package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const stripeCount = 64

// entry is the per-key rate state. All fields are guarded by the owning
// stripe's mutex, which gives the single-writer-per-key discipline without a
// goroutine per key.
type entry struct {
	minute    []time.Time
	hour      []time.Time
	inFlight  int
	lastTouch time.Time
}

type stripe struct {
	mu sync.Mutex
	m  map[string]*entry
}

// Local is the in-process limiter. Keys are sharded over a fixed set of
// stripes so unrelated keys never contend.
type Local struct {
	stripes [stripeCount]stripe
	clock   func() time.Time
}

// NewLocal returns a ready limiter.
func NewLocal() *Local {
	l := &Local{clock: time.Now}
	for i := range l.stripes {
		l.stripes[i].m = make(map[string]*entry)
	}
	return l
}

func (l *Local) stripeFor(key string) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.stripes[h.Sum32()%stripeCount]
}

// Acquire checks concurrent -> minute -> hour, first failure wins. A pass
// atomically records the request in both windows and bumps in-flight.
func (l *Local) Acquire(_ context.Context, key string, limits Limits) (Result, error) {
	now := l.clock()
	s := l.stripeFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.m[key]
	if e == nil {
		e = &entry{}
		s.m[key] = e
	}
	e.lastTouch = now
	e.minute = prune(e.minute, now.Add(-MinuteWindow))
	e.hour = prune(e.hour, now.Add(-HourWindow))

	res := Result{
		Minute:   windowState(e.minute, limits.PerMinute, now, MinuteWindow),
		Hour:     windowState(e.hour, limits.PerHour, now, HourWindow),
		InFlight: e.inFlight,
	}

	switch {
	case e.inFlight >= limits.MaxConcurrent:
		res.Reason = ReasonConcurrent
		// No window to anchor a reset on; hint a short pause.
		res.RetryAfter = time.Second
	case len(e.minute) >= limits.PerMinute:
		res.Reason = ReasonMinute
		res.RetryAfter = res.Minute.ResetAt.Sub(now)
	case len(e.hour) >= limits.PerHour:
		res.Reason = ReasonHour
		res.RetryAfter = res.Hour.ResetAt.Sub(now)
	default:
		res.Allowed = true
		e.minute = append(e.minute, now)
		e.hour = append(e.hour, now)
		e.inFlight++
		res.Minute = windowState(e.minute, limits.PerMinute, now, MinuteWindow)
		res.Hour = windowState(e.hour, limits.PerHour, now, HourWindow)
		res.InFlight = e.inFlight
	}
	if res.RetryAfter < 0 {
		res.RetryAfter = 0
	}
	return res, nil
}

// Release decrements the in-flight counter. Callers pair it with a successful
// Acquire; extra calls are clamped at zero.
func (l *Local) Release(key string) {
	s := l.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[key]; ok && e.inFlight > 0 {
		e.inFlight--
	}
}

// EvictIdle drops state for keys silent longer than IdleEviction and with no
// requests in flight. Returns the number of evicted keys.
func (l *Local) EvictIdle() int {
	now := l.clock()
	evicted := 0
	for i := range l.stripes {
		s := &l.stripes[i]
		s.mu.Lock()
		for key, e := range s.m {
			if e.inFlight == 0 && now.Sub(e.lastTouch) >= IdleEviction {
				delete(s.m, key)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// prune drops timestamps at or before the cutoff. Slices are append-ordered,
// so the survivors are a suffix.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func windowState(ts []time.Time, limit int, now time.Time, w time.Duration) Window {
	win := Window{Limit: limit, Remaining: limit - len(ts)}
	if win.Remaining < 0 {
		win.Remaining = 0
	}
	if len(ts) > 0 {
		win.ResetAt = ts[0].Add(w)
	} else {
		win.ResetAt = now
	}
	return win
}
