package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript checks and updates both sliding windows atomically.
// KEYS[1] = minute window zset, KEYS[2] = hour window zset
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = minute window (ns), ARGV[3] = hour window (ns)
// ARGV[4] = minute limit, ARGV[5] = hour limit
// ARGV[6] = unique member for this request
// Returns {code, minuteCount, minuteOldest, hourCount, hourOldest} where
// code is 0 = allowed, 1 = minute blocked, 2 = hour blocked. Counts and
// oldest scores reflect state after pruning (and after insertion if allowed).
var acquireScript = redis.NewScript(`
		local now     = tonumber(ARGV[1])
		local winMin  = tonumber(ARGV[2])
		local winHour = tonumber(ARGV[3])
		local limMin  = tonumber(ARGV[4])
		local limHour = tonumber(ARGV[5])
		local member  = ARGV[6]

		redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - winMin)
		redis.call('ZREMRANGEBYSCORE', KEYS[2], 0, now - winHour)

		local cntMin  = redis.call('ZCARD', KEYS[1])
		local cntHour = redis.call('ZCARD', KEYS[2])

		local code = 0
		if cntMin >= limMin then
			code = 1
		elseif cntHour >= limHour then
			code = 2
		else
			redis.call('ZADD', KEYS[1], now, member)
			redis.call('ZADD', KEYS[2], now, member)
			redis.call('PEXPIRE', KEYS[1], math.ceil(winMin / 1000000))
			redis.call('PEXPIRE', KEYS[2], math.ceil(winHour / 1000000))
			cntMin = cntMin + 1
			cntHour = cntHour + 1
		end

		local oldMin, oldHour = now, now
		local om = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
		if om[2] then oldMin = tonumber(om[2]) end
		local oh = redis.call('ZRANGE', KEYS[2], 0, 0, 'WITHSCORES')
		if oh[2] then oldHour = tonumber(oh[2]) end

		return {code, cntMin, oldMin, cntHour, oldHour}
`)

// Distributed shares minute/hour windows across replicas through Redis.
// The concurrent in-flight counter stays local: a stream is always served by
// the replica that admitted it, so the counter never needs to be shared.
type Distributed struct {
	rdb    *redis.Client
	log    *slog.Logger
	prefix string

	mu       sync.Mutex
	inFlight map[string]int

	clock func() time.Time
	seq   uint64
}

// NewDistributed returns a Redis-backed limiter. Window keys are namespaced
// under the given prefix (e.g. "runestone").
func NewDistributed(rdb *redis.Client, prefix string, log *slog.Logger) *Distributed {
	if log == nil {
		log = slog.Default()
	}
	return &Distributed{
		rdb:      rdb,
		log:      log,
		prefix:   prefix,
		inFlight: make(map[string]int),
		clock:    time.Now,
	}
}

func (d *Distributed) Acquire(ctx context.Context, key string, limits Limits) (Result, error) {
	now := d.clock()

	// Concurrent check first; it also reserves the slot so two racing
	// requests cannot both pass.
	d.mu.Lock()
	cur := d.inFlight[key]
	if cur >= limits.MaxConcurrent {
		d.mu.Unlock()
		return Result{
			Reason:     ReasonConcurrent,
			RetryAfter: time.Second,
			Minute:     Window{Limit: limits.PerMinute, ResetAt: now},
			Hour:       Window{Limit: limits.PerHour, ResetAt: now},
			InFlight:   cur,
		}, nil
	}
	d.inFlight[key] = cur + 1
	d.seq++
	member := fmt.Sprintf("%d-%d", now.UnixNano(), d.seq)
	d.mu.Unlock()

	vals, err := acquireScript.Run(ctx, d.rdb,
		[]string{d.windowKey(key, "m"), d.windowKey(key, "h")},
		now.UnixNano(), MinuteWindow.Nanoseconds(), HourWindow.Nanoseconds(),
		limits.PerMinute, limits.PerHour, member,
	).Int64Slice()
	if err != nil {
		// Redis unavailable: fail open, the local concurrent cap still holds.
		d.log.Warn("rate limit store unavailable, failing open", "error", err)
		return Result{
			Allowed:  true,
			Minute:   Window{Limit: limits.PerMinute, Remaining: limits.PerMinute, ResetAt: now},
			Hour:     Window{Limit: limits.PerHour, Remaining: limits.PerHour, ResetAt: now},
			InFlight: cur + 1,
		}, nil
	}
	if len(vals) != 5 {
		d.release(key)
		return Result{}, fmt.Errorf("ratelimit: unexpected script reply of length %d", len(vals))
	}

	code := vals[0]
	res := Result{
		Minute:   redisWindow(limits.PerMinute, vals[1], vals[2], now, MinuteWindow),
		Hour:     redisWindow(limits.PerHour, vals[3], vals[4], now, HourWindow),
		InFlight: cur + 1,
	}

	switch code {
	case 0:
		res.Allowed = true
	case 1:
		res.Reason = ReasonMinute
		res.RetryAfter = res.Minute.ResetAt.Sub(now)
	default:
		res.Reason = ReasonHour
		res.RetryAfter = res.Hour.ResetAt.Sub(now)
	}
	if !res.Allowed {
		d.release(key)
		res.InFlight = cur
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res, nil
}

func (d *Distributed) Release(key string) { d.release(key) }

func (d *Distributed) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur := d.inFlight[key]; cur > 1 {
		d.inFlight[key] = cur - 1
	} else {
		delete(d.inFlight, key)
	}
}

func (d *Distributed) windowKey(key, suffix string) string {
	return d.prefix + ":rl:" + key + ":" + suffix
}

func redisWindow(limit int, count, oldest int64, now time.Time, w time.Duration) Window {
	win := Window{Limit: limit, Remaining: limit - int(count)}
	if win.Remaining < 0 {
		win.Remaining = 0
	}
	if count > 0 {
		win.ResetAt = time.Unix(0, oldest).Add(w)
	} else {
		win.ResetAt = now
	}
	return win
}
