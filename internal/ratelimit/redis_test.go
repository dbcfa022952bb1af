package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/runestonehq/runestone/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestDistributed_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	lim := ratelimit.NewDistributed(rdb, "test", nil)
	limits := ratelimit.Limits{PerMinute: 5, PerHour: 100, MaxConcurrent: 10}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := lim.Acquire(ctx, "key-1", limits)
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("expected allowed at iteration %d, reason=%q", i, res.Reason)
		}
		lim.Release("key-1")
	}
}

func TestDistributed_BlocksOverMinuteLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	lim := ratelimit.NewDistributed(rdb, "test", nil)
	limits := ratelimit.Limits{PerMinute: 3, PerHour: 100, MaxConcurrent: 10}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := lim.Acquire(ctx, "key-2", limits)
		if err != nil || !res.Allowed {
			t.Fatalf("setup request %d failed: allowed=%v err=%v", i, res.Allowed, err)
		}
		lim.Release("key-2")
	}

	res, err := lim.Acquire(ctx, "key-2", limits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected block after minute limit exhausted")
	}
	if res.Reason != ratelimit.ReasonMinute {
		t.Errorf("expected %q, got %q", ratelimit.ReasonMinute, res.Reason)
	}
	if res.RetryAfter <= 0 {
		t.Errorf("expected positive retry-after, got %v", res.RetryAfter)
	}
	if res.Minute.Remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", res.Minute.Remaining)
	}
}

func TestDistributed_ConcurrentCapIsLocal(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	lim := ratelimit.NewDistributed(rdb, "test", nil)
	limits := ratelimit.Limits{PerMinute: 100, PerHour: 100, MaxConcurrent: 1}
	ctx := context.Background()

	res, err := lim.Acquire(ctx, "key-3", limits)
	if err != nil || !res.Allowed {
		t.Fatalf("first acquire failed: allowed=%v err=%v", res.Allowed, err)
	}

	res, err = lim.Acquire(ctx, "key-3", limits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || res.Reason != ratelimit.ReasonConcurrent {
		t.Errorf("expected concurrent block, got allowed=%v reason=%q", res.Allowed, res.Reason)
	}

	lim.Release("key-3")
	res, err = lim.Acquire(ctx, "key-3", limits)
	if err != nil || !res.Allowed {
		t.Errorf("after release the slot must be free: allowed=%v err=%v", res.Allowed, err)
	}
}

func TestDistributed_DeniedAcquireDoesNotLeakSlot(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	lim := ratelimit.NewDistributed(rdb, "test", nil)
	limits := ratelimit.Limits{PerMinute: 1, PerHour: 100, MaxConcurrent: 1}
	ctx := context.Background()

	res, _ := lim.Acquire(ctx, "key-4", limits)
	if !res.Allowed {
		t.Fatal("first acquire should pass")
	}
	lim.Release("key-4")

	// This is denied by the minute window; it must release its reserved
	// concurrent slot.
	if res, _ := lim.Acquire(ctx, "key-4", limits); res.Allowed {
		t.Fatal("second acquire should be minute-blocked")
	}
	if res, _ := lim.Acquire(ctx, "key-4", ratelimit.Limits{PerMinute: 100, PerHour: 100, MaxConcurrent: 1}); !res.Allowed {
		t.Error("concurrent slot leaked by a denied acquire")
	}
}

func TestDistributed_FailsOpenWhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup() // close before use

	lim := ratelimit.NewDistributed(rdb, "test", nil)
	res, err := lim.Acquire(context.Background(), "key-5", ratelimit.Limits{PerMinute: 5, PerHour: 5, MaxConcurrent: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Error("limiter must fail open when the store is unreachable")
	}
}
