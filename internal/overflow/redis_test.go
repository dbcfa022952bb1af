package overflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/runestonehq/runestone/internal/overflow"
	"github.com/runestonehq/runestone/internal/providers"
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

func redisJob(id, key string, now time.Time) *overflow.Job {
	return &overflow.Job{
		ID:          id,
		Key:         key,
		Envelope:    providers.RequestEnvelope{Model: "gpt-4o-mini", RequestID: id},
		MaxAttempts: 3,
		NextRunAt:   now,
		EnqueuedAt:  now,
	}
}

func TestRedis_EnqueueLeaseAckRoundTrip(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	s := overflow.NewRedis(rdb, "test", nil)
	ctx := context.Background()
	now := time.Now()

	if err := s.Enqueue(ctx, redisJob("j-1", "key-a", now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := s.Lease(ctx, now, time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if job == nil || job.ID != "j-1" {
		t.Fatalf("expected j-1, got %+v", job)
	}
	if job.Envelope.Model != "gpt-4o-mini" {
		t.Errorf("payload lost in round trip: %+v", job.Envelope)
	}

	if err := s.Ack(ctx, "j-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := s.Len(ctx); n != 0 {
		t.Errorf("acked job must be gone, len=%d", n)
	}
}

func TestRedis_FIFOWithinKey(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	s := overflow.NewRedis(rdb, "test", nil)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a-1", "a-2", "a-3"} {
		if err := s.Enqueue(ctx, redisJob(id, "key-a", now)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	for _, want := range []string{"a-1", "a-2", "a-3"} {
		job, err := s.Lease(ctx, now, time.Minute)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if job == nil || job.ID != want {
			t.Fatalf("expected %s next, got %+v", want, job)
		}
	}
}

func TestRedis_LeasedJobInvisibleUntilExpiry(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	s := overflow.NewRedis(rdb, "test", nil)
	ctx := context.Background()
	now := time.Now()

	s.Enqueue(ctx, redisJob("j-1", "k", now))

	if job, _ := s.Lease(ctx, now, time.Minute); job == nil {
		t.Fatal("expected a job")
	}
	if again, _ := s.Lease(ctx, now.Add(30*time.Second), time.Minute); again != nil {
		t.Errorf("leased job must stay hidden, got %+v", again)
	}
	back, _ := s.Lease(ctx, now.Add(2*time.Minute), time.Minute)
	if back == nil || back.ID != "j-1" {
		t.Errorf("unacked job must reappear after the lease, got %+v", back)
	}
}

func TestRedis_EnqueueIdempotentOnID(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	s := overflow.NewRedis(rdb, "test", nil)
	ctx := context.Background()
	now := time.Now()

	s.Enqueue(ctx, redisJob("j-1", "k", now))
	s.Enqueue(ctx, redisJob("j-1", "k", now))

	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("duplicate enqueue must be a no-op, len=%d", n)
	}
}

func TestRedis_RetryBumpsAttemptAndDelays(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	s := overflow.NewRedis(rdb, "test", nil)
	ctx := context.Background()
	now := time.Now()

	s.Enqueue(ctx, redisJob("j-1", "k", now))
	job, _ := s.Lease(ctx, now, time.Minute)
	job.Attempt = 2

	if err := s.Retry(ctx, job, now.Add(10*time.Second)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if early, _ := s.Lease(ctx, now.Add(5*time.Second), time.Minute); early != nil {
		t.Error("job must not be ready before its reschedule time")
	}
	later, _ := s.Lease(ctx, now.Add(11*time.Second), time.Minute)
	if later == nil || later.Attempt != 2 {
		t.Errorf("expected attempt=2 after reschedule, got %+v", later)
	}
}
