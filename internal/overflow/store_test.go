package overflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
)

func testJob(id, key string, now time.Time) *Job {
	return &Job{
		ID:          id,
		Key:         key,
		Envelope:    providers.RequestEnvelope{Model: "gpt-4o-mini", RequestID: id},
		MaxAttempts: 3,
		NextRunAt:   now,
		EnqueuedAt:  now,
	}
}

func TestMemory_FIFOWithinKey(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a-1", "a-2", "a-3"} {
		if err := s.Enqueue(ctx, testJob(id, "key-a", now)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	for _, want := range []string{"a-1", "a-2", "a-3"} {
		job, err := s.Lease(ctx, now, time.Minute)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if job == nil || job.ID != want {
			t.Fatalf("expected %s, got %+v", want, job)
		}
	}
}

func TestMemory_LeaseHidesUntilVisibilityExpires(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	if err := s.Enqueue(ctx, testJob("j-1", "k", now)); err != nil {
		t.Fatal(err)
	}

	first, _ := s.Lease(ctx, now, time.Minute)
	if first == nil {
		t.Fatal("expected a job")
	}
	if again, _ := s.Lease(ctx, now.Add(30*time.Second), time.Minute); again != nil {
		t.Errorf("leased job must stay invisible, got %+v", again)
	}
	// After the lease expires the unacked job reappears.
	back, _ := s.Lease(ctx, now.Add(61*time.Second), time.Minute)
	if back == nil || back.ID != "j-1" {
		t.Errorf("expected j-1 to reappear, got %+v", back)
	}
}

func TestMemory_EnqueueIdempotentOnID(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	s.Enqueue(ctx, testJob("j-1", "k", now))
	s.Enqueue(ctx, testJob("j-1", "k", now))

	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("duplicate enqueue must be a no-op, len=%d", n)
	}
}

func TestMemory_RetryReschedules(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	s.Enqueue(ctx, testJob("j-1", "k", now))
	job, _ := s.Lease(ctx, now, time.Minute)
	job.Attempt = 1

	if err := s.Retry(ctx, job, now.Add(5*time.Second)); err != nil {
		t.Fatal(err)
	}
	if early, _ := s.Lease(ctx, now.Add(2*time.Second), time.Minute); early != nil {
		t.Error("rescheduled job must not be ready before next_run_at")
	}
	later, _ := s.Lease(ctx, now.Add(6*time.Second), time.Minute)
	if later == nil || later.Attempt != 1 {
		t.Errorf("expected rescheduled job with attempt=1, got %+v", later)
	}
}

func TestMemory_AckRemoves(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	s.Enqueue(ctx, testJob("j-1", "k", now))
	s.Lease(ctx, now, time.Minute)
	if err := s.Ack(ctx, "j-1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Len(ctx); n != 0 {
		t.Errorf("acked job must be gone, len=%d", n)
	}
	if job, _ := s.Lease(ctx, now.Add(2*time.Minute), time.Minute); job != nil {
		t.Errorf("acked job must never reappear, got %+v", job)
	}
}

func TestNewJob_RedactsLongMessages(t *testing.T) {
	env := &providers.RequestEnvelope{
		Model:     "gpt-4o-mini",
		RequestID: "req-1",
		Messages: []providers.Message{
			{Role: "user", Content: strings.Repeat("x", 100)},
			{Role: "user", Content: "short"},
		},
	}

	job := NewJob("key-1", env, 3, 16, "", time.Now())

	redacted := job.Envelope.Messages[0].Content
	if !strings.HasSuffix(redacted, RedactMarker) {
		t.Errorf("expected truncation marker, got %q", redacted)
	}
	if len(redacted) > 16+len(RedactMarker) {
		t.Errorf("body exceeds budget: %d bytes", len(redacted))
	}
	if job.Envelope.Messages[1].Content != "short" {
		t.Error("short bodies must pass through unchanged")
	}
	// The caller's envelope is never mutated.
	if len(env.Messages[0].Content) != 100 {
		t.Error("redaction must not touch the live request")
	}
	if job.ID != "req-1" {
		t.Errorf("job ID must be the request ID, got %q", job.ID)
	}
}
