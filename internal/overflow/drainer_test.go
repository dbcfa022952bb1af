package overflow

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runestonehq/runestone/internal/telemetry"
)

func TestDrainer_SuccessDeliversWebhookAndAcks(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	job := testJob("j-1", "k", now)
	job.WebhookURL = srv.URL
	s.Enqueue(ctx, job)

	d := NewDrainer(s, func(ctx context.Context, job *Job) ([]byte, error) {
		return []byte(`{"choices":[]}`), nil
	}, DrainerOptions{}, nil)

	leased, _ := s.Lease(ctx, now, time.Minute)
	d.process(ctx, leased)

	if body, _ := gotBody.Load().(string); body != `{"choices":[]}` {
		t.Errorf("webhook body = %q", body)
	}
	if n, _ := s.Len(ctx); n != 0 {
		t.Errorf("completed job must be acked, len=%d", n)
	}
}

func TestDrainer_FailureReschedulesWithBackoff(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()
	s.Enqueue(ctx, testJob("j-1", "k", now))

	d := NewDrainer(s, func(ctx context.Context, job *Job) ([]byte, error) {
		return nil, errors.New("no healthy provider")
	}, DrainerOptions{}, nil)
	d.clock = func() time.Time { return now }

	leased, _ := s.Lease(ctx, now, time.Minute)
	d.process(ctx, leased)

	if n, _ := s.Len(ctx); n != 1 {
		t.Fatalf("failed job must stay queued, len=%d", n)
	}
	// First retry is scheduled one base backoff out.
	if early, _ := s.Lease(ctx, now.Add(DefaultBaseBackoff/2), time.Minute); early != nil {
		t.Error("job must not be ready before its backoff elapses")
	}
	later, _ := s.Lease(ctx, now.Add(DefaultBaseBackoff+time.Millisecond), time.Minute)
	if later == nil || later.Attempt != 1 {
		t.Errorf("expected attempt=1 after one failure, got %+v", later)
	}
}

func TestDrainer_GivesUpAfterMaxAttempts(t *testing.T) {
	capture := &telemetry.CaptureSink{}
	telemetry.SetSink(capture)
	defer telemetry.SetSink(nil)

	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	job := testJob("j-1", "k", now)
	job.MaxAttempts = 2
	s.Enqueue(ctx, job)

	d := NewDrainer(s, func(ctx context.Context, job *Job) ([]byte, error) {
		return nil, errors.New("still failing")
	}, DrainerOptions{}, nil)
	d.clock = func() time.Time { return now }

	leased, _ := s.Lease(ctx, now, time.Minute)
	d.process(ctx, leased) // attempt 0 -> 1, rescheduled

	leased, _ = s.Lease(ctx, now.Add(time.Hour), time.Minute)
	if leased == nil {
		t.Fatal("expected the rescheduled job")
	}
	d.process(ctx, leased) // attempt 1 -> 2 == max, give up

	if n, _ := s.Len(ctx); n != 0 {
		t.Errorf("abandoned job must be removed, len=%d", n)
	}
	if capture.Count(telemetry.OverflowDrainGiveup) != 1 {
		t.Errorf("expected one giveup event, got %d", capture.Count(telemetry.OverflowDrainGiveup))
	}
}

func TestDrainer_WebhookFailureStillAcks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	job := testJob("j-1", "k", now)
	job.WebhookURL = srv.URL
	s.Enqueue(ctx, job)

	d := NewDrainer(s, func(ctx context.Context, job *Job) ([]byte, error) {
		return []byte("{}"), nil
	}, DrainerOptions{}, nil)

	leased, _ := s.Lease(ctx, now, time.Minute)
	d.process(ctx, leased)

	// The request itself succeeded; a lost delivery must not re-run the LLM call.
	if n, _ := s.Len(ctx); n != 0 {
		t.Errorf("job must be acked despite webhook failure, len=%d", n)
	}
}

func TestDrainer_DrainLoopProcessesReadyJobs(t *testing.T) {
	s := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := time.Now()

	s.Enqueue(ctx, testJob("j-1", "k", now))
	s.Enqueue(ctx, testJob("j-2", "k", now))

	var processed atomic.Int32
	d := NewDrainer(s, func(ctx context.Context, job *Job) ([]byte, error) {
		processed.Add(1)
		return []byte("{}"), nil
	}, DrainerOptions{PollInterval: 10 * time.Millisecond}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Drain(ctx)
	}()

	deadline := time.After(3 * time.Second)
	for processed.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("drainer processed %d of 2 jobs in time", processed.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if n, _ := s.Len(ctx); n != 0 {
		t.Errorf("all jobs must be acked, len=%d", n)
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	if Backoff(1) != DefaultBaseBackoff {
		t.Errorf("Backoff(1) = %v", Backoff(1))
	}
	if Backoff(2) != 2*DefaultBaseBackoff {
		t.Errorf("Backoff(2) = %v", Backoff(2))
	}
	if Backoff(30) != MaxBackoff {
		t.Errorf("Backoff(30) = %v, want cap %v", Backoff(30), MaxBackoff)
	}
}
