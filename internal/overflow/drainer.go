package overflow

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/runestonehq/runestone/internal/telemetry"
)

// Drainer defaults.
const (
	DefaultParallelism  = 4
	DefaultPollInterval = 500 * time.Millisecond
	DefaultBaseBackoff  = time.Second
	MaxBackoff          = time.Minute
	webhookTimeout      = 10 * time.Second
)

// Runner re-runs one deferred request through the full gateway path and
// returns the serialized final response for webhook delivery.
type Runner func(ctx context.Context, job *Job) ([]byte, error)

// Drainer pulls ready jobs and runs them with bounded parallelism. Leases
// keep a pulled job invisible to other drainers; a crash mid-run lets the
// job reappear after the visibility timeout (at-least-once).
type Drainer struct {
	store      Store
	run        Runner
	sem        *semaphore.Weighted
	client     *http.Client
	log        *slog.Logger
	poll       time.Duration
	visibility time.Duration
	clock      func() time.Time
}

// DrainerOptions tune the loop; zero values take the defaults above.
type DrainerOptions struct {
	Parallelism  int
	PollInterval time.Duration
	Visibility   time.Duration
	Client       *http.Client
}

func NewDrainer(store Store, run Runner, opts DrainerOptions, log *slog.Logger) *Drainer {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Visibility <= 0 {
		opts.Visibility = DefaultVisibilityTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: webhookTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Drainer{
		store:      store,
		run:        run,
		sem:        semaphore.NewWeighted(int64(opts.Parallelism)),
		client:     opts.Client,
		log:        log,
		poll:       opts.PollInterval,
		visibility: opts.Visibility,
		clock:      time.Now,
	}
}

// Drain blocks until ctx is done, leasing and processing jobs as they become
// ready.
func (d *Drainer) Drain(ctx context.Context) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		job, err := d.store.Lease(ctx, d.clock(), d.visibility)
		if err != nil {
			d.log.Warn("overflow lease failed", "error", err)
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			continue
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(job *Job) {
			defer d.sem.Release(1)
			d.process(ctx, job)
		}(job)
	}
}

func (d *Drainer) process(ctx context.Context, job *Job) {
	telemetry.Emit(telemetry.OverflowDrainStart, nil, telemetry.Metadata{
		"job_id": job.ID, "attempt": fmt.Sprint(job.Attempt),
	})

	payload, err := d.run(ctx, job)
	if err != nil {
		job.Attempt++
		if job.Attempt >= job.MaxAttempts {
			telemetry.Emit(telemetry.OverflowDrainGiveup, nil, telemetry.Metadata{
				"job_id": job.ID, "attempts": fmt.Sprint(job.Attempt),
			})
			d.log.Warn("overflow job abandoned", "job_id", job.ID, "attempts", job.Attempt, "error", err)
			if aerr := d.store.Ack(ctx, job.ID); aerr != nil {
				d.log.Warn("overflow ack failed", "job_id", job.ID, "error", aerr)
			}
			return
		}
		next := d.clock().Add(Backoff(job.Attempt))
		if rerr := d.store.Retry(ctx, job, next); rerr != nil {
			d.log.Warn("overflow reschedule failed", "job_id", job.ID, "error", rerr)
		}
		return
	}

	if job.WebhookURL != "" {
		if werr := d.deliver(ctx, job, payload); werr != nil {
			// The queue is at-least-once with an idempotent callee; a lost
			// delivery is logged, not re-run, to avoid duplicate LLM calls.
			d.log.Warn("webhook delivery failed", "job_id", job.ID, "url", job.WebhookURL, "error", werr)
		}
	}
	if err := d.store.Ack(ctx, job.ID); err != nil {
		d.log.Warn("overflow ack failed", "job_id", job.ID, "error", err)
	}
	telemetry.Emit(telemetry.OverflowDrainStop, nil, telemetry.Metadata{"job_id": job.ID})
}

func (d *Drainer) deliver(ctx context.Context, job *Job, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", job.Envelope.RequestID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Backoff is the retry delay before attempt n (1-based), doubling from
// DefaultBaseBackoff up to MaxBackoff.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(DefaultBaseBackoff) * math.Pow(2, float64(attempt-1)))
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}
