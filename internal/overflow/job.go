// Package overflow is the at-least-once queue for admission-deferred requests.
// Rate-limited work is persisted here instead of rejected; a background
// drainer later re-runs the full admission/route/stream path and delivers the
// result to an optional webhook.
package overflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/runestonehq/runestone/internal/providers"
)

// DefaultRedactBudget caps persisted message bodies. Truncation is storage
// hygiene only; live request processing never sees redacted content.
const DefaultRedactBudget = 4096

// RedactMarker is appended to truncated message bodies.
const RedactMarker = "…[truncated]"

// Job is the persisted handoff for one deferred request. Idempotency is on
// the request ID: enqueueing the same request twice yields the same job.
type Job struct {
	ID          string                    `json:"id"`
	Key         string                    `json:"key"` // API key ID, FIFO partition
	Envelope    providers.RequestEnvelope `json:"request_envelope"`
	Attempt     int                       `json:"attempt"`
	MaxAttempts int                       `json:"max_attempts"`
	NextRunAt   time.Time                 `json:"next_run_at"`
	WebhookURL  string                    `json:"webhook_url,omitempty"`
	EnqueuedAt  time.Time                 `json:"enqueued_at"`
}

// NewJob builds a job for the envelope, redacting message bodies to the byte
// budget before persistence. A zero budget keeps DefaultRedactBudget.
func NewJob(key string, env *providers.RequestEnvelope, maxAttempts, redactBudget int, webhookURL string, now time.Time) *Job {
	if redactBudget <= 0 {
		redactBudget = DefaultRedactBudget
	}
	id := env.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	return &Job{
		ID:          id,
		Key:         key,
		Envelope:    redactEnvelope(env, redactBudget),
		Attempt:     0,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
		WebhookURL:  webhookURL,
		EnqueuedAt:  now,
	}
}

// redactEnvelope copies env with each message body truncated to budget bytes.
func redactEnvelope(env *providers.RequestEnvelope, budget int) providers.RequestEnvelope {
	out := *env
	out.Messages = make([]providers.Message, len(env.Messages))
	for i, m := range env.Messages {
		out.Messages[i] = m
		if len(m.Content) > budget {
			out.Messages[i].Content = truncateUTF8(m.Content, budget) + RedactMarker
		}
	}
	return out
}

// truncateUTF8 cuts s at or before n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xc0 == 0x80 {
		n--
	}
	return s[:n]
}
