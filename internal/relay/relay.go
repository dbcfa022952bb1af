// Package relay drains a provider driver's event stream into a response sink,
// keeping SSE frame boundaries intact and assembling the usage report along
// the way. One consumer goroutine owns the sink; driver events and
// cancellation are multiplexed through a single select.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/internal/telemetry"
	"github.com/runestonehq/runestone/internal/usage"
)

// Relay orchestrates one stream from driver events to sink writes.
type Relay struct {
	tracker   *usage.Tracker
	estimator *usage.Estimator
	log       *slog.Logger
}

func New(tracker *usage.Tracker, estimator *usage.Estimator, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{tracker: tracker, estimator: estimator, log: log}
}

// Run consumes the instance's stream for req and feeds sink. It returns the
// finalized usage report; err is non-nil when the stream ended in a failure,
// including failures already delivered to the client in-band (the caller
// distinguishes those via sink.Dirty()).
//
// Cancellation of ctx stops upstream consumption promptly; the report is then
// marked partial and the error class is cancelled.
func (r *Relay) Run(ctx context.Context, inst *providers.Instance, req *providers.RequestEnvelope, sink Sink) (usage.Report, error) {
	events, err := inst.Driver.Stream(ctx, &inst.Config, req)
	if err != nil {
		return usage.Report{Partial: true}, providers.Classified(err)
	}

	var completionText int // runes relayed, for estimation
	sawUsage := false

	for {
		select {
		case <-ctx.Done():
			telemetry.Emit(telemetry.StreamError, nil, telemetry.Metadata{
				"request_id": req.RequestID, "class": string(providers.ClassCancelled),
			})
			rep := r.finalize(req, completionText, sawUsage)
			rep.Partial = true
			return rep, providers.Errf(providers.ClassCancelled, "client disconnected")

		case ev, ok := <-events:
			if !ok {
				// Driver ended without a terminal event: synthesize a
				// stop but flag the report.
				if err := sink.OnFinish(providers.FinishStop); err != nil {
					return r.reportFor(inst, req, completionText, sawUsage, true), providers.Errf(providers.ClassTransport, "client write: %v", err)
				}
				telemetry.Emit(telemetry.StreamComplete, nil, telemetry.Metadata{
					"request_id": req.RequestID, "finish_reason": string(providers.FinishStop), "partial": "true",
				})
				return r.reportFor(inst, req, completionText, sawUsage, true), nil
			}

			switch ev.Type {
			case providers.EventChunk:
				if err := sink.OnChunk(ev.Text); err != nil {
					return r.reportFor(inst, req, completionText, sawUsage, true), providers.Errf(providers.ClassTransport, "client write: %v", err)
				}
				completionText += len(ev.Text)
				telemetry.Emit(telemetry.StreamChunk,
					telemetry.Measurements{"bytes": float64(len(ev.Text))},
					telemetry.Metadata{"request_id": req.RequestID})

			case providers.EventToolCall:
				if ev.ToolCall == nil {
					continue
				}
				if err := sink.OnToolCall(*ev.ToolCall); err != nil {
					return r.reportFor(inst, req, completionText, sawUsage, true), providers.Errf(providers.ClassTransport, "client write: %v", err)
				}

			case providers.EventUsage:
				r.tracker.Observe(req.RequestID, ev.PromptTokens, ev.CompletionTokens)
				sawUsage = true

			case providers.EventFinish:
				if err := sink.OnFinish(ev.Finish); err != nil {
					return r.reportFor(inst, req, completionText, sawUsage, true), providers.Errf(providers.ClassTransport, "client write: %v", err)
				}
				telemetry.Emit(telemetry.StreamComplete, nil, telemetry.Metadata{
					"request_id": req.RequestID, "finish_reason": string(ev.Finish),
				})
				return r.reportFor(inst, req, completionText, sawUsage, false), nil

			case providers.EventError:
				perr := ev.Err
				if perr == nil {
					perr = providers.Errf(providers.ClassAPIError, "driver reported an unspecified error")
				}
				telemetry.Emit(telemetry.StreamError, nil, telemetry.Metadata{
					"request_id": req.RequestID, "class": string(perr.Class),
				})
				rep := r.reportFor(inst, req, completionText, sawUsage, true)
				if sink.Dirty() {
					// Too late for an HTTP error; deliver in-band.
					if werr := sink.OnError(perr); werr != nil {
						r.log.Debug("in-band error delivery failed", "request_id", req.RequestID, "error", werr)
					}
				}
				return rep, perr
			}
		}
	}
}

// reportFor finalizes usage, estimating when the provider sent no counts, and
// prices the request when the cost table knows the model.
func (r *Relay) reportFor(inst *providers.Instance, req *providers.RequestEnvelope, completionChars int, sawUsage, partial bool) usage.Report {
	rep := r.finalize(req, completionChars, sawUsage)
	rep.Partial = partial
	if cost, ok := providers.EstimateCost(&inst.Config, req.Model, rep.PromptTokens, rep.CompletionTokens); ok {
		rep.EstimatedCost = cost
		rep.HasCost = true
	}
	return rep
}

func (r *Relay) finalize(req *providers.RequestEnvelope, completionChars int, sawUsage bool) usage.Report {
	if sawUsage {
		if rep, ok := r.tracker.Finalize(req.RequestID); ok {
			return rep
		}
	}
	// Clear any half-observed state before estimating.
	r.tracker.Finalize(req.RequestID)
	rep := usage.Report{
		PromptTokens:     r.estimator.Messages(req.Model, req.Messages),
		CompletionTokens: estimateChars(completionChars),
		Estimated:        true,
	}
	rep.TotalTokens = rep.PromptTokens + rep.CompletionTokens
	return rep
}

func estimateChars(chars int) int {
	if chars == 0 {
		return 0
	}
	n := chars / 4
	if n == 0 {
		n = 1
	}
	return n
}

// RequestTimeouts are the default per-request deadlines.
const (
	DefaultTotalTimeout     = 120 * time.Second
	DefaultFirstByteTimeout = 30 * time.Second
	CancelGrace             = time.Second
)
