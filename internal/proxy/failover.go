package proxy

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/internal/telemetry"
)

// Strategy determines the permutation of a failover group consulted per
// request.
type Strategy string

const (
	StrategyPriority       Strategy = "priority"
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyHealthWeighted Strategy = "health_weighted"
	StrategyCostOptimized  Strategy = "cost_optimized"
)

// FailoverGroup is an ordered set of instance names with a walk strategy and
// an aggregate attempt budget.
type FailoverGroup struct {
	Name        string
	Instances   []string
	Strategy    Strategy
	MaxAttempts int
}

// Attempt runs one request against one instance. committed reports whether
// response bytes already reached the client; a committed failure can never
// fail over.
type Attempt func(ctx context.Context, inst *providers.Instance) (committed bool, err error)

// Failover walks candidate instances until one succeeds. It skips open
// circuits and instances below the health threshold, retries upstream rate
// limits against the same instance within the retry budget, and stops on the
// first non-retryable error.
//
// Stateless across requests except for per-group round-robin cursors.
type Failover struct {
	registry *providers.Registry
	cb       *CircuitBreaker
	retry    *RetryPolicy
	tau      float64
	log      *slog.Logger

	mu      sync.Mutex
	cursors map[string]uint64

	// sleep is injectable so tests do not wait out real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewFailover(registry *providers.Registry, cb *CircuitBreaker, retry *RetryPolicy, tau float64, log *slog.Logger) *Failover {
	if retry == nil {
		retry = NewRetryPolicy(0, 0, 0, DefaultRetryJitterPct)
	}
	if tau <= 0 {
		tau = DefaultHealthThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &Failover{
		registry: registry,
		cb:       cb,
		retry:    retry,
		tau:      tau,
		log:      log,
		cursors:  make(map[string]uint64),
		sleep:    sleepCtx,
	}
}

// Candidates resolves a group to its instances in strategy order. Names that
// do not resolve are dropped.
func (f *Failover) Candidates(group *FailoverGroup, model string) []*providers.Instance {
	insts := make([]*providers.Instance, 0, len(group.Instances))
	for _, name := range group.Instances {
		if inst, ok := f.registry.Get(name); ok {
			insts = append(insts, inst)
		}
	}

	switch group.Strategy {
	case StrategyRoundRobin:
		f.mu.Lock()
		offset := f.cursors[group.Name]
		f.cursors[group.Name]++
		f.mu.Unlock()
		if n := uint64(len(insts)); n > 0 {
			rotated := make([]*providers.Instance, 0, n)
			for i := uint64(0); i < n; i++ {
				rotated = append(rotated, insts[(offset+i)%n])
			}
			insts = rotated
		}
	case StrategyHealthWeighted:
		sort.SliceStable(insts, func(a, b int) bool {
			sa, sb := insts[a].HealthScore(), insts[b].HealthScore()
			if sa != sb {
				return sa > sb
			}
			return insts[a].AvgLatency() < insts[b].AvgLatency()
		})
	case StrategyCostOptimized:
		sort.SliceStable(insts, func(a, b int) bool {
			ca, cb := instanceCost(insts[a], model), instanceCost(insts[b], model)
			if ca != cb {
				return ca < cb
			}
			return insts[a].HealthScore() > insts[b].HealthScore()
		})
	}
	return insts
}

// Execute walks candidates, running attempt against each until one succeeds.
// maxAttempts bounds the aggregate number of upstream calls; 0 uses the retry
// policy's budget. Returns the instance that served the request on success.
func (f *Failover) Execute(ctx context.Context, candidates []*providers.Instance, maxAttempts int, attempt Attempt) (*providers.Instance, error) {
	if maxAttempts <= 0 {
		maxAttempts = f.retry.MaxAttempts
	}

	attempts := 0
	var lastErr *providers.Error

	for _, inst := range candidates {
		if attempts >= maxAttempts {
			break
		}
		name := inst.Name()

		if f.cb != nil && !f.cb.Allow(name) {
			f.log.Debug("skipping open circuit", "instance", name)
			continue
		}
		if inst.HealthScore() < f.tau && len(candidates) > 1 {
			f.log.Debug("skipping unhealthy instance", "instance", name, "score", inst.HealthScore())
			continue
		}

		sameInstanceTries := 0
		for attempts < maxAttempts {
			if err := ctx.Err(); err != nil {
				return nil, providers.Errf(providers.ClassCancelled, "request cancelled during failover")
			}

			attempts++
			telemetry.Emit(telemetry.ProviderRequestStart, nil, telemetry.Metadata{"instance": name})

			start := time.Now()
			committed, err := attempt(ctx, inst)
			dur := time.Since(start)

			if err == nil {
				inst.RecordResult(true, dur)
				if f.cb != nil {
					f.cb.RecordSuccess(name)
				}
				telemetry.Emit(telemetry.ProviderRequestStop,
					telemetry.Measurements{"latency_ms": float64(dur.Milliseconds())},
					telemetry.Metadata{"instance": name})
				return inst, nil
			}

			perr := providers.Classified(err)
			if providers.CountsAsUpstreamFault(perr.Class) {
				inst.RecordResult(false, dur)
			}
			if f.cb != nil {
				f.cb.RecordFailure(name, perr.Class)
			}
			telemetry.Emit(telemetry.ProviderRequestError, nil, telemetry.Metadata{
				"instance": name, "class": string(perr.Class),
			})

			if committed {
				// Bytes already reached the client; no candidate can take over.
				return nil, perr
			}
			if !providers.Retryable(perr.Class) {
				// First non-retryable wins, unmodified.
				return nil, perr
			}
			lastErr = perr

			// Upstream rate limits are retried against the same instance
			// after backoff; everything else advances to the next candidate.
			if perr.Class == providers.ClassRateLimitedUpstream && f.retry.ShouldRetry(sameInstanceTries, perr.Class) {
				if err := f.sleep(ctx, f.retry.Delay(sameInstanceTries, perr)); err != nil {
					return nil, providers.Errf(providers.ClassCancelled, "request cancelled during backoff")
				}
				sameInstanceTries++
				continue
			}
			break
		}
	}

	if lastErr != nil {
		return nil, &providers.Error{
			Class:   providers.ClassNoHealthyProvider,
			Message: "all providers failed: " + lastErr.Message,
		}
	}
	return nil, providers.Errf(providers.ClassNoHealthyProvider, "no healthy provider available")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
