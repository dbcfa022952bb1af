package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/runestonehq/runestone/internal/providers"
)

// HealthView is a read-only aggregator over the registry, the circuit
// breakers, and the configured failover groups. It holds no state of its own;
// every snapshot reads the live sources.
type HealthView struct {
	registry *providers.Registry
	cb       *CircuitBreaker
	groups   []*FailoverGroup
	tau      float64
	started  time.Time
}

func NewHealthView(registry *providers.Registry, cb *CircuitBreaker, groups []*FailoverGroup, tau float64) *HealthView {
	if tau <= 0 {
		tau = DefaultHealthThreshold
	}
	return &HealthView{
		registry: registry,
		cb:       cb,
		groups:   groups,
		tau:      tau,
		started:  time.Now(),
	}
}

type InstanceHealth struct {
	Name           string  `json:"name"`
	Circuit        string  `json:"circuit"`
	HealthScore    float64 `json:"health_score"`
	LastSuccessAgo string  `json:"last_success_ago"`
	SuccessRate    float64 `json:"success_rate"`
	AvgLatencyMs   int64   `json:"avg_latency_ms"`
}

type GroupHealth struct {
	Name      string `json:"name"`
	Size      int    `json:"size"`
	OpenCount int    `json:"open_count"`
}

type HealthSnapshot struct {
	Status        string           `json:"status"` // healthy | degraded | unhealthy
	UptimeSeconds int64            `json:"uptime_seconds"`
	PerInstance   []InstanceHealth `json:"per_instance"`
	PerGroup      []GroupHealth    `json:"per_group,omitempty"`
}

// Snapshot aggregates current state. degraded when any instance is open or
// scores below τ; unhealthy when every instance is open.
func (h *HealthView) Snapshot() HealthSnapshot {
	insts := h.registry.All()

	snap := HealthSnapshot{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		PerInstance:   make([]InstanceHealth, 0, len(insts)),
	}

	openCount := 0
	degraded := false
	for _, inst := range insts {
		circuit := "closed"
		if h.cb != nil {
			circuit = h.cb.StateLabel(inst.Name())
		}
		score, avgLatency, lastSuccess, successRate := inst.HealthStats()

		if circuit == "open" {
			openCount++
			degraded = true
		}
		if score < h.tau {
			degraded = true
		}

		ago := ""
		if !lastSuccess.IsZero() {
			ago = time.Since(lastSuccess).Round(time.Second).String()
		}
		snap.PerInstance = append(snap.PerInstance, InstanceHealth{
			Name:           inst.Name(),
			Circuit:        circuit,
			HealthScore:    score,
			LastSuccessAgo: ago,
			SuccessRate:    successRate,
			AvgLatencyMs:   avgLatency.Milliseconds(),
		})
	}

	switch {
	case len(insts) > 0 && openCount == len(insts):
		snap.Status = "unhealthy"
	case degraded:
		snap.Status = "degraded"
	}

	for _, g := range h.groups {
		gh := GroupHealth{Name: g.Name, Size: len(g.Instances)}
		if h.cb != nil {
			for _, name := range g.Instances {
				if h.cb.StateLabel(name) == "open" {
					gh.OpenCount++
				}
			}
		}
		snap.PerGroup = append(snap.PerGroup, gh)
	}
	return snap
}

// Handler returns the routed handler for the health server. The health
// surface binds its own port and carries no auth.
func (h *HealthView) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.GET("/health", h.handleHealth)
	r.GET("/health/live", h.handleLive)
	r.GET("/health/ready", h.handleReady)
	return r.Handler
}

func (h *HealthView) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := h.Snapshot()
	if snap.Status == "unhealthy" {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, snap)
}

// handleLive answers as long as the process serves requests.
func (h *HealthView) handleLive(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleReady fails while no instance can take traffic.
func (h *HealthView) handleReady(ctx *fasthttp.RequestCtx) {
	if h.Snapshot().Status == "unhealthy" {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
