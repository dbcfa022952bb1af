package proxy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/runestonehq/runestone/internal/providers"
)

func healthFixture(t *testing.T) (*HealthView, *CircuitBreaker, *providers.Registry) {
	t.Helper()
	reg := providers.NewRegistry()
	mustRegister(t, reg, providers.InstanceConfig{
		Name: "a", Vendor: "openai", APIKey: "k", Models: []string{"m"},
	}, &fakeDriver{vendor: "openai"})
	mustRegister(t, reg, providers.InstanceConfig{
		Name: "b", Vendor: "anthropic", APIKey: "k", Models: []string{"m"},
	}, &fakeDriver{vendor: "anthropic"})

	cb := NewCircuitBreaker(CBConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	groups := []*FailoverGroup{{Name: "g", Instances: []string{"a", "b"}}}
	return NewHealthView(reg, cb, groups, 0), cb, reg
}

func TestHealthView_Healthy(t *testing.T) {
	hv, _, _ := healthFixture(t)

	snap := hv.Snapshot()
	if snap.Status != "healthy" {
		t.Errorf("expected healthy, got %q", snap.Status)
	}
	if len(snap.PerInstance) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(snap.PerInstance))
	}
	if snap.PerInstance[0].Circuit != "closed" {
		t.Errorf("fresh breakers report closed, got %q", snap.PerInstance[0].Circuit)
	}
	if len(snap.PerGroup) != 1 || snap.PerGroup[0].Size != 2 || snap.PerGroup[0].OpenCount != 0 {
		t.Errorf("unexpected group health: %+v", snap.PerGroup)
	}
}

func TestHealthView_DegradedOnOpenCircuit(t *testing.T) {
	hv, cb, _ := healthFixture(t)
	cb.RecordFailure("a", providers.ClassServerError)

	snap := hv.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("one open circuit means degraded, got %q", snap.Status)
	}
	if snap.PerGroup[0].OpenCount != 1 {
		t.Errorf("group open count should be 1, got %d", snap.PerGroup[0].OpenCount)
	}
}

func TestHealthView_DegradedOnLowScore(t *testing.T) {
	hv, _, reg := healthFixture(t)
	a, _ := reg.Get("a")
	degrade(a, 8)

	snap := hv.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("a score below threshold means degraded, got %q", snap.Status)
	}
}

func TestHealthView_UnhealthyWhenAllOpen(t *testing.T) {
	hv, cb, _ := healthFixture(t)
	cb.RecordFailure("a", providers.ClassServerError)
	cb.RecordFailure("b", providers.ClassServerError)

	if got := hv.Snapshot().Status; got != "unhealthy" {
		t.Errorf("all circuits open means unhealthy, got %q", got)
	}
}

func serveHealth(t *testing.T, hv *HealthView, path string) *fasthttp.RequestCtx {
	t.Helper()
	var req fasthttp.Request
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI("http://health" + path)
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	hv.Handler()(ctx)
	return ctx
}

func TestHealthView_Endpoints(t *testing.T) {
	hv, cb, _ := healthFixture(t)

	if got := serveHealth(t, hv, "/health/live").Response.StatusCode(); got != fasthttp.StatusOK {
		t.Errorf("liveness is unconditional, got %d", got)
	}
	if got := serveHealth(t, hv, "/health/ready").Response.StatusCode(); got != fasthttp.StatusOK {
		t.Errorf("ready while healthy, got %d", got)
	}

	ctx := serveHealth(t, hv, "/health")
	var snap HealthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("health body must be JSON: %v", err)
	}
	if snap.Status != "healthy" {
		t.Errorf("expected healthy body, got %q", snap.Status)
	}

	cb.RecordFailure("a", providers.ClassServerError)
	cb.RecordFailure("b", providers.ClassServerError)
	if got := serveHealth(t, hv, "/health").Response.StatusCode(); got != fasthttp.StatusServiceUnavailable {
		t.Errorf("unhealthy surface returns 503, got %d", got)
	}
	if got := serveHealth(t, hv, "/health/ready").Response.StatusCode(); got != fasthttp.StatusServiceUnavailable {
		t.Errorf("not ready when unhealthy, got %d", got)
	}
	if got := serveHealth(t, hv, "/health/live").Response.StatusCode(); got != fasthttp.StatusOK {
		t.Errorf("liveness ignores provider state, got %d", got)
	}
}
