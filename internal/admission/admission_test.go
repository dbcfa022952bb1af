package admission

import (
	"context"
	"testing"

	"github.com/runestonehq/runestone/internal/apikey"
	"github.com/runestonehq/runestone/internal/ratelimit"
	"github.com/runestonehq/runestone/internal/telemetry"
)

func newController(t *testing.T, limits apikey.Limits) *Controller {
	t.Helper()
	keys := apikey.NewStore(apikey.DefaultPrefix)
	err := keys.Add(apikey.Key{
		ID:     "team-a",
		Token:  "rs-team-a-token",
		Active: true,
		Limits: limits,
	})
	if err != nil {
		t.Fatalf("provision key: %v", err)
	}
	return NewController(keys, ratelimit.NewLocal())
}

func TestAdmit_Success(t *testing.T) {
	c := newController(t, apikey.Limits{PerMinute: 10, PerHour: 100, MaxConcurrent: 5})

	grant, denial := c.Admit(context.Background(), "Bearer rs-team-a-token")
	if denial != nil {
		t.Fatalf("unexpected denial: %+v", denial)
	}
	defer grant.Release()

	if grant.Key.ID != "team-a" {
		t.Errorf("expected key id 'team-a', got %q", grant.Key.ID)
	}
	h := grant.Headers()
	if h["X-RateLimit-Limit-Requests"] != "10" {
		t.Errorf("wrong minute limit header: %q", h["X-RateLimit-Limit-Requests"])
	}
	if h["X-RateLimit-Remaining-Requests"] != "9" {
		t.Errorf("wrong minute remaining header: %q", h["X-RateLimit-Remaining-Requests"])
	}
}

func TestAdmit_SchemeIsCaseInsensitive(t *testing.T) {
	c := newController(t, apikey.Limits{PerMinute: 10, PerHour: 100, MaxConcurrent: 5})

	grant, denial := c.Admit(context.Background(), "bEaReR rs-team-a-token")
	if denial != nil {
		t.Fatalf("unexpected denial: %+v", denial)
	}
	grant.Release()
}

func TestAdmit_AuthDenials(t *testing.T) {
	c := newController(t, apikey.Limits{PerMinute: 10, PerHour: 100, MaxConcurrent: 5})

	cases := []struct {
		name   string
		header string
		reason string
	}{
		{"missing header", "", ReasonMissingAuthorization},
		{"wrong scheme", "Basic abc", ReasonMissingAuthorization},
		{"empty token", "Bearer   ", ReasonMissingAuthorization},
		{"bad prefix", "Bearer sk-wrong-prefix", ReasonInvalidKeyFormat},
		{"unknown key", "Bearer rs-unknown-key", ReasonInvalidKey},
	}
	for _, tc := range cases {
		grant, denial := c.Admit(context.Background(), tc.header)
		if grant != nil {
			t.Errorf("%s: expected denial, got grant", tc.name)
			continue
		}
		if denial.Reason != tc.reason {
			t.Errorf("%s: expected reason %q, got %q", tc.name, tc.reason, denial.Reason)
		}
		if denial.Class != ClassAuth {
			t.Errorf("%s: expected auth class, got %q", tc.name, denial.Class)
		}
		if denial.Divertable {
			t.Errorf("%s: auth denials must never divert to overflow", tc.name)
		}
	}
}

func TestAdmit_DeactivatedKey(t *testing.T) {
	keys := apikey.NewStore(apikey.DefaultPrefix)
	_ = keys.Add(apikey.Key{ID: "old", Token: "rs-rotated-out", Active: false,
		Limits: apikey.Limits{PerMinute: 10, PerHour: 10, MaxConcurrent: 10}})
	c := NewController(keys, ratelimit.NewLocal())

	_, denial := c.Admit(context.Background(), "Bearer rs-rotated-out")
	if denial == nil || denial.Reason != ReasonInvalidKey {
		t.Fatalf("deactivated key must deny with %s, got %+v", ReasonInvalidKey, denial)
	}
}

func TestAdmit_RateLimitDenialIsDivertable(t *testing.T) {
	c := newController(t, apikey.Limits{PerMinute: 1, PerHour: 100, MaxConcurrent: 5})
	ctx := context.Background()

	grant, denial := c.Admit(ctx, "Bearer rs-team-a-token")
	if denial != nil {
		t.Fatalf("first request should pass: %+v", denial)
	}
	grant.Release()

	_, denial = c.Admit(ctx, "Bearer rs-team-a-token")
	if denial == nil {
		t.Fatal("second request in the same minute must be denied")
	}
	if denial.Class != ClassRateLimit || !denial.Divertable {
		t.Errorf("rate denial should be divertable rate_limit class, got %+v", denial)
	}
	if denial.RetryAfter <= 0 {
		t.Errorf("rate denial must carry a retry-after hint, got %v", denial.RetryAfter)
	}
}

func TestAdmit_ReleaseIsIdempotent(t *testing.T) {
	c := newController(t, apikey.Limits{PerMinute: 10, PerHour: 100, MaxConcurrent: 1})
	ctx := context.Background()

	grant, denial := c.Admit(ctx, "Bearer rs-team-a-token")
	if denial != nil {
		t.Fatalf("unexpected denial: %+v", denial)
	}
	grant.Release()
	grant.Release() // double release must not free a second slot

	g2, denial := c.Admit(ctx, "Bearer rs-team-a-token")
	if denial != nil {
		t.Fatalf("slot should be free: %+v", denial)
	}
	defer g2.Release()

	if _, denial := c.Admit(ctx, "Bearer rs-team-a-token"); denial == nil {
		t.Error("concurrent cap of 1 must block while a grant is held")
	}
}

func TestAdmit_EmitsTelemetry(t *testing.T) {
	capture := &telemetry.CaptureSink{}
	telemetry.SetSink(capture)
	defer telemetry.SetSink(nil)

	c := newController(t, apikey.Limits{PerMinute: 1, PerHour: 100, MaxConcurrent: 5})
	ctx := context.Background()

	grant, _ := c.Admit(ctx, "Bearer rs-team-a-token")
	grant.Release()
	c.Admit(ctx, "Bearer rs-team-a-token")  // blocked
	c.Admit(ctx, "Bearer rs-unknown-token") // auth failure

	if n := capture.Count(telemetry.AuthSuccess); n != 2 {
		t.Errorf("expected 2 auth.success, got %d", n)
	}
	if n := capture.Count(telemetry.RateLimitAllow); n != 1 {
		t.Errorf("expected 1 rate_limit.allow, got %d", n)
	}
	if n := capture.Count(telemetry.RateLimitBlock); n != 1 {
		t.Errorf("expected 1 rate_limit.block, got %d", n)
	}
	if n := capture.Count(telemetry.AuthFailure); n != 1 {
		t.Errorf("expected 1 auth.failure, got %d", n)
	}
}
