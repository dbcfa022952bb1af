// Package admission is the front gate of the request path: bearer extraction,
// API-key validation and rate-limit enforcement, in that order. Everything
// behind admission can assume an authenticated, in-budget request.
package admission

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/runestonehq/runestone/internal/apikey"
	"github.com/runestonehq/runestone/internal/ratelimit"
	"github.com/runestonehq/runestone/internal/telemetry"
)

// Deny reasons surfaced to the HTTP layer.
const (
	ReasonMissingAuthorization = "missing_authorization"
	ReasonInvalidKeyFormat     = "invalid_api_key_format"
	ReasonInvalidKey           = "invalid_api_key"
)

// Denial classes, used to pick the HTTP error mapping.
const (
	ClassAuth      = "auth"
	ClassRateLimit = "rate_limit"
)

// Denial explains a refused request. Rate-limit denials are divertable: the
// caller may queue the request instead of rejecting it. KeyID and Rate are
// populated only when authentication succeeded (rate-limit denials), so the
// caller can emit rate headers and key the overflow queue.
type Denial struct {
	Reason     string
	Class      string
	RetryAfter time.Duration
	Divertable bool
	KeyID      string
	Rate       ratelimit.Result
}

// Grant is a successful admission. The caller must call Release exactly once
// when the request reaches a terminal state; extra calls are no-ops.
type Grant struct {
	Key     apikey.Info
	Rate    ratelimit.Result
	limiter ratelimit.Limiter
	once    sync.Once
}

// Release returns the concurrent slot. Safe to call from any termination path
// (success, error, client disconnect); only the first call counts.
func (g *Grant) Release() {
	g.once.Do(func() { g.limiter.Release(g.Key.ID) })
}

// Headers returns the rate-limit response headers for this grant.
func (g *Grant) Headers() map[string]string {
	return RateHeaders(g.Rate)
}

// RateHeaders renders the rate-limit headers for a limiter result.
func RateHeaders(res ratelimit.Result) map[string]string {
	return map[string]string{
		"X-RateLimit-Limit-Requests":     strconv.Itoa(res.Minute.Limit),
		"X-RateLimit-Remaining-Requests": strconv.Itoa(res.Minute.Remaining),
		"X-RateLimit-Reset-Requests":     strconv.FormatInt(res.Minute.ResetAt.Unix(), 10),
		"X-RateLimit-Limit-Hour":         strconv.Itoa(res.Hour.Limit),
		"X-RateLimit-Remaining-Hour":     strconv.Itoa(res.Hour.Remaining),
		"X-RateLimit-Reset-Hour":         strconv.FormatInt(res.Hour.ResetAt.Unix(), 10),
	}
}

// Controller wires the key store and the rate limiter.
type Controller struct {
	keys    *apikey.Store
	limiter ratelimit.Limiter
}

func NewController(keys *apikey.Store, limiter ratelimit.Limiter) *Controller {
	return &Controller{keys: keys, limiter: limiter}
}

// Admit runs the full admission sequence for one request.
func (c *Controller) Admit(ctx context.Context, authHeader string) (*Grant, *Denial) {
	token, ok := parseBearerToken(authHeader)
	if !ok {
		telemetry.Emit(telemetry.AuthFailure, nil, telemetry.Metadata{"reason": ReasonMissingAuthorization})
		return nil, &Denial{Reason: ReasonMissingAuthorization, Class: ClassAuth}
	}
	if err := apikey.CheckFormat(token, c.keys.Prefix()); err != nil {
		telemetry.Emit(telemetry.AuthFailure, nil, telemetry.Metadata{"reason": ReasonInvalidKeyFormat})
		return nil, &Denial{Reason: ReasonInvalidKeyFormat, Class: ClassAuth}
	}

	info, ok := c.keys.Lookup(token)
	if !ok {
		telemetry.Emit(telemetry.AuthFailure, nil, telemetry.Metadata{"reason": ReasonInvalidKey})
		return nil, &Denial{Reason: ReasonInvalidKey, Class: ClassAuth}
	}
	telemetry.Emit(telemetry.AuthSuccess, nil, telemetry.Metadata{"key_id": info.ID})

	res, err := c.limiter.Acquire(ctx, info.ID, ratelimit.Limits{
		PerMinute:     info.Limits.PerMinute,
		PerHour:       info.Limits.PerHour,
		MaxConcurrent: info.Limits.MaxConcurrent,
	})
	if err != nil {
		// Limiter backends fail open internally; an error here is a
		// programming fault, treat it as a block to stay safe.
		telemetry.Emit(telemetry.RateLimitBlock, nil, telemetry.Metadata{"key_id": info.ID, "reason": "limiter_error"})
		return nil, &Denial{Reason: ratelimit.ReasonMinute, Class: ClassRateLimit, RetryAfter: time.Second, Divertable: true, KeyID: info.ID}
	}
	if !res.Allowed {
		telemetry.Emit(telemetry.RateLimitBlock,
			telemetry.Measurements{"retry_after_ms": float64(res.RetryAfter.Milliseconds())},
			telemetry.Metadata{"key_id": info.ID, "reason": res.Reason})
		return nil, &Denial{Reason: res.Reason, Class: ClassRateLimit, RetryAfter: res.RetryAfter, Divertable: true, KeyID: info.ID, Rate: res}
	}

	telemetry.Emit(telemetry.RateLimitAllow,
		telemetry.Measurements{"remaining_minute": float64(res.Minute.Remaining)},
		telemetry.Metadata{"key_id": info.ID})

	return &Grant{Key: info, Rate: res, limiter: c.limiter}, nil
}

// parseBearerToken extracts the token from an Authorization header with a
// case-insensitive "Bearer" scheme.
func parseBearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	const scheme = "bearer "
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	token := strings.TrimSpace(header[len(scheme):])
	if token == "" {
		return "", false
	}
	return token, true
}
