// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants — the closed set of "type" values the gateway emits.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeAPIError          = "api_error"
	TypeOverloadedError   = "overloaded_error"
)

// Code constants.
const (
	CodeMissingAuthorization = "missing_authorization"
	CodeInvalidAPIKeyFormat  = "invalid_api_key_format"
	CodeInvalidAPIKey        = "invalid_api_key"
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeContentFilter        = "content_filter"
	CodeRouteError           = "route_error"
	CodeRequestTimeout       = "request_timeout"
	CodeInternalError        = "internal_error"
	CodeNoHealthyProvider    = "no_healthy_provider"
	CodeInvalidRequest       = "invalid_request"
)

type (
	// APIError is the structured error returned to clients. Param and Code
	// marshal to JSON null when unset, matching the OpenAI wire shape.
	APIError struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    *string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Body returns the marshalled error envelope without touching a response.
// Used by the relay for in-band SSE error events.
func Body(message, errType, code string) []byte {
	e := APIError{Message: message, Type: errType}
	if code != "" {
		e.Code = &code
	}
	body, _ := json.Marshal(envelope{Error: e})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP
// status. Pass an empty code to emit "code": null.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteParam(ctx, status, message, errType, "", code)
}

// WriteParam is Write with an explicit "param" field.
func WriteParam(ctx *fasthttp.RequestCtx, status int, message, errType, param, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	e := APIError{Message: message, Type: errType}
	if param != "" {
		e.Param = &param
	}
	if code != "" {
		e.Code = &code
	}
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 with a Retry-After hint in whole seconds.
func WriteRateLimit(ctx *fasthttp.RequestCtx, message string, retryAfterSec int) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSec))
	Write(ctx, fasthttp.StatusTooManyRequests, message, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeAPIError, CodeRequestTimeout)
}

// WriteOverloaded writes a 503 when no healthy provider remains.
func WriteOverloaded(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, message, TypeOverloadedError, CodeNoHealthyProvider)
}
