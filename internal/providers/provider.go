// Package providers defines the driver contract shared by all upstream LLM
// vendors (OpenAI, Anthropic, Gemini, and OpenAI-compatible services).
//
// A Driver translates the canonical RequestEnvelope into a vendor call and
// yields a flat sequence of StreamEvents. Everything above the driver boundary
// operates only on canonical events and error classifications — vendor error
// strings must never leak upward.
package providers

import (
	"context"
	"fmt"
	"time"
)

// Class is the closed error classification set used at the driver seam.
// Drivers MUST classify every failure; the resilience layer and the HTTP
// error mapping pattern-match on Class alone.
type Class string

const (
	ClassBadRequest          Class = "bad_request"
	ClassAuth                Class = "auth"
	ClassRateLimitedLocal    Class = "rate_limited_local"
	ClassRateLimitedUpstream Class = "rate_limited_upstream"
	ClassTransport           Class = "transport"
	ClassTimeout             Class = "timeout"
	ClassServerError         Class = "server_error"
	ClassCircuitOpen         Class = "circuit_open"
	ClassContentFilter       Class = "content_filter"
	ClassCancelled           Class = "cancelled"
	ClassNoHealthyProvider   Class = "no_healthy_provider"
	ClassAPIError            Class = "api_error"
)

// Retryable reports whether an error of the given class may be retried
// (against the same instance, except circuit_open which is only retryable
// against a different instance).
func Retryable(c Class) bool {
	switch c {
	case ClassTransport, ClassTimeout, ClassRateLimitedUpstream, ClassServerError, ClassCircuitOpen:
		return true
	}
	return false
}

// CountsAsUpstreamFault reports whether the class should feed the circuit
// breaker's failure counter. Client-side classes (bad request, auth,
// cancellation) say nothing about provider health.
func CountsAsUpstreamFault(c Class) bool {
	switch c {
	case ClassServerError, ClassTimeout, ClassTransport:
		return true
	}
	return false
}

// Error is a classified provider error. Status carries the upstream HTTP
// status when one was observed; RetryAfter carries a server-supplied backoff
// hint for rate_limited_upstream.
type Error struct {
	Class      Class
	Message    string
	Status     int
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Class, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Errf builds a classified error with a formatted message.
func Errf(c Class, format string, args ...any) *Error {
	return &Error{Class: c, Message: fmt.Sprintf(format, args...)}
}

// ClassOf extracts the classification from err. Unclassified errors map to
// api_error; context cancellation and deadline are recognised directly so
// SDK-wrapped context errors classify correctly.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var pe *Error
	if AsError(err, &pe) {
		return pe.Class
	}
	switch {
	case isContextCanceled(err):
		return ClassCancelled
	case isDeadlineExceeded(err):
		return ClassTimeout
	}
	return ClassAPIError
}

// ClassFromStatus maps an upstream HTTP status to a classification.
func ClassFromStatus(status int) Class {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 429:
		return ClassRateLimitedUpstream
	case status >= 400 && status < 500:
		return ClassBadRequest
	case status >= 500:
		return ClassServerError
	default:
		return ClassAPIError
	}
}

// FinishReason is the canonical finish reason set emitted by the relay
// regardless of vendor.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishError         FinishReason = "error"
	FinishCancelled     FinishReason = "cancelled"
)

// EventType discriminates StreamEvent variants.
type EventType int

const (
	EventChunk EventType = iota
	EventToolCall
	EventUsage
	EventFinish
	EventError
)

type (
	// ToolCallDelta is an incremental tool-call fragment inside a stream.
	ToolCallDelta struct {
		Index     int
		ID        string
		Name      string
		Arguments string
	}

	// StreamEvent is the canonical wire-internal event a driver yields.
	// Exactly one EventFinish or one terminal EventError closes a stream;
	// drivers MUST NOT emit events after either.
	StreamEvent struct {
		Type             EventType
		Text             string
		ToolCall         *ToolCallDelta
		PromptTokens     int
		CompletionTokens int
		Finish           FinishReason
		Err              *Error
	}

	// Message is a single conversation turn.
	Message struct {
		Role    string
		Content string
	}

	// RequestEnvelope is the canonical, provider-independent chat request.
	// Model has already been alias-resolved by the time a driver sees it.
	RequestEnvelope struct {
		Model            string
		Provider         string // explicit instance override, optional
		Messages         []Message
		Temperature      *float64
		TopP             *float64
		MaxTokens        int
		Stop             []string
		PresencePenalty  *float64
		FrequencyPenalty *float64
		Stream           bool
		User             string
		TenantID         string
		RequestID        string
	}

	// Header is a single HTTP header a driver would attach upstream.
	Header struct {
		Name  string
		Value string
	}

	// InstanceConfig describes one registered upstream instance.
	InstanceConfig struct {
		Name           string
		Vendor         string
		APIKey         string
		BaseURL        string
		Timeout        time.Duration
		RetryAttempts  int
		CircuitBreaker bool
		Models         []string
		// Costs overrides the built-in cost table for this instance.
		// Per-provider entries win over the built-in table.
		Costs map[string]ModelCost
	}

	// EmbeddingData is a single embedding vector.
	EmbeddingData struct {
		Index     int
		Embedding []float32
	}

	// EmbeddingResponse is the normalized embeddings result.
	EmbeddingResponse struct {
		Model        string
		Data         []EmbeddingData
		PromptTokens int
	}
)

// Chunk, Usage, Finish and Fail are StreamEvent constructors used by drivers.
func Chunk(text string) StreamEvent { return StreamEvent{Type: EventChunk, Text: text} }

func ToolCall(d ToolCallDelta) StreamEvent { return StreamEvent{Type: EventToolCall, ToolCall: &d} }

func Usage(prompt, completion int) StreamEvent {
	return StreamEvent{Type: EventUsage, PromptTokens: prompt, CompletionTokens: completion}
}

func Finish(r FinishReason) StreamEvent { return StreamEvent{Type: EventFinish, Finish: r} }

func Fail(err *Error) StreamEvent { return StreamEvent{Type: EventError, Err: err} }

// Driver is the per-vendor capability set. Implementations live in
// sub-packages and are registered with the Registry at startup.
type Driver interface {
	// Vendor returns the vendor tag ("openai", "anthropic", ...).
	Vendor() string

	// Validate checks an instance config at registration time.
	Validate(cfg *InstanceConfig) error

	// AuthHeaders returns the headers the driver attaches upstream.
	AuthHeaders(cfg *InstanceConfig) []Header

	// Stream opens a streaming call and returns the event channel. Events
	// appear in receipt order with at most one terminal event. The channel
	// closes after the terminal event or when ctx is cancelled.
	Stream(ctx context.Context, cfg *InstanceConfig, req *RequestEnvelope) (<-chan StreamEvent, error)

	// SupportedModels returns the model ids this instance serves.
	SupportedModels(cfg *InstanceConfig) []string
}

// Embedder is an optional interface for drivers that support the embeddings
// API. Check with a type assertion before calling.
type Embedder interface {
	Embed(ctx context.Context, cfg *InstanceConfig, model string, input []string) (*EmbeddingResponse, error)
}

// StreamBuffer is the event channel depth used by all drivers. Bounded so a
// slow client applies backpressure to upstream consumption.
const StreamBuffer = 64

// Default per-instance constants.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultRetryAttempts = 3
	DefaultMaxTokens     = 4096
)
