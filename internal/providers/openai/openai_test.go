package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
)

func testConfig(srv *httptest.Server) *providers.InstanceConfig {
	return &providers.InstanceConfig{
		Name:    "openai-test",
		Vendor:  "openai",
		APIKey:  "mock-api-key",
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	}
}

func baseRequest() *providers.RequestEnvelope {
	return &providers.RequestEnvelope{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestDriver_Validate(t *testing.T) {
	d := New()
	if err := d.Validate(&providers.InstanceConfig{Name: "x", APIKey: "sk"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Validate(&providers.InstanceConfig{Name: "x"}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestDriver_Stream_Success(t *testing.T) {
	// Minimal chat.completion.chunk payloads for SSE streaming, including the
	// trailing usage-only chunk produced by stream_options.include_usage.
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	d := New()
	events, err := d.Stream(context.Background(), testConfig(srv), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content string
	var finish providers.FinishReason
	var promptTok, completionTok int
	for ev := range events {
		switch ev.Type {
		case providers.EventChunk:
			content += ev.Text
		case providers.EventFinish:
			finish = ev.Finish
		case providers.EventUsage:
			promptTok, completionTok = ev.PromptTokens, ev.CompletionTokens
		case providers.EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}

	if content != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", content)
	}
	if finish != providers.FinishLength {
		t.Errorf("expected finish reason %q, got %q", providers.FinishLength, finish)
	}
	if promptTok != 10 || completionTok != 5 {
		t.Errorf("expected usage 10/5, got %d/%d", promptTok, completionTok)
	}
}

func TestDriver_Stream_RateLimit(t *testing.T) {
	errBody := map[string]any{
		"error": map[string]any{
			"message": "Rate limit exceeded",
			"type":    "rate_limit_error",
			"code":    "rate_limit_exceeded",
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	d := New()
	events, err := d.Stream(context.Background(), testConfig(srv), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var last providers.StreamEvent
	for ev := range events {
		last = ev
	}
	if last.Type != providers.EventError {
		t.Fatalf("expected terminal error event, got %v", last.Type)
	}

	var provErr *providers.Error
	if !providers.AsError(last.Err, &provErr) {
		t.Fatalf("expected *providers.Error, got %T: %v", last.Err, last.Err)
	}
	if provErr.Class != providers.ClassRateLimitedUpstream {
		t.Errorf("expected class %q, got %q", providers.ClassRateLimitedUpstream, provErr.Class)
	}
	if !strings.Contains(strings.ToLower(provErr.Message), "rate limit") {
		t.Errorf("expected message to contain rate limit text, got %q", provErr.Message)
	}
}

func TestDriver_Stream_ServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"Service unavailable","type":"server_error"}}`))
	}))
	defer srv.Close()

	d := New()
	events, err := d.Stream(context.Background(), testConfig(srv), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var last providers.StreamEvent
	for ev := range events {
		last = ev
	}
	if last.Type != providers.EventError {
		t.Fatalf("expected terminal error event, got %v", last.Type)
	}
	if cls := providers.ClassOf(last.Err); !providers.Retryable(cls) {
		t.Errorf("5xx should classify as retryable, got %q", cls)
	}
}
