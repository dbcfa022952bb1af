package openaicompat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
)

func testConfig(srv *httptest.Server) *providers.InstanceConfig {
	return &providers.InstanceConfig{
		Name:    "groq-main",
		Vendor:  "groq",
		APIKey:  "mock-api-key",
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	}
}

func TestDriver_ValidateRequiresBaseURL(t *testing.T) {
	d := New("groq")
	err := d.Validate(&providers.InstanceConfig{Name: "groq-main", APIKey: "k"})
	if err == nil {
		t.Fatal("compatible services have no default endpoint; base URL must be required")
	}
}

func TestDriver_Stream_UsesConfiguredVendorForFinishMapping(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"llama-3.3-70b","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"llama-3.3-70b","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", got)
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

	d := New("groq")
	events, err := d.Stream(context.Background(), testConfig(srv), &providers.RequestEnvelope{
		Model:    "llama-3.3-70b",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content string
	var finish providers.FinishReason
	for ev := range events {
		switch ev.Type {
		case providers.EventChunk:
			content += ev.Text
		case providers.EventFinish:
			finish = ev.Finish
		case providers.EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}

	if content != "Hi" {
		t.Errorf("expected 'Hi', got %q", content)
	}
	// Unknown vendors fall back to the OpenAI finish-reason table.
	if finish != providers.FinishLength {
		t.Errorf("expected %q, got %q", providers.FinishLength, finish)
	}
}

func TestDriver_Stream_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid API key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	d := New("deepseek")
	events, err := d.Stream(context.Background(), testConfig(srv), &providers.RequestEnvelope{
		Model:    "deepseek-chat",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	})
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
	cls := providers.ClassOf(last.Err)
	if cls != providers.ClassAuth {
		t.Errorf("expected class %q, got %q", providers.ClassAuth, cls)
	}
	if providers.Retryable(cls) {
		t.Error("auth failures must not be retryable")
	}
}
