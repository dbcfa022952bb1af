package relay

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/internal/usage"
)

// scriptDriver replays a fixed event sequence.
type scriptDriver struct {
	events []providers.StreamEvent
	// hold keeps the channel open without a terminal event when set.
	hold chan struct{}
}

func (d *scriptDriver) Vendor() string                                 { return "openai" }
func (d *scriptDriver) Validate(cfg *providers.InstanceConfig) error   { return nil }
func (d *scriptDriver) AuthHeaders(*providers.InstanceConfig) []providers.Header { return nil }
func (d *scriptDriver) SupportedModels(*providers.InstanceConfig) []string       { return nil }

func (d *scriptDriver) Stream(ctx context.Context, cfg *providers.InstanceConfig, req *providers.RequestEnvelope) (<-chan providers.StreamEvent, error) {
	ch := make(chan providers.StreamEvent, len(d.events)+1)
	go func() {
		defer close(ch)
		for _, ev := range d.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if d.hold != nil {
			select {
			case <-d.hold:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// flushBuffer adapts bytes.Buffer to FlushWriter.
type flushBuffer struct{ bytes.Buffer }

func (f *flushBuffer) Flush() error { return nil }

func newTestRelay() *Relay {
	return New(usage.NewTracker(), usage.NewEstimator(), nil)
}

func testInstance(d providers.Driver) *providers.Instance {
	return &providers.Instance{
		Config: providers.InstanceConfig{Name: "openai-main", Vendor: "openai"},
		Driver: d,
		Valid:  true,
	}
}

func baseRequest() *providers.RequestEnvelope {
	return &providers.RequestEnvelope{
		Model:     "gpt-4o-mini",
		Messages:  []providers.Message{{Role: "user", Content: "Hi"}},
		RequestID: "req-1",
	}
}

func runSSE(t *testing.T, d providers.Driver, req *providers.RequestEnvelope) (string, usage.Report, error) {
	t.Helper()
	buf := &flushBuffer{}
	sink := NewSSESink(buf, NewFormatter("chatcmpl-test", req.Model, time.Unix(1700000000, 0)))
	rep, err := newTestRelay().Run(context.Background(), testInstance(d), req, sink)
	return buf.String(), rep, err
}

func TestRun_HappyStream(t *testing.T) {
	d := &scriptDriver{events: []providers.StreamEvent{
		providers.Chunk("Hello"),
		providers.Chunk(" world"),
		providers.Usage(10, 5),
		providers.Finish(providers.FinishStop),
	}}

	wire, rep, err := runSSE(t, d, baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(wire, `"content":"Hello"`) || !strings.Contains(wire, `"content":" world"`) {
		t.Errorf("content frames missing from wire:\n%s", wire)
	}
	if !strings.Contains(wire, `"finish_reason":"stop"`) {
		t.Errorf("finish frame missing from wire:\n%s", wire)
	}
	if !strings.HasSuffix(wire, "data: [DONE]\n\n") {
		t.Errorf("stream must end with the DONE terminator:\n%s", wire)
	}
	if strings.Count(wire, "data: [DONE]") != 1 {
		t.Errorf("exactly one DONE terminator expected:\n%s", wire)
	}

	if rep.PromptTokens != 10 || rep.CompletionTokens != 5 || rep.TotalTokens != 15 {
		t.Errorf("report = %+v, want 10/5/15", rep)
	}
	if rep.Estimated || rep.Partial {
		t.Errorf("provider-reported usage must not be flagged, report = %+v", rep)
	}
	if !rep.HasCost {
		t.Error("gpt-4o-mini is in the cost table, expected a cost")
	}
}

func TestRun_SSEFramingProperty(t *testing.T) {
	d := &scriptDriver{events: []providers.StreamEvent{
		providers.Chunk("line one\nline two\r\nwith cr"),
		providers.Finish(providers.FinishStop),
	}}

	wire, _, err := runSSE(t, d, baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Every frame starts with "data: " (or the error event prefix) and ends
	// with exactly one blank line; no raw CR/LF splits a payload line.
	for _, frame := range strings.Split(strings.TrimSuffix(wire, "\n\n"), "\n\n") {
		if !strings.HasPrefix(frame, "data: ") && !strings.HasPrefix(frame, "event: error\ndata: ") {
			t.Errorf("malformed frame start: %q", frame)
		}
		payload := frame[strings.Index(frame, "data: ")+len("data: "):]
		if strings.ContainsAny(payload, "\r\n") {
			t.Errorf("payload line split by CR/LF: %q", payload)
		}
	}
}

func TestRun_ToolCallDeltas(t *testing.T) {
	d := &scriptDriver{events: []providers.StreamEvent{
		providers.ToolCall(providers.ToolCallDelta{Index: 0, ID: "call_1", Name: "get_weather"}),
		providers.ToolCall(providers.ToolCallDelta{Index: 0, Arguments: `{"city":"Berlin"}`}),
		providers.Finish(providers.FinishToolCalls),
	}}

	wire, _, err := runSSE(t, d, baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(wire, `"name":"get_weather"`) {
		t.Errorf("tool name missing:\n%s", wire)
	}
	if !strings.Contains(wire, `"finish_reason":"tool_calls"`) {
		t.Errorf("finish reason missing:\n%s", wire)
	}
}

func TestRun_SynthesizedFinishIsPartial(t *testing.T) {
	d := &scriptDriver{events: []providers.StreamEvent{
		providers.Chunk("Hel"),
	}}

	wire, rep, err := runSSE(t, d, baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(wire, `"finish_reason":"stop"`) {
		t.Errorf("synthesized finish missing:\n%s", wire)
	}
	if !rep.Partial {
		t.Error("a stream without a terminal event must produce a partial report")
	}
	if !rep.Estimated {
		t.Error("no usage event arrived; the report must be estimated")
	}
}

func TestRun_ErrorBeforeFirstByteReturnsToCaller(t *testing.T) {
	d := &scriptDriver{events: []providers.StreamEvent{
		providers.Fail(providers.Errf(providers.ClassServerError, "upstream 500")),
	}}

	wire, _, err := runSSE(t, d, baseRequest())
	if err == nil {
		t.Fatal("expected the error to propagate")
	}
	if wire != "" {
		t.Errorf("nothing may be written before the first byte on error, got:\n%s", wire)
	}
	if cls := providers.ClassOf(err); cls != providers.ClassServerError {
		t.Errorf("expected server_error, got %q", cls)
	}
}

func TestRun_MidStreamErrorGoesInBand(t *testing.T) {
	d := &scriptDriver{events: []providers.StreamEvent{
		providers.Chunk("partial answer"),
		providers.Fail(providers.Errf(providers.ClassServerError, "upstream broke")),
	}}

	wire, _, err := runSSE(t, d, baseRequest())
	if err == nil {
		t.Fatal("the error must still propagate to the caller")
	}
	if !strings.Contains(wire, "event: error\ndata: ") {
		t.Errorf("expected in-band SSE error event:\n%s", wire)
	}
	if !strings.HasSuffix(wire, "data: [DONE]\n\n") {
		t.Errorf("in-band error must be followed by DONE:\n%s", wire)
	}
	if !strings.Contains(wire, `"type":"api_error"`) {
		t.Errorf("server errors map to api_error in the envelope:\n%s", wire)
	}
}

func TestRun_CancellationStopsConsumption(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	d := &scriptDriver{
		events: []providers.StreamEvent{providers.Chunk("Hel")},
		hold:   hold,
	}

	ctx, cancel := context.WithCancel(context.Background())
	buf := &flushBuffer{}
	req := baseRequest()
	sink := NewSSESink(buf, NewFormatter("chatcmpl-test", req.Model, time.Now()))

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		_, runErr = newTestRelay().Run(ctx, testInstance(d), req, sink)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(CancelGrace):
		t.Fatal("relay did not stop within the cancel grace period")
	}
	if cls := providers.ClassOf(runErr); cls != providers.ClassCancelled {
		t.Errorf("expected cancelled, got %q (%v)", cls, runErr)
	}
}

func TestRun_CollectSinkAssemblesCompletion(t *testing.T) {
	d := &scriptDriver{events: []providers.StreamEvent{
		providers.Chunk("Hello"),
		providers.Usage(3, 2),
		providers.Finish(providers.FinishStop),
	}}

	sink := NewCollectSink()
	rep, err := newTestRelay().Run(context.Background(), testInstance(d), baseRequest(), sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.Content() != "Hello" {
		t.Errorf("content = %q", sink.Content())
	}
	if sink.FinishReason() != providers.FinishStop {
		t.Errorf("finish = %q", sink.FinishReason())
	}
	if rep.TotalTokens != 5 {
		t.Errorf("total tokens = %d, want 5", rep.TotalTokens)
	}
}

func TestRun_CollectSinkErrorNeverInBand(t *testing.T) {
	d := &scriptDriver{events: []providers.StreamEvent{
		providers.Chunk("half"),
		providers.Fail(providers.Errf(providers.ClassRateLimitedUpstream, "slow down")),
	}}

	sink := NewCollectSink()
	_, err := newTestRelay().Run(context.Background(), testInstance(d), baseRequest(), sink)
	if cls := providers.ClassOf(err); cls != providers.ClassRateLimitedUpstream {
		t.Fatalf("expected rate_limited_upstream back at the caller, got %q", cls)
	}
}
