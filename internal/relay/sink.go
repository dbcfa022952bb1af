package relay

import (
	"strings"

	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/pkg/apierr"
)

// Sink receives the relay's ordered output. The SSE sink writes wire frames
// as events arrive; the collecting sink assembles a single chat.completion
// object for non-streaming responses. Exactly one goroutine calls a sink.
type Sink interface {
	OnChunk(text string) error
	OnToolCall(d providers.ToolCallDelta) error
	OnFinish(reason providers.FinishReason) error

	// OnError delivers a mid-stream failure. Only called when Dirty() is
	// already true; errors before the first byte return to the caller.
	OnError(e *providers.Error) error

	// Dirty reports whether any byte has reached the client.
	Dirty() bool
}

// FlushWriter is the streaming half of an HTTP response writer.
type FlushWriter interface {
	Write(p []byte) (int, error)
	Flush() error
}

// SSESink writes canonical SSE frames, flushing after every event so chunks
// reach the client without buffering delay.
type SSESink struct {
	w     FlushWriter
	f     *Formatter
	dirty bool
}

func NewSSESink(w FlushWriter, f *Formatter) *SSESink {
	return &SSESink{w: w, f: f}
}

func (s *SSESink) Dirty() bool { return s.dirty }

func (s *SSESink) OnChunk(text string) error {
	return s.write(s.f.ChunkFrame(text))
}

func (s *SSESink) OnToolCall(d providers.ToolCallDelta) error {
	return s.write(s.f.ToolCallFrame(d))
}

func (s *SSESink) OnFinish(reason providers.FinishReason) error {
	if err := s.write(s.f.FinishFrame(reason)); err != nil {
		return err
	}
	return s.write(Done())
}

func (s *SSESink) OnError(e *providers.Error) error {
	body := apierr.Body(e.Message, errTypeForClass(e.Class), codeForClass(e.Class))
	if err := s.write(ErrorFrame(body)); err != nil {
		return err
	}
	return s.write(Done())
}

func (s *SSESink) write(frame []byte) error {
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.dirty = true
	return s.w.Flush()
}

// CollectSink accumulates events in memory. Nothing reaches the client until
// the caller serializes the result, so Dirty is always false and every error
// takes the normal HTTP mapping path.
type CollectSink struct {
	content   strings.Builder
	toolCalls map[int]*providers.ToolCallDelta
	finish    providers.FinishReason
	finished  bool
}

func NewCollectSink() *CollectSink {
	return &CollectSink{toolCalls: make(map[int]*providers.ToolCallDelta)}
}

func (c *CollectSink) Dirty() bool { return false }

func (c *CollectSink) OnChunk(text string) error {
	c.content.WriteString(text)
	return nil
}

func (c *CollectSink) OnToolCall(d providers.ToolCallDelta) error {
	tc := c.toolCalls[d.Index]
	if tc == nil {
		cp := d
		c.toolCalls[d.Index] = &cp
		return nil
	}
	if d.ID != "" {
		tc.ID = d.ID
	}
	if d.Name != "" {
		tc.Name = d.Name
	}
	tc.Arguments += d.Arguments
	return nil
}

func (c *CollectSink) OnFinish(reason providers.FinishReason) error {
	c.finish = reason
	c.finished = true
	return nil
}

func (c *CollectSink) OnError(e *providers.Error) error { return nil }

// Content returns the accumulated assistant message.
func (c *CollectSink) Content() string { return c.content.String() }

// FinishReason returns the terminal reason, or empty if none arrived.
func (c *CollectSink) FinishReason() providers.FinishReason { return c.finish }

// ToolCalls returns assembled tool calls ordered by index.
func (c *CollectSink) ToolCalls() []providers.ToolCallDelta {
	if len(c.toolCalls) == 0 {
		return nil
	}
	max := -1
	for i := range c.toolCalls {
		if i > max {
			max = i
		}
	}
	out := make([]providers.ToolCallDelta, 0, len(c.toolCalls))
	for i := 0; i <= max; i++ {
		if tc := c.toolCalls[i]; tc != nil {
			out = append(out, *tc)
		}
	}
	return out
}

// errTypeForClass maps a classification to the OpenAI error type string.
func errTypeForClass(c providers.Class) string {
	switch c {
	case providers.ClassBadRequest, providers.ClassContentFilter:
		return apierr.TypeInvalidRequest
	case providers.ClassAuth:
		return apierr.TypeAuthenticationErr
	case providers.ClassRateLimitedLocal, providers.ClassRateLimitedUpstream:
		return apierr.TypeRateLimitError
	case providers.ClassNoHealthyProvider:
		return apierr.TypeOverloadedError
	default:
		return apierr.TypeAPIError
	}
}

func codeForClass(c providers.Class) string {
	switch c {
	case providers.ClassContentFilter:
		return apierr.CodeContentFilter
	case providers.ClassTimeout:
		return apierr.CodeRequestTimeout
	case providers.ClassNoHealthyProvider:
		return apierr.CodeNoHealthyProvider
	case providers.ClassRateLimitedLocal, providers.ClassRateLimitedUpstream:
		return apierr.CodeRateLimitExceeded
	default:
		return string(c)
	}
}
