package relay

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
)

// Formatter encodes canonical SSE frames in the chat.completion.chunk shape.
// The id and created instant are fixed at request start so every frame of one
// stream carries the same values.
type Formatter struct {
	ID      string
	Model   string
	Created int64
}

func NewFormatter(id, model string, start time.Time) *Formatter {
	return &Formatter{ID: id, Model: model, Created: start.Unix()}
}

type chunkPayload struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int     `json:"index"`
	Delta        delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// ChunkFrame encodes one content delta.
func (f *Formatter) ChunkFrame(text string) []byte {
	return f.frame(chunkChoice{Delta: delta{Content: sanitize(text)}})
}

// ToolCallFrame encodes one tool-call delta.
func (f *Formatter) ToolCallFrame(d providers.ToolCallDelta) []byte {
	tc := toolCallDelta{Index: d.Index, ID: d.ID}
	if d.Name != "" || d.ID != "" {
		tc.Type = "function"
	}
	tc.Function.Name = sanitize(d.Name)
	tc.Function.Arguments = sanitize(d.Arguments)
	return f.frame(chunkChoice{Delta: delta{ToolCalls: []toolCallDelta{tc}}})
}

// FinishFrame encodes the final frame with an empty delta.
func (f *Formatter) FinishFrame(reason providers.FinishReason) []byte {
	r := string(reason)
	return f.frame(chunkChoice{FinishReason: &r})
}

func (f *Formatter) frame(choice chunkChoice) []byte {
	payload := chunkPayload{
		ID:      f.ID,
		Object:  "chat.completion.chunk",
		Created: f.Created,
		Model:   f.Model,
		Choices: []chunkChoice{choice},
	}
	// Marshal of a struct with string fields cannot fail.
	b, _ := json.Marshal(payload)
	return wrapData(b)
}

// Done is the stream terminator frame.
func Done() []byte { return []byte("data: [DONE]\n\n") }

// ErrorFrame encodes an in-band error event.
func ErrorFrame(body []byte) []byte {
	out := make([]byte, 0, len(body)+32)
	out = append(out, "event: error\n"...)
	return wrapDataTo(out, body)
}

func wrapData(body []byte) []byte {
	return wrapDataTo(make([]byte, 0, len(body)+16), body)
}

func wrapDataTo(dst, body []byte) []byte {
	dst = append(dst, "data: "...)
	dst = append(dst, body...)
	return append(dst, '\n', '\n')
}

// sanitize strips CR/LF from provider-origin strings. JSON escaping already
// prevents raw newlines on the wire; this additionally keeps pathological
// control characters out of the payload entirely.
func sanitize(s string) string {
	if !strings.ContainsAny(s, "\r") {
		return s
	}
	return strings.ReplaceAll(s, "\r", "")
}
