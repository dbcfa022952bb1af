package usage

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/runestonehq/runestone/internal/providers"
)

// fallbackCharsPerToken is the character-to-token ratio used when no real
// tokenizer is available for a model.
const fallbackCharsPerToken = 4.0

// perMessageOverhead approximates the role markers and separators each chat
// message costs on OpenAI-family models.
const perMessageOverhead = 4

// modelEncodings maps model families to tiktoken encodings. Non-OpenAI models
// fall through to the character heuristic.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4.1":       "o200k_base",
	"o3":            "o200k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// Estimator derives token counts from text when a provider stream carried no
// usage event. Encodings are fetched lazily and cached; when tiktoken cannot
// supply one (unknown model, no encoding data) the estimator degrades to a
// chars/4 heuristic.
type Estimator struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

func NewEstimator() *Estimator {
	return &Estimator{encs: make(map[string]*tiktoken.Tiktoken)}
}

func (e *Estimator) encodingFor(model string) *tiktoken.Tiktoken {
	name := ""
	for prefix, enc := range modelEncodings {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			name = enc
			break
		}
	}
	if name == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encs[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		// Cache the miss so we do not retry the lookup per request.
		e.encs[name] = nil
		return nil
	}
	e.encs[name] = enc
	return enc
}

// Text estimates the token count of a single string.
func (e *Estimator) Text(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := int(float64(utf8.RuneCountInString(text)) / fallbackCharsPerToken)
	if n == 0 {
		n = 1
	}
	return n
}

// Messages estimates the prompt token count of a conversation.
func (e *Estimator) Messages(model string, msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.Text(model, m.Content) + e.Text(model, m.Role) + perMessageOverhead
	}
	return total
}
