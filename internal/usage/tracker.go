// Package usage accounts tokens per request during a stream and estimates
// counts when the provider reports none.
package usage

import "sync"

// Report is the finalized accounting for one request.
type Report struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"-"`
	HasCost          bool    `json:"-"`

	// Estimated marks token counts derived from text length rather than a
	// provider usage event. Partial marks a stream that ended without a
	// proper finish.
	Estimated bool `json:"-"`
	Partial   bool `json:"-"`
}

type accumulator struct {
	prompt     int
	completion int
}

// Tracker keeps per-request accumulators between the first usage event and
// finalization. Applying the same usage event twice is idempotent: the last
// value wins per field, it is never summed.
type Tracker struct {
	mu   sync.Mutex
	accs map[string]*accumulator
}

func NewTracker() *Tracker {
	return &Tracker{accs: make(map[string]*accumulator)}
}

// Observe records a (possibly partial) usage event for a request. Zero values
// leave the previous observation in place, so a vendor that reports prompt
// tokens early and completion tokens late accumulates correctly.
func (t *Tracker) Observe(requestID string, promptTok, completionTok int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	acc := t.accs[requestID]
	if acc == nil {
		acc = &accumulator{}
		t.accs[requestID] = acc
	}
	if promptTok > 0 {
		acc.prompt = promptTok
	}
	if completionTok > 0 {
		acc.completion = completionTok
	}
}

// Finalize assembles the report for a request and clears its state. ok is
// false when no usage event was ever observed — the caller should estimate.
func (t *Tracker) Finalize(requestID string) (Report, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	acc, ok := t.accs[requestID]
	if !ok {
		return Report{}, false
	}
	delete(t.accs, requestID)
	return Report{
		PromptTokens:     acc.prompt,
		CompletionTokens: acc.completion,
		TotalTokens:      acc.prompt + acc.completion,
	}, true
}

// Pending reports how many requests have unfinalized state.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.accs)
}
