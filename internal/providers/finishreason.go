package providers

import (
	"log/slog"
	"sync"
)

// vendorFinishTables maps each vendor's native stop tokens to the canonical
// finish reason set. Unknown tokens default to FinishStop with a one-shot
// warning per (vendor, token) pair.
var vendorFinishTables = map[string]map[string]FinishReason{
	"openai": {
		"stop":           FinishStop,
		"length":         FinishLength,
		"content_filter": FinishContentFilter,
		"tool_calls":     FinishToolCalls,
		"function_call":  FinishToolCalls,
	},
	"anthropic": {
		"end_turn":      FinishStop,
		"stop_sequence": FinishStop,
		"max_tokens":    FinishLength,
		"tool_use":      FinishToolCalls,
		"refusal":       FinishContentFilter,
	},
	"gemini": {
		"STOP":               FinishStop,
		"MAX_TOKENS":         FinishLength,
		"SAFETY":             FinishContentFilter,
		"RECITATION":         FinishContentFilter,
		"PROHIBITED_CONTENT": FinishContentFilter,
		"BLOCKLIST":          FinishContentFilter,
		"MALFORMED_FUNCTION_CALL": FinishError,
	},
}

var unknownFinishOnce sync.Map // "vendor/token" → struct{}

// MapFinishReason translates a vendor finish token to the canonical reason.
// Vendors without a dedicated table (openai-compatible services) use the
// openai table.
func MapFinishReason(vendor, token string) FinishReason {
	if token == "" {
		return FinishStop
	}
	table, ok := vendorFinishTables[vendor]
	if !ok {
		table = vendorFinishTables["openai"]
	}
	if r, ok := table[token]; ok {
		return r
	}
	key := vendor + "/" + token
	if _, logged := unknownFinishOnce.LoadOrStore(key, struct{}{}); !logged {
		slog.Warn("unknown finish reason token",
			slog.String("vendor", vendor),
			slog.String("token", token),
		)
	}
	return FinishStop
}
