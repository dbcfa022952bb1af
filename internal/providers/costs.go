package providers

// ModelCost is the USD price per 1000 tokens for one model.
type ModelCost struct {
	PromptUSDPer1K     float64
	CompletionUSDPer1K float64
}

// builtinCosts is the static (vendor, model) → price table. Prices are
// public list prices; instances may override entries via InstanceConfig.Costs,
// and the per-instance table wins on conflict.
var builtinCosts = map[string]map[string]ModelCost{
	"openai": {
		"gpt-4o":        {PromptUSDPer1K: 0.0025, CompletionUSDPer1K: 0.01},
		"gpt-4o-mini":   {PromptUSDPer1K: 0.00015, CompletionUSDPer1K: 0.0006},
		"gpt-4-turbo":   {PromptUSDPer1K: 0.01, CompletionUSDPer1K: 0.03},
		"gpt-4.1":       {PromptUSDPer1K: 0.002, CompletionUSDPer1K: 0.008},
		"gpt-4.1-mini":  {PromptUSDPer1K: 0.0004, CompletionUSDPer1K: 0.0016},
		"gpt-4.1-nano":  {PromptUSDPer1K: 0.0001, CompletionUSDPer1K: 0.0004},
		"gpt-3.5-turbo": {PromptUSDPer1K: 0.0005, CompletionUSDPer1K: 0.0015},
		"o3-mini":       {PromptUSDPer1K: 0.0011, CompletionUSDPer1K: 0.0044},
	},
	"anthropic": {
		"claude-3-5-sonnet": {PromptUSDPer1K: 0.003, CompletionUSDPer1K: 0.015},
		"claude-3-5-haiku":  {PromptUSDPer1K: 0.0008, CompletionUSDPer1K: 0.004},
		"claude-3-opus":     {PromptUSDPer1K: 0.015, CompletionUSDPer1K: 0.075},
		"claude-sonnet-4":   {PromptUSDPer1K: 0.003, CompletionUSDPer1K: 0.015},
		"claude-haiku-4":    {PromptUSDPer1K: 0.001, CompletionUSDPer1K: 0.005},
	},
	"gemini": {
		"gemini-2.0-flash": {PromptUSDPer1K: 0.0001, CompletionUSDPer1K: 0.0004},
		"gemini-1.5-pro":   {PromptUSDPer1K: 0.00125, CompletionUSDPer1K: 0.005},
		"gemini-1.5-flash": {PromptUSDPer1K: 0.000075, CompletionUSDPer1K: 0.0003},
	},
}

// LookupCost resolves the price entry for (cfg, model). The per-instance
// table wins over the built-in one. ok is false when neither has an entry —
// callers must then omit cost from the report rather than fabricate one.
func LookupCost(cfg *InstanceConfig, model string) (ModelCost, bool) {
	if cfg != nil {
		if c, ok := cfg.Costs[model]; ok {
			return c, true
		}
	}
	vendor := ""
	if cfg != nil {
		vendor = cfg.Vendor
	}
	if table, ok := builtinCosts[vendor]; ok {
		if c, ok := table[model]; ok {
			return c, true
		}
	}
	return ModelCost{}, false
}

// EstimateCost prices a request in USD. ok is false for unknown models.
func EstimateCost(cfg *InstanceConfig, model string, promptTok, completionTok int) (float64, bool) {
	c, ok := LookupCost(cfg, model)
	if !ok {
		return 0, false
	}
	return float64(promptTok)/1000*c.PromptUSDPer1K + float64(completionTok)/1000*c.CompletionUSDPer1K, true
}
