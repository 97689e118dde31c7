// Package costs tracks LLM spend against budgets and holds the static model
// catalog: context limits, per-million-token prices and fallback chains used
// for budget degradation.
package costs

// ModelInfo describes one catalog entry. Prices are dollars per million
// tokens. Fallbacks are ordered cheapest-last.
type ModelInfo struct {
	ContextTokens int
	InputPerMTok  float64
	OutputPerMTok float64
	Fallbacks     []string
}

// Degradation thresholds as fractions of the budget.
const (
	degradeFirstAt    = 0.80
	degradeCheapestAt = 0.95
)

var catalog = map[string]ModelInfo{
	"claude-opus-4": {
		ContextTokens: 200000,
		InputPerMTok:  15.0,
		OutputPerMTok: 75.0,
		Fallbacks:     []string{"claude-sonnet-4", "claude-haiku-3-5"},
	},
	"claude-sonnet-4": {
		ContextTokens: 200000,
		InputPerMTok:  3.0,
		OutputPerMTok: 15.0,
		Fallbacks:     []string{"claude-haiku-3-5"},
	},
	"claude-haiku-3-5": {
		ContextTokens: 200000,
		InputPerMTok:  0.8,
		OutputPerMTok: 4.0,
	},
	"gpt-4o": {
		ContextTokens: 128000,
		InputPerMTok:  2.5,
		OutputPerMTok: 10.0,
		Fallbacks:     []string{"gpt-4o-mini"},
	},
	"gpt-4o-mini": {
		ContextTokens: 128000,
		InputPerMTok:  0.15,
		OutputPerMTok: 0.6,
	},
	"llama-3.3-70b-versatile": {
		ContextTokens: 128000,
		InputPerMTok:  0.59,
		OutputPerMTok: 0.79,
		Fallbacks:     []string{"llama-3.1-8b-instant"},
	},
	"llama-3.1-8b-instant": {
		ContextTokens: 128000,
		InputPerMTok:  0.05,
		OutputPerMTok: 0.08,
	},
}

// Lookup returns catalog info for a model. Unknown models get a conservative
// default so cost accounting never silently drops usage.
func Lookup(model string) ModelInfo {
	if info, ok := catalog[model]; ok {
		return info
	}
	return ModelInfo{ContextTokens: 32768, InputPerMTok: 1.0, OutputPerMTok: 3.0}
}

// Known reports whether the model is in the catalog.
func Known(model string) bool {
	_, ok := catalog[model]
	return ok
}

// Cost computes the dollar cost of a call from the pricing table.
func Cost(model string, inputTokens, outputTokens int) float64 {
	info := Lookup(model)
	return float64(inputTokens)/1e6*info.InputPerMTok + float64(outputTokens)/1e6*info.OutputPerMTok
}

// PremiumTier reports whether a model is a top-tier (non-degradable upward)
// model. Used by the cascading provider to skip escalation injection.
func PremiumTier(model string) bool {
	switch model {
	case "claude-opus-4", "gpt-4o":
		return true
	}
	return false
}

// DegradedModel returns the model to use given the fraction of budget spent:
// under 80% the base model, 80-95% the first fallback, at or above 95% the
// last (cheapest) entry in the chain. Models with no fallbacks never degrade.
func DegradedModel(base string, budgetUsed float64) string {
	info := Lookup(base)
	if len(info.Fallbacks) == 0 || budgetUsed < degradeFirstAt {
		return base
	}
	if budgetUsed < degradeCheapestAt {
		return info.Fallbacks[0]
	}
	return info.Fallbacks[len(info.Fallbacks)-1]
}
