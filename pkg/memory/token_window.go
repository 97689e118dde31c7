package memory

import (
	"context"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// TokenWindowParams configures the token_window strategy.
type TokenWindowParams struct {
	// ReserveOutput tokens are held back from MaxTokens for the reply.
	ReserveOutput int `mapstructure:"reserve_output"`
}

const defaultReserveOutput = 1024

// TokenWindowStrategy selects messages newest-first until the token budget
// is exhausted, then restores chronological order.
type TokenWindowStrategy struct {
	reserveOutput int
}

// NewTokenWindow builds the strategy; non-positive reserve gets the default.
func NewTokenWindow(p TokenWindowParams) *TokenWindowStrategy {
	if p.ReserveOutput <= 0 {
		p.ReserveOutput = defaultReserveOutput
	}
	return &TokenWindowStrategy{reserveOutput: p.ReserveOutput}
}

func (s *TokenWindowStrategy) Name() string { return StrategyTokenWindow }

func (s *TokenWindowStrategy) Build(ctx context.Context, input BuildInput) ([]protocol.Message, error) {
	messages := stripToolDetail(input.Messages)
	if input.MaxTokens <= 0 {
		return messages, nil
	}

	budget := input.MaxTokens - s.reserveOutput
	if budget <= 0 {
		return nil, nil
	}

	// Walk backwards accumulating until the budget is spent.
	start := len(messages)
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := countTokens(input, messages[i:i+1])
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}

	return messages[start:], nil
}
