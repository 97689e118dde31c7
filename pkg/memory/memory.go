// Package memory transforms persisted conversation history into an LLM-ready
// context window. Each strategy implements a different truncation or
// retrieval policy; the factory builds one from an agent's memory_strategy
// and memory_params fields.
package memory

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/utils"
)

// TokenCountFunc counts tokens in a message list. Providers inject their
// accurate counter; the heuristic estimator is the fallback.
type TokenCountFunc func([]protocol.Message) int

// BuildInput carries everything a strategy may consult.
type BuildInput struct {
	// Messages is the full persisted history, oldest first.
	Messages []protocol.Message

	// SystemPrompt is the agent's compiled system prompt. Strategies that
	// emit a system message (summarize) fold it in; others leave system
	// handling to the provider layer.
	SystemPrompt string

	// Summary is the thread's rolling summary, empty when none exists.
	Summary string

	// MaxTokens bounds the provider context; 0 means unbounded.
	MaxTokens int

	// Counter is used for token budgeting. Nil falls back to estimation.
	Counter TokenCountFunc
}

// Strategy builds a provider-ready message sequence from history.
type Strategy interface {
	Name() string
	Build(ctx context.Context, input BuildInput) ([]protocol.Message, error)
}

// Strategy names accepted in agent configuration.
const (
	StrategyLastN       = "last_n"
	StrategyFirstLast   = "first_last"
	StrategySummarize   = "summarize"
	StrategyTokenWindow = "token_window"
	StrategyVector      = "vector"
)

// Deps carries optional collaborators a strategy may need.
type Deps struct {
	// Index is the vector message index; nil makes the vector strategy
	// fall back to last-N.
	Index MessageIndex
}

// New builds a strategy from its name and raw params. Unknown names are
// validation errors; unknown param keys are ignored (mapstructure default).
func New(name string, params map[string]any, deps Deps) (Strategy, error) {
	switch name {
	case StrategyLastN, "":
		var p LastNParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewLastN(p), nil

	case StrategyFirstLast:
		var p LastNParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewFirstLast(p), nil

	case StrategyTokenWindow:
		var p TokenWindowParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewTokenWindow(p), nil

	case StrategySummarize:
		var p SummarizeParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewSummarize(p), nil

	case StrategyVector:
		var p VectorParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewVector(p, deps.Index), nil

	default:
		return nil, &protocol.ValidationError{Field: "memory_strategy", Reason: fmt.Sprintf("unknown strategy %q", name)}
	}
}

func decodeParams(params map[string]any, out any) error {
	if params == nil {
		return nil
	}
	if err := mapstructure.WeakDecode(params, out); err != nil {
		return &protocol.ValidationError{Field: "memory_params", Reason: err.Error()}
	}
	return nil
}

func countTokens(input BuildInput, messages []protocol.Message) int {
	if input.Counter != nil {
		return input.Counter(messages)
	}
	return utils.EstimateMessages(messages)
}

// stripToolDetail removes tool plumbing from a history slice: tool-result
// messages are dropped and assistant tool_calls cleared. Tool details are
// audit-only; truncated histories must not carry dangling halves.
func stripToolDetail(messages []protocol.Message) []protocol.Message {
	out := make([]protocol.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == protocol.RoleTool {
			continue
		}
		if msg.Role == protocol.RoleAssistant && len(msg.ToolCalls) > 0 {
			msg.ToolCalls = nil
			if msg.Content == "" {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}
