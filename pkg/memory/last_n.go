package memory

import (
	"context"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// LastNParams configures the last_n and first_last strategies. N counts
// user-assistant exchanges, not raw messages: a single exchange spans four or
// more records when tools intervene.
type LastNParams struct {
	N int `mapstructure:"n"`
}

const defaultExchanges = 10

// LastNStrategy keeps the last N exchanges, delimited by user messages.
type LastNStrategy struct {
	n int
}

// NewLastN builds the strategy; non-positive N gets the default.
func NewLastN(p LastNParams) *LastNStrategy {
	if p.N <= 0 {
		p.N = defaultExchanges
	}
	return &LastNStrategy{n: p.N}
}

func (s *LastNStrategy) Name() string { return StrategyLastN }

func (s *LastNStrategy) Build(ctx context.Context, input BuildInput) ([]protocol.Message, error) {
	return lastExchanges(input.Messages, s.n), nil
}

// lastExchanges returns the suffix of history containing the last n user
// messages and everything after each, with tool detail stripped.
func lastExchanges(messages []protocol.Message, n int) []protocol.Message {
	start := len(messages)
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser {
			seen++
			start = i
			if seen == n {
				break
			}
		}
	}
	if seen == 0 {
		start = 0
	}
	return stripToolDetail(messages[start:])
}

// FirstLastStrategy keeps the opening message (conversation framing) plus
// the last N-1 exchanges.
type FirstLastStrategy struct {
	n int
}

// NewFirstLast builds the strategy; non-positive N gets the default.
func NewFirstLast(p LastNParams) *FirstLastStrategy {
	if p.N <= 0 {
		p.N = defaultExchanges
	}
	return &FirstLastStrategy{n: p.N}
}

func (s *FirstLastStrategy) Name() string { return StrategyFirstLast }

func (s *FirstLastStrategy) Build(ctx context.Context, input BuildInput) ([]protocol.Message, error) {
	if len(input.Messages) == 0 {
		return nil, nil
	}

	recent := lastExchanges(input.Messages, s.n-1)
	if len(recent) == len(stripToolDetail(input.Messages)) {
		// Recent window already covers the whole history.
		return recent, nil
	}

	first := stripToolDetail(input.Messages[:1])
	out := make([]protocol.Message, 0, len(first)+len(recent))
	out = append(out, first...)
	out = append(out, recent...)
	return out, nil
}
