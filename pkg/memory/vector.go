package memory

import (
	"context"
	"sort"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// VectorParams configures the vector strategy.
type VectorParams struct {
	TopK      int     `mapstructure:"top_k"`
	MinScore  float64 `mapstructure:"min_score"`
	FallbackN int     `mapstructure:"fallback_n"`

	// ThreadID scopes retrieval; set by the runtime, not agent config.
	ThreadID string `mapstructure:"-"`
}

const (
	defaultTopK     = 6
	defaultMinScore = 0.3
)

// VectorStrategy retrieves the messages most similar to the latest user
// message. Without an index it degrades to last-N.
type VectorStrategy struct {
	params VectorParams
	index  MessageIndex
}

// NewVector builds the strategy with defaults applied.
func NewVector(p VectorParams, index MessageIndex) *VectorStrategy {
	if p.TopK <= 0 {
		p.TopK = defaultTopK
	}
	if p.MinScore <= 0 {
		p.MinScore = defaultMinScore
	}
	if p.FallbackN <= 0 {
		p.FallbackN = defaultExchanges
	}
	return &VectorStrategy{params: p, index: index}
}

func (s *VectorStrategy) Name() string { return StrategyVector }

// WithThread returns a copy scoped to one thread. Retrieval never crosses
// thread boundaries.
func (s *VectorStrategy) WithThread(threadID string) *VectorStrategy {
	scoped := *s
	scoped.params.ThreadID = threadID
	return &scoped
}

func (s *VectorStrategy) Build(ctx context.Context, input BuildInput) ([]protocol.Message, error) {
	if s.index == nil {
		return lastExchanges(input.Messages, s.params.FallbackN), nil
	}

	query := lastUserContent(input.Messages)
	if query == "" {
		return lastExchanges(input.Messages, s.params.FallbackN), nil
	}

	hits, err := s.index.Query(ctx, s.params.ThreadID, query, s.params.TopK, float32(s.params.MinScore))
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return lastExchanges(input.Messages, s.params.FallbackN), nil
	}

	// Chronological order, then append the current user message.
	sort.Slice(hits, func(a, b int) bool { return hits[a].Seq < hits[b].Seq })

	out := make([]protocol.Message, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.Message.Content == query {
			continue
		}
		out = append(out, hit.Message)
	}
	out = append(out, protocol.Message{Role: protocol.RoleUser, Content: query})
	return out, nil
}

func lastUserContent(messages []protocol.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
