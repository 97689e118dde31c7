package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// SummarizeParams configures the summarize strategy.
type SummarizeParams struct {
	// RecentChars bounds the recent messages kept in full detail.
	RecentChars int `mapstructure:"recent_chars"`

	// SummaryCharsMin/Max clamp the dynamic summary budget.
	SummaryCharsMin int `mapstructure:"summary_chars_min"`
	SummaryCharsMax int `mapstructure:"summary_chars_max"`
}

const (
	defaultRecentChars     = 8000
	defaultSummaryCharsMin = 500
	defaultSummaryCharsMax = 4000

	// charsPerToken converts the token budget into a character budget for
	// the summary share of the window.
	charsPerToken = 4
	summaryShare  = 0.25
)

// SummarizeStrategy emits the system prompt plus the rolling summary as the
// system message, followed by recent messages within the character budget.
// The summary itself is maintained asynchronously by the summarization job.
type SummarizeStrategy struct {
	params SummarizeParams
}

// NewSummarize builds the strategy with defaults applied.
func NewSummarize(p SummarizeParams) *SummarizeStrategy {
	if p.RecentChars <= 0 {
		p.RecentChars = defaultRecentChars
	}
	if p.SummaryCharsMin <= 0 {
		p.SummaryCharsMin = defaultSummaryCharsMin
	}
	if p.SummaryCharsMax <= 0 {
		p.SummaryCharsMax = defaultSummaryCharsMax
	}
	return &SummarizeStrategy{params: p}
}

func (s *SummarizeStrategy) Name() string { return StrategySummarize }

func (s *SummarizeStrategy) Build(ctx context.Context, input BuildInput) ([]protocol.Message, error) {
	system := input.SystemPrompt

	if input.Summary != "" {
		budget := s.summaryBudget(input.MaxTokens)
		summary := input.Summary
		if len(summary) > budget {
			summary = summary[:budget]
		}
		system = strings.TrimSpace(system + "\n\n## Conversation so far\n" + summary)
	}

	recent := recentByChars(stripToolDetail(input.Messages), s.params.RecentChars)

	out := make([]protocol.Message, 0, len(recent)+1)
	if system != "" {
		out = append(out, protocol.Message{Role: protocol.RoleSystem, Content: system})
	}
	return append(out, recent...), nil
}

// summaryBudget derives the character budget for the summary from the token
// window, clamped to the configured bounds.
func (s *SummarizeStrategy) summaryBudget(maxTokens int) int {
	if maxTokens <= 0 {
		return s.params.SummaryCharsMax
	}
	budget := int(float64(maxTokens) * summaryShare * charsPerToken)
	if budget < s.params.SummaryCharsMin {
		return s.params.SummaryCharsMin
	}
	if budget > s.params.SummaryCharsMax {
		return s.params.SummaryCharsMax
	}
	return budget
}

// recentByChars returns the chronological suffix whose content fits budget.
func recentByChars(messages []protocol.Message, budget int) []protocol.Message {
	start := len(messages)
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		used += len(messages[i].Content)
		if used > budget {
			break
		}
		start = i
	}
	return messages[start:]
}

// BuildSummaryPrompt produces the incremental summarization prompt used by
// the summarize_thread job: previous summary plus new messages in, new
// summary out.
func BuildSummaryPrompt(previousSummary string, messages []protocol.Message) string {
	var b strings.Builder

	b.WriteString("Condense the conversation below into a concise running summary. ")
	b.WriteString("Preserve names, decisions, open questions and stated preferences. ")
	b.WriteString("Write in third person, no preamble.\n\n")

	if previousSummary != "" {
		b.WriteString("## Previous summary\n")
		b.WriteString(previousSummary)
		b.WriteString("\n\n")
	}

	b.WriteString("## New messages\n")
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}

	return b.String()
}
