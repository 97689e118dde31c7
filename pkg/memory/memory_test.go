package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

func exchange(user, assistant string) []protocol.Message {
	return []protocol.Message{
		{Role: protocol.RoleUser, Content: user},
		{Role: protocol.RoleAssistant, Content: assistant},
	}
}

func toolExchange(user string) []protocol.Message {
	return []protocol.Message{
		{Role: protocol.RoleUser, Content: user},
		{Role: protocol.RoleAssistant, Content: "", ToolCalls: []protocol.ToolCall{{ID: "tc1", Name: "calc"}}},
		{Role: protocol.RoleTool, ToolCallID: "tc1", Content: "4"},
		{Role: protocol.RoleAssistant, Content: "the answer is 4"},
	}
}

func TestLastNCountsExchangesNotMessages(t *testing.T) {
	var history []protocol.Message
	history = append(history, exchange("q1", "a1")...)
	history = append(history, toolExchange("q2")...) // 4 raw messages, 1 exchange
	history = append(history, exchange("q3", "a3")...)

	s := NewLastN(LastNParams{N: 2})
	out, err := s.Build(context.Background(), BuildInput{Messages: history})
	require.NoError(t, err)

	// Last two exchanges: q2 (tool exchange, stripped) and q3.
	require.Len(t, out, 4)
	assert.Equal(t, "q2", out[0].Content)
	assert.Equal(t, "the answer is 4", out[1].Content)
	assert.Equal(t, "q3", out[2].Content)

	for _, msg := range out {
		assert.NotEqual(t, protocol.RoleTool, msg.Role)
		assert.Empty(t, msg.ToolCalls, "tool_calls are audit-only")
	}
}

func TestLastNShorterHistory(t *testing.T) {
	history := exchange("q1", "a1")
	s := NewLastN(LastNParams{N: 5})
	out, err := s.Build(context.Background(), BuildInput{Messages: history})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestFirstLastKeepsOpeningMessage(t *testing.T) {
	var history []protocol.Message
	history = append(history, exchange("framing question", "framing answer")...)
	for i := 0; i < 5; i++ {
		history = append(history, exchange("q", "a")...)
	}

	s := NewFirstLast(LastNParams{N: 2})
	out, err := s.Build(context.Background(), BuildInput{Messages: history})
	require.NoError(t, err)

	assert.Equal(t, "framing question", out[0].Content)
	// First message + last 1 exchange.
	assert.Len(t, out, 3)
}

func TestTokenWindowRespectsBudget(t *testing.T) {
	var history []protocol.Message
	for i := 0; i < 20; i++ {
		history = append(history, exchange(strings.Repeat("x", 350), strings.Repeat("y", 350))...)
	}

	counter := func(msgs []protocol.Message) int {
		total := 0
		for _, m := range msgs {
			total += len(m.Content) / 5
		}
		return total
	}

	s := NewTokenWindow(TokenWindowParams{ReserveOutput: 100})
	out, err := s.Build(context.Background(), BuildInput{
		Messages:  history,
		MaxTokens: 500,
		Counter:   counter,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, out)
	assert.LessOrEqual(t, counter(out), 400)

	// Chronological order preserved, newest retained.
	assert.Equal(t, history[len(history)-1].Content, out[len(out)-1].Content)
}

func TestTokenWindowUnboundedWithoutMaxTokens(t *testing.T) {
	history := exchange("q", "a")
	s := NewTokenWindow(TokenWindowParams{})
	out, err := s.Build(context.Background(), BuildInput{Messages: history})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestSummarizeEmitsSystemWithSummary(t *testing.T) {
	history := exchange("recent question", "recent answer")

	s := NewSummarize(SummarizeParams{RecentChars: 1000})
	out, err := s.Build(context.Background(), BuildInput{
		Messages:     history,
		SystemPrompt: "You are helpful.",
		Summary:      "User is planning a trip to Japan.",
		MaxTokens:    8000,
	})
	require.NoError(t, err)

	require.NotEmpty(t, out)
	assert.Equal(t, protocol.RoleSystem, out[0].Role)
	assert.Contains(t, out[0].Content, "You are helpful.")
	assert.Contains(t, out[0].Content, "trip to Japan")
	assert.Equal(t, "recent question", out[1].Content)
}

func TestSummarizeClampsSummaryBudget(t *testing.T) {
	longSummary := strings.Repeat("s", 10000)

	s := NewSummarize(SummarizeParams{SummaryCharsMax: 1000})
	out, err := s.Build(context.Background(), BuildInput{
		Summary:   longSummary,
		MaxTokens: 100000,
	})
	require.NoError(t, err)

	require.NotEmpty(t, out)
	assert.Less(t, len(out[0].Content), 1200)
}

func TestSummarizeRecentCharsBudget(t *testing.T) {
	var history []protocol.Message
	for i := 0; i < 10; i++ {
		history = append(history, exchange(strings.Repeat("q", 300), strings.Repeat("a", 300))...)
	}

	s := NewSummarize(SummarizeParams{RecentChars: 1000})
	out, err := s.Build(context.Background(), BuildInput{Messages: history})
	require.NoError(t, err)

	chars := 0
	for _, m := range out {
		chars += len(m.Content)
	}
	assert.LessOrEqual(t, chars, 1000)
}

type stubIndex struct {
	hits []ScoredMessage
	err  error
}

func (s *stubIndex) Add(ctx context.Context, threadID string, seq int, msg protocol.Message) error {
	return nil
}

func (s *stubIndex) Query(ctx context.Context, threadID, text string, topK int, minScore float32) ([]ScoredMessage, error) {
	return s.hits, s.err
}

func TestVectorRetrievesChronologically(t *testing.T) {
	index := &stubIndex{hits: []ScoredMessage{
		{Message: protocol.Message{Role: protocol.RoleAssistant, Content: "later"}, Score: 0.9, Seq: 5},
		{Message: protocol.Message{Role: protocol.RoleUser, Content: "earlier"}, Score: 0.8, Seq: 1},
	}}

	s := NewVector(VectorParams{}, index)
	out, err := s.Build(context.Background(), BuildInput{
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "what did we decide?"}},
	})
	require.NoError(t, err)

	require.Len(t, out, 3)
	assert.Equal(t, "earlier", out[0].Content)
	assert.Equal(t, "later", out[1].Content)
	assert.Equal(t, "what did we decide?", out[2].Content)
}

func TestVectorFallsBackWithoutIndex(t *testing.T) {
	var history []protocol.Message
	for i := 0; i < 5; i++ {
		history = append(history, exchange("q", "a")...)
	}

	s := NewVector(VectorParams{FallbackN: 2}, nil)
	out, err := s.Build(context.Background(), BuildInput{Messages: history})
	require.NoError(t, err)
	assert.Len(t, out, 4)
}

func TestFactoryUnknownStrategy(t *testing.T) {
	_, err := New("telepathy", nil, Deps{})
	require.Error(t, err)

	var vErr *protocol.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestFactoryDecodesParams(t *testing.T) {
	s, err := New(StrategyLastN, map[string]any{"n": 3}, Deps{})
	require.NoError(t, err)

	lastN, ok := s.(*LastNStrategy)
	require.True(t, ok)
	assert.Equal(t, 3, lastN.n)
}

func TestBuildSummaryPromptIncremental(t *testing.T) {
	prompt := BuildSummaryPrompt("Previous facts.", exchange("new q", "new a"))
	assert.Contains(t, prompt, "Previous facts.")
	assert.Contains(t, prompt, "new q")
	assert.Contains(t, prompt, "new a")
}
