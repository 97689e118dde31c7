package llms

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

func cascadePair(fastContent string) (*MockProvider, *MockProvider, *Cascade) {
	fast := &MockProvider{
		ProviderName: "openai",
		Model:        "gpt-4o-mini",
		Responses: []*protocol.ProviderResponse{{
			Content: fastContent,
			Usage:   protocol.Usage{Input: 100, Output: 20},
			Model:   "gpt-4o-mini",
		}},
	}
	premium := &MockProvider{
		ProviderName: "anthropic",
		Model:        "claude-opus-4",
		Responses: []*protocol.ProviderResponse{{
			Content: "Here is a carefully considered answer.",
			Usage:   protocol.Usage{Input: 150, Output: 80},
			Model:   "claude-opus-4",
		}},
	}
	cascade := NewCascade(fast, premium, CascadeConfig{
		FastModel:    "gpt-4o-mini",
		PremiumModel: "claude-opus-4",
	})
	return fast, premium, cascade
}

func TestCascadeNoEscalation(t *testing.T) {
	fast, premium, cascade := cascadePair("Sure, 2+2 is 4.")

	resp, err := cascade.Complete(context.Background(), Request{
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "What is 2+2?"}},
		System:   "Be helpful.",
	})
	require.NoError(t, err)

	assert.Equal(t, "Sure, 2+2 is 4.", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Empty(t, premium.Requests)

	// Fast call got the escalation directive injected.
	require.NotNil(t, fast.LastRequest())
	assert.Contains(t, fast.LastRequest().System, DefaultEscalationTrigger)
}

func TestCascadeEscalation(t *testing.T) {
	fast, premium, cascade := cascadePair("I understand this matters to you... " + DefaultEscalationTrigger)

	resp, err := cascade.Complete(context.Background(), Request{
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "This is a refund dispute—please handle carefully."}},
		System:   "Be helpful.",
	})
	require.NoError(t, err)

	// Premium answer wins; no trigger leaks into the final content.
	assert.Equal(t, "Here is a carefully considered answer.", resp.Content)
	assert.NotContains(t, resp.Content, DefaultEscalationTrigger)

	// Combined usage, joined model label, precomputed aggregate cost.
	assert.Equal(t, 250, resp.Usage.Input)
	assert.Equal(t, 100, resp.Usage.Output)
	assert.Equal(t, "gpt-4o-mini+claude-opus-4", resp.Model)
	assert.Greater(t, resp.Usage.Cost, 0.0)

	// Premium got the ORIGINAL system prompt, not the injected one.
	require.Len(t, premium.Requests, 1)
	assert.Equal(t, "Be helpful.", premium.Requests[0].System)
	assert.NotContains(t, premium.Requests[0].System, DefaultEscalationTrigger)

	// Premium got the original user message, not fast's partial reply.
	require.Len(t, premium.Requests[0].Messages, 1)
	assert.Equal(t, protocol.RoleUser, premium.Requests[0].Messages[0].Role)

	_ = fast
}

func TestCascadeSkipsInjectionForIdenticalModels(t *testing.T) {
	fast := &MockProvider{Model: "claude-opus-4"}
	premium := &MockProvider{Model: "claude-opus-4"}
	cascade := NewCascade(fast, premium, CascadeConfig{FastModel: "claude-opus-4", PremiumModel: "claude-opus-4"})

	_, err := cascade.Complete(context.Background(), Request{System: "base"})
	require.NoError(t, err)
	assert.Equal(t, "base", fast.LastRequest().System)
}

func TestCascadeSkipsInjectionForPremiumTierFast(t *testing.T) {
	fast := &MockProvider{Model: "gpt-4o"}
	premium := &MockProvider{Model: "claude-opus-4"}
	cascade := NewCascade(fast, premium, CascadeConfig{FastModel: "gpt-4o", PremiumModel: "claude-opus-4"})

	_, err := cascade.Complete(context.Background(), Request{System: "base"})
	require.NoError(t, err)
	assert.Equal(t, "base", fast.LastRequest().System)
}

func TestCascadeStreamNoEscalation(t *testing.T) {
	fast := &MockProvider{StreamText: []string{"Hello ", "there, ", "how can I help?"}}
	premium := &MockProvider{StreamText: []string{"premium"}}
	cascade := NewCascade(fast, premium, CascadeConfig{FastModel: "a", PremiumModel: "b"})

	ch, err := cascade.Stream(context.Background(), Request{})
	require.NoError(t, err)

	var text strings.Builder
	var done bool
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text.WriteString(chunk.Text)
		done = done || chunk.Done
	}
	assert.True(t, done)
	assert.Equal(t, "Hello there, how can I help?", text.String())
	assert.Empty(t, premium.Requests)
}

func TestCascadeStreamEscalates(t *testing.T) {
	fast := &MockProvider{StreamText: []string{"I hear you... ", DefaultEscalationTrigger}}
	premium := &MockProvider{StreamText: []string{"Deep ", "answer."}}
	cascade := NewCascade(fast, premium, CascadeConfig{
		FastModel:    "a",
		PremiumModel: "b",
		Transition:   " | ",
	})

	ch, err := cascade.Stream(context.Background(), Request{})
	require.NoError(t, err)

	var text strings.Builder
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text.WriteString(chunk.Text)
	}

	assert.NotContains(t, text.String(), DefaultEscalationTrigger)
	assert.Contains(t, text.String(), "Deep answer.")
	assert.Contains(t, text.String(), " | ")
	require.Len(t, premium.Requests, 1)
}
