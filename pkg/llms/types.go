// Package llms normalizes chat completion, streaming and tool calling across
// LLM provider dialects. Adapters translate the canonical protocol.Message
// history into each provider's wire shape and parse tool calls back into
// canonical form.
package llms

import (
	"context"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// ToolDefinition describes a tool offered to the model. Parameters is a
// JSON-schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a normalized completion request. System is carried separately;
// adapters place it in the provider's expected slot.
type Request struct {
	Messages    []protocol.Message
	System      string
	Temperature float64
	MaxTokens   int
	Tools       []ToolDefinition
}

// StreamChunk is one unit of a finite, non-restartable content stream.
// A chunk carries text, an error, or the Done marker.
type StreamChunk struct {
	Text string
	Err  error
	Done bool
}

// Provider is the normalized LLM interface. Implementations must be safe for
// concurrent use: provider instances are cached and shared across requests.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai", ...).
	Name() string

	// Complete performs a blocking chat completion.
	Complete(ctx context.Context, req Request) (*protocol.ProviderResponse, error)

	// Stream returns a channel of content chunks. The channel is closed
	// after the Done or error chunk. Tool calls are not streamed.
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// CountTokens is a best-effort token estimate for the messages.
	CountTokens(messages []protocol.Message) int

	// MaxContextTokens is the model's context window size.
	MaxContextTokens() int
}

// dropOrphanToolCalls removes tool_calls whose IDs have no paired tool-result
// later in the history, and tool results whose calls were dropped. Memory
// strategies truncate history; providers reject dangling tool_use blocks.
// Applied uniformly across adapters.
func dropOrphanToolCalls(messages []protocol.Message) []protocol.Message {
	answered := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role == protocol.RoleTool && msg.ToolCallID != "" {
			answered[msg.ToolCallID] = true
		}
	}

	kept := make(map[string]bool)
	out := make([]protocol.Message, 0, len(messages))
	for _, msg := range messages {
		switch {
		case msg.Role == protocol.RoleAssistant && len(msg.ToolCalls) > 0:
			calls := make([]protocol.ToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				if answered[tc.ID] {
					calls = append(calls, tc)
					kept[tc.ID] = true
				}
			}
			if len(calls) == 0 && msg.Content == "" {
				continue
			}
			msg.ToolCalls = calls
			out = append(out, msg)
		case msg.Role == protocol.RoleTool:
			if !kept[msg.ToolCallID] {
				continue
			}
			out = append(out, msg)
		default:
			out = append(out, msg)
		}
	}
	return out
}
