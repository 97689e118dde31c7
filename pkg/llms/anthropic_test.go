package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

func TestAnthropicBuildRequestSystemSlot(t *testing.T) {
	p, err := NewAnthropicProvider("key", "claude-sonnet-4", "", time.Second)
	require.NoError(t, err)

	req, err := p.buildRequest(Request{
		System: "base prompt",
		Messages: []protocol.Message{
			{Role: protocol.RoleSystem, Content: "history system"},
			{Role: protocol.RoleUser, Content: "hello"},
		},
	}, false)
	require.NoError(t, err)

	// System text rides in the dedicated field, never as a message.
	assert.Equal(t, "base prompt\n\nhistory system", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
}

func TestAnthropicBuildRequestToolBlocks(t *testing.T) {
	p, err := NewAnthropicProvider("key", "claude-sonnet-4", "", time.Second)
	require.NoError(t, err)

	req, err := p.buildRequest(Request{
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: "compute"},
			{Role: protocol.RoleAssistant, Content: "working on it", ToolCalls: []protocol.ToolCall{
				{ID: "tc1", Name: "calculator", Arguments: map[string]any{"expression": "2+2"}},
			}},
			{Role: protocol.RoleTool, ToolCallID: "tc1", Content: "4"},
		},
	}, false)
	require.NoError(t, err)

	require.Len(t, req.Messages, 3)

	assistant := req.Messages[1]
	require.Len(t, assistant.Content, 2)
	assert.Equal(t, "text", assistant.Content[0].Type)
	assert.Equal(t, "tool_use", assistant.Content[1].Type)
	assert.Equal(t, "tc1", assistant.Content[1].ID)

	// Tool results ride in user messages, paired by tool_use_id.
	result := req.Messages[2]
	assert.Equal(t, "user", result.Role)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "tool_result", result.Content[0].Type)
	assert.Equal(t, "tc1", result.Content[0].ToolUseID)
}

func TestAnthropicBuildRequestDropsOrphans(t *testing.T) {
	p, err := NewAnthropicProvider("key", "claude-sonnet-4", "", time.Second)
	require.NoError(t, err)

	req, err := p.buildRequest(Request{
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: "hi"},
			{Role: protocol.RoleAssistant, ToolCalls: []protocol.ToolCall{{ID: "tc-lost", Name: "x"}}},
		},
	}, false)
	require.NoError(t, err)

	// Orphan tool_use block is dropped entirely.
	require.Len(t, req.Messages, 1)
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "Hello "},
				{"type": "tool_use", "id": "tc9", "name": "search", "input": map[string]any{"q": "x"}},
			},
			"model":       "claude-sonnet-4",
			"stop_reason": "tool_use",
			"usage":       map[string]int{"input_tokens": 30, "output_tokens": 12},
		})
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider("key", "claude-sonnet-4", srv.URL, time.Second)
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), Request{
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello ", resp.Content)
	assert.Equal(t, 30, resp.Usage.Input)
	assert.Equal(t, protocol.FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "tc9", resp.ToolCalls[0].ID)
	assert.Equal(t, "x", resp.ToolCalls[0].Arguments["q"])
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"event: content_block_delta\n" +
				"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n" +
				"event: message_stop\n" +
				"data: {\"type\":\"message_stop\"}\n\n"))
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider("key", "claude-sonnet-4", srv.URL, time.Second)
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), Request{})
	require.NoError(t, err)

	text := ""
	done := false
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text += chunk.Text
		done = done || chunk.Done
	}
	assert.Equal(t, "Hi", text)
	assert.True(t, done)
}
