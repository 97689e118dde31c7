// Package protocol defines the canonical message and response types shared by
// providers, memory strategies, stores and the agent runtime.
package protocol

import (
	"encoding/json"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ValidRole reports whether r is one of the four canonical roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall is a single tool invocation requested by the model. Arguments are
// already decoded to a map; adapters are responsible for tolerating
// double-encoded or null argument strings before this point.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is the canonical conversation record. Assistant messages may carry
// ToolCalls; tool messages must carry the ToolCallID they answer.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Usage captures token counts and, when pre-computed upstream (cascading
// provider), the aggregate dollar cost of the call.
type Usage struct {
	Input  int     `json:"input"`
	Output int     `json:"output"`
	Cost   float64 `json:"cost,omitempty"`
}

// Add returns the sum of two usage records.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		Input:  u.Input + other.Input,
		Output: u.Output + other.Output,
		Cost:   u.Cost + other.Cost,
	}
}

// FinishReason values normalized across provider dialects.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// ProviderResponse is the normalized result of a completion call.
type ProviderResponse struct {
	Content      string          `json:"content"`
	Usage        Usage           `json:"usage"`
	Model        string          `json:"model"`
	Provider     string          `json:"provider"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason"`
	Raw          json.RawMessage `json:"-"`
}

// HasToolCalls reports whether the model requested any tool invocations.
func (r *ProviderResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ToolResult is the outcome of executing one tool call. It is a tagged
// ok/error value; use the constructors so callers cannot produce an
// ambiguous state.
type ToolResult struct {
	toolCallID string
	content    string
	isError    bool
	errKind    string
}

// OkToolResult wraps a successful tool return value. Non-string content is
// serialized as JSON.
func OkToolResult(toolCallID string, content any) ToolResult {
	return ToolResult{toolCallID: toolCallID, content: serializeContent(content)}
}

// ErrToolResult wraps a tool failure. kind tags the failure class
// (e.g. "not_found", "capability", "execution").
func ErrToolResult(toolCallID, kind, message string) ToolResult {
	return ToolResult{toolCallID: toolCallID, content: message, isError: true, errKind: kind}
}

// ToolCallID echoes the originating call's ID exactly.
func (r ToolResult) ToolCallID() string { return r.toolCallID }

// Content returns the serialized result or the error message.
func (r ToolResult) Content() string { return r.content }

// IsError reports whether the tool failed.
func (r ToolResult) IsError() bool { return r.isError }

// ErrKind returns the failure class, empty for successes.
func (r ToolResult) ErrKind() string { return r.errKind }

// Error result kinds produced by the dispatcher.
const (
	ToolErrNotFound   = "not_found"
	ToolErrCapability = "capability"
	ToolErrExecution  = "execution"
	ToolErrTimeout    = "timeout"
)

func serializeContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
