package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// Workspace is the tenancy boundary.
type Workspace struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	OwnerUserID string         `json:"owner_user_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Workspace member roles.
const (
	MemberRoleOwner  = "owner"
	MemberRoleAdmin  = "admin"
	MemberRoleMember = "member"
)

type WorkspaceMember struct {
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// Agent is a persistent LLM configuration. Exactly one of OwnerUserID or
// WorkspaceID is set, except system agents which have neither.
type Agent struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	SystemPrompt    string            `json:"system_prompt,omitempty"`
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	PremiumProvider string            `json:"premium_provider,omitempty"`
	PremiumModel    string            `json:"premium_model,omitempty"`
	Temperature     float64           `json:"temperature"`
	MaxTokens       int               `json:"max_tokens"`
	Tools           []string          `json:"tools,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	ContextSchema   map[string]string `json:"context_schema,omitempty"`
	MemoryStrategy  string            `json:"memory_strategy"`
	MemoryParams    map[string]any    `json:"memory_params,omitempty"`
	OwnerUserID     string            `json:"owner_user_id,omitempty"`
	WorkspaceID     string            `json:"workspace_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Thread is one conversation.
type Thread struct {
	ID                   string         `json:"id"`
	AgentID              string         `json:"agent_id"`
	Title                string         `json:"title,omitempty"`
	Summary              string         `json:"summary,omitempty"`
	SummarizedUntilMsgID string         `json:"summarized_until_msg_id,omitempty"`
	TurnCount            int            `json:"turn_count"`
	TokenCount           int            `json:"token_count"`
	OwnerUserID          string         `json:"owner_user_id,omitempty"`
	WorkspaceID          string         `json:"workspace_id,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Message is an append-only conversation record. Seq orders messages within
// a thread; appends are linearized by the thread lock.
type Message struct {
	ID          string              `json:"id"`
	ThreadID    string              `json:"thread_id"`
	Role        protocol.Role       `json:"role"`
	Content     string              `json:"content"`
	ToolCalls   []protocol.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID  string              `json:"tool_call_id,omitempty"`
	Attachments []string            `json:"attachments,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	Seq         int                 `json:"seq"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Document processing states.
const (
	DocumentPending    = "pending"
	DocumentProcessing = "processing"
	DocumentReady      = "ready"
	DocumentFailed     = "failed"
)

type Document struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id,omitempty"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	OwnerUserID string    `json:"owner_user_id,omitempty"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	ChunkCount  int       `json:"chunk_count"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type DocumentChunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	ChunkIndex int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type UserContext struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	ContextType string         `json:"context_type"`
	Content     map[string]any `json:"content"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Job states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

type Job struct {
	ID          string         `json:"id"`
	TaskName    string         `json:"task_name"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// LLMCall is one audit row per provider invocation.
type LLMCall struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"thread_id,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	DurationMs   int64     `json:"duration_ms"`
	CallType     string    `json:"call_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// marshalJSON renders a value for a TEXT column; nil becomes SQL NULL.
func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// unmarshalJSON parses a TEXT column into out; NULL and empty are no-ops.
func unmarshalJSON(raw sql.NullString, out any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), out)
}
