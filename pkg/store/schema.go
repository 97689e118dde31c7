package store

import (
	"context"
	"fmt"
	"time"
)

// Schema statements run one at a time for SQLite compatibility. JSON fields
// are TEXT columns parsed on read so the schema is portable across all
// three dialects.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    owner_user_id VARCHAR(64) NOT NULL,
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS workspace_members (
    workspace_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(64) NOT NULL,
    role VARCHAR(20) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (workspace_id, user_id)
)`,
	`CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    system_prompt TEXT,
    provider VARCHAR(50) NOT NULL,
    model VARCHAR(100) NOT NULL,
    premium_provider VARCHAR(50),
    premium_model VARCHAR(100),
    temperature REAL NOT NULL DEFAULT 0.7,
    max_tokens INTEGER NOT NULL DEFAULT 4096,
    tools_json TEXT,
    capabilities_json TEXT,
    context_schema_json TEXT,
    memory_strategy VARCHAR(30) NOT NULL DEFAULT 'last_n',
    memory_params_json TEXT,
    owner_user_id VARCHAR(64),
    workspace_id VARCHAR(64),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_workspace ON agents(workspace_id)`,
	`CREATE TABLE IF NOT EXISTS threads (
    id VARCHAR(64) PRIMARY KEY,
    agent_id VARCHAR(64) NOT NULL,
    title VARCHAR(255),
    summary TEXT,
    summarized_until_msg_id VARCHAR(64),
    turn_count INTEGER NOT NULL DEFAULT 0,
    token_count INTEGER NOT NULL DEFAULT 0,
    owner_user_id VARCHAR(64),
    workspace_id VARCHAR(64),
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_agent ON threads(agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_owner ON threads(owner_user_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(64) PRIMARY KEY,
    thread_id VARCHAR(64) NOT NULL,
    role VARCHAR(20) NOT NULL,
    content TEXT,
    tool_calls_json TEXT,
    tool_call_id VARCHAR(64),
    attachments_json TEXT,
    metadata_json TEXT,
    seq INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq)`,
	`CREATE TABLE IF NOT EXISTS documents (
    id VARCHAR(64) PRIMARY KEY,
    agent_id VARCHAR(64),
    workspace_id VARCHAR(64),
    owner_user_id VARCHAR(64),
    filename VARCHAR(500) NOT NULL,
    content_type VARCHAR(100),
    size INTEGER NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    status VARCHAR(20) NOT NULL DEFAULT 'pending',
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_workspace ON documents(workspace_id)`,
	`CREATE TABLE IF NOT EXISTS document_chunks (
    id VARCHAR(64) PRIMARY KEY,
    document_id VARCHAR(64) NOT NULL,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (document_id, chunk_index)
)`,
	`CREATE TABLE IF NOT EXISTS user_contexts (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    workspace_id VARCHAR(64),
    context_type VARCHAR(50) NOT NULL DEFAULT 'profile',
    content_json TEXT NOT NULL,
    expires_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, context_type)
)`,
	`CREATE TABLE IF NOT EXISTS jobs (
    id VARCHAR(64) PRIMARY KEY,
    task_name VARCHAR(100) NOT NULL,
    payload_json TEXT,
    status VARCHAR(20) NOT NULL DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    result_json TEXT,
    error TEXT,
    user_id VARCHAR(64),
    workspace_id VARCHAR(64),
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, task_name)`,
	`CREATE TABLE IF NOT EXISTS llm_calls (
    id VARCHAR(64) PRIMARY KEY,
    thread_id VARCHAR(64),
    agent_id VARCHAR(64),
    user_id VARCHAR(64),
    provider VARCHAR(50) NOT NULL,
    model VARCHAR(100) NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    call_type VARCHAR(20),
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_llm_calls_user ON llm_calls(user_id, created_at)`,
}

// InitSchema creates all tables and indexes if absent.
func (db *DB) InitSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}
	return nil
}
