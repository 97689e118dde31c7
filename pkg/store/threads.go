package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/scope"
)

// ThreadStore manages conversation threads.
type ThreadStore struct {
	db *DB
}

func NewThreadStore(db *DB) *ThreadStore {
	return &ThreadStore{db: db}
}

const threadColumns = `id, agent_id, title, summary, summarized_until_msg_id,
    turn_count, token_count, owner_user_id, workspace_id, metadata_json, created_at, updated_at`

// Create inserts a thread owned by the caller (or shared in the agent's
// workspace when the agent is workspace-shared).
func (s *ThreadStore) Create(ctx context.Context, u *auth.CurrentUser, agent *Agent, title string, metadata map[string]any) (*Thread, error) {
	t := &Thread{
		ID:          uuid.NewString(),
		AgentID:     agent.ID,
		Title:       title,
		OwnerUserID: u.ID,
		WorkspaceID: agent.WorkspaceID,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	t.UpdatedAt = t.CreatedAt

	metadataJSON, err := marshalJSON(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding thread metadata: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO threads (`+threadColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, nullable(t.Title), nullable(t.Summary), nullable(t.SummarizedUntilMsgID),
		t.TurnCount, t.TokenCount, nullable(t.OwnerUserID), nullable(t.WorkspaceID),
		metadataJSON, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting thread: %w", err)
	}
	return t, nil
}

// Get returns the thread or nil when absent or out of scope.
func (s *ThreadStore) Get(ctx context.Context, u *auth.CurrentUser, id string) (*Thread, error) {
	fragment, args := scope.ForThreads(u)
	query := `SELECT ` + threadColumns + ` FROM threads
              WHERE id = ? AND deleted_at IS NULL AND ` + fragment

	row := s.db.QueryRow(ctx, query, append([]any{id}, args...)...)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// GetInternal loads a thread without scope; used by job processors.
func (s *ThreadStore) GetInternal(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE id = ? AND deleted_at IS NULL`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// List returns visible threads, optionally filtered, newest activity first.
func (s *ThreadStore) List(ctx context.Context, u *auth.CurrentUser, agentID, workspaceID string, limit int) ([]*Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	fragment, scopeArgs := scope.ForThreads(u)
	query := `SELECT ` + threadColumns + ` FROM threads WHERE deleted_at IS NULL AND ` + fragment
	args := scopeArgs
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTitle patches the title; returns false when out of scope.
func (s *ThreadStore) UpdateTitle(ctx context.Context, u *auth.CurrentUser, id, title string) (bool, error) {
	fragment, scopeArgs := scope.ForThreads(u)
	args := append([]any{title, time.Now().UTC(), id}, scopeArgs...)

	res, err := s.db.Exec(ctx,
		`UPDATE threads SET title = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL AND `+fragment,
		args...)
	if err != nil {
		return false, fmt.Errorf("updating thread: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// BumpCounters adds one turn and the turn's tokens. Called under the thread
// lock after the final assistant message persists.
func (s *ThreadStore) BumpCounters(ctx context.Context, id string, turns, tokens int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE threads SET turn_count = turn_count + ?, token_count = token_count + ?, updated_at = ?
         WHERE id = ?`,
		turns, tokens, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("bumping thread counters: %w", err)
	}
	return nil
}

// SetSummary writes the rolling summary and its watermark. Idempotency by
// watermark comparison is the summarize job's responsibility.
func (s *ThreadStore) SetSummary(ctx context.Context, id, summary, untilMsgID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE threads SET summary = ?, summarized_until_msg_id = ?, updated_at = ? WHERE id = ?`,
		summary, nullable(untilMsgID), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting thread summary: %w", err)
	}
	return nil
}

// Delete soft-deletes the thread; messages cascade logically (they become
// unreachable through scoped reads).
func (s *ThreadStore) Delete(ctx context.Context, u *auth.CurrentUser, id string) (bool, error) {
	fragment, scopeArgs := scope.ForThreads(u)
	now := time.Now().UTC()
	args := append([]any{now, now, id}, scopeArgs...)

	res, err := s.db.Exec(ctx,
		`UPDATE threads SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL AND `+fragment,
		args...)
	if err != nil {
		return false, fmt.Errorf("deleting thread: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Fork copies the thread and its messages up to and including fromMsgID
// (empty copies everything) into a new thread owned by the caller.
func (s *ThreadStore) Fork(ctx context.Context, u *auth.CurrentUser, id, fromMsgID, title string) (*Thread, error) {
	source, err := s.Get(ctx, u, id)
	if err != nil || source == nil {
		return nil, err
	}

	cutoff := -1
	if fromMsgID != "" {
		var seq int
		err := s.db.QueryRow(ctx,
			`SELECT seq FROM messages WHERE id = ? AND thread_id = ?`, fromMsgID, id).Scan(&seq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolving fork point: %w", err)
		}
		cutoff = seq
	}

	if title == "" {
		title = source.Title + " (fork)"
	}
	fork := &Thread{
		ID:          uuid.NewString(),
		AgentID:     source.AgentID,
		Title:       title,
		OwnerUserID: u.ID,
		WorkspaceID: source.WorkspaceID,
		Metadata:    source.Metadata,
		CreatedAt:   time.Now().UTC(),
	}
	fork.UpdatedAt = fork.CreatedAt

	metadataJSON, err := marshalJSON(fork.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning fork transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO threads (`+threadColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		fork.ID, fork.AgentID, nullable(fork.Title), nullable(fork.Summary), nullable(fork.SummarizedUntilMsgID),
		0, 0, nullable(fork.OwnerUserID), nullable(fork.WorkspaceID),
		metadataJSON, fork.CreatedAt, fork.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting fork: %w", err)
	}

	copyQuery := `SELECT role, content, tool_calls_json, tool_call_id, attachments_json, metadata_json, seq, created_at
                  FROM messages WHERE thread_id = ?`
	copyArgs := []any{id}
	if cutoff >= 0 {
		copyQuery += ` AND seq <= ?`
		copyArgs = append(copyArgs, cutoff)
	}
	copyQuery += ` ORDER BY seq`

	rows, err := tx.QueryContext(ctx, s.db.Rebind(copyQuery), copyArgs...)
	if err != nil {
		return nil, fmt.Errorf("reading fork source messages: %w", err)
	}
	defer rows.Close()

	type copied struct {
		role, content         string
		toolCalls, toolCallID sql.NullString
		attachments, metadata sql.NullString
		seq                   int
		createdAt             time.Time
	}
	var messages []copied
	for rows.Next() {
		var c copied
		if err := rows.Scan(&c.role, &c.content, &c.toolCalls, &c.toolCallID, &c.attachments, &c.metadata, &c.seq, &c.createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	now := time.Now().UTC()
	for _, c := range messages {
		_, err = tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO messages (id, thread_id, role, content, tool_calls_json, tool_call_id, attachments_json, metadata_json, seq, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			uuid.NewString(), fork.ID, c.role, c.content, c.toolCalls, c.toolCallID,
			c.attachments, c.metadata, c.seq, c.createdAt, now)
		if err != nil {
			return nil, fmt.Errorf("copying fork message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing fork: %w", err)
	}
	return fork, nil
}

func scanThread(row rowScanner) (*Thread, error) {
	t := &Thread{}
	var title, summary, watermark, ownerUserID, workspaceID, metadataJSON sql.NullString
	err := row.Scan(&t.ID, &t.AgentID, &title, &summary, &watermark,
		&t.TurnCount, &t.TokenCount, &ownerUserID, &workspaceID, &metadataJSON,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Title = title.String
	t.Summary = summary.String
	t.SummarizedUntilMsgID = watermark.String
	t.OwnerUserID = ownerUserID.String
	t.WorkspaceID = workspaceID.String
	if err := unmarshalJSON(metadataJSON, &t.Metadata); err != nil {
		return nil, fmt.Errorf("decoding thread metadata: %w", err)
	}
	return t, nil
}
