package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/scope"
)

// MessageStore manages the append-only message log. Callers must hold the
// thread lock around append sequences for a single turn; the store itself
// only guarantees per-row atomicity.
type MessageStore struct {
	db *DB
}

func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageColumns = `id, thread_id, role, content, tool_calls_json, tool_call_id,
    attachments_json, metadata_json, seq, created_at`

// Append inserts the next message in the thread. Seq is allocated from the
// current maximum; the thread lock makes this race-free.
func (s *MessageStore) Append(ctx context.Context, m *Message) (*Message, error) {
	if m.ThreadID == "" {
		return nil, &protocol.ValidationError{Field: "thread_id", Reason: "thread_id cannot be empty"}
	}

	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()

	var maxSeq sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT MAX(seq) FROM messages WHERE thread_id = ?`, m.ThreadID).Scan(&maxSeq)
	if err != nil {
		return nil, fmt.Errorf("allocating message seq: %w", err)
	}
	m.Seq = int(maxSeq.Int64) + 1

	toolCallsJSON, err := marshalJSON(m.ToolCalls)
	if err != nil {
		return nil, err
	}
	attachmentsJSON, err := marshalJSON(m.Attachments)
	if err != nil {
		return nil, err
	}
	metadataJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, string(m.Role), m.Content, toolCallsJSON, nullable(m.ToolCallID),
		attachmentsJSON, metadataJSON, m.Seq, m.CreatedAt, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	return m, nil
}

// List returns a thread's messages in seq order, scope-checked through the
// thread. Nil when the thread is out of scope.
func (s *MessageStore) List(ctx context.Context, u *auth.CurrentUser, threadID string, limit int) ([]*Message, error) {
	visible, err := s.threadVisible(ctx, u, threadID)
	if err != nil || !visible {
		return nil, err
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE thread_id = ? ORDER BY seq`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListAfterSeq returns messages with seq > after, oldest first. Used by the
// summarize job.
func (s *MessageStore) ListAfterSeq(ctx context.Context, threadID string, after int) ([]*Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? AND seq > ? ORDER BY seq`,
		threadID, after)
	if err != nil {
		return nil, fmt.Errorf("listing messages after seq: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get returns one message by ID without scope (internal use).
func (s *MessageStore) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// PatchMetadata merges new keys into a message's metadata. Messages are
// otherwise immutable.
func (s *MessageStore) PatchMetadata(ctx context.Context, id string, patch map[string]any) error {
	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return &protocol.NotFoundError{Entity: "message", ID: id}
	}

	if m.Metadata == nil {
		m.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		m.Metadata[k] = v
	}

	metadataJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`UPDATE messages SET metadata_json = ?, updated_at = ? WHERE id = ?`,
		metadataJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("patching message metadata: %w", err)
	}
	return nil
}

// Delete hard-deletes one message. Compensating action for failed async
// enqueues; not exposed over the API outside admin flows.
func (s *MessageStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

// UnsummarizedChars counts content characters after the summary watermark.
func (s *MessageStore) UnsummarizedChars(ctx context.Context, threadID string, afterSeq int) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT SUM(LENGTH(content)) FROM messages WHERE thread_id = ? AND seq > ?`,
		threadID, afterSeq).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("counting unsummarized chars: %w", err)
	}
	return int(total.Int64), nil
}

// SeqOf resolves a message ID to its seq; -1 when absent.
func (s *MessageStore) SeqOf(ctx context.Context, threadID, messageID string) (int, error) {
	if messageID == "" {
		return -1, nil
	}
	var seq int
	err := s.db.QueryRow(ctx,
		`SELECT seq FROM messages WHERE thread_id = ? AND id = ?`, threadID, messageID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("resolving message seq: %w", err)
	}
	return seq, nil
}

func (s *MessageStore) threadVisible(ctx context.Context, u *auth.CurrentUser, threadID string) (bool, error) {
	fragment, args := scope.ForThreads(u)
	var one int
	err := s.db.QueryRow(ctx,
		`SELECT 1 FROM threads WHERE id = ? AND deleted_at IS NULL AND `+fragment,
		append([]any{threadID}, args...)...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking thread scope: %w", err)
	}
	return true, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	m := &Message{}
	var role string
	var toolCallsJSON, toolCallID, attachmentsJSON, metadataJSON sql.NullString
	err := row.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &toolCallsJSON, &toolCallID,
		&attachmentsJSON, &metadataJSON, &m.Seq, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Role = protocol.Role(role)
	m.ToolCallID = toolCallID.String
	if err := unmarshalJSON(toolCallsJSON, &m.ToolCalls); err != nil {
		return nil, fmt.Errorf("decoding tool calls: %w", err)
	}
	if err := unmarshalJSON(attachmentsJSON, &m.Attachments); err != nil {
		return nil, fmt.Errorf("decoding attachments: %w", err)
	}
	if err := unmarshalJSON(metadataJSON, &m.Metadata); err != nil {
		return nil, fmt.Errorf("decoding message metadata: %w", err)
	}
	return m, nil
}
