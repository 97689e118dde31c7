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

// DocumentStore manages RAG documents and their chunks.
type DocumentStore struct {
	db *DB
}

func NewDocumentStore(db *DB) *DocumentStore {
	return &DocumentStore{db: db}
}

const documentColumns = `id, agent_id, workspace_id, owner_user_id, filename, content_type,
    size, chunk_count, status, error, created_at, updated_at`

// Create validates the visibility state and inserts a pending document.
func (s *DocumentStore) Create(ctx context.Context, u *auth.CurrentUser, d *Document) (*Document, error) {
	if err := scope.DocumentVisibility(u, d.WorkspaceID, d.AgentID); err != nil {
		return nil, err
	}

	d.ID = uuid.NewString()
	d.Status = DocumentPending
	if d.WorkspaceID == "" && d.AgentID != "" {
		d.OwnerUserID = u.ID
	}
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt

	_, err := s.db.Exec(ctx,
		`INSERT INTO documents (`+documentColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, nullable(d.AgentID), nullable(d.WorkspaceID), nullable(d.OwnerUserID),
		d.Filename, nullable(d.ContentType), d.Size, d.ChunkCount, d.Status, nullable(d.Error),
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting document: %w", err)
	}
	return d, nil
}

// Get returns the document or nil when absent or out of scope.
func (s *DocumentStore) Get(ctx context.Context, u *auth.CurrentUser, id string) (*Document, error) {
	fragment, args := scope.ForDocuments(u)
	row := s.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ? AND deleted_at IS NULL AND `+fragment,
		append([]any{id}, args...)...)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// GetInternal loads a document without scope; used by the ingest worker.
func (s *DocumentStore) GetInternal(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ? AND deleted_at IS NULL`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// List returns visible documents, optionally filtered.
func (s *DocumentStore) List(ctx context.Context, u *auth.CurrentUser, agentID, workspaceID string, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	fragment, scopeArgs := scope.ForDocuments(u)
	query := `SELECT ` + documentColumns + ` FROM documents WHERE deleted_at IS NULL AND ` + fragment
	args := scopeArgs
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetStatus transitions processing state. Error is recorded on failure.
func (s *DocumentStore) SetStatus(ctx context.Context, id, status, errMsg string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE documents SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, nullable(errMsg), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting document status: %w", err)
	}
	return nil
}

// ReplaceChunks deletes existing chunks and inserts the new set, updating
// chunk_count, in one transaction. Re-ingestion is idempotent.
func (s *DocumentStore) ReplaceChunks(ctx context.Context, documentID string, chunks []DocumentChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning chunk transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM document_chunks WHERE document_id = ?`), documentID); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}

	now := time.Now().UTC()
	for i, chunk := range chunks {
		metadataJSON, err := marshalJSON(chunk.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO document_chunks (id, document_id, chunk_index, content, metadata_json, created_at)
             VALUES (?, ?, ?, ?, ?, ?)`),
			uuid.NewString(), documentID, i, chunk.Content, metadataJSON, now)
		if err != nil {
			return fmt.Errorf("inserting chunk %d: %w", i, err)
		}
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(
		`UPDATE documents SET chunk_count = ?, updated_at = ? WHERE id = ?`),
		len(chunks), now, documentID)
	if err != nil {
		return fmt.Errorf("updating chunk count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chunks: %w", err)
	}
	return nil
}

// Chunks returns a document's chunks in order.
func (s *DocumentStore) Chunks(ctx context.Context, documentID string) ([]*DocumentChunk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, document_id, chunk_index, content, metadata_json, created_at
         FROM document_chunks WHERE document_id = ? ORDER BY chunk_index`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var out []*DocumentChunk
	for rows.Next() {
		c := &DocumentChunk{}
		var metadataJSON sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &metadataJSON, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metadataJSON, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decoding chunk metadata: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete soft-deletes; chunks stay but become unreachable through scoped
// reads.
func (s *DocumentStore) Delete(ctx context.Context, u *auth.CurrentUser, id string) (bool, error) {
	fragment, scopeArgs := scope.ForDocuments(u)
	now := time.Now().UTC()
	args := append([]any{now, now, id}, scopeArgs...)

	res, err := s.db.Exec(ctx,
		`UPDATE documents SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL AND `+fragment,
		args...)
	if err != nil {
		return false, fmt.Errorf("deleting document: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanDocument(row rowScanner) (*Document, error) {
	d := &Document{}
	var agentID, workspaceID, ownerUserID, contentType, errMsg sql.NullString
	err := row.Scan(&d.ID, &agentID, &workspaceID, &ownerUserID, &d.Filename, &contentType,
		&d.Size, &d.ChunkCount, &d.Status, &errMsg, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.AgentID = agentID.String
	d.WorkspaceID = workspaceID.String
	d.OwnerUserID = ownerUserID.String
	d.ContentType = contentType.String
	d.Error = errMsg.String
	return d, nil
}
