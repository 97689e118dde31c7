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

// WorkspaceStore manages workspaces and their membership rows.
type WorkspaceStore struct {
	db *DB
}

func NewWorkspaceStore(db *DB) *WorkspaceStore {
	return &WorkspaceStore{db: db}
}

// Create inserts the workspace and an owner membership row in one
// transaction.
func (s *WorkspaceStore) Create(ctx context.Context, u *auth.CurrentUser, name, description string, metadata map[string]any) (*Workspace, error) {
	metadataJSON, err := marshalJSON(metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding workspace metadata: %w", err)
	}

	ws := &Workspace{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		OwnerUserID: u.ID,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	ws.UpdatedAt = ws.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO workspaces (id, name, description, owner_user_id, metadata_json, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ws.ID, ws.Name, nullable(ws.Description), ws.OwnerUserID, metadataJSON, ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting workspace: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO workspace_members (workspace_id, user_id, role, created_at)
         VALUES (?, ?, ?, ?)`),
		ws.ID, u.ID, MemberRoleOwner, ws.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing workspace: %w", err)
	}
	return ws, nil
}

// Get returns the workspace or nil when absent or out of scope.
func (s *WorkspaceStore) Get(ctx context.Context, u *auth.CurrentUser, id string) (*Workspace, error) {
	fragment, args := scope.ForWorkspaces(u)
	query := `SELECT id, name, description, owner_user_id, metadata_json, created_at, updated_at
              FROM workspaces WHERE id = ? AND deleted_at IS NULL AND ` + fragment

	row := s.db.QueryRow(ctx, query, append([]any{id}, args...)...)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ws, err
}

// List returns the user's workspaces, newest first.
func (s *WorkspaceStore) List(ctx context.Context, u *auth.CurrentUser, limit int) ([]*Workspace, error) {
	if limit <= 0 {
		limit = 50
	}
	fragment, args := scope.ForWorkspaces(u)
	query := `SELECT id, name, description, owner_user_id, metadata_json, created_at, updated_at
              FROM workspaces WHERE deleted_at IS NULL AND ` + fragment + `
              ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.Query(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// Delete soft-deletes; only the owner or an admin may delete.
func (s *WorkspaceStore) Delete(ctx context.Context, u *auth.CurrentUser, id string) (bool, error) {
	query := `UPDATE workspaces SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`
	args := []any{time.Now().UTC(), time.Now().UTC(), id}
	if !u.IsAdmin() {
		query += ` AND owner_user_id = ?`
		args = append(args, u.ID)
	}

	res, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("deleting workspace: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AddMember upserts a membership row. Caller must be the workspace owner,
// a workspace admin, or a service admin.
func (s *WorkspaceStore) AddMember(ctx context.Context, u *auth.CurrentUser, workspaceID, userID, role string) error {
	allowed, err := s.canManageMembers(ctx, u, workspaceID)
	if err != nil {
		return err
	}
	if !allowed {
		// Out of scope reads as absent.
		return &protocol.NotFoundError{Entity: "workspace", ID: workspaceID}
	}

	var query string
	switch s.db.dialect {
	case "mysql":
		query = `INSERT INTO workspace_members (workspace_id, user_id, role, created_at)
                 VALUES (?, ?, ?, ?)
                 ON DUPLICATE KEY UPDATE role = VALUES(role)`
	default: // postgres, sqlite
		query = `INSERT INTO workspace_members (workspace_id, user_id, role, created_at)
                 VALUES (?, ?, ?, ?)
                 ON CONFLICT (workspace_id, user_id) DO UPDATE SET role = excluded.role`
	}

	if _, err := s.db.Exec(ctx, query, workspaceID, userID, role, time.Now().UTC()); err != nil {
		return fmt.Errorf("adding workspace member: %w", err)
	}
	return nil
}

// RemoveMember deletes a membership row.
func (s *WorkspaceStore) RemoveMember(ctx context.Context, u *auth.CurrentUser, workspaceID, userID string) (bool, error) {
	allowed, err := s.canManageMembers(ctx, u, workspaceID)
	if err != nil {
		return false, err
	}
	if !allowed {
		return false, nil
	}

	res, err := s.db.Exec(ctx,
		`DELETE FROM workspace_members WHERE workspace_id = ? AND user_id = ?`,
		workspaceID, userID)
	if err != nil {
		return false, fmt.Errorf("removing workspace member: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Members lists membership rows for a workspace the user can see.
func (s *WorkspaceStore) Members(ctx context.Context, u *auth.CurrentUser, workspaceID string) ([]*WorkspaceMember, error) {
	ws, err := s.Get(ctx, u, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT workspace_id, user_id, role, created_at FROM workspace_members WHERE workspace_id = ? ORDER BY created_at`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var out []*WorkspaceMember
	for rows.Next() {
		m := &WorkspaceMember{}
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MembershipIDs returns the workspace IDs the user belongs to; used when
// minting tokens.
func (s *WorkspaceStore) MembershipIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT workspace_id FROM workspace_members WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *WorkspaceStore) canManageMembers(ctx context.Context, u *auth.CurrentUser, workspaceID string) (bool, error) {
	if u.IsAdmin() {
		return true, nil
	}
	var one int
	err := s.db.QueryRow(ctx,
		`SELECT 1 FROM workspace_members WHERE workspace_id = ? AND user_id = ? AND role IN (?, ?)`,
		workspaceID, u.ID, MemberRoleOwner, MemberRoleAdmin).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking membership: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*Workspace, error) {
	ws := &Workspace{}
	var description, metadataJSON sql.NullString
	if err := row.Scan(&ws.ID, &ws.Name, &description, &ws.OwnerUserID, &metadataJSON, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		return nil, err
	}
	ws.Description = description.String
	if err := unmarshalJSON(metadataJSON, &ws.Metadata); err != nil {
		return nil, fmt.Errorf("decoding workspace metadata: %w", err)
	}
	return ws, nil
}
