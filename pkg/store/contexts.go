package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContextStore persists one JSON blob of durable facts per user. Updates
// deep-merge under the user_context lock held by the caller.
type ContextStore struct {
	db *DB
}

func NewContextStore(db *DB) *ContextStore {
	return &ContextStore{db: db}
}

const defaultContextType = "profile"

// Load returns the user's context mapping; empty map when none exists or it
// has expired.
func (s *ContextStore) Load(ctx context.Context, userID string) (map[string]any, error) {
	var contentJSON string
	var expiresAt sql.NullTime
	err := s.db.QueryRow(ctx,
		`SELECT content_json, expires_at FROM user_contexts WHERE user_id = ? AND context_type = ?`,
		userID, defaultContextType).Scan(&contentJSON, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading user context: %w", err)
	}
	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		return map[string]any{}, nil
	}

	var content map[string]any
	if err := unmarshalJSON(sql.NullString{String: contentJSON, Valid: true}, &content); err != nil {
		return nil, fmt.Errorf("decoding user context: %w", err)
	}
	if content == nil {
		content = map[string]any{}
	}
	return content, nil
}

// Merge deep-merges updates into the stored context and returns the merged
// mapping. Null values delete keys, nested mappings recurse, lists replace
// wholesale. Callers hold the user_context lock.
func (s *ContextStore) Merge(ctx context.Context, userID string, updates map[string]any) (map[string]any, error) {
	current, err := s.Load(ctx, userID)
	if err != nil {
		return nil, err
	}

	merged := DeepMerge(current, updates)
	contentJSON, err := marshalJSON(merged)
	if err != nil {
		return nil, fmt.Errorf("encoding user context: %w", err)
	}

	now := time.Now().UTC()
	var query string
	switch s.db.dialect {
	case "mysql":
		query = `INSERT INTO user_contexts (id, user_id, context_type, content_json, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?, ?)
                 ON DUPLICATE KEY UPDATE content_json = VALUES(content_json), updated_at = VALUES(updated_at)`
	default: // postgres, sqlite
		query = `INSERT INTO user_contexts (id, user_id, context_type, content_json, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?, ?)
                 ON CONFLICT (user_id, context_type) DO UPDATE SET content_json = excluded.content_json, updated_at = excluded.updated_at`
	}

	_, err = s.db.Exec(ctx, query, uuid.NewString(), userID, defaultContextType, contentJSON, now, now)
	if err != nil {
		return nil, fmt.Errorf("saving user context: %w", err)
	}
	return merged, nil
}

// Delete removes the user's context blob.
func (s *ContextStore) Delete(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.Exec(ctx,
		`DELETE FROM user_contexts WHERE user_id = ? AND context_type = ?`,
		userID, defaultContextType)
	if err != nil {
		return false, fmt.Errorf("deleting user context: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeepMerge merges patch into base without mutating either. Null patch
// values delete keys; nested maps recurse; everything else (lists included)
// replaces wholesale.
func DeepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		patchMap, patchIsMap := v.(map[string]any)
		baseMap, baseIsMap := out[k].(map[string]any)
		if patchIsMap && baseIsMap {
			out[k] = DeepMerge(baseMap, patchMap)
			continue
		}
		out[k] = v
	}
	return out
}
