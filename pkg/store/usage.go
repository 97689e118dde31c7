package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/mantle/pkg/auth"
)

// UsageStore writes one audit row per provider call and serves the
// analytics aggregates.
type UsageStore struct {
	db *DB
}

func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Record inserts an llm_calls audit row. Failures here never fail the chat
// path; callers log and continue.
func (s *UsageStore) Record(ctx context.Context, call *LLMCall) error {
	call.ID = uuid.NewString()
	call.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx,
		`INSERT INTO llm_calls (id, thread_id, agent_id, user_id, provider, model,
             input_tokens, output_tokens, cost, duration_ms, call_type, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, nullable(call.ThreadID), nullable(call.AgentID), nullable(call.UserID),
		call.Provider, call.Model, call.InputTokens, call.OutputTokens,
		call.Cost, call.DurationMs, nullable(call.CallType), call.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording llm call: %w", err)
	}
	return nil
}

// UsageSummary aggregates spend for one user or, for admins, everyone.
type UsageSummary struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Summary aggregates llm_calls since the cutoff. Non-admins see only their
// own rows.
func (s *UsageStore) Summary(ctx context.Context, u *auth.CurrentUser, since time.Time) (*UsageSummary, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)
              FROM llm_calls WHERE created_at >= ?`
	args := []any{since}
	if !u.IsAdmin() {
		query += ` AND user_id = ?`
		args = append(args, u.ID)
	}

	summary := &UsageSummary{}
	err := s.db.QueryRow(ctx, query, args...).
		Scan(&summary.Calls, &summary.InputTokens, &summary.OutputTokens, &summary.Cost)
	if err != nil {
		return nil, fmt.Errorf("aggregating usage: %w", err)
	}
	return summary, nil
}

// ModelUsage is per-model spend for the analytics breakdown.
type ModelUsage struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// ByModel breaks usage down per provider and model.
func (s *UsageStore) ByModel(ctx context.Context, u *auth.CurrentUser, since time.Time) ([]*ModelUsage, error) {
	query := `SELECT provider, model, COUNT(*), COALESCE(SUM(input_tokens), 0),
                     COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)
              FROM llm_calls WHERE created_at >= ?`
	args := []any{since}
	if !u.IsAdmin() {
		query += ` AND user_id = ?`
		args = append(args, u.ID)
	}
	query += ` GROUP BY provider, model ORDER BY SUM(cost) DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating usage by model: %w", err)
	}
	defer rows.Close()

	var out []*ModelUsage
	for rows.Next() {
		m := &ModelUsage{}
		if err := rows.Scan(&m.Provider, &m.Model, &m.Calls, &m.InputTokens, &m.OutputTokens, &m.Cost); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Calls lists recent llm_calls rows, newest first.
func (s *UsageStore) Calls(ctx context.Context, u *auth.CurrentUser, limit int) ([]*LLMCall, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, thread_id, agent_id, user_id, provider, model,
                     input_tokens, output_tokens, cost, duration_ms, call_type, created_at
              FROM llm_calls`
	var args []any
	if !u.IsAdmin() {
		query += ` WHERE user_id = ?`
		args = append(args, u.ID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing llm calls: %w", err)
	}
	defer rows.Close()

	var out []*LLMCall
	for rows.Next() {
		c := &LLMCall{}
		var threadID, agentID, userID, callType sql.NullString
		err := rows.Scan(&c.ID, &threadID, &agentID, &userID, &c.Provider, &c.Model,
			&c.InputTokens, &c.OutputTokens, &c.Cost, &c.DurationMs, &callType, &c.CreatedAt)
		if err != nil {
			return nil, err
		}
		c.ThreadID = threadID.String
		c.AgentID = agentID.String
		c.UserID = userID.String
		c.CallType = callType.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConversationCost totals spend recorded for one thread; used to seed the
// cost tracker when a process restarts mid-conversation.
func (s *UsageStore) ConversationCost(ctx context.Context, threadID string) (float64, error) {
	var cost float64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM llm_calls WHERE thread_id = ?`, threadID).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("totalling conversation cost: %w", err)
	}
	return cost, nil
}

// TotalCost totals a user's lifetime spend.
func (s *UsageStore) TotalCost(ctx context.Context, userID string) (float64, error) {
	var cost float64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM llm_calls WHERE user_id = ?`, userID).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("totalling user cost: %w", err)
	}
	return cost, nil
}
