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

// AgentStore manages agent configurations.
type AgentStore struct {
	db *DB
}

func NewAgentStore(db *DB) *AgentStore {
	return &AgentStore{db: db}
}

const agentColumns = `id, name, system_prompt, provider, model, premium_provider, premium_model,
    temperature, max_tokens, tools_json, capabilities_json, context_schema_json,
    memory_strategy, memory_params_json, owner_user_id, workspace_id, created_at, updated_at`

// validateAgent enforces the ownership invariant: personal, workspace-shared
// or (admin-only) system agent.
func validateAgent(u *auth.CurrentUser, a *Agent) error {
	if a.Name == "" {
		return &protocol.ValidationError{Field: "name", Reason: "name cannot be empty"}
	}
	if a.Model == "" {
		return &protocol.ValidationError{Field: "model", Reason: "model cannot be empty"}
	}
	switch {
	case a.OwnerUserID != "" && a.WorkspaceID != "":
		return &protocol.ValidationError{Field: "workspace_id", Reason: "agent cannot be both personal and workspace-shared"}
	case a.OwnerUserID == "" && a.WorkspaceID == "":
		if !u.IsAdmin() {
			return &protocol.ValidationError{Field: "owner_user_id", Reason: "only admins may create system agents"}
		}
	case a.WorkspaceID != "":
		if !u.IsAdmin() && !u.InWorkspace(a.WorkspaceID) {
			return &protocol.NotFoundError{Entity: "workspace", ID: a.WorkspaceID}
		}
	}
	return nil
}

// Create inserts an agent. Zero temperature/max_tokens get defaults.
func (s *AgentStore) Create(ctx context.Context, u *auth.CurrentUser, a *Agent) (*Agent, error) {
	if a.OwnerUserID == "" && a.WorkspaceID == "" && !u.IsAdmin() {
		a.OwnerUserID = u.ID
	}
	if err := validateAgent(u, a); err != nil {
		return nil, err
	}

	a.ID = uuid.NewString()
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	if a.Temperature == 0 {
		a.Temperature = 0.7
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = 4096
	}
	if a.MemoryStrategy == "" {
		a.MemoryStrategy = "last_n"
	}

	toolsJSON, err := marshalJSON(a.Tools)
	if err != nil {
		return nil, err
	}
	capsJSON, err := marshalJSON(a.Capabilities)
	if err != nil {
		return nil, err
	}
	schemaJSON, err := marshalJSON(a.ContextSchema)
	if err != nil {
		return nil, err
	}
	paramsJSON, err := marshalJSON(a.MemoryParams)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, nullable(a.SystemPrompt), a.Provider, a.Model,
		nullable(a.PremiumProvider), nullable(a.PremiumModel),
		a.Temperature, a.MaxTokens, toolsJSON, capsJSON, schemaJSON,
		a.MemoryStrategy, paramsJSON, nullable(a.OwnerUserID), nullable(a.WorkspaceID),
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting agent: %w", err)
	}
	return a, nil
}

// Get returns the agent or nil when absent or out of scope.
func (s *AgentStore) Get(ctx context.Context, u *auth.CurrentUser, id string) (*Agent, error) {
	fragment, args := scope.ForAgents(u)
	query := `SELECT ` + agentColumns + ` FROM agents
              WHERE id = ? AND deleted_at IS NULL AND ` + fragment

	row := s.db.QueryRow(ctx, query, append([]any{id}, args...)...)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// List returns visible agents, optionally filtered by workspace.
func (s *AgentStore) List(ctx context.Context, u *auth.CurrentUser, workspaceID string, limit int) ([]*Agent, error) {
	if limit <= 0 {
		limit = 100
	}
	fragment, scopeArgs := scope.ForAgents(u)
	query := `SELECT ` + agentColumns + ` FROM agents WHERE deleted_at IS NULL AND ` + fragment
	args := scopeArgs
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update patches mutable fields and returns the fresh row, nil when out of
// scope.
func (s *AgentStore) Update(ctx context.Context, u *auth.CurrentUser, id string, patch *Agent) (*Agent, error) {
	current, err := s.Get(ctx, u, id)
	if err != nil || current == nil {
		return nil, err
	}

	if patch.Name != "" {
		current.Name = patch.Name
	}
	if patch.SystemPrompt != "" {
		current.SystemPrompt = patch.SystemPrompt
	}
	if patch.Provider != "" {
		current.Provider = patch.Provider
	}
	if patch.Model != "" {
		current.Model = patch.Model
	}
	if patch.PremiumProvider != "" {
		current.PremiumProvider = patch.PremiumProvider
	}
	if patch.PremiumModel != "" {
		current.PremiumModel = patch.PremiumModel
	}
	if patch.Temperature != 0 {
		current.Temperature = patch.Temperature
	}
	if patch.MaxTokens != 0 {
		current.MaxTokens = patch.MaxTokens
	}
	if patch.Tools != nil {
		current.Tools = patch.Tools
	}
	if patch.Capabilities != nil {
		current.Capabilities = patch.Capabilities
	}
	if patch.ContextSchema != nil {
		current.ContextSchema = patch.ContextSchema
	}
	if patch.MemoryStrategy != "" {
		current.MemoryStrategy = patch.MemoryStrategy
	}
	if patch.MemoryParams != nil {
		current.MemoryParams = patch.MemoryParams
	}
	current.UpdatedAt = time.Now().UTC()

	toolsJSON, err := marshalJSON(current.Tools)
	if err != nil {
		return nil, err
	}
	capsJSON, err := marshalJSON(current.Capabilities)
	if err != nil {
		return nil, err
	}
	schemaJSON, err := marshalJSON(current.ContextSchema)
	if err != nil {
		return nil, err
	}
	paramsJSON, err := marshalJSON(current.MemoryParams)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(ctx,
		`UPDATE agents SET name = ?, system_prompt = ?, provider = ?, model = ?,
             premium_provider = ?, premium_model = ?, temperature = ?, max_tokens = ?,
             tools_json = ?, capabilities_json = ?, context_schema_json = ?,
             memory_strategy = ?, memory_params_json = ?, updated_at = ?
         WHERE id = ? AND deleted_at IS NULL`,
		current.Name, nullable(current.SystemPrompt), current.Provider, current.Model,
		nullable(current.PremiumProvider), nullable(current.PremiumModel),
		current.Temperature, current.MaxTokens, toolsJSON, capsJSON, schemaJSON,
		current.MemoryStrategy, paramsJSON, current.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("updating agent: %w", err)
	}
	return current, nil
}

// Delete soft-deletes; nil result means not found or out of scope.
func (s *AgentStore) Delete(ctx context.Context, u *auth.CurrentUser, id string) (bool, error) {
	fragment, scopeArgs := scope.ForAgents(u)
	now := time.Now().UTC()
	args := append([]any{now, now, id}, scopeArgs...)

	res, err := s.db.Exec(ctx,
		`UPDATE agents SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL AND `+fragment,
		args...)
	if err != nil {
		return false, fmt.Errorf("deleting agent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Clone copies an agent the user can see into a personal agent they own.
func (s *AgentStore) Clone(ctx context.Context, u *auth.CurrentUser, id, name string) (*Agent, error) {
	source, err := s.Get(ctx, u, id)
	if err != nil || source == nil {
		return nil, err
	}

	clone := *source
	clone.OwnerUserID = u.ID
	clone.WorkspaceID = ""
	if name != "" {
		clone.Name = name
	} else {
		clone.Name = source.Name + " (copy)"
	}
	return s.Create(ctx, u, &clone)
}

func scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	var systemPrompt, premiumProvider, premiumModel sql.NullString
	var toolsJSON, capsJSON, schemaJSON, paramsJSON sql.NullString
	var ownerUserID, workspaceID sql.NullString

	err := row.Scan(&a.ID, &a.Name, &systemPrompt, &a.Provider, &a.Model,
		&premiumProvider, &premiumModel, &a.Temperature, &a.MaxTokens,
		&toolsJSON, &capsJSON, &schemaJSON, &a.MemoryStrategy, &paramsJSON,
		&ownerUserID, &workspaceID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.SystemPrompt = systemPrompt.String
	a.PremiumProvider = premiumProvider.String
	a.PremiumModel = premiumModel.String
	a.OwnerUserID = ownerUserID.String
	a.WorkspaceID = workspaceID.String

	if err := unmarshalJSON(toolsJSON, &a.Tools); err != nil {
		return nil, fmt.Errorf("decoding agent tools: %w", err)
	}
	if err := unmarshalJSON(capsJSON, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding agent capabilities: %w", err)
	}
	if err := unmarshalJSON(schemaJSON, &a.ContextSchema); err != nil {
		return nil, fmt.Errorf("decoding agent context schema: %w", err)
	}
	if err := unmarshalJSON(paramsJSON, &a.MemoryParams); err != nil {
		return nil, fmt.Errorf("decoding agent memory params: %w", err)
	}
	return a, nil
}
