// Package scope builds the WHERE-clause fragments that enforce multi-tenant
// visibility. Every store query over workspace-scoped data composes one of
// these fragments; nothing is filtered after the fetch.
package scope

import (
	"strings"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/protocol"
)

// Fragments use `?` placeholders; the store rebinds them per dialect.

// ForThreads scopes to threads the user owns or can reach through a
// workspace.
func ForThreads(u *auth.CurrentUser) (string, []any) {
	if u.IsAdmin() {
		return "1=1", nil
	}
	return ownerOrWorkspace(u, "owner_user_id", "workspace_id")
}

// ForAgents scopes to owned, workspace-shared and system agents. System
// agents (no owner, no workspace) are readable by everyone.
func ForAgents(u *auth.CurrentUser) (string, []any) {
	if u.IsAdmin() {
		return "1=1", nil
	}
	fragment, args := ownerOrWorkspace(u, "owner_user_id", "workspace_id")
	return "(" + fragment + " OR (owner_user_id IS NULL AND workspace_id IS NULL))", args
}

// ForDocuments scopes per the three visibility states: personal-to-agent
// (owner only), workspace-shared (members) and system-global (everyone).
func ForDocuments(u *auth.CurrentUser) (string, []any) {
	if u.IsAdmin() {
		return "1=1", nil
	}
	fragment, args := ownerOrWorkspace(u, "owner_user_id", "workspace_id")
	return "(" + fragment + " OR (owner_user_id IS NULL AND workspace_id IS NULL))", args
}

// ForWorkspaces scopes to workspaces the user owns or is a member of.
func ForWorkspaces(u *auth.CurrentUser) (string, []any) {
	if u.IsAdmin() {
		return "1=1", nil
	}
	if len(u.WorkspaceIDs) == 0 {
		return "owner_user_id = ?", []any{u.ID}
	}
	args := make([]any, 0, len(u.WorkspaceIDs)+1)
	args = append(args, u.ID)
	for _, id := range u.WorkspaceIDs {
		args = append(args, id)
	}
	return "(owner_user_id = ? OR id IN (" + placeholders(len(u.WorkspaceIDs)) + "))", args
}

// ForJobs scopes to the requesting user's jobs.
func ForJobs(u *auth.CurrentUser) (string, []any) {
	if u.IsAdmin() {
		return "1=1", nil
	}
	return "user_id = ?", []any{u.ID}
}

// ownerOrWorkspace is the base disjunction shared by most entities.
func ownerOrWorkspace(u *auth.CurrentUser, ownerCol, workspaceCol string) (string, []any) {
	if len(u.WorkspaceIDs) == 0 {
		return ownerCol + " = ?", []any{u.ID}
	}
	args := make([]any, 0, len(u.WorkspaceIDs)+1)
	args = append(args, u.ID)
	for _, id := range u.WorkspaceIDs {
		args = append(args, id)
	}
	return "(" + ownerCol + " = ? OR " + workspaceCol + " IN (" + placeholders(len(u.WorkspaceIDs)) + "))", args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// DocumentVisibility validates the create/update state machine: exactly one
// of personal-to-agent, workspace-shared or system-global.
func DocumentVisibility(u *auth.CurrentUser, workspaceID, agentID string) error {
	switch {
	case workspaceID == "" && agentID != "":
		// Personal to one agent.
		return nil
	case workspaceID != "":
		if agentID != "" {
			return &protocol.VisibilityError{Reason: "document cannot be both workspace-shared and agent-personal"}
		}
		if !u.IsAdmin() && !u.InWorkspace(workspaceID) {
			return &protocol.VisibilityError{Reason: "cannot share a document into a workspace you are not a member of"}
		}
		return nil
	default:
		// System-global.
		if !u.IsAdmin() {
			return &protocol.VisibilityError{Reason: "only admins may create system-global documents"}
		}
		return nil
	}
}
