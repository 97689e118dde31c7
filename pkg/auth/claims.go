// Package auth issues and verifies the service's JWT tokens and exposes the
// authenticated caller to downstream packages.
package auth

import (
	"context"
	"slices"
)

// Roles recognized by the scope builder.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Claims are the token claims carried by every issued JWT.
type Claims struct {
	// UserID is the subject.
	UserID string `json:"sub"`

	// Role is admin or member.
	Role string `json:"role"`

	// WorkspaceIDs lists the workspaces the user belonged to at issue time.
	// Stores re-check membership on every query; this is a fast path only.
	WorkspaceIDs []string `json:"workspace_ids"`
}

// CurrentUser is the authenticated caller threaded through every store call.
type CurrentUser struct {
	ID           string
	Role         string
	WorkspaceIDs []string
}

func (u *CurrentUser) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

func (u *CurrentUser) InWorkspace(workspaceID string) bool {
	return u != nil && slices.Contains(u.WorkspaceIDs, workspaceID)
}

// contextKey is private to avoid collisions.
type contextKey string

const userContextKey contextKey = "mantle_current_user"

// ContextWithUser returns a context carrying the authenticated caller.
func ContextWithUser(ctx context.Context, user *CurrentUser) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext extracts the authenticated caller.
func UserFromContext(ctx context.Context) (*CurrentUser, bool) {
	user, ok := ctx.Value(userContextKey).(*CurrentUser)
	return user, ok && user != nil
}
