package server

import (
	"net/http"
	"time"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/protocol"
)

// handleTokenIssue mints a token for another user. Admin-only; workspace
// grants default to the target user's current memberships.
func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID       string   `json:"user_id"`
		Role         string   `json:"role"`
		WorkspaceIDs []string `json:"workspace_ids"`
		TTLSeconds   int      `json:"ttl_seconds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.UserID == "" {
		writeError(w, &protocol.ValidationError{Field: "user_id", Reason: "user_id is required"})
		return
	}
	if body.Role == "" {
		body.Role = auth.RoleMember
	}
	if body.Role != auth.RoleMember && body.Role != auth.RoleAdmin {
		writeError(w, &protocol.ValidationError{Field: "role", Reason: "role must be member or admin"})
		return
	}

	workspaceIDs := body.WorkspaceIDs
	if len(workspaceIDs) == 0 {
		ids, err := s.app.Workspaces.MembershipIDs(r.Context(), body.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		workspaceIDs = ids
	}

	token, err := s.app.Tokens.Issue(body.UserID, body.Role, workspaceIDs, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":         token,
		"user_id":       body.UserID,
		"role":          body.Role,
		"workspace_ids": workspaceIDs,
	})
}
