package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/store"
)

func (s *Server) handleWorkspaceCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	ws, err := s.app.Workspaces.Create(r.Context(), currentUser(r), body.Name, body.Description, body.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleWorkspaceList(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.app.Workspaces.List(r.Context(), currentUser(r), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

func (s *Server) handleWorkspaceGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	ws, err := s.app.Workspaces.Get(r.Context(), currentUser(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if ws == nil {
		writeError(w, &protocol.NotFoundError{Entity: "workspace", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleWorkspaceDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	ok, err := s.app.Workspaces.Delete(r.Context(), currentUser(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &protocol.NotFoundError{Entity: "workspace", ID: id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkspaceMembers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	members, err := s.app.Workspaces.Members(r.Context(), currentUser(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleWorkspaceMemberAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
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
		body.Role = store.MemberRoleMember
	}

	id := chi.URLParam(r, "workspaceID")
	if err := s.app.Workspaces.AddMember(r.Context(), currentUser(r), id, body.UserID, body.Role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"workspace_id": id,
		"user_id":      body.UserID,
		"role":         body.Role,
	})
}

func (s *Server) handleWorkspaceMemberRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	userID := chi.URLParam(r, "userID")
	ok, err := s.app.Workspaces.RemoveMember(r.Context(), currentUser(r), id, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &protocol.NotFoundError{Entity: "workspace member", ID: userID})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
