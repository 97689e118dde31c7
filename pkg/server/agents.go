package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/store"
)

// currentUser returns the authenticated caller. Routes behind the auth
// middleware always carry one.
func currentUser(r *http.Request) *auth.CurrentUser {
	u, _ := auth.UserFromContext(r.Context())
	return u
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	var agent store.Agent
	if err := decodeBody(r, &agent); err != nil {
		writeError(w, err)
		return
	}

	created, err := s.app.Agents.Create(r.Context(), currentUser(r), &agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.app.Agents.List(r.Context(), currentUser(r), r.URL.Query().Get("workspace_id"), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	agent, err := s.app.Agents.Get(r.Context(), currentUser(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if agent == nil {
		writeError(w, &protocol.NotFoundError{Entity: "agent", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentUpdate(w http.ResponseWriter, r *http.Request) {
	var patch store.Agent
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "agentID")
	updated, err := s.app.Agents.Update(r.Context(), currentUser(r), id, &patch)
	if err != nil {
		writeError(w, err)
		return
	}
	if updated == nil {
		writeError(w, &protocol.NotFoundError{Entity: "agent", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	ok, err := s.app.Agents.Delete(r.Context(), currentUser(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &protocol.NotFoundError{Entity: "agent", ID: id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentClone(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "agentID")
	clone, err := s.app.Agents.Clone(r.Context(), currentUser(r), id, body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	if clone == nil {
		writeError(w, &protocol.NotFoundError{Entity: "agent", ID: id})
		return
	}
	writeJSON(w, http.StatusCreated, clone)
}

func (s *Server) handleAgentFullPrompt(w http.ResponseWriter, r *http.Request) {
	prompt, err := s.app.Runtime.FullPrompt(r.Context(), currentUser(r), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"full_prompt": prompt})
}
