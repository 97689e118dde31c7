package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

func (s *Server) handleThreadCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID  string         `json:"agent_id"`
		Title    string         `json:"title"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.AgentID == "" {
		writeError(w, &protocol.ValidationError{Field: "agent_id", Reason: "agent_id is required"})
		return
	}

	u := currentUser(r)
	agent, err := s.app.Agents.Get(r.Context(), u, body.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if agent == nil {
		writeError(w, &protocol.NotFoundError{Entity: "agent", ID: body.AgentID})
		return
	}

	thread, err := s.app.Threads.Create(r.Context(), u, agent, body.Title, body.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	threads, err := s.app.Threads.List(r.Context(), currentUser(r), q.Get("agent_id"), q.Get("workspace_id"), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "threadID")
	thread, err := s.app.Threads.Get(r.Context(), currentUser(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if thread == nil {
		writeError(w, &protocol.NotFoundError{Entity: "thread", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleThreadUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Title == "" {
		writeError(w, &protocol.ValidationError{Field: "title", Reason: "title is required"})
		return
	}

	id := chi.URLParam(r, "threadID")
	u := currentUser(r)
	ok, err := s.app.Threads.UpdateTitle(r.Context(), u, id, body.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &protocol.NotFoundError{Entity: "thread", ID: id})
		return
	}

	thread, err := s.app.Threads.Get(r.Context(), u, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleThreadDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "threadID")
	ok, err := s.app.Threads.Delete(r.Context(), currentUser(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &protocol.NotFoundError{Entity: "thread", ID: id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleThreadFork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FromMessageID string `json:"from_message_id"`
		Title         string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "threadID")
	fork, err := s.app.Threads.Fork(r.Context(), currentUser(r), id, body.FromMessageID, body.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	if fork == nil {
		writeError(w, &protocol.NotFoundError{Entity: "thread", ID: id})
		return
	}
	writeJSON(w, http.StatusCreated, fork)
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "threadID")
	u := currentUser(r)

	thread, err := s.app.Threads.Get(r.Context(), u, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if thread == nil {
		writeError(w, &protocol.NotFoundError{Entity: "thread", ID: id})
		return
	}

	messages, err := s.app.Messages.List(r.Context(), u, id, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}
