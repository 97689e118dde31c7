package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kadirpekel/mantle/pkg/jobs"
	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/store"
)

const maxUploadBytes = 32 << 20

// handleDocumentUpload accepts a multipart upload, stages the file on disk
// and enqueues ingestion. The document row stays "pending" until the worker
// picks it up.
func (s *Server) handleDocumentUpload(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, &protocol.ValidationError{Field: "body", Reason: fmt.Sprintf("invalid multipart form: %v", err)})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, &protocol.ValidationError{Field: "file", Reason: "file part is required"})
		return
	}
	defer file.Close()

	doc := &store.Document{
		AgentID:     r.FormValue("agent_id"),
		WorkspaceID: r.FormValue("workspace_id"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
	}

	path, err := s.stageUpload(file, header.Filename)
	if err != nil {
		writeError(w, err)
		return
	}

	created, err := s.app.Documents.Create(r.Context(), u, doc)
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			slog.Warn("removing staged upload", "path", path, "error", rmErr)
		}
		writeError(w, err)
		return
	}

	payload := map[string]any{"document_id": created.ID, "path": path}
	job, err := s.app.Queue.Enqueue(r.Context(), u, jobs.TaskIngestDocument, payload)
	if err != nil {
		if markErr := s.app.Documents.SetStatus(r.Context(), created.ID, store.DocumentFailed, "ingestion enqueue failed"); markErr != nil {
			slog.Error("marking document failed", "document_id", created.ID, "error", markErr)
		}
		slog.Warn("document ingest enqueue failed", "document_id", created.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody("document ingestion unavailable"))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"document": created,
		"job_id":   job.ID,
	})
}

// stageUpload copies the part to the upload directory under a fresh name so
// concurrent uploads of the same filename never collide.
func (s *Server) stageUpload(file io.Reader, filename string) (string, error) {
	dir := s.app.Settings.UploadDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()+"-"+filepath.Base(filename))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("staging upload: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing upload: %w", err)
	}
	return path, nil
}

func (s *Server) handleDocumentList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docs, err := s.app.Documents.List(r.Context(), currentUser(r), q.Get("agent_id"), q.Get("workspace_id"), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleDocumentGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	doc, err := s.app.Documents.Get(r.Context(), currentUser(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if doc == nil {
		writeError(w, &protocol.NotFoundError{Entity: "document", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDocumentDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	ok, err := s.app.Documents.Delete(r.Context(), currentUser(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &protocol.NotFoundError{Entity: "document", ID: id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDocumentSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Query == "" {
		writeError(w, &protocol.ValidationError{Field: "query", Reason: "query is required"})
		return
	}
	if body.Limit <= 0 {
		body.Limit = 5
	}

	hits, err := s.app.Searcher.Search(r.Context(), currentUser(r), body.Query, body.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}
