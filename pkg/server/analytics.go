package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// handleAnalyticsMetrics reports all-time usage aggregates for the caller's
// scope.
func (s *Server) handleAnalyticsMetrics(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var since time.Time

	summary, err := s.app.Usage.Summary(r.Context(), u, since)
	if err != nil {
		writeError(w, err)
		return
	}
	byModel, err := s.app.Usage.ByModel(r.Context(), u, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":  summary,
		"by_model": byModel,
	})
}

func (s *Server) handleAnalyticsUsage(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "day"
	}

	var window time.Duration
	switch period {
	case "day":
		window = 24 * time.Hour
	case "week":
		window = 7 * 24 * time.Hour
	case "month":
		window = 30 * 24 * time.Hour
	default:
		writeError(w, &protocol.ValidationError{Field: "period", Reason: "period must be day, week or month"})
		return
	}

	u := currentUser(r)
	since := time.Now().UTC().Add(-window)

	summary, err := s.app.Usage.Summary(r.Context(), u, since)
	if err != nil {
		writeError(w, err)
		return
	}
	byModel, err := s.app.Usage.ByModel(r.Context(), u, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period":   period,
		"since":    since,
		"summary":  summary,
		"by_model": byModel,
	})
}

func (s *Server) handleAnalyticsLLMCalls(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r)
	if limit == 0 {
		limit = 50
	}
	calls, err := s.app.Usage.Calls(r.Context(), currentUser(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.app.Jobs.Get(r.Context(), currentUser(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeError(w, &protocol.NotFoundError{Entity: "job", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobCancel cancels a queued job. Jobs already picked up run to
// completion.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	u := currentUser(r)

	job, err := s.app.Jobs.Get(r.Context(), u, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeError(w, &protocol.NotFoundError{Entity: "job", ID: id})
		return
	}

	ok, err := s.app.Jobs.Cancel(r.Context(), u, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &protocol.ValidationError{Field: "status", Reason: "only queued jobs can be cancelled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "cancelled"})
}
