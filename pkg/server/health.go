package server

import (
	"context"
	"net/http"
	"time"
)

// handleHealth pings the database and Redis. Redis being down degrades async
// features but the core chat path still works, so it reports as a component
// failure rather than flipping the whole check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := map[string]string{"database": "ok", "redis": "ok"}
	status := http.StatusOK

	if err := s.app.DB.PingContext(ctx); err != nil {
		components["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.app.Redis.Ping(ctx).Err(); err != nil {
		components["redis"] = err.Error()
		if status == http.StatusOK {
			status = http.StatusServiceUnavailable
		}
	}

	body := map[string]any{"status": "ok", "components": components}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}
