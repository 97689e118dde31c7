package server

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/mantle/pkg/auth"
)

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverer, s.requestLogger, s.cors)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.app.Metrics.Handler())

	// The WebSocket endpoint authenticates itself: clients without a query
	// token send an auth frame after the upgrade.
	r.With(s.streamCap).Get("/chat/{threadID}/ws", s.handleChatWS)

	r.Group(func(r chi.Router) {
		r.Use(s.app.Tokens.Middleware, s.app.Limiter.Middleware)

		r.Route("/agents", func(r chi.Router) {
			r.Post("/", s.handleAgentCreate)
			r.Get("/", s.handleAgentList)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", s.handleAgentGet)
				r.Patch("/", s.handleAgentUpdate)
				r.Delete("/", s.handleAgentDelete)
				r.Post("/clone", s.handleAgentClone)
				r.Get("/full-prompt", s.handleAgentFullPrompt)
			})
		})

		r.Route("/threads", func(r chi.Router) {
			r.Post("/", s.handleThreadCreate)
			r.Get("/", s.handleThreadList)
			r.Route("/{threadID}", func(r chi.Router) {
				r.Get("/", s.handleThreadGet)
				r.Patch("/", s.handleThreadUpdate)
				r.Delete("/", s.handleThreadDelete)
				r.Post("/fork", s.handleThreadFork)
				r.Get("/messages", s.handleThreadMessages)
			})
		})

		r.Route("/chat/{threadID}", func(r chi.Router) {
			r.Post("/", s.handleChat)
			r.With(s.streamCap).Post("/stream", s.handleChatStream)
			r.With(s.streamCap).Get("/subscribe/{messageID}", s.handleChatSubscribe)
		})

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", s.handleDocumentUpload)
			r.Get("/", s.handleDocumentList)
			r.Post("/search", s.handleDocumentSearch)
			r.Get("/{documentID}", s.handleDocumentGet)
			r.Delete("/{documentID}", s.handleDocumentDelete)
		})

		r.Route("/workspaces", func(r chi.Router) {
			r.Post("/", s.handleWorkspaceCreate)
			r.Get("/", s.handleWorkspaceList)
			r.Route("/{workspaceID}", func(r chi.Router) {
				r.Get("/", s.handleWorkspaceGet)
				r.Delete("/", s.handleWorkspaceDelete)
				r.Get("/members", s.handleWorkspaceMembers)
				r.Post("/members", s.handleWorkspaceMemberAdd)
				r.Delete("/members/{userID}", s.handleWorkspaceMemberRemove)
			})
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/metrics", s.handleAnalyticsMetrics)
			r.Get("/usage", s.handleAnalyticsUsage)
			r.Get("/llm-calls", s.handleAnalyticsLLMCalls)
		})

		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleJobGet)
			r.Post("/cancel", s.handleJobCancel)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Post("/tokens", s.handleTokenIssue)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.app.Metrics.ObserveHTTP(r.Method, route, rec.status, elapsed)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic serving request",
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.app.Settings.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// streamCap bounds concurrently open streaming responses across SSE and
// WebSocket endpoints.
func (s *Server) streamCap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := int64(s.app.Settings.MaxActiveStreams)
		if max > 0 {
			if s.activeStreams.Add(1) > max {
				s.activeStreams.Add(-1)
				writeJSON(w, http.StatusServiceUnavailable, errorBody("too many active streams"))
				return
			}
			defer s.activeStreams.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so SSE responses keep working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so WebSocket upgrades keep working behind the
// recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
