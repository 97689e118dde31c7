// Package server exposes the HTTP surface: REST resources for agents,
// threads, workspaces, documents and jobs, chat endpoints with SSE and
// WebSocket streaming, and operational routes. Handlers stay thin; scope
// enforcement lives in the stores and chat semantics in the runtime.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

type Server struct {
	app    *AppContext
	router chi.Router

	activeStreams atomic.Int64
}

func New(app *AppContext) *Server {
	s := &Server{app: app}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains in-flight requests within
// the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.app.Settings.Host, s.app.Settings.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down", "timeout", s.app.Settings.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.app.Settings.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
