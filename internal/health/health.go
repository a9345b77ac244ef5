// Package health provides the liveness and readiness endpoints.
//
// Docker and Kubernetes probe /healthz and /readyz. The captioning
// participant also mounts its control API on the same server, so a single
// port serves both probes and the UI intents.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Check reports whether a dependency is usable. A nil error means healthy.
type Check func() error

// Server is a lightweight HTTP server that exposes /healthz and /readyz.
type Server struct {
	port   int
	ready  atomic.Bool
	mux    *http.ServeMux
	checks map[string]Check
	server *http.Server
}

// New creates a new health check server.
func New(port int) *Server {
	s := &Server{
		port:   port,
		mux:    http.NewServeMux(),
		checks: make(map[string]Check),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	return s
}

// SetReady marks the process as ready to accept traffic.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// AddCheck registers a readiness check reported by /readyz. Checks must be
// added before the server starts.
func (s *Server) AddCheck(name string, c Check) {
	s.checks[name] = c
}

// Handle mounts an additional route on the server. Routes must be added
// before the server starts.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.mux }

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady also reports each registered check. A failing check is shown
// but does not fail readiness: captions degrade rather than stop.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	body := map[string]any{"status": "ok"}
	if len(s.checks) > 0 {
		results := make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check(); err != nil {
				results[name] = err.Error()
			} else {
				results[name] = "ok"
			}
		}
		body["checks"] = results
	}
	writeStatus(w, http.StatusOK, body)
}

// ListenAndServe starts the health check HTTP server.
// It blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("health server listening", "port", s.port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
