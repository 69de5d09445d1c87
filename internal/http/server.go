// Package http serves the operational surface: health checks, the
// prometheus scrape endpoint and a JSON snapshot of engine internals.
// The data path stays in-process; nothing here touches keys or vectors.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
)

// StatsFunc returns a point-in-time view of the database internals.
// The result is JSON-encoded as-is.
type StatsFunc func() any

type Server struct {
	stats      StatsFunc
	registry   *prometheus.Registry
	httpServer *http.Server
	addr       string
}

// NewServer builds a debug server on the given port. A nil registry
// disables the /metrics endpoint; a nil stats func disables
// /debug/stats.
func NewServer(port int, stats StatsFunc, registry *prometheus.Registry) *Server {
	if port == 0 {
		port = defaultHTTPPort
	}
	return &Server{
		stats:    stats,
		registry: registry,
		addr:     ":" + strconv.Itoa(port),
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.addr)
	return nil
}

// Stop shuts the server down, waiting out in-flight requests.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler builds the chi router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	if s.stats != nil {
		r.Get("/debug/stats", s.handleStats)
	}

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats())
}
