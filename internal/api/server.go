// Package api serves the admin surface: backend and listener statistics,
// recent responses, health probes and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DXTimer/pdns/internal/config"
	"github.com/DXTimer/pdns/internal/frontend"
	"github.com/DXTimer/pdns/internal/health"
	"github.com/DXTimer/pdns/internal/metrics"
	"github.com/DXTimer/pdns/internal/rings"
	"github.com/DXTimer/pdns/internal/router"
)

// Server is the REST API and metrics server.
type Server struct {
	router      *router.Router
	frontend    *frontend.Server
	healthCheck *health.Checker
	metrics     *metrics.Collector
	rings       *rings.Ring
	httpServer  *http.Server
	startTime   time.Time
	cfg         config.APIConfig
}

// NewServer creates a new API server.
func NewServer(rt *router.Router, fe *frontend.Server, hc *health.Checker, m *metrics.Collector, rg *rings.Ring, cfg config.APIConfig) *Server {
	return &Server{
		router:      rt,
		frontend:    fe,
		healthCheck: hc,
		metrics:     m,
		rings:       rg,
		startTime:   time.Now(),
		cfg:         cfg,
	}
}

// authMiddleware checks for a valid API key on everything but the probes and
// the metrics endpoint.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/ready" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if s.cfg.Key == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeError(w, http.StatusUnauthorized, "unauthorized: invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handler assembles the routes.
func (s *Server) handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/servers", s.serversHandler).Methods("GET")
	r.HandleFunc("/api/v1/servers/{name}", s.serverHandler).Methods("GET")
	r.HandleFunc("/api/v1/pools", s.poolsHandler).Methods("GET")
	r.HandleFunc("/api/v1/frontends", s.frontendsHandler).Methods("GET")
	r.HandleFunc("/api/v1/rings", s.ringsHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	return s.authMiddleware(r)
}

// Start starts the HTTP API server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if s.cfg.Key == "" {
		slog.Warn("API key not configured, management endpoints are unauthenticated")
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("API server failed", "err", err)
		}
	}()

	slog.Info("API server started", "addr", addr)
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)
}

func (s *Server) serversHandler(w http.ResponseWriter, r *http.Request) {
	servers := s.router.Servers()
	out := make([]any, 0, len(servers))
	for _, ds := range servers {
		out = append(out, ds.Stats())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) serverHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, ds := range s.router.Servers() {
		if ds.Name == name {
			writeJSON(w, http.StatusOK, ds.Stats())
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("unknown server: %q", name))
}

func (s *Server) poolsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Pools())
}

func (s *Server) frontendsHandler(w http.ResponseWriter, r *http.Request) {
	listeners := s.frontend.Listeners()
	out := make([]frontend.ListenerStats, 0, len(listeners))
	for _, l := range listeners {
		out = append(out, l.Stats())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) ringsHandler(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, s.rings.Last(n))
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_bytes":     mem.HeapAlloc,
		"backends":       s.healthCheck.AllStatus(),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// ready as soon as one backend answers probes
	for _, ds := range s.router.Servers() {
		if ds.IsUp() {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeError(w, http.StatusServiceUnavailable, "no backend available")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
