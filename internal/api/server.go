// Package api exposes the diagnostic pipeline over HTTP: a synchronous
// JSON endpoint, an SSE streaming endpoint, conversation history reads and
// health probes.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wrenchai/wrench/internal/conversation"
	"github.com/wrenchai/wrench/internal/generate"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger *slog.Logger
	Runner TurnRunner                // Required
	Store  *conversation.MemoryStore // Optional: created when nil
	Pool   *pgxpool.Pool             // Optional: nil disables the database readiness check
	Gen    *generate.Service         // Optional: nil disables the breaker readiness check
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates an API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("turn runner is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.Store
	if store == nil {
		store = conversation.NewMemoryStore()
	}

	dh := &diagnoseHandler{
		runner: cfg.Runner,
		store:  store,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/diagnose", dh.diagnose)
	mux.HandleFunc("POST /api/v1/diagnose/stream", dh.stream)
	mux.HandleFunc("GET /api/v1/conversations/{id}/history", dh.history)

	var handler http.Handler = mux
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /healthz", health(logger))
	topMux.Handle("GET /readyz", readiness(cfg.Pool, cfg.Gen, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
