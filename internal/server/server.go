// Package server provides the HTTP and WebSocket surface of the session
// broker.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/workspace/session-broker/internal/admission"
	"github.com/workspace/session-broker/internal/auth"
	"github.com/workspace/session-broker/internal/blobstore"
	"github.com/workspace/session-broker/internal/config"
	"github.com/workspace/session-broker/internal/coordinator"
	"github.com/workspace/session-broker/internal/logging"
	"github.com/workspace/session-broker/internal/metrics"
	"github.com/workspace/session-broker/internal/sysinfo"
)

// TokenValidator validates browser tokens. *auth.JWTValidator implements it.
type TokenValidator interface {
	Validate(token, sessionID string) (*auth.Claims, error)
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Registry *coordinator.Registry
	Store    blobstore.Store
	// Queue is nil when admission is served by another broker.
	Queue  *admission.Queue
	Signer *auth.CallbackSigner
	// Validator overrides the JWKS validator built from the config.
	Validator TokenValidator
	// Host, when set, adds host load figures to /health.
	Host *sysinfo.Collector
}

// Server is the HTTP server for the session broker.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	handler    http.Handler
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	registry  *coordinator.Registry
	store     blobstore.Store
	queue     *admission.Queue
	signer    *auth.CallbackSigner
	validator TokenValidator
	host      *sysinfo.Collector
}

// New creates a new server instance.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.Store == nil {
		return nil, fmt.Errorf("registry and store are required")
	}

	validator := deps.Validator
	if validator == nil && cfg.JWKSEndpoint != "" {
		v, err := auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT validator: %w", err)
		}
		validator = v
	}

	s := &Server{
		config:    cfg,
		logger:    logging.With("server"),
		registry:  deps.Registry,
		store:     deps.Store,
		queue:     deps.Queue,
		signer:    deps.Signer,
		validator: validator,
		host:      deps.Host,
	}
	s.upgrader = s.createUpgrader()

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.handler = corsMiddleware(mux, cfg.AllowedOrigins)

	// WriteTimeout stays 0: it would apply to hijacked WebSocket connections
	// and kill them after the timeout.
	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     s.handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	return s, nil
}

// Handler returns the root handler, including CORS.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting session broker", "addr", s.httpServer.Addr, "admission", s.queue != nil)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes every session, then shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.registry.CloseAll(ctx); err != nil {
		s.logger.Warn("Some sessions did not close cleanly", "error", err)
	}
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	// Admission is only served by the broker that owns the queue.
	if s.queue != nil {
		mux.HandleFunc("POST /api/request-session", s.handleRequestSession)
		mux.HandleFunc("GET /api/queue-status", s.handleQueueStatus)
		mux.HandleFunc("POST /api/session-closed", s.handleSessionClosed)
	}

	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/command", s.handleCommand)
	mux.HandleFunc("GET /api/sessions/{sessionId}", s.handleSessionSnapshot)
	mux.HandleFunc("GET /api/sessions/{sessionId}/health", s.handleSessionHealth)

	mux.HandleFunc("GET /ws/agent", s.handleAgentWS)
	mux.HandleFunc("GET /ws/browser", s.handleBrowserWS)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func sessionParam(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("session"))
}
