package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/session-broker/internal/blobstore"
	"github.com/workspace/session-broker/internal/coordinator"
)

const (
	maxCommandBytes = 64 * 1024
	queryTimeout    = 5 * time.Second
)

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":   "healthy",
		"sessions": s.registry.Len(),
	}
	if s.queue != nil {
		stats, err := s.queue.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "admission queue unavailable")
			return
		}
		response["admission"] = stats
	}
	if s.host != nil {
		if host, err := s.host.Collect(); err == nil {
			response["host"] = host
		} else {
			s.logger.Debug("Host figures unavailable", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// handleHistory returns the session's durable log as plain text. A session
// with no log yet yields an empty body.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionParam(r)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.BlobTimeout)
	defer cancel()

	content, err := s.store.Get(ctx, blobstore.LogKey(sessionID))
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		s.logger.Error("History read failed", "sessionId", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, content)
}

// handleSessionSnapshot reports a live coordinator's state.
func (s *Server) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	c, ok := s.registry.Lookup(r.PathValue("sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	snap, err := c.Snapshot(ctx)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSessionHealth reports the latest HEALTH payload the session's agent
// sent. 204 means the agent has not reported yet.
func (s *Server) handleSessionHealth(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	c, ok := s.registry.Lookup(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	snap, err := c.Snapshot(ctx)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	if snap.Health == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId":  sessionID,
		"health":     snap.Health,
		"reportedAt": snap.HealthAt,
	})
}

// handleCommand sends the request body to the session's agent as a console
// command.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionParam(r)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	command := strings.TrimSpace(string(body))
	if command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	c, ok := s.registry.Lookup(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	if err := c.SendCommand(ctx, command); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// writeCoordinatorError maps coordinator errors to HTTP statuses.
func writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrSessionGone):
		writeError(w, http.StatusGone, "session gone")
	case errors.Is(err, coordinator.ErrNoAgent):
		writeError(w, http.StatusConflict, "no agent connected")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "session busy")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
