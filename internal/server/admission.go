package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/workspace/session-broker/internal/admission"
)

// handleRequestSession admits a client immediately (200) or queues it behind
// a ticket (202).
func (s *Server) handleRequestSession(w http.ResponseWriter, r *http.Request) {
	result, err := s.queue.RequestSession(r.Context())
	if err != nil {
		s.logger.Error("Admission request failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "admission queue unavailable")
		return
	}

	status := http.StatusOK
	if result.Status == admission.StatusQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// handleQueueStatus resolves a ticket. A READY answer is returned once.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ticketID := strings.TrimSpace(r.URL.Query().Get("ticketId"))
	if ticketID == "" {
		writeError(w, http.StatusBadRequest, "ticketId is required")
		return
	}

	result, err := s.queue.QueryStatus(r.Context(), ticketID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "admission queue unavailable")
		return
	}
	if result.Status == admission.StatusNotFound {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSessionClosed releases a session's slot. Repeated calls are no-ops.
func (s *Server) handleSessionClosed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	if err := s.queue.ReleaseSession(r.Context(), body.SessionID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "admission queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
