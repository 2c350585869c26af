package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/session-broker/internal/auth"
	"github.com/workspace/session-broker/internal/coordinator"
	"github.com/workspace/session-broker/internal/protocol"
)

const attachTimeout = 10 * time.Second

// createUpgrader creates a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins are checked explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients such as the agent send no Origin.
				return true
			}
			if originAllowed(origin, s.config.AllowedOrigins) {
				return true
			}
			s.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
			return false
		},
	}
}

// originAllowed reports whether origin matches an entry of allowed.
// Entries may be "*", an exact origin or a pattern like
// "https://*.example.com".
func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.Contains(a, "*") && matchWildcardOrigin(origin, a) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The subdomain part must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

// requireUpgrade rejects plain HTTP requests before any other check, so a
// non-WebSocket client always learns it must upgrade.
func requireUpgrade(w http.ResponseWriter, r *http.Request) bool {
	if websocket.IsWebSocketUpgrade(r) {
		return true
	}
	writeError(w, http.StatusUpgradeRequired, "websocket upgrade required")
	return false
}

// preUpgrade performs the session checks shared by both roles before the
// handshake. It writes the HTTP error itself and returns nil on failure.
func (s *Server) preUpgrade(w http.ResponseWriter, r *http.Request) *coordinator.Coordinator {
	sessionID := sessionParam(r)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return nil
	}

	c, err := s.registry.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "broker is shutting down")
		return nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), attachTimeout)
	defer cancel()
	state, err := c.State(ctx)
	if err != nil && !errors.Is(err, coordinator.ErrSessionGone) {
		writeError(w, http.StatusServiceUnavailable, "session busy")
		return nil
	}
	if err != nil || state == coordinator.StateClosed {
		writeError(w, http.StatusGone, "session gone")
		return nil
	}
	return c
}

// keepAlive arms the read deadline that the peer's pongs extend. The
// coordinator's write pump sends the pings. A peer that stops answering
// fails its next read.
func (s *Server) keepAlive(conn *websocket.Conn) {
	pongTimeout := s.config.WSPongTimeout
	if pongTimeout <= 0 {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
}

// closeWithCode sends a close frame and closes conn. Used for connections
// that were never attached to a coordinator.
func closeWithCode(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()
}

// closeForAttachError maps an attach failure to its close code.
func closeForAttachError(conn *websocket.Conn, err error) {
	switch {
	case errors.Is(err, coordinator.ErrAgentConflict):
		closeWithCode(conn, protocol.CloseAgentConflict, "agent already connected")
	case errors.Is(err, coordinator.ErrSessionGone):
		closeWithCode(conn, protocol.CloseSessionGone, "session gone")
	default:
		closeWithCode(conn, websocket.CloseTryAgainLater, "session busy")
	}
}

// handleAgentWS attaches the session's backend agent.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	if !requireUpgrade(w, r) {
		return
	}
	if s.signer.Enabled() && sessionParam(r) != "" {
		if err := s.signer.Verify(auth.TokenFromRequest(r), sessionParam(r)); err != nil {
			s.logger.Warn("Agent authentication failed", "sessionId", sessionParam(r), "error", err)
			writeError(w, http.StatusUnauthorized, "invalid callback token")
			return
		}
	}

	c := s.preUpgrade(w, r)
	if c == nil {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Agent WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.config.WSMaxMessageSize)

	ctx, cancel := context.WithTimeout(r.Context(), attachTimeout)
	peer, err := c.AttachAgent(ctx, conn)
	cancel()
	if err != nil {
		s.logger.Info("Agent rejected", "sessionId", c.SessionID(), "error", err)
		closeForAttachError(conn, err)
		return
	}
	s.keepAlive(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.AgentDisconnected(peer, err)
			return
		}
		c.HandleAgentMessage(peer, data)
	}
}

// handleBrowserWS attaches an observing browser.
func (s *Server) handleBrowserWS(w http.ResponseWriter, r *http.Request) {
	if !requireUpgrade(w, r) {
		return
	}
	if s.validator != nil && sessionParam(r) != "" {
		if _, err := s.validator.Validate(auth.TokenFromRequest(r), sessionParam(r)); err != nil {
			s.logger.Warn("Browser authentication failed", "sessionId", sessionParam(r), "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	if s.config.RequireAdmission && s.queue != nil && sessionParam(r) != "" {
		active, err := s.queue.IsActive(r.Context(), sessionParam(r))
		if err != nil || !active {
			// A session that was admitted and has since closed is gone, not forbidden.
			if _, ok := s.registry.Lookup(sessionParam(r)); !ok {
				writeError(w, http.StatusForbidden, "session not admitted")
				return
			}
		}
	}

	c := s.preUpgrade(w, r)
	if c == nil {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Browser WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.config.WSMaxMessageSize)

	branch := strings.TrimSpace(r.URL.Query().Get("branch"))
	ctx, cancel := context.WithTimeout(r.Context(), attachTimeout)
	peer, err := c.AttachBrowser(ctx, conn, branch)
	cancel()
	if err != nil {
		s.logger.Info("Browser rejected", "sessionId", c.SessionID(), "error", err)
		closeForAttachError(conn, err)
		return
	}
	s.keepAlive(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.DetachBrowser(peer)
			return
		}
		c.HandleBrowserMessage(peer, data)
	}
}
