// Package coordinator runs one actor per session. The actor owns the
// session's lifecycle state, its single agent connection and any number of
// browser connections, relays messages between them, buffers the log stream
// and periodically appends it to the blob store.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/session-broker/internal/blobstore"
	"github.com/workspace/session-broker/internal/logging"
	"github.com/workspace/session-broker/internal/metrics"
	"github.com/workspace/session-broker/internal/protocol"
	"github.com/workspace/session-broker/internal/provision"
)

const (
	DefaultFlushInterval    = 60 * time.Second
	DefaultBlobTimeout      = 10 * time.Second
	DefaultProvisionTimeout = 2 * time.Minute
	DefaultReleaseTimeout   = 10 * time.Second
	DefaultSendBuffer       = 256

	eventQueueSize = 64
)

// Releaser returns a session's admission slot. Both the in-process
// admission queue and its HTTP client satisfy it.
type Releaser interface {
	ReleaseSession(ctx context.Context, sessionID string) error
}

// Config configures a Coordinator.
type Config struct {
	SessionID   string
	Provisioner provision.Provisioner
	Store       blobstore.Store
	Releaser    Releaser

	// CallbackURL is the broker base URL handed to the backend.
	CallbackURL string
	// MintToken issues the backend's callback token. Nil means no token.
	MintToken     func(sessionID string) (string, error)
	DefaultBranch string

	FlushInterval       time.Duration
	BlobTimeout         time.Duration
	ProvisionTimeout    time.Duration
	ReleaseTimeout      time.Duration
	AgentConnectTimeout time.Duration // zero disables
	IdleTimeout         time.Duration // zero disables
	PingInterval        time.Duration // zero disables
	SendBuffer          int

	// OnClosed is called from the actor once the session reaches CLOSED.
	// It must not block.
	OnClosed func(sessionID string)
}

func (c *Config) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.BlobTimeout <= 0 {
		c.BlobTimeout = DefaultBlobTimeout
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = DefaultProvisionTimeout
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = DefaultReleaseTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
}

// Coordinator is the actor for one session. All fields below the channel
// block are owned by the run goroutine.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	events   chan func()
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// background tracks provisioning, stop and release calls that outlive
	// the event that started them.
	background sync.WaitGroup

	state       State
	closeReason CloseReason
	createdAt   time.Time
	closedAt    time.Time
	branch      string
	metadata    *protocol.Metadata
	health      json.RawMessage
	healthAt    time.Time

	agent    *Peer
	browsers map[string]*Peer
	buffer   logBuffer

	flushTimer   *time.Timer
	agentTimer   *time.Timer
	idleTimer    *time.Timer
	idleGen      uint64
	provisioning context.CancelFunc

	provisioned   bool
	stopRequested bool
}

// New creates a coordinator. Call Start to run it.
func New(cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:       cfg,
		logger:    logging.With("coordinator", "sessionId", cfg.SessionID),
		events:    make(chan func(), eventQueueSize),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		createdAt: time.Now(),
		browsers:  make(map[string]*Peer),
	}
}

// SessionID returns the id this coordinator serves.
func (c *Coordinator) SessionID() string {
	return c.cfg.SessionID
}

// Start runs the initialization barrier and then the event loop in a new
// goroutine. Events posted before the barrier completes are queued.
func (c *Coordinator) Start() {
	go c.run()
}

// Stop ends the event loop and waits for it to exit. Callers blocked on the
// coordinator receive ErrSessionGone. Backend stop and slot release calls
// may still be running; use Wait to block on them.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.quit) })
	<-c.stopped
}

// Wait blocks until the provisioning, backend stop and slot release calls
// started by this coordinator have returned, or ctx ends. Call it after Stop.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session %s: background calls still running: %w", c.cfg.SessionID, ctx.Err())
	}
}

func (c *Coordinator) run() {
	defer close(c.stopped)
	defer func() {
		c.stopTimers()
		if c.provisioning != nil {
			c.provisioning()
		}
	}()

	c.init()

	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.quit:
			return
		}
	}
}

// init reads the tombstone so a coordinator recreated for an evicted session
// starts CLOSED instead of provisioning a second backend.
func (c *Coordinator) init() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BlobTimeout)
	defer cancel()

	content, err := readBlob(ctx, c.cfg.Store, blobstore.StateKey(c.cfg.SessionID))
	if err != nil {
		c.logger.Warn("Failed to read session tombstone, starting NEW", "error", err)
	}
	if content == StateClosed.String() {
		c.state = StateClosed
		c.closeReason = ReasonTombstone
		c.closedAt = time.Now()
		c.logger.Info("Session already closed")
		if c.cfg.OnClosed != nil {
			c.cfg.OnClosed(c.cfg.SessionID)
		}
		return
	}
	c.armIdle()
}

// post queues fn on the event loop. It reports false once the loop has
// exited.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// call runs fn on the event loop and waits for it to finish.
func (c *Coordinator) call(ctx context.Context, fn func()) error {
	finished, err := c.enqueue(ctx, fn)
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-c.stopped:
		return c.finishedOrGone(finished)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// callCommitted is call for events with side effects the caller must learn
// about. ctx bounds only the wait for a queue slot: once queued, the result
// is awaited so a caller never sees a timeout for an event that took effect.
// fn should check ctx itself and skip its work when ctx has ended.
func (c *Coordinator) callCommitted(ctx context.Context, fn func()) error {
	finished, err := c.enqueue(ctx, fn)
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-c.stopped:
		return c.finishedOrGone(finished)
	}
}

func (c *Coordinator) enqueue(ctx context.Context, fn func()) (<-chan struct{}, error) {
	finished := make(chan struct{})
	wrapped := func() {
		fn()
		close(finished)
	}
	select {
	case c.events <- wrapped:
		return finished, nil
	case <-c.stopped:
		return nil, ErrSessionGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finishedOrGone settles the race between fn finishing and the loop exiting.
func (c *Coordinator) finishedOrGone(finished <-chan struct{}) error {
	select {
	case <-finished:
		return nil
	default:
		return ErrSessionGone
	}
}

// State returns the session's current state.
func (c *Coordinator) State(ctx context.Context) (State, error) {
	var st State
	if err := c.call(ctx, func() { st = c.state }); err != nil {
		return StateClosed, err
	}
	return st, nil
}

// Snapshot returns a point-in-time view of the session.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.call(ctx, func() {
		snap = Snapshot{
			SessionID:     c.cfg.SessionID,
			State:         c.state,
			CloseReason:   c.closeReason,
			Branch:        c.branch,
			AgentAttached: c.agent != nil,
			Browsers:      len(c.browsers),
			BufferedLines: c.buffer.len(),
			CreatedAt:     c.createdAt,
		}
		if c.health != nil {
			snap.Health = append(json.RawMessage(nil), c.health...)
			healthAt := c.healthAt
			snap.HealthAt = &healthAt
		}
		if c.metadata != nil {
			md := *c.metadata
			snap.Metadata = &md
		}
		if !c.closedAt.IsZero() {
			closedAt := c.closedAt
			snap.ClosedAt = &closedAt
		}
	})
	return snap, err
}

// AttachBrowser adds a browser connection. The first browser of a NEW
// session triggers provisioning of the given branch ("" selects the default).
// If ctx ends before the event loop reaches the attach, nothing is attached
// and ctx's error is returned.
func (c *Coordinator) AttachBrowser(ctx context.Context, conn Conn, branch string) (*Peer, error) {
	var (
		peer   *Peer
		result error
	)
	err := c.callCommitted(ctx, func() {
		if result = ctx.Err(); result != nil {
			return
		}
		peer, result = c.attachBrowser(conn, branch)
	})
	if err != nil {
		return nil, err
	}
	return peer, result
}

// AttachAgent attaches the session's agent. It returns ErrAgentConflict if
// one is already attached, leaving that one in place. Like AttachBrowser it
// attaches nothing once ctx has ended.
func (c *Coordinator) AttachAgent(ctx context.Context, conn Conn) (*Peer, error) {
	var (
		peer   *Peer
		result error
	)
	err := c.callCommitted(ctx, func() {
		if result = ctx.Err(); result != nil {
			return
		}
		peer, result = c.attachAgent(conn)
	})
	if err != nil {
		return nil, err
	}
	return peer, result
}

// DetachBrowser removes a browser. Detaching an unknown peer is a no-op.
func (c *Coordinator) DetachBrowser(p *Peer) {
	c.post(func() {
		if c.browsers[p.ID] == p {
			c.removeBrowser(p, websocket.CloseNormalClosure, "")
		}
	})
}

// AgentDisconnected reports that the agent's read loop ended with err (nil
// or a normal close frame for a clean disconnect). The session closes.
func (c *Coordinator) AgentDisconnected(p *Peer, err error) {
	reason := ReasonAgentDisconnected
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		reason = ReasonAgentError
	}
	c.post(func() {
		if c.agent != p {
			return
		}
		c.logger.Info("Agent disconnected", "reason", reason, "error", err)
		c.closeSession(reason)
	})
}

// HandleAgentMessage processes one frame from the agent. Malformed frames
// are logged and dropped.
func (c *Coordinator) HandleAgentMessage(p *Peer, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("Dropping malformed agent message", "error", err)
		return
	}
	c.post(func() {
		if c.agent != p || c.state == StateClosed {
			return
		}
		c.handleAgentEnvelope(env, data)
	})
}

// HandleBrowserMessage forwards a browser frame to the agent verbatim. With
// no agent attached the frame is dropped.
func (c *Coordinator) HandleBrowserMessage(p *Peer, data []byte) {
	if _, err := protocol.Decode(data); err != nil {
		c.logger.Debug("Dropping malformed browser message", "peerId", p.ID, "error", err)
		return
	}
	c.post(func() {
		if c.state == StateClosed || c.browsers[p.ID] != p {
			return
		}
		if c.agent == nil {
			c.logger.Debug("No agent attached, dropping browser message", "peerId", p.ID)
			return
		}
		if !c.agent.send(data) {
			c.logger.Warn("Agent send queue full, dropping browser message", "peerId", p.ID)
		}
	})
}

// SendCommand delivers a console command to the agent as a COMMAND
// envelope. Unlike browser frames it reports ErrNoAgent instead of dropping.
func (c *Coordinator) SendCommand(ctx context.Context, command string) error {
	frame := protocol.MustEncode(protocol.MsgCommand, command)
	var result error
	err := c.call(ctx, func() {
		switch {
		case c.state == StateClosed:
			result = ErrSessionGone
		case c.agent == nil:
			result = ErrNoAgent
		case !c.agent.send(frame):
			result = fmt.Errorf("agent send queue full")
		}
	})
	if err != nil {
		return err
	}
	return result
}

// Close closes the session. It is idempotent and waits until the close
// sequence has run.
func (c *Coordinator) Close(ctx context.Context, reason CloseReason) error {
	return c.call(ctx, func() { c.closeSession(reason) })
}

func (c *Coordinator) attachBrowser(conn Conn, branch string) (*Peer, error) {
	if c.state == StateClosed {
		return nil, ErrSessionGone
	}

	p := newPeer(roleBrowser, conn, c.cfg.SendBuffer, c.cfg.PingInterval, c.logger)
	go p.writePump(c.peerFailed)
	c.browsers[p.ID] = p
	metrics.BrowserConnections.Inc()
	c.cancelIdle()

	// History goes first so no live line can overtake it.
	p.send(protocol.MustEncode(protocol.MsgHistory, c.history()))
	if c.metadata != nil {
		p.send(protocol.MustEncode(protocol.MsgContextUpdate, c.metadata))
	}

	if c.state == StateNew {
		c.startProvisioning(branch)
		if c.state == StateClosed {
			return p, nil
		}
	}
	if c.state == StateProvisioning {
		p.send(protocol.MustEncode(protocol.MsgStatus, protocol.StatusPayload{
			Status:  protocol.StatusWaitingForAgent,
			Message: "Waiting for the game server to connect",
		}))
	}

	c.logger.Info("Browser attached", "peerId", p.ID, "browsers", len(c.browsers), "state", c.state)
	return p, nil
}

// history is the durable log followed by the unflushed buffer.
func (c *Coordinator) history() string {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BlobTimeout)
	defer cancel()

	durable, err := readBlob(ctx, c.cfg.Store, blobstore.LogKey(c.cfg.SessionID))
	if err != nil {
		c.logger.Warn("Failed to read durable history", "error", err)
	}
	return durable + c.buffer.text()
}

func (c *Coordinator) attachAgent(conn Conn) (*Peer, error) {
	if c.state == StateClosed {
		return nil, ErrSessionGone
	}
	if c.agent != nil {
		c.logger.Warn("Rejecting second agent connection", "existingPeerId", c.agent.ID)
		return nil, ErrAgentConflict
	}

	p := newPeer(roleAgent, conn, c.cfg.SendBuffer, c.cfg.PingInterval, c.logger)
	go p.writePump(c.peerFailed)
	c.agent = p

	if c.state == StateNew {
		c.logger.Warn("Agent connected before any browser requested provisioning")
	}
	c.state = StateActive
	if c.agentTimer != nil {
		c.agentTimer.Stop()
		c.agentTimer = nil
	}

	c.broadcast(protocol.MustEncode(protocol.MsgStatus, protocol.StatusPayload{
		Status:  protocol.StatusAgentConnected,
		Message: "Game server connected",
	}))
	c.armFlush()

	c.logger.Info("Agent attached", "peerId", p.ID)
	return p, nil
}

func (c *Coordinator) handleAgentEnvelope(env protocol.Envelope, raw []byte) {
	switch env.Type {
	case protocol.MsgLog, protocol.MsgHistoryDump:
		lines, err := protocol.LogLines(env.Payload)
		if err != nil {
			c.logger.Warn("Dropping malformed log payload", "type", env.Type, "error", err)
			return
		}
		if len(lines) == 0 {
			return
		}
		c.buffer.append(lines...)
		c.broadcast(protocol.MustEncode(protocol.MsgLogs, lines))

	case protocol.MsgHealth:
		if len(env.Payload) > 0 {
			c.health = append(json.RawMessage(nil), env.Payload...)
			c.healthAt = time.Now()
		}
		c.broadcast(raw)

	case protocol.MsgMetadata:
		var md protocol.Metadata
		if err := json.Unmarshal(env.Payload, &md); err != nil {
			c.logger.Warn("Dropping malformed metadata", "error", err)
			return
		}
		c.metadata = &md
		c.broadcast(protocol.MustEncode(protocol.MsgContextUpdate, md))

	case protocol.MsgAgentShutdown:
		c.broadcast(protocol.MustEncode(protocol.MsgStatus, protocol.StatusPayload{
			Status:  protocol.StatusAgentShutdown,
			Message: "Game server is shutting down",
		}))
		c.closeSession(ReasonAgentShutdown)

	default:
		c.logger.Debug("Ignoring unknown agent message", "type", env.Type)
	}
}

// broadcast queues data on every browser. A browser whose queue is full is
// removed; the others are unaffected.
func (c *Coordinator) broadcast(data []byte) {
	for _, b := range c.browsers {
		if !b.send(data) {
			c.logger.Warn("Browser send failed, removing", "peerId", b.ID)
			metrics.BrowserSendFailures.Inc()
			c.removeBrowser(b, websocket.CloseTryAgainLater, "send queue full")
		}
	}
}

func (c *Coordinator) removeBrowser(p *Peer, code int, text string) {
	delete(c.browsers, p.ID)
	metrics.BrowserConnections.Dec()
	p.shutdown(code, text)

	c.logger.Info("Browser detached", "peerId", p.ID, "browsers", len(c.browsers))
	if len(c.browsers) == 0 && c.state != StateClosed {
		c.armIdle()
	}
}

// peerFailed is called from a write pump after a failed write.
func (c *Coordinator) peerFailed(p *Peer, err error) {
	c.post(func() {
		switch p.role {
		case roleBrowser:
			if c.browsers[p.ID] == p {
				metrics.BrowserSendFailures.Inc()
				c.removeBrowser(p, websocket.CloseAbnormalClosure, "")
			}
		case roleAgent:
			if c.agent == p {
				c.logger.Warn("Agent write failed", "error", err)
				c.closeSession(ReasonAgentError)
			}
		}
	})
}

func (c *Coordinator) startProvisioning(branch string) {
	if branch == "" {
		branch = c.cfg.DefaultBranch
	}
	c.state = StateProvisioning
	c.branch = branch

	token := ""
	if c.cfg.MintToken != nil {
		var err error
		if token, err = c.cfg.MintToken(c.cfg.SessionID); err != nil {
			c.failProvisioning(fmt.Errorf("mint callback token: %w", err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProvisionTimeout)
	c.provisioning = cancel

	req := provision.StartRequest{
		SessionID:     c.cfg.SessionID,
		CallbackURL:   c.cfg.CallbackURL,
		CallbackToken: token,
		Branch:        branch,
	}
	hooks := provision.Hooks{
		OnStarted: func() {
			c.post(func() { c.logger.Info("Backend started", "branch", branch) })
		},
		OnExited: func() {
			c.post(func() { c.backendStopped(errors.New("backend exited before the agent connected")) })
		},
		OnError: func(err error) {
			c.post(func() { c.backendStopped(err) })
		},
	}

	c.logger.Info("Provisioning backend", "branch", branch)
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		defer cancel()
		err := c.cfg.Provisioner.Start(ctx, req, hooks)

		handled := make(chan struct{})
		c.post(func() {
			c.provisionResult(err)
			close(handled)
		})
		select {
		case <-handled:
		case <-c.stopped:
			if c.finishedOrGone(handled) == nil || err != nil {
				return
			}
			// The loop exited before it saw the result, so nothing else
			// will stop this backend.
			c.stopBackend()
		}
	}()

	if c.cfg.AgentConnectTimeout > 0 {
		c.agentTimer = time.AfterFunc(c.cfg.AgentConnectTimeout, func() {
			c.post(c.agentTimedOut)
		})
	}
}

func (c *Coordinator) provisionResult(err error) {
	c.provisioning = nil
	if err != nil {
		if c.state == StateProvisioning {
			c.failProvisioning(err)
			return
		}
		c.logger.Warn("Provisioning failed after state change", "state", c.state, "error", err)
		return
	}

	c.provisioned = true
	if c.state == StateClosed {
		// Closed while Start was running; the backend must not outlive the session.
		c.requestStop()
	}
}

func (c *Coordinator) backendStopped(err error) {
	if c.state == StateProvisioning {
		c.failProvisioning(err)
		return
	}
	c.logger.Info("Backend stopped", "state", c.state, "error", err)
}

func (c *Coordinator) agentTimedOut() {
	if c.state != StateProvisioning || c.agent != nil {
		return
	}
	c.logger.Warn("Agent did not connect in time", "timeout", c.cfg.AgentConnectTimeout)
	c.broadcast(protocol.MustEncode(protocol.MsgError, protocol.ErrorPayload{
		Message: "The game server did not connect in time",
	}))
	c.closeSession(ReasonAgentTimeout)
}

func (c *Coordinator) failProvisioning(err error) {
	c.logger.Error("Provisioning failed", "error", err)
	c.broadcast(protocol.MustEncode(protocol.MsgError, protocol.ErrorPayload{
		Message: fmt.Sprintf("Failed to start game server: %v", err),
	}))
	c.closeSession(ReasonProvisionFailed)
}

// closeSession runs the close sequence once. Later calls are no-ops.
func (c *Coordinator) closeSession(reason CloseReason) {
	if c.state == StateClosed {
		return
	}
	prev := c.state
	c.state = StateClosed
	c.closeReason = reason
	c.closedAt = time.Now()
	c.stopTimers()
	if c.provisioning != nil {
		c.provisioning()
	}

	if c.agent != nil {
		c.agent.shutdown(websocket.CloseNormalClosure, "session closed")
		c.agent = nil
	}

	closed := protocol.MustEncode(protocol.MsgSessionClosed, nil)
	for _, b := range c.browsers {
		b.send(closed)
		b.shutdown(websocket.CloseNormalClosure, "session closed")
		delete(c.browsers, b.ID)
		metrics.BrowserConnections.Dec()
	}

	c.flush()
	c.writeTombstone()
	c.release()
	if c.provisioned {
		c.requestStop()
	}

	metrics.SessionsClosed.WithLabelValues(string(reason)).Inc()
	c.logger.Info("Session closed", "reason", reason, "previousState", prev)

	if c.cfg.OnClosed != nil {
		c.cfg.OnClosed(c.cfg.SessionID)
	}
}

// flush appends the buffered lines to the session log. On failure the lines
// are put back at the front of the buffer and retried on the next flush.
func (c *Coordinator) flush() {
	if c.buffer.len() == 0 {
		return
	}
	lines := c.buffer.drain()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BlobTimeout)
	defer cancel()

	if err := appendLog(ctx, c.cfg.Store, blobstore.LogKey(c.cfg.SessionID), lines); err != nil {
		c.buffer.requeue(lines)
		metrics.LogFlushFailures.Inc()
		c.logger.Warn("Log flush failed, requeued", "lines", len(lines), "error", err)
		return
	}
	metrics.LogLinesFlushed.Add(float64(len(lines)))
	c.logger.Debug("Flushed log lines", "lines", len(lines))
}

func (c *Coordinator) writeTombstone() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BlobTimeout)
	defer cancel()
	if err := c.cfg.Store.Put(ctx, blobstore.StateKey(c.cfg.SessionID), StateClosed.String()); err != nil {
		c.logger.Warn("Failed to write session tombstone", "error", err)
	}
}

// release returns the admission slot without blocking the event loop.
func (c *Coordinator) release() {
	if c.cfg.Releaser == nil {
		return
	}
	id := c.cfg.SessionID
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReleaseTimeout)
		defer cancel()
		if err := c.cfg.Releaser.ReleaseSession(ctx, id); err != nil {
			metrics.ReleaseFailures.Inc()
			c.logger.Error("Failed to release admission slot", "error", err)
		}
	}()
}

func (c *Coordinator) requestStop() {
	if c.stopRequested {
		return
	}
	c.stopRequested = true
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		c.stopBackend()
	}()
}

func (c *Coordinator) stopBackend() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProvisionTimeout)
	defer cancel()
	if err := c.cfg.Provisioner.Stop(ctx, c.cfg.SessionID); err != nil {
		c.logger.Error("Failed to stop backend", "error", err)
	}
}

func (c *Coordinator) armFlush() {
	if c.flushTimer != nil {
		return
	}
	c.flushTimer = time.AfterFunc(c.cfg.FlushInterval, func() {
		c.post(c.flushTick)
	})
}

func (c *Coordinator) flushTick() {
	c.flushTimer = nil
	if c.state == StateClosed {
		return
	}
	c.flush()
	c.armFlush()
}

func (c *Coordinator) armIdle() {
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	c.cancelIdle()
	gen := c.idleGen
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, func() {
		c.post(func() {
			if gen != c.idleGen || len(c.browsers) > 0 || c.state == StateClosed {
				return
			}
			c.logger.Info("No browsers attached, closing idle session", "timeout", c.cfg.IdleTimeout)
			c.closeSession(ReasonIdle)
		})
	})
}

func (c *Coordinator) cancelIdle() {
	c.idleGen++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Coordinator) stopTimers() {
	for _, t := range []*time.Timer{c.flushTimer, c.agentTimer, c.idleTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.flushTimer, c.agentTimer, c.idleTimer = nil, nil, nil
	c.idleGen++
}
