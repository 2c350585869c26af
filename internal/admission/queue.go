// Package admission bounds the number of concurrently active sessions.
//
// The Queue is a single actor: one goroutine owns the active set, the FIFO of
// waiting tickets and the resolved-ticket map, and every operation runs to
// completion on that goroutine before the next one starts.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/workspace/session-broker/internal/logging"
	"github.com/workspace/session-broker/internal/metrics"
)

// ErrQueueStopped is returned by operations issued after Stop.
var ErrQueueStopped = errors.New("admission queue stopped")

// Status is the outcome of an admission call.
type Status string

const (
	StatusReady    Status = "READY"
	StatusQueued   Status = "QUEUED"
	StatusNotFound Status = "NOT_FOUND"
)

// Result describes the outcome of RequestSession or QueryStatus.
type Result struct {
	Status    Status `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	TicketID  string `json:"ticketId,omitempty"`
	Position  int    `json:"position,omitempty"`
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Active   int `json:"active"`
	Waiting  int `json:"waiting"`
	Resolved int `json:"resolved"`
	Capacity int `json:"capacity"`
}

// Config configures a Queue.
type Config struct {
	Capacity int
	// NewID mints session and ticket ids. Defaults to random UUIDs.
	NewID func() string
}

type queueState struct {
	active   map[string]struct{}
	waiting  []string
	resolved map[string]string
}

// Queue is the admission actor.
type Queue struct {
	capacity int
	newID    func() string
	logger   *slog.Logger

	ops       chan func(*queueState)
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Queue. Call Start before issuing operations.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Queue{
		capacity: cfg.Capacity,
		newID:    cfg.NewID,
		logger:   logging.With("admission"),
		ops:      make(chan func(*queueState)),
		done:     make(chan struct{}),
	}
}

// Start launches the actor goroutine.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		st := &queueState{
			active:   make(map[string]struct{}),
			resolved: make(map[string]string),
		}
		go q.loop(st)
	})
}

// Stop terminates the actor. Pending and later calls return ErrQueueStopped.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
}

func (q *Queue) loop(st *queueState) {
	for {
		select {
		case <-q.done:
			return
		case op := <-q.ops:
			op(st)
			metrics.ActiveSessions.Set(float64(len(st.active)))
			metrics.WaitingTickets.Set(float64(len(st.waiting)))
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish.
func (q *Queue) do(ctx context.Context, fn func(*queueState)) error {
	finished := make(chan struct{})
	op := func(st *queueState) {
		fn(st)
		close(finished)
	}

	select {
	case q.ops <- op:
	case <-q.done:
		return ErrQueueStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once accepted the op always runs to completion.
	<-finished
	return nil
}

// RequestSession admits a new session when a slot is free and otherwise
// issues a waiting ticket.
func (q *Queue) RequestSession(ctx context.Context) (Result, error) {
	var res Result
	err := q.do(ctx, func(st *queueState) {
		if len(st.active) < q.capacity {
			id := q.newID()
			st.active[id] = struct{}{}
			res = Result{Status: StatusReady, SessionID: id}
			metrics.AdmissionRequests.WithLabelValues("ready").Inc()
			q.logger.Info("Session admitted", "sessionId", id, "active", len(st.active))
			return
		}

		ticket := q.newID()
		st.waiting = append(st.waiting, ticket)
		res = Result{Status: StatusQueued, TicketID: ticket, Position: len(st.waiting)}
		metrics.AdmissionRequests.WithLabelValues("queued").Inc()
		q.logger.Info("Capacity exhausted, ticket issued", "ticketId", ticket, "position", res.Position)
	})
	return res, err
}

// QueryStatus reports a ticket's state. A resolved ticket is returned exactly
// once; later queries for it report NOT_FOUND.
func (q *Queue) QueryStatus(ctx context.Context, ticketID string) (Result, error) {
	var res Result
	err := q.do(ctx, func(st *queueState) {
		if sessionID, ok := st.resolved[ticketID]; ok {
			delete(st.resolved, ticketID)
			res = Result{Status: StatusReady, SessionID: sessionID}
			return
		}
		for i, waiting := range st.waiting {
			if waiting == ticketID {
				res = Result{Status: StatusQueued, Position: i + 1}
				return
			}
		}
		res = Result{Status: StatusNotFound}
	})
	return res, err
}

// ReleaseSession frees the slot held by sessionID. If a ticket is waiting, the
// head of the line is promoted into the freed slot with a fresh session id.
// Releasing an id that is not active is a no-op.
func (q *Queue) ReleaseSession(ctx context.Context, sessionID string) error {
	return q.do(ctx, func(st *queueState) {
		if _, ok := st.active[sessionID]; !ok {
			q.logger.Debug("Release for inactive session ignored", "sessionId", sessionID)
			return
		}
		delete(st.active, sessionID)

		if len(st.waiting) == 0 {
			q.logger.Info("Session released", "sessionId", sessionID, "active", len(st.active))
			return
		}

		ticket := st.waiting[0]
		st.waiting = st.waiting[1:]
		promoted := q.newID()
		st.active[promoted] = struct{}{}
		st.resolved[ticket] = promoted
		q.logger.Info("Session released, ticket promoted",
			"sessionId", sessionID,
			"ticketId", ticket,
			"promotedSessionId", promoted,
			"waiting", len(st.waiting),
		)
	})
}

// IsActive reports whether sessionID currently holds a slot.
func (q *Queue) IsActive(ctx context.Context, sessionID string) (bool, error) {
	var active bool
	err := q.do(ctx, func(st *queueState) {
		_, active = st.active[sessionID]
	})
	return active, err
}

// Stats returns current counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := q.do(ctx, func(st *queueState) {
		stats = Stats{
			Active:   len(st.active),
			Waiting:  len(st.waiting),
			Resolved: len(st.resolved),
			Capacity: q.capacity,
		}
	})
	return stats, err
}
