package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/session-broker/internal/logging"
	"github.com/workspace/session-broker/internal/metrics"
)

// Registry maps session ids to running coordinators. A coordinator is created
// on first reference and evicted once it has been CLOSED for the retention
// period. The map holds only actor references; session state stays inside
// each actor.
type Registry struct {
	base      Config
	retention time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Coordinator
	evictors map[string]*time.Timer
	closing  bool
}

// NewRegistry creates a registry. base is the template for every
// coordinator; its SessionID and OnClosed fields are set per session.
func NewRegistry(base Config, retention time.Duration) *Registry {
	return &Registry{
		base:      base,
		retention: retention,
		logger:    logging.With("registry"),
		sessions:  make(map[string]*Coordinator),
		evictors:  make(map[string]*time.Timer),
	}
}

// Get returns the coordinator for id, creating and starting it if needed.
// It fails with ErrSessionGone once CloseAll has begun.
func (r *Registry) Get(id string) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return nil, ErrSessionGone
	}
	if c, ok := r.sessions[id]; ok {
		return c, nil
	}

	cfg := r.base
	cfg.SessionID = id
	cfg.OnClosed = r.scheduleEviction
	c := New(cfg)
	r.sessions[id] = c
	metrics.LiveCoordinators.Set(float64(len(r.sessions)))
	c.Start()
	return c, nil
}

// Lookup returns the coordinator for id without creating one.
func (r *Registry) Lookup(id string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	return c, ok
}

// Len returns the number of coordinators held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// scheduleEviction runs on the coordinator's actor goroutine, so it only arms
// a timer.
func (r *Registry) scheduleEviction(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return
	}
	if t, ok := r.evictors[id]; ok {
		t.Stop()
	}
	r.evictors[id] = time.AfterFunc(r.retention, func() { r.evict(id) })
}

func (r *Registry) evict(id string) {
	r.mu.Lock()
	c, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		delete(r.evictors, id)
		metrics.LiveCoordinators.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if ok {
		c.Stop()
		r.logger.Debug("Evicted closed session", "sessionId", id)
	}
}

// CloseAll closes every live session with ReasonServerShutdown, stops its
// coordinator and waits, bounded by ctx, for the backend stop and slot
// release calls the close started. No new coordinators are created
// afterwards.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	for _, t := range r.evictors {
		t.Stop()
	}
	r.evictors = make(map[string]*time.Timer)
	coords := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		coords = append(coords, c)
	}
	r.sessions = make(map[string]*Coordinator)
	metrics.LiveCoordinators.Set(0)
	r.mu.Unlock()

	var errs []error
	for _, c := range coords {
		if err := c.Close(ctx, ReasonServerShutdown); err != nil && !errors.Is(err, ErrSessionGone) {
			errs = append(errs, err)
		}
		c.Stop()
	}
	for _, c := range coords {
		if err := c.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info("Closed all sessions", "count", len(coords))
	return errors.Join(errs...)
}
