// Package provision starts and stops the backend game-server process that
// serves a session.
package provision

import (
	"context"
	"errors"
)

var (
	// ErrUnknownBranch is returned when a start request names a branch that
	// is not in the catalog.
	ErrUnknownBranch = errors.New("unknown branch")
	// ErrAlreadyRunning is returned when a session already has a process.
	ErrAlreadyRunning = errors.New("backend already running for session")
)

// StartRequest describes the backend to start for a session. The backend
// receives SessionID, CallbackURL and CallbackToken in its environment and
// uses them to open the agent WebSocket back to the broker.
type StartRequest struct {
	SessionID     string
	CallbackURL   string
	CallbackToken string
	Branch        string
}

// Hooks are lifecycle callbacks invoked by a Provisioner. Any of them may be
// nil. They may be called from any goroutine. After a successful Start,
// exactly one of OnExited or OnError is eventually called.
type Hooks struct {
	OnStarted func()
	OnExited  func()
	OnError   func(err error)
}

func (h Hooks) started() {
	if h.OnStarted != nil {
		h.OnStarted()
	}
}

func (h Hooks) exited() {
	if h.OnExited != nil {
		h.OnExited()
	}
}

func (h Hooks) failed(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Provisioner starts and stops one backend instance per session.
//
// Start may take a long time; callers run it off their own event loop. A
// non-nil error from Start means no instance is running.
type Provisioner interface {
	Start(ctx context.Context, req StartRequest, hooks Hooks) error
	Stop(ctx context.Context, sessionID string) error
}
