package coordinator

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/workspace/session-broker/internal/protocol"
)

var (
	// ErrSessionGone is returned when a connection targets a CLOSED session
	// or a coordinator that has been stopped.
	ErrSessionGone = errors.New("session gone")
	// ErrAgentConflict is returned when an agent connects while another
	// agent is already attached.
	ErrAgentConflict = errors.New("agent already connected")
	// ErrNoAgent is returned by SendCommand when no agent is attached.
	ErrNoAgent = errors.New("no agent connected")
)

// State is a session's lifecycle state. States only move forward.
type State int

const (
	StateNew State = iota
	StateProvisioning
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateProvisioning:
		return "PROVISIONING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CloseReason records why a session was closed.
type CloseReason string

const (
	ReasonAgentDisconnected CloseReason = "agent_disconnected"
	ReasonAgentError        CloseReason = "agent_error"
	ReasonAgentShutdown     CloseReason = "agent_shutdown"
	ReasonProvisionFailed   CloseReason = "provision_failed"
	ReasonAgentTimeout      CloseReason = "agent_timeout"
	ReasonIdle              CloseReason = "idle"
	ReasonServerShutdown    CloseReason = "server_shutdown"
	// ReasonTombstone marks a coordinator that started CLOSED because an
	// earlier coordinator for the same id already closed it.
	ReasonTombstone CloseReason = "tombstone"
)

// Snapshot is a point-in-time view of a coordinator.
type Snapshot struct {
	SessionID     string             `json:"sessionId"`
	State         State              `json:"state"`
	CloseReason   CloseReason        `json:"closeReason,omitempty"`
	Branch        string             `json:"branch,omitempty"`
	AgentAttached bool               `json:"agentAttached"`
	Browsers      int                `json:"browsers"`
	BufferedLines int                `json:"bufferedLines"`
	Metadata      *protocol.Metadata `json:"metadata,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	ClosedAt      *time.Time         `json:"closedAt,omitempty"`

	// Health is the payload of the agent's most recent HEALTH report.
	Health   json.RawMessage `json:"health,omitempty"`
	HealthAt *time.Time      `json:"healthAt,omitempty"`
}
