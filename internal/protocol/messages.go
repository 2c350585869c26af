// Package protocol defines the JSON envelope exchanged between agents,
// browsers and the session coordinator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the kind of an envelope.
type MessageType string

// Agent -> coordinator.
const (
	MsgLog           MessageType = "LOG"
	MsgHistoryDump   MessageType = "HISTORY_DUMP"
	MsgHealth        MessageType = "HEALTH"
	MsgMetadata      MessageType = "METADATA"
	MsgAgentShutdown MessageType = "AGENT_SHUTDOWN"
)

// Coordinator -> browser.
const (
	MsgLogs          MessageType = "LOGS"
	MsgHistory       MessageType = "HISTORY"
	MsgContextUpdate MessageType = "CONTEXT_UPDATE"
	MsgSessionClosed MessageType = "SESSION_CLOSED"
	MsgStatus        MessageType = "STATUS"
	MsgError         MessageType = "ERROR"
)

// Browser -> agent kinds the broker itself originates. Other browser frames
// are forwarded without inspection.
const (
	MsgCommand MessageType = "COMMAND"
)

// Status values carried by MsgStatus.
const (
	StatusWaitingForAgent = "waiting_for_agent"
	StatusAgentConnected  = "agent_connected"
	StatusAgentShutdown   = "agent_shutdown"
)

// WebSocket close codes used by the coordinator in addition to the standard
// RFC 6455 codes.
const (
	CloseAgentConflict = 4409
	CloseSessionGone   = 4410
)

// ErrMalformed is returned by Decode for frames that are not a JSON envelope
// with a non-empty type.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the wire format in both directions.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Metadata is the payload of METADATA and CONTEXT_UPDATE.
type Metadata struct {
	Branch       string `json:"branch"`
	GameVersion  string `json:"gameVersion"`
	ContainerTag string `json:"containerTag"`
}

// StatusPayload is the payload of STATUS notices.
type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload is the payload of ERROR notices.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Decode parses a raw frame into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// Encode marshals an envelope with the given payload. A nil payload is
// omitted from the output.
func Encode(msgType MessageType, payload interface{}) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// MustEncode is Encode for payloads that cannot fail to marshal (strings,
// string slices and the payload structs in this package).
func MustEncode(msgType MessageType, payload interface{}) []byte {
	data, err := Encode(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// LogLines extracts the lines of a LOG or HISTORY_DUMP payload, which may be
// a single string or an array of strings.
func LogLines(payload json.RawMessage) ([]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(payload, &single); err == nil {
		return []string{single}, nil
	}

	var many []string
	if err := json.Unmarshal(payload, &many); err != nil {
		return nil, fmt.Errorf("%w: log payload is neither string nor string array", ErrMalformed)
	}
	return many, nil
}
