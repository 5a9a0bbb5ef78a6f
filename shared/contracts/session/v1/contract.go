// Package v1 defines the Courier session protocol v1 contract.
//
// It is shared between server and clients to keep the wire protocol
// authoritative and has no dependencies outside the standard library.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol a client must offer.
const Subprotocol = "courier.session.v1"

// Type constants (wire-stable).
const (
	// TypeHello attaches the connection to an account (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the attachment (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeActivity reports local user interaction (client -> server).
	TypeActivity = "activity"
	// TypeLogout ends the session cleanly (client -> server).
	TypeLogout = "logout"

	// TypeSessionDisplaced tells the client a newer login took over (server -> client).
	TypeSessionDisplaced = "session_displaced"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Close codes sent by the server.
const (
	// CloseSessionDisplaced follows a session_displaced envelope.
	CloseSessionDisplaced = 4001
)

// AllowedTypes is the set of envelope types accepted on the wire.
var AllowedTypes = map[string]struct{}{
	TypeHello:            {},
	TypeHelloAck:         {},
	TypeActivity:         {},
	TypeLogout:           {},
	TypeSessionDisplaced: {},
	TypeError:            {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks the envelope header. Payloads are validated by their handlers.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%q want=%q", e.V, Version)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// HelloPayload carries either a signed access token or, when the server runs
// without authentication, a bare account id.
type HelloPayload struct {
	Token     string `json:"token,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

type HelloAckPayload struct {
	ConnectionID        string `json:"connection_id"`
	AccountID           string `json:"account_id"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
}

type ActivityPayload struct{}

type LogoutPayload struct{}

type SessionDisplacedPayload struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
