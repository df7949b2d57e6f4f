// Package v1 defines the Quorum Coordination Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
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

// Type constants (wire-stable).
const (
	// TypeHello attaches a connection with its identity and visibility
	// (client -> server). It may carry a recovery token to resume a
	// previous connection's room memberships and leadership.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the attach (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeVisibilityChanged reports a tab visibility transition
	// (client -> server, re-broadcast to siblings).
	TypeVisibilityChanged = "tab:visibility-changed"

	// TypeLeaderElection announces a candidacy (client -> server and
	// server -> sibling connections).
	TypeLeaderElection = "leader:election"
	// TypeLeaderElected announces the winner (server -> user room).
	TypeLeaderElected = "leader:elected"
	// TypeLeaderTransfer hands leadership to a named successor,
	// carrying the current shared state (leader -> server -> successor).
	TypeLeaderTransfer = "leader:transfer"
	// TypeLeaderFailed reports leader loss and triggers re-election
	// among survivors (server -> user room).
	TypeLeaderFailed = "leader:failed"

	// TypeStateUpdate proposes a shared-state change (leader -> server)
	// and fans the accepted or merged result out (server -> rooms).
	TypeStateUpdate = "state:update"
	// TypeStateSync pushes a full state snapshot (server -> client).
	TypeStateSync = "state:sync"

	// TypeTokenRefresh asks the server to rotate the auth tokens
	// (leader -> server).
	TypeTokenRefresh = "token:refresh"
	// TypeTokenUpdated carries rotated tokens to same-device siblings
	// (server -> device room).
	TypeTokenUpdated = "token:updated"
	// TypeTokenInvalidated tells connections their tokens are no longer
	// valid; it never carries token material (server -> rooms).
	TypeTokenInvalidated = "token:invalidated"

	// TypeLogout invalidates tokens for one device or all devices
	// (client -> server).
	TypeLogout = "logout"

	// TypeConnectionRecovered confirms a successful resume
	// (server -> client).
	TypeConnectionRecovered = "connection:recovered"
	// TypePeerDisconnected reports a sibling detach, with the recovery
	// token when the cause was recoverable (server -> user room).
	TypePeerDisconnected = "connection:peer-disconnected"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Propagation directions carried as provenance on re-emitted envelopes.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
	DirectionBoth = "both"
)

// Clock is the wire form of a vector clock: tab id -> logical counter.
type Clock map[string]int64

// Provenance marks an envelope re-emitted by hierarchy propagation.
type Provenance struct {
	Direction  string `json:"direction"`
	SourceRoom string `json:"source_room"`
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Room    string          `json:"room,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Origin  *Provenance     `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeVisibilityChanged,
		TypeLeaderElection,
		TypeLeaderElected,
		TypeLeaderTransfer,
		TypeLeaderFailed,
		TypeStateUpdate,
		TypeStateSync,
		TypeTokenRefresh,
		TypeTokenUpdated,
		TypeTokenInvalidated,
		TypeLogout,
		TypeConnectionRecovered,
		TypePeerDisconnected,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload attaches a connection. Identity fields are validated
// server-side against the session referenced by SessionID.
type HelloPayload struct {
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
	SessionID  string `json:"session_id"`
	TabID      string `json:"tab_id"`
	Visibility string `json:"visibility,omitempty"`

	// RecoveryToken resumes a previous connection when present.
	RecoveryToken string `json:"recovery_token,omitempty"`
}

// HelloAckPayload confirms the attach and reports the assigned
// connection id plus the current leader view, if any.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	LeaderID     string `json:"leader_id,omitempty"`
	IsLeader     bool   `json:"is_leader"`
}

// VisibilityChangedPayload reports a tab visibility transition.
type VisibilityChangedPayload struct {
	TabID    string `json:"tab_id"`
	State    string `json:"state"`
	Priority int    `json:"priority,omitempty"`
}

// LeaderElectionPayload announces a candidacy to sibling connections.
type LeaderElectionPayload struct {
	CandidateID string `json:"candidate_id"`
	Priority    int    `json:"priority"`
	VectorClock Clock  `json:"vector_clock,omitempty"`
	Version     int64  `json:"version,omitempty"`
}

// LeaderElectedPayload announces the election winner.
type LeaderElectedPayload struct {
	LeaderID    string `json:"leader_id"`
	Version     int64  `json:"version"`
	VectorClock Clock  `json:"vector_clock,omitempty"`
}

// LeaderTransferPayload hands leadership to a successor, carrying the
// current shared state so the successor starts from the latest view.
type LeaderTransferPayload struct {
	NewLeaderID string          `json:"new_leader_id"`
	Version     int64           `json:"version"`
	State       json.RawMessage `json:"state,omitempty"`
	VectorClock Clock           `json:"vector_clock,omitempty"`
}

// LeaderFailedPayload reports leader loss.
type LeaderFailedPayload struct {
	PreviousLeaderID string `json:"previous_leader_id"`
	Reason           string `json:"reason"`
}

// StateUpdatePayload is both the client proposal and the server fanout
// form of a shared-state change. Force and SyncDevices are only
// meaningful on proposals; Version, UpdatedBy and ConflictResolved are
// only set on fanout.
type StateUpdatePayload struct {
	State       json.RawMessage `json:"state"`
	Version     int64           `json:"version,omitempty"`
	VectorClock Clock           `json:"vector_clock,omitempty"`
	UpdatedBy   string          `json:"updated_by,omitempty"`

	ConflictResolved bool `json:"conflict_resolved,omitempty"`

	Force       bool `json:"force,omitempty"`
	SyncDevices bool `json:"sync_devices,omitempty"`
}

// StateSyncPayload pushes a full state snapshot.
type StateSyncPayload struct {
	State   json.RawMessage `json:"state"`
	Version int64           `json:"version"`
}

// TokenRefreshPayload asks for token rotation.
type TokenRefreshPayload struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenUpdatedPayload carries rotated tokens to same-device siblings.
type TokenUpdatedPayload struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	UpdatedAt    time.Time `json:"updated_at"`
	Source       string    `json:"source,omitempty"`
}

// TokenInvalidatedPayload signals that cached tokens must be dropped.
type TokenInvalidatedPayload struct {
	Reason string `json:"reason"`
	Source string `json:"source,omitempty"`
}

// LogoutPayload invalidates tokens for this device or all devices.
type LogoutPayload struct {
	AllDevices bool `json:"all_devices,omitempty"`
}

// ConnectionRecoveredPayload confirms a successful resume.
type ConnectionRecoveredPayload struct {
	RecoveryToken        string   `json:"recovery_token"`
	PreviousConnectionID string   `json:"previous_connection_id"`
	RecoveredRooms       []string `json:"recovered_rooms"`
}

// PeerDisconnectedPayload reports a sibling detach.
type PeerDisconnectedPayload struct {
	ConnectionID  string `json:"connection_id"`
	RecoveryToken string `json:"recovery_token,omitempty"`
	Recoverable   bool   `json:"recoverable"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
