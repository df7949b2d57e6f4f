package coord

import (
	"context"
	"encoding/json"
	"time"
)

// Record keys are namespaced by user id (or token). The shared durable
// store is authoritative for these records across server processes; any
// in-process copy is a read-through convenience only.
const (
	leaderKeyPrefix   = "leader:"
	stateKeyPrefix    = "state:"
	recoveryKeyPrefix = "recovery:"
)

func leaderKey(userID string) string      { return leaderKeyPrefix + userID }
func stateKey(userID string) string       { return stateKeyPrefix + userID }
func recoveryKey(tokenHash string) string { return recoveryKeyPrefix + tokenHash }

// LeaderRecord tracks the single elected leader for a user.
// Version strictly increases on every election and transfer.
type LeaderRecord struct {
	LeaderID     string      `json:"leader_id"` // tab id
	ConnectionID string      `json:"connection_id"`
	DeviceID     string      `json:"device_id"`
	Priority     int         `json:"priority"`
	VectorClock  VectorClock `json:"vector_clock,omitempty"`
	Version      int64       `json:"version"`
	ElectedAt    time.Time   `json:"elected_at"`
}

// StateRecord is the single versioned shared-state blob for a user.
// Version never decreases; merges increment it by exactly one.
type StateRecord struct {
	StateData   map[string]any `json:"state_data"`
	Version     int64          `json:"version"`
	VectorClock VectorClock    `json:"vector_clock,omitempty"`
	UpdatedBy   string         `json:"updated_by"` // tab id
	UpdatedAt   time.Time      `json:"updated_at"` // advisory, never used for ordering
}

// RecoveryRecord snapshots a connection so a successor can resume its
// room memberships and leadership within a bounded window.
type RecoveryRecord struct {
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	DeviceID     string    `json:"device_id"`
	TabID        string    `json:"tab_id"`
	ConnectionID string    `json:"connection_id"`
	Rooms        []string  `json:"rooms"`
	WasLeader    bool      `json:"was_leader"`
	Attempts     int       `json:"attempts"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecordStore is a keyed get/set/compare-and-swap store for the leader,
// state and recovery records. Values are JSON blobs carrying a
// top-level "version" field, which CompareAndSwap uses to detect lost
// updates between read-current and write-new steps.
type RecordStore interface {
	// Get returns the stored value or ErrRecordNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value with ttl (<= 0 means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes value only if the key is absent; reports success.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value only if the stored record's
	// version equals expect (expect 0 means the key must be absent).
	CompareAndSwap(ctx context.Context, key string, expect int64, value []byte, ttl time.Duration) (bool, error)

	// Delete removes the key; absent keys are not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// recordVersion extracts the top-level version field of a stored blob.
func recordVersion(value []byte) int64 {
	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(value, &v); err != nil {
		return 0
	}
	return v.Version
}

func getRecord[T any](ctx context.Context, s RecordStore, key string) (*T, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
