package coord

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned when a non-leader connection proposes a
	// state or token operation without the force flag.
	ErrNotLeader = errors.New("connection is not the leader")

	// ErrStaleVersion is returned for messages carrying a version lower
	// than the last observed record version. Callers drop these silently.
	ErrStaleVersion = errors.New("stale version")

	// ErrRecoveryExhausted is returned when a recovery token is missing,
	// expired, already consumed, or over its attempt budget.
	ErrRecoveryExhausted = errors.New("recovery exhausted")

	// ErrRecordNotFound is returned by RecordStore.Get for absent keys.
	ErrRecordNotFound = errors.New("record not found")
)

// ProtocolError is a client-visible protocol violation. The transport
// maps it onto an error envelope using Code verbatim.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func protocolErrorf(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}
