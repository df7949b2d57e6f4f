// Package identity is the narrow surface the coordination core consumes
// from the identity/token service: token rotation, token invalidation,
// and session lookup/touch. Credential verification, token cryptography
// and user records live on the other side of this boundary.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session id or refresh token
	// does not match any active session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when the session is past its expiry.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionRevoked is returned when the session has been revoked.
	ErrSessionRevoked = errors.New("session revoked")
)

// Session is the server-authoritative session row.
type Session struct {
	ID         string
	UserID     string
	DeviceID   string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	LastSeenAt time.Time
}

// TokenPair is the result of a refresh rotation.
type TokenPair struct {
	Token        string
	RefreshToken string
}

// Service is the identity/token collaborator contract.
//
// All operations are idempotent or retry-safe: callers that observe an
// error may retry without compensating work.
type Service interface {
	// RefreshToken rotates the refresh token and issues a fresh access
	// token.
	RefreshToken(ctx context.Context, refreshToken string) (TokenPair, error)

	// InvalidateTokens revokes sessions for the user; an empty deviceID
	// means all devices.
	InvalidateTokens(ctx context.Context, userID, deviceID string) error

	// GetSession returns the session or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// TouchSession records session activity.
	TouchSession(ctx context.Context, sessionID string) error
}
