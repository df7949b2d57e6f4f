package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryService is an in-process Service for development and tests.
type MemoryService struct {
	mu        sync.Mutex
	sessions  map[string]*Session // session id -> session
	byRefresh map[string]string   // refresh token hash -> session id
	accessTTL time.Duration
}

// NewMemoryService constructs an empty in-memory identity service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		sessions:  make(map[string]*Session),
		byRefresh: make(map[string]string),
		accessTTL: 15 * time.Minute,
	}
}

// AddSession seeds a session and returns its initial refresh token.
func (s *MemoryService) AddSession(sess Session) (refreshToken string, err error) {
	plain, hash, err := newOpaqueToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := sess
	s.sessions[sess.ID] = &cp
	s.byRefresh[hash] = sess.ID
	return plain, nil
}

// RefreshToken rotates the refresh token for the owning session.
func (s *MemoryService) RefreshToken(ctx context.Context, refreshToken string) (TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return TokenPair{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := hashTokenHex(refreshToken)
	sessionID, ok := s.byRefresh[hash]
	if !ok {
		return TokenPair{}, ErrSessionNotFound
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return TokenPair{}, ErrSessionNotFound
	}

	now := time.Now().UTC()
	if sess.RevokedAt != nil {
		return TokenPair{}, ErrSessionRevoked
	}
	if !sess.ExpiresAt.IsZero() && !sess.ExpiresAt.After(now) {
		return TokenPair{}, ErrSessionExpired
	}

	nextRefresh, nextHash, err := newOpaqueToken()
	if err != nil {
		return TokenPair{}, err
	}
	access, _, err := newOpaqueToken()
	if err != nil {
		return TokenPair{}, err
	}

	delete(s.byRefresh, hash)
	s.byRefresh[nextHash] = sessionID
	sess.LastSeenAt = now

	return TokenPair{Token: access, RefreshToken: nextRefresh}, nil
}

// InvalidateTokens revokes all sessions of the user, or only those on
// deviceID when it is non-empty.
func (s *MemoryService) InvalidateTokens(ctx context.Context, userID, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if deviceID != "" && sess.DeviceID != deviceID {
			continue
		}
		if sess.RevokedAt == nil {
			t := now
			sess.RevokedAt = &t
		}
	}
	return nil
}

// GetSession returns the session or ErrSessionNotFound.
func (s *MemoryService) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

// TouchSession records session activity.
func (s *MemoryService) TouchSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.LastSeenAt = time.Now().UTC()
	return nil
}
