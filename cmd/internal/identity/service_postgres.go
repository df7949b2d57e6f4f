package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresService implements Service against quorum.sessions.
//
// Refresh rotation runs inside a single transaction with the session
// row locked, so concurrent rotations of the same token cannot both
// succeed.
type PostgresService struct {
	pool      *pgxpool.Pool
	accessTTL time.Duration
}

// NewPostgresService constructs a Postgres-backed identity service.
func NewPostgresService(pool *pgxpool.Pool, accessTTL time.Duration) (*PostgresService, error) {
	if pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	return &PostgresService{pool: pool, accessTTL: accessTTL}, nil
}

// RefreshToken rotates the refresh token for the session owning it.
func (s *PostgresService) RefreshToken(ctx context.Context, refreshToken string) (TokenPair, error) {
	hash := hashTokenHex(refreshToken)
	now := time.Now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TokenPair{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		sessionID string
		revokedAt *time.Time
		expiresAt time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT id, revoked_at, expires_at
		FROM quorum.sessions
		WHERE refresh_token_hash = $1
		FOR UPDATE
	`, hash).Scan(&sessionID, &revokedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TokenPair{}, ErrSessionNotFound
	}
	if err != nil {
		return TokenPair{}, err
	}

	if revokedAt != nil {
		return TokenPair{}, ErrSessionRevoked
	}
	if !expiresAt.After(now) {
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

	if _, err := tx.Exec(ctx, `
		UPDATE quorum.sessions
		SET refresh_token_hash = $2, last_seen_at = $3
		WHERE id = $1
	`, sessionID, nextHash, now); err != nil {
		return TokenPair{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TokenPair{}, err
	}

	return TokenPair{Token: access, RefreshToken: nextRefresh}, nil
}

// InvalidateTokens revokes sessions for the user (idempotent). An empty
// deviceID revokes across all devices.
func (s *PostgresService) InvalidateTokens(ctx context.Context, userID, deviceID string) error {
	now := time.Now().UTC()

	if deviceID == "" {
		_, err := s.pool.Exec(ctx, `
			UPDATE quorum.sessions
			SET revoked_at = COALESCE(revoked_at, $2)
			WHERE user_id = $1
		`, userID, now)
		return err
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE quorum.sessions
		SET revoked_at = COALESCE(revoked_at, $3)
		WHERE user_id = $1 AND device_id = $2
	`, userID, deviceID, now)
	return err
}

// GetSession loads a session row by id.
func (s *PostgresService) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session

	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, device_id, expires_at, revoked_at, last_seen_at
		FROM quorum.sessions
		WHERE id = $1
	`, sessionID).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.DeviceID,
		&sess.ExpiresAt,
		&sess.RevokedAt,
		&sess.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	return &sess, nil
}

// TouchSession updates last_seen_at for a session.
func (s *PostgresService) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE quorum.sessions
		SET last_seen_at = $2
		WHERE id = $1
	`, sessionID, time.Now().UTC())
	return err
}
