package coord

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Detach reasons, as reported by the transport layer.
const (
	DetachReasonClientClose    = "client_close"
	DetachReasonTransportError = "transport_error"
	DetachReasonTimeout        = "timeout"
	DetachReasonGoingAway      = "going_away"
	DetachReasonRenegotiation  = "renegotiation"
	DetachReasonServerShutdown = "server_shutdown"
	DetachReasonPolicy         = "policy"
)

// Recoverable reports whether a detach cause yields a recovery token.
// Only transport-level drops, timeouts and mutually initiated
// renegotiation qualify; every other cause is a deliberate departure.
func Recoverable(reason string) bool {
	switch reason {
	case DetachReasonTransportError, DetachReasonTimeout, DetachReasonGoingAway, DetachReasonRenegotiation:
		return true
	default:
		return false
	}
}

// recoveryTokenBytes sizes the opaque token (crypto/rand, URL-safe).
const recoveryTokenBytes = 32

// Recovery issues and consumes recovery tokens.
//
// Records live in a fast local cache (self-expiring via scheduled
// tasks) and in the shared durable store with a TTL, so a resume can
// land on any server process. The durable store is authoritative.
type Recovery struct {
	log     *slog.Logger
	cfg     Config
	store   RecordStore
	metrics *Metrics

	mu    sync.Mutex
	local map[string]*localRecovery // token hash -> cached record
}

type localRecovery struct {
	record RecoveryRecord
	expire *time.Timer
}

// NewRecovery constructs the recovery manager.
func NewRecovery(log *slog.Logger, cfg Config, store RecordStore, metrics *Metrics) *Recovery {
	return &Recovery{
		log:     log,
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		local:   make(map[string]*localRecovery),
	}
}

// Issue snapshots conn's identity, room memberships and leadership into
// a recovery record and returns the opaque token. leaderVersion is the
// current leader record version when conn holds leadership, used to
// continue the version sequence on reclaim.
func (r *Recovery) Issue(ctx context.Context, conn *Conn, rooms []string, leaderVersion int64) (string, error) {
	token, tokenHash, err := newRecoveryToken()
	if err != nil {
		return "", err
	}

	rec := RecoveryRecord{
		UserID:       conn.UserID,
		SessionID:    conn.SessionID,
		DeviceID:     conn.DeviceID,
		TabID:        conn.TabID,
		ConnectionID: conn.ID,
		Rooms:        rooms,
		WasLeader:    conn.IsLeader(),
		Version:      leaderVersion,
		CreatedAt:    time.Now().UTC(),
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := r.store.Set(ctx, recoveryKey(tokenHash), raw, r.cfg.RecoveryTTL); err != nil {
		return "", err
	}
	r.cacheLocal(tokenHash, rec)

	r.metrics.Recoveries.WithLabelValues("issued").Inc()
	r.log.Info("recovery.issue", "user_id", conn.UserID, "tab_id", conn.TabID, "was_leader", rec.WasLeader)
	return token, nil
}

// Resume validates the token and returns the snapshot for the hub to
// reattach. The record is consumed on success: a token resumes at most
// one connection. Expired, missing, or attempt-exhausted tokens return
// ErrRecoveryExhausted and mutate no leader or room state.
func (r *Recovery) Resume(ctx context.Context, conn *Conn, token string) (*RecoveryRecord, error) {
	tokenHash := hashRecoveryTokenHex(token)

	rec, fromLocal := r.lookupLocal(tokenHash)
	if rec == nil {
		stored, err := getRecord[RecoveryRecord](ctx, r.store, recoveryKey(tokenHash))
		if errors.Is(err, ErrRecordNotFound) {
			r.metrics.Recoveries.WithLabelValues("exhausted").Inc()
			return nil, ErrRecoveryExhausted
		}
		if err != nil {
			// Store trouble degrades to "not recoverable" rather than
			// blocking the attach path.
			r.log.Warn("recovery.lookup.fail", "err", err)
			r.metrics.Recoveries.WithLabelValues("exhausted").Inc()
			return nil, ErrRecoveryExhausted
		}
		rec = stored
	}

	now := time.Now().UTC()
	if now.Sub(rec.CreatedAt) > r.cfg.RecoveryTTL {
		r.drop(ctx, tokenHash)
		r.metrics.Recoveries.WithLabelValues("exhausted").Inc()
		return nil, ErrRecoveryExhausted
	}
	if rec.Attempts >= r.cfg.RecoveryMaxAttempts {
		// Over budget: invalid even if unexpired.
		r.drop(ctx, tokenHash)
		r.metrics.Recoveries.WithLabelValues("exhausted").Inc()
		return nil, ErrRecoveryExhausted
	}
	if rec.UserID != conn.UserID || rec.SessionID != conn.SessionID {
		r.metrics.Recoveries.WithLabelValues("exhausted").Inc()
		return nil, ErrRecoveryExhausted
	}

	// Count the attempt before doing anything else, so a failure later
	// in the attach path still burns budget.
	rec.Attempts++
	if raw, err := json.Marshal(rec); err == nil {
		remaining := r.cfg.RecoveryTTL - now.Sub(rec.CreatedAt)
		if err := r.store.Set(ctx, recoveryKey(tokenHash), raw, remaining); err != nil {
			r.log.Warn("recovery.attempts.persist_fail", "err", err)
		}
	}
	if fromLocal {
		r.updateLocal(tokenHash, *rec)
	}

	r.metrics.Recoveries.WithLabelValues("resumed").Inc()
	r.log.Info("recovery.resume", "user_id", rec.UserID, "tab_id", rec.TabID,
		"was_leader", rec.WasLeader, "attempts", rec.Attempts)
	return rec, nil
}

// Consume destroys the record after a successful reattach, so the token
// cannot resume a second connection. Failed reattaches leave the record
// in place with its budget already decremented.
func (r *Recovery) Consume(ctx context.Context, token string) {
	r.drop(ctx, hashRecoveryTokenHex(token))
}

// Stop cancels the local cache's expiry timers.
func (r *Recovery) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, lr := range r.local {
		lr.expire.Stop()
		delete(r.local, hash)
	}
}

func (r *Recovery) cacheLocal(tokenHash string, rec RecoveryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.local[tokenHash]; ok {
		old.expire.Stop()
	}
	lr := &localRecovery{record: rec}
	lr.expire = time.AfterFunc(r.cfg.RecoveryTTL, func() {
		r.mu.Lock()
		delete(r.local, tokenHash)
		r.mu.Unlock()
	})
	r.local[tokenHash] = lr
}

func (r *Recovery) lookupLocal(tokenHash string) (*RecoveryRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lr, ok := r.local[tokenHash]; ok {
		rec := lr.record
		return &rec, true
	}
	return nil, false
}

func (r *Recovery) updateLocal(tokenHash string, rec RecoveryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lr, ok := r.local[tokenHash]; ok {
		lr.record = rec
	}
}

func (r *Recovery) drop(ctx context.Context, tokenHash string) {
	r.mu.Lock()
	if lr, ok := r.local[tokenHash]; ok {
		lr.expire.Stop()
		delete(r.local, tokenHash)
	}
	r.mu.Unlock()

	if err := r.store.Delete(ctx, recoveryKey(tokenHash)); err != nil {
		r.log.Warn("recovery.drop.fail", "err", err)
	}
}

// newRecoveryToken returns an opaque URL-safe token and its hex hash.
// Only the hash is ever persisted.
func newRecoveryToken() (plain, hashHex string, err error) {
	b := make([]byte, recoveryTokenBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", err
	}
	plain = base64.RawURLEncoding.EncodeToString(b)
	return plain, hashRecoveryTokenHex(plain), nil
}

func hashRecoveryTokenHex(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}
