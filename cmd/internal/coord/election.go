package coord

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	v1 "quorum/shared/contracts/coord/v1"
)

// Elector runs per-user leader election among currently attached
// connections.
//
// All public methods assume the caller holds the user's coordination
// lock (see Hub). Candidate-delay timers re-enter through the exclusive
// executor so a firing fallback always re-checks current state under
// the same lock before acting.
type Elector struct {
	log     *slog.Logger
	cfg     Config
	reg     *Registry
	prop    *Propagator
	store   RecordStore
	metrics *Metrics

	// exclusive runs fn while holding the user's coordination lock.
	exclusive func(userID string, fn func())

	mu     sync.Mutex
	timers map[string]*candidateTimer // user id -> pending fallback
}

// candidateTimer is a cancellable scheduled self-election tied to the
// leader record version observed when it was armed. If the record
// changes before the timer fires, the fire is a no-op.
type candidateTimer struct {
	timer       *time.Timer
	candidateID string // connection id
	version     int64
}

// NewElector constructs the election engine.
func NewElector(log *slog.Logger, cfg Config, reg *Registry, prop *Propagator, store RecordStore, metrics *Metrics, exclusive func(userID string, fn func())) *Elector {
	return &Elector{
		log:       log,
		cfg:       cfg,
		reg:       reg,
		prop:      prop,
		store:     store,
		metrics:   metrics,
		exclusive: exclusive,
		timers:    make(map[string]*candidateTimer),
	}
}

// priority derives the election priority from tab visibility.
func (e *Elector) priority(conn *Conn) int {
	if conn.Visibility() == VisibilityVisible {
		return e.cfg.VisibleWeight
	}
	return e.cfg.HiddenWeight
}

// outranks reports whether connection a beats connection b. Higher
// priority wins; on equal priority the lexicographically larger tab id
// wins, which keeps simultaneous self-elections deterministic.
func (e *Elector) outranks(a, b *Conn) bool {
	pa, pb := e.priority(a), e.priority(b)
	if pa != pb {
		return pa > pb
	}
	return a.TabID > b.TabID
}

// bestCandidate returns the strongest attached connection for the user,
// skipping any excluded connection ids.
func (e *Elector) bestCandidate(userID string, exclude ...string) *Conn {
	var best *Conn
	for _, c := range e.reg.Members(UserRoomID(userID)) {
		if contains(exclude, c.ID) {
			continue
		}
		if best == nil || e.outranks(c, best) {
			best = c
		}
	}
	return best
}

func (e *Elector) loadRecord(ctx context.Context, userID string) (*LeaderRecord, error) {
	rec, err := getRecord[LeaderRecord](ctx, e.store, leaderKey(userID))
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	return rec, err
}

func (e *Elector) findByConnID(userID, connID string) *Conn {
	for _, c := range e.reg.Members(UserRoomID(userID)) {
		if c.ID == connID {
			return c
		}
	}
	return nil
}

func (e *Elector) findByTabID(userID, tabID string) *Conn {
	for _, c := range e.reg.Members(UserRoomID(userID)) {
		if c.TabID == tabID {
			return c
		}
	}
	return nil
}

// Elect runs the attach-time election step for conn.
//
// Precedence rule: the immediate path wins. If no leader record exists,
// or conn is the only attached connection for the user, conn is elected
// without waiting for the candidate delay. Otherwise conn announces its
// candidacy to siblings and arms the delay timer; the timer self-elects
// only if conn is still the best candidate when it fires.
func (e *Elector) Elect(ctx context.Context, conn *Conn) (bool, error) {
	rec, err := e.loadRecord(ctx, conn.UserID)
	if err != nil {
		return false, err
	}

	attached := e.reg.MemberCount(UserRoomID(conn.UserID))
	if rec == nil || attached <= 1 {
		return e.electNow(ctx, conn, expectFor(rec), nextVersion(rec))
	}

	// A record pointing at a connection no longer attached here is left
	// over from a crash; take over immediately rather than waiting.
	if e.findByConnID(conn.UserID, rec.ConnectionID) == nil {
		return e.electNow(ctx, conn, expectFor(rec), nextVersion(rec))
	}

	e.announce(conn, rec.Version)
	return false, nil
}

// announce broadcasts conn's candidacy to its siblings and arms the
// candidate-delay fallback.
func (e *Elector) announce(conn *Conn, recVersion int64) {
	env := NewEnvelope(v1.TypeLeaderElection, v1.LeaderElectionPayload{
		CandidateID: conn.TabID,
		Priority:    e.priority(conn),
		VectorClock: v1.Clock(conn.Clock()),
		Version:     recVersion,
	})
	e.prop.Emit(UserRoomID(conn.UserID), env, conn.ID)

	e.armTimer(conn, recVersion)
	e.log.Debug("election.announce", "user_id", conn.UserID, "tab_id", conn.TabID, "version", recVersion)
}

// armTimer schedules the candidate-delay self-election for conn. If a
// fallback is already armed for a stronger candidate it is kept.
func (e *Elector) armTimer(conn *Conn, recVersion int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.timers[conn.UserID]; ok {
		if cur := e.findByConnID(conn.UserID, existing.candidateID); cur != nil && e.outranks(cur, conn) {
			return
		}
		existing.timer.Stop()
	}

	userID, connID := conn.UserID, conn.ID
	t := &candidateTimer{candidateID: connID, version: recVersion}
	t.timer = time.AfterFunc(e.cfg.CandidateDelay, func() {
		e.exclusive(userID, func() {
			e.completeTimedElection(userID, connID, recVersion)
		})
	})
	e.timers[userID] = t
}

// cancelTimer drops any pending fallback for the user.
func (e *Elector) cancelTimer(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[userID]; ok {
		t.timer.Stop()
		delete(e.timers, userID)
	}
}

// completeTimedElection is the candidate-delay fallback. It re-checks
// current state: the record must not have moved since the timer was
// armed, the candidate must still be attached, and it must still be
// the best candidate.
func (e *Elector) completeTimedElection(userID, connID string, armedVersion int64) {
	e.mu.Lock()
	if t, ok := e.timers[userID]; ok && t.candidateID == connID {
		delete(e.timers, userID)
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TransferGrace)
	defer cancel()

	rec, err := e.loadRecord(ctx, userID)
	if err != nil {
		e.log.Warn("election.fallback.load_fail", "user_id", userID, "err", err)
		return
	}
	if rec != nil && rec.Version != armedVersion {
		// Record moved since the timer was armed; this fallback is void.
		e.log.Debug("election.fallback.superseded", "user_id", userID, "armed_version", armedVersion, "version", rec.Version)
		return
	}

	conn := e.findByConnID(userID, connID)
	if conn == nil {
		return
	}
	if best := e.bestCandidate(userID); best != nil && best.ID != conn.ID {
		return
	}

	// A sitting leader with priority >= ours keeps its seat.
	if rec != nil {
		if leader := e.findByConnID(userID, rec.ConnectionID); leader != nil && !e.outranks(conn, leader) {
			return
		}
	}

	if _, err := e.electNow(ctx, conn, expectFor(rec), nextVersion(rec)); err != nil {
		e.log.Warn("election.fallback.fail", "user_id", userID, "err", err)
	}
}

func expectFor(rec *LeaderRecord) int64 {
	if rec == nil {
		return 0
	}
	return rec.Version
}

func nextVersion(rec *LeaderRecord) int64 {
	if rec == nil {
		return 1
	}
	return rec.Version + 1
}

// electNow installs conn as leader, guarded by compare-and-swap on the
// record version. Every election strictly increments the version.
func (e *Elector) electNow(ctx context.Context, conn *Conn, expect, version int64) (bool, error) {
	rec := LeaderRecord{
		LeaderID:     conn.TabID,
		ConnectionID: conn.ID,
		DeviceID:     conn.DeviceID,
		Priority:     e.priority(conn),
		VectorClock:  conn.Clock(),
		Version:      version,
		ElectedAt:    time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}

	// First install uses SetNX; later elections swap on the version.
	var ok bool
	if expect == 0 {
		ok, err = e.store.SetNX(ctx, leaderKey(conn.UserID), raw, e.cfg.LeaderTTL)
	} else {
		ok, err = e.store.CompareAndSwap(ctx, leaderKey(conn.UserID), expect, raw, e.cfg.LeaderTTL)
	}
	if err != nil {
		return false, err
	}
	if !ok {
		// A concurrent election won the swap. Deterministic resolution:
		// adopt whatever record is now stored, never escalate.
		e.metrics.Elections.WithLabelValues("conflict").Inc()
		e.log.Debug("election.conflict", "user_id", conn.UserID, "tab_id", conn.TabID)
		e.adoptStored(ctx, conn.UserID)
		return false, nil
	}

	e.promote(conn)
	e.cancelTimer(conn.UserID)
	e.metrics.Elections.WithLabelValues("elected").Inc()
	e.log.Info("election.win", "user_id", conn.UserID, "tab_id", conn.TabID, "version", version, "priority", rec.Priority)

	e.broadcastElected(conn.UserID, rec)
	return true, nil
}

// adoptStored aligns local leader flags with the stored record after a
// lost election race.
func (e *Elector) adoptStored(ctx context.Context, userID string) {
	rec, err := e.loadRecord(ctx, userID)
	if err != nil || rec == nil {
		return
	}
	for _, c := range e.reg.Members(UserRoomID(userID)) {
		c.setLeader(c.ID == rec.ConnectionID)
	}
}

// promote flips leader flags so at most one connection has isLeader set.
func (e *Elector) promote(conn *Conn) {
	for _, c := range e.reg.Members(UserRoomID(conn.UserID)) {
		c.setLeader(c.ID == conn.ID)
	}
}

func (e *Elector) broadcastElected(userID string, rec LeaderRecord) {
	env := NewEnvelope(v1.TypeLeaderElected, v1.LeaderElectedPayload{
		LeaderID:    rec.LeaderID,
		Version:     rec.Version,
		VectorClock: v1.Clock(rec.VectorClock),
	})
	e.prop.EmitWithPropagation(UserRoomID(userID), env, PropagationOptions{})
}

// ObserveElection handles a candidacy announcement sent by conn.
// Announcements carrying a version lower than the stored record are
// dropped. A sitting leader that outranks the candidate re-asserts by
// re-broadcasting its elected status rather than voting.
func (e *Elector) ObserveElection(ctx context.Context, conn *Conn, p v1.LeaderElectionPayload) error {
	rec, err := e.loadRecord(ctx, conn.UserID)
	if err != nil {
		return err
	}
	if rec != nil && p.Version != 0 && p.Version < rec.Version {
		e.log.Debug("election.observe.stale", "user_id", conn.UserID, "got", p.Version, "want", rec.Version)
		return ErrStaleVersion
	}

	// Fan the announcement out to siblings.
	env := NewEnvelope(v1.TypeLeaderElection, p)
	e.prop.Emit(UserRoomID(conn.UserID), env, conn.ID)

	if rec != nil {
		if leader := e.findByConnID(conn.UserID, rec.ConnectionID); leader != nil && !e.outranks(conn, leader) {
			e.metrics.Elections.WithLabelValues("reasserted").Inc()
			e.log.Debug("election.reassert", "user_id", conn.UserID, "leader", rec.LeaderID, "candidate", conn.TabID)
			e.broadcastElected(conn.UserID, *rec)
			return nil
		}
	}

	version := int64(0)
	if rec != nil {
		version = rec.Version
	}
	e.armTimer(conn, version)
	return nil
}

// Transfer hands leadership from conn to the tab named by newLeaderID.
// Only the current leader may transfer. The carried state, if any, is
// persisted by the caller before Transfer is invoked.
func (e *Elector) Transfer(ctx context.Context, conn *Conn, p v1.LeaderTransferPayload) error {
	rec, err := e.loadRecord(ctx, conn.UserID)
	if err != nil {
		return err
	}
	if rec == nil || rec.ConnectionID != conn.ID {
		return ErrNotLeader
	}
	if p.Version != 0 && p.Version < rec.Version {
		e.log.Debug("election.transfer.stale", "user_id", conn.UserID, "got", p.Version, "want", rec.Version)
		return ErrStaleVersion
	}

	target := e.findByTabID(conn.UserID, p.NewLeaderID)
	if target == nil || target.ID == conn.ID {
		return e.failover(ctx, conn, "transfer target unavailable")
	}
	return e.transferTo(ctx, rec, conn, target, p.State)
}

func (e *Elector) transferTo(ctx context.Context, rec *LeaderRecord, from, to *Conn, state json.RawMessage) error {
	next := LeaderRecord{
		LeaderID:     to.TabID,
		ConnectionID: to.ID,
		DeviceID:     to.DeviceID,
		Priority:     e.priority(to),
		VectorClock:  to.Clock().Merge(rec.VectorClock),
		Version:      rec.Version + 1,
		ElectedAt:    time.Now().UTC(),
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}

	casCtx, cancel := context.WithTimeout(ctx, e.cfg.TransferGrace)
	defer cancel()

	ok, err := e.store.CompareAndSwap(casCtx, leaderKey(to.UserID), rec.Version, raw, e.cfg.LeaderTTL)
	if err != nil {
		return err
	}
	if !ok {
		e.metrics.Elections.WithLabelValues("conflict").Inc()
		e.adoptStored(ctx, to.UserID)
		return nil
	}

	e.promote(to)
	e.cancelTimer(to.UserID)
	e.metrics.Elections.WithLabelValues("transfer").Inc()
	e.log.Info("election.transfer", "user_id", to.UserID, "from", from.TabID, "to", to.TabID, "version", next.Version)

	// The successor receives the handoff (with state) directly; the
	// room hears the regular elected broadcast.
	handoff := NewEnvelope(v1.TypeLeaderTransfer, v1.LeaderTransferPayload{
		NewLeaderID: to.TabID,
		Version:     next.Version,
		State:       state,
		VectorClock: v1.Clock(next.VectorClock),
	})
	select {
	case to.Send <- handoff:
	default:
	}

	e.broadcastElected(to.UserID, next)
	return nil
}

// OnClosing handles a voluntary departure: a departing leader attempts
// a graceful handoff to the best remaining candidate.
func (e *Elector) OnClosing(ctx context.Context, conn *Conn) error {
	rec, err := e.loadRecord(ctx, conn.UserID)
	if err != nil {
		return err
	}
	if rec == nil || rec.ConnectionID != conn.ID {
		return nil
	}

	best := e.bestCandidate(conn.UserID, conn.ID)
	if best == nil {
		// Last connection out: clear the record.
		conn.setLeader(false)
		return e.store.Delete(ctx, leaderKey(conn.UserID))
	}
	return e.transferTo(ctx, rec, conn, best, nil)
}

// OnDisconnect handles an abrupt leader loss: clear the record, notify
// survivors, and re-elect the best among them. When the loss is
// recoverable and no survivors remain, the record is kept (TTL-bounded)
// so a resumed connection can reclaim leadership without an election.
func (e *Elector) OnDisconnect(ctx context.Context, conn *Conn, recoverable bool) error {
	rec, err := e.loadRecord(ctx, conn.UserID)
	if err != nil {
		return err
	}
	if rec == nil || rec.ConnectionID != conn.ID {
		return nil
	}

	survivors := e.bestCandidate(conn.UserID, conn.ID)
	if survivors == nil {
		conn.setLeader(false)
		if recoverable {
			return nil
		}
		return e.store.Delete(ctx, leaderKey(conn.UserID))
	}
	return e.failover(ctx, conn, "leader disconnected")
}

// failover clears the leader record, broadcasts the failure notice, and
// elects the best survivor. The replacement record continues the old
// version sequence so observers can still reject stale messages.
func (e *Elector) failover(ctx context.Context, lost *Conn, reason string) error {
	rec, err := e.loadRecord(ctx, lost.UserID)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, leaderKey(lost.UserID)); err != nil {
		return err
	}
	lost.setLeader(false)
	e.metrics.Elections.WithLabelValues("failed").Inc()

	env := NewEnvelope(v1.TypeLeaderFailed, v1.LeaderFailedPayload{
		PreviousLeaderID: lost.TabID,
		Reason:           reason,
	})
	e.prop.EmitWithPropagation(UserRoomID(lost.UserID), env, PropagationOptions{Exclude: []string{lost.ID}})

	best := e.bestCandidate(lost.UserID, lost.ID)
	if best == nil {
		return nil
	}
	_, err = e.electNow(ctx, best, 0, nextVersion(rec))
	return err
}

// ForceElection clears any existing leader record unconditionally and
// elects conn.
func (e *Elector) ForceElection(ctx context.Context, conn *Conn) error {
	rec, err := e.loadRecord(ctx, conn.UserID)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, leaderKey(conn.UserID)); err != nil {
		return err
	}
	for _, c := range e.reg.Members(UserRoomID(conn.UserID)) {
		c.setLeader(false)
	}
	_, err = e.electNow(ctx, conn, 0, nextVersion(rec))
	return err
}

// RecoverLeadership reinstates leadership for a resumed connection that
// was leader when it dropped, without running an election round: no
// other connection could have taken a still-valid record naming this
// tab. If another tab has since been elected it falls back to the
// regular election path. snapshotVersion is the leader version captured
// in the recovery record, used to continue the sequence when the stored
// record has expired in the meantime.
func (e *Elector) RecoverLeadership(ctx context.Context, conn *Conn, snapshotVersion int64) (bool, error) {
	rec, err := e.loadRecord(ctx, conn.UserID)
	if err != nil {
		return false, err
	}
	if rec != nil && rec.LeaderID != conn.TabID {
		_, err := e.Elect(ctx, conn)
		return false, err
	}

	version := nextVersion(rec)
	if rec == nil && snapshotVersion >= version {
		version = snapshotVersion + 1
	}
	ok, err := e.electNow(ctx, conn, expectFor(rec), version)
	if err != nil {
		return false, err
	}
	if ok {
		e.metrics.Recoveries.WithLabelValues("leadership").Inc()
	}
	return ok, nil
}

// Stop cancels all pending fallback timers.
func (e *Elector) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for userID, t := range e.timers {
		t.timer.Stop()
		delete(e.timers, userID)
	}
}
