package coord

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"quorum/cmd/internal/identity"
	v1 "quorum/shared/contracts/coord/v1"
)

// Hub is the per-process entry point of the coordination layer. It owns
// the room registry and the connection set, and serializes all
// coordination work per user: every attach, detach and inbound message
// for a user runs under that user's lock, so the election, state and
// recovery components never see interleaved mutations for the same
// user. Different users proceed in parallel.
type Hub struct {
	log     *slog.Logger
	cfg     Config
	reg     *Registry
	prop    *Propagator
	store   RecordStore
	metrics *Metrics
	ids     identity.Service

	elector  *Elector
	state    *Synchronizer
	recovery *Recovery
	tokens   *TokenBroadcaster

	mu    sync.Mutex
	conns map[string]*Conn
	users map[string]*userLock
}

// userLock is a refcounted per-user mutex; entries are dropped as soon
// as the last holder releases, so the map does not grow with the number
// of users ever seen.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewHub wires the coordination components over the given record store
// and identity collaborator.
func NewHub(log *slog.Logger, cfg Config, store RecordStore, ids identity.Service, metrics *Metrics) *Hub {
	cfg = cfg.withDefaults()

	h := &Hub{
		log:     log,
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		ids:     ids,
		conns:   make(map[string]*Conn),
		users:   make(map[string]*userLock),
	}
	h.reg = NewRegistry(log, cfg.RoomTTL)
	h.prop = NewPropagator(log, h.reg)
	h.elector = NewElector(log, cfg, h.reg, h.prop, store, metrics, h.withUser)
	h.state = NewSynchronizer(log, cfg, h.reg, h.prop, store, metrics)
	h.recovery = NewRecovery(log, cfg, store, metrics)
	h.tokens = NewTokenBroadcaster(log, h.reg, h.prop, ids)
	return h
}

// Registry exposes the room registry (read-mostly; used by transports
// and diagnostics).
func (h *Hub) Registry() *Registry { return h.reg }

// State exposes the shared-state synchronizer.
func (h *Hub) State() *Synchronizer { return h.state }

// withUser runs fn while holding the user's coordination lock.
func (h *Hub) withUser(userID string, fn func()) {
	h.mu.Lock()
	l := h.users[userID]
	if l == nil {
		l = &userLock{}
		h.users[userID] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()
	fn()
	l.mu.Unlock()

	h.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(h.users, userID)
	}
	h.mu.Unlock()
}

// Attach admits a connection announced by a hello payload: it validates
// the session, joins the user/device/session/tab room chain, resumes a
// previous connection when a recovery token is presented, and otherwise
// runs the attach-time election step.
func (h *Hub) Attach(ctx context.Context, hello v1.HelloPayload) (*Conn, v1.HelloAckPayload, error) {
	if err := validateHello(hello); err != nil {
		return nil, v1.HelloAckPayload{}, err
	}

	sess, err := h.ids.GetSession(ctx, hello.SessionID)
	if err != nil {
		if errors.Is(err, identity.ErrSessionNotFound) {
			return nil, v1.HelloAckPayload{}, protocolErrorf("invalid_session", "unknown session")
		}
		return nil, v1.HelloAckPayload{}, err
	}
	if sess.UserID != hello.UserID || sess.DeviceID != hello.DeviceID {
		return nil, v1.HelloAckPayload{}, protocolErrorf("invalid_session", "session identity mismatch")
	}
	now := time.Now().UTC()
	if sess.RevokedAt != nil {
		return nil, v1.HelloAckPayload{}, protocolErrorf("invalid_session", "session revoked")
	}
	if !sess.ExpiresAt.IsZero() && !sess.ExpiresAt.After(now) {
		return nil, v1.HelloAckPayload{}, protocolErrorf("invalid_session", "session expired")
	}

	connID, err := identity.NewULID(now)
	if err != nil {
		return nil, v1.HelloAckPayload{}, err
	}
	conn := NewConn(connID, hello.UserID, hello.DeviceID, hello.SessionID, hello.TabID, hello.Visibility, h.cfg.SendQueueSize)

	var ack v1.HelloAckPayload
	var attachErr error
	h.withUser(conn.UserID, func() {
		h.joinHierarchy(conn)

		if hello.RecoveryToken != "" {
			attachErr = h.resume(ctx, conn, hello.RecoveryToken)
		} else {
			_, attachErr = h.elector.Elect(ctx, conn)
		}
		if attachErr != nil {
			h.reg.LeaveAll(conn.ID)
			return
		}

		h.mu.Lock()
		h.conns[conn.ID] = conn
		h.mu.Unlock()
		h.metrics.Connections.Inc()

		ack = v1.HelloAckPayload{
			ConnectionID: conn.ID,
			IsLeader:     conn.IsLeader(),
		}
		if rec, err := getRecord[LeaderRecord](ctx, h.store, leaderKey(conn.UserID)); err == nil {
			ack.LeaderID = rec.LeaderID
		}

		h.sendStateSnapshot(ctx, conn)
	})
	if attachErr != nil {
		return nil, v1.HelloAckPayload{}, attachErr
	}

	if err := h.ids.TouchSession(ctx, conn.SessionID); err != nil {
		h.log.Warn("hub.attach.touch_fail", "session_id", conn.SessionID, "err", err)
	}

	h.log.Info("hub.attach",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"device_id", conn.DeviceID,
		"tab_id", conn.TabID,
		"recovered", hello.RecoveryToken != "",
	)
	return conn, ack, nil
}

// joinHierarchy registers the four-level room chain for conn and joins
// every level, so events addressed at any ancestor reach it.
func (h *Hub) joinHierarchy(conn *Conn) {
	userRoom := UserRoomID(conn.UserID)
	deviceRoom := DeviceRoomID(conn.DeviceID)
	sessionRoom := SessionRoomID(conn.SessionID)
	tabRoom := TabRoomID(conn.TabID)

	h.reg.Register(userRoom, RoomUser, "", nil)
	h.reg.Register(deviceRoom, RoomDevice, userRoom, nil)
	h.reg.Register(sessionRoom, RoomSession, deviceRoom, nil)
	h.reg.Register(tabRoom, RoomTab, sessionRoom, map[string]string{"tab_id": conn.TabID})

	h.reg.Join(userRoom, conn)
	h.reg.Join(deviceRoom, conn)
	h.reg.Join(sessionRoom, conn)
	h.reg.Join(tabRoom, conn)
}

// resume restores a dropped connection from its recovery token: room
// memberships beyond the standard hierarchy are rejoined, leadership is
// reclaimed if it was held, and the token is consumed only after the
// reattach succeeded, so a failure later in the attach path leaves the
// remaining attempt budget usable.
func (h *Hub) resume(ctx context.Context, conn *Conn, token string) error {
	rec, err := h.recovery.Resume(ctx, conn, token)
	if err != nil {
		return err
	}

	joined := h.reg.RoomsOf(conn.ID)
	recovered := make([]string, 0, len(rec.Rooms))
	for _, roomID := range rec.Rooms {
		if roomID == TabRoomID(rec.TabID) && rec.TabID != conn.TabID {
			// The old tab is gone; its room is not carried over.
			continue
		}
		recovered = append(recovered, roomID)
		if contains(joined, roomID) {
			continue
		}
		if _, ok := h.reg.RoomInfo(roomID); ok {
			h.reg.Join(roomID, conn)
		}
	}

	if rec.WasLeader {
		if _, err := h.elector.RecoverLeadership(ctx, conn, rec.Version); err != nil {
			h.log.Warn("hub.resume.reclaim_fail", "user_id", conn.UserID, "tab_id", conn.TabID, "err", err)
		}
	} else if _, err := h.elector.Elect(ctx, conn); err != nil {
		h.log.Warn("hub.resume.elect_fail", "user_id", conn.UserID, "tab_id", conn.TabID, "err", err)
	}

	h.recovery.Consume(ctx, token)

	env := NewEnvelope(v1.TypeConnectionRecovered, v1.ConnectionRecoveredPayload{
		RecoveryToken:        token,
		PreviousConnectionID: rec.ConnectionID,
		RecoveredRooms:       recovered,
	})
	select {
	case conn.Send <- env:
	default:
	}
	return nil
}

// Detach removes a connection. The reason decides both the election
// path (graceful handoff for deliberate departures, failover for abrupt
// ones) and whether a recovery token is minted and announced to the
// user's surviving connections.
func (h *Hub) Detach(ctx context.Context, conn *Conn, reason string) {
	h.mu.Lock()
	_, known := h.conns[conn.ID]
	delete(h.conns, conn.ID)
	h.mu.Unlock()
	if !known {
		conn.Close()
		return
	}

	h.withUser(conn.UserID, func() {
		rooms := h.reg.RoomsOf(conn.ID)
		recoverable := Recoverable(reason)

		var token string
		if recoverable {
			var leaderVersion int64
			if conn.IsLeader() {
				if rec, err := getRecord[LeaderRecord](ctx, h.store, leaderKey(conn.UserID)); err == nil {
					leaderVersion = rec.Version
				}
			}
			t, err := h.recovery.Issue(ctx, conn, rooms, leaderVersion)
			if err != nil {
				h.log.Warn("hub.detach.issue_fail", "connection_id", conn.ID, "err", err)
				recoverable = false
			} else {
				token = t
			}
		}

		var electErr error
		switch reason {
		case DetachReasonClientClose, DetachReasonServerShutdown, DetachReasonPolicy:
			electErr = h.elector.OnClosing(ctx, conn)
		default:
			electErr = h.elector.OnDisconnect(ctx, conn, recoverable)
		}
		if electErr != nil {
			h.log.Warn("hub.detach.election_fail", "connection_id", conn.ID, "err", electErr)
		}

		h.reg.LeaveAll(conn.ID)

		env := NewEnvelope(v1.TypePeerDisconnected, v1.PeerDisconnectedPayload{
			ConnectionID:  conn.ID,
			RecoveryToken: token,
			Recoverable:   recoverable,
		})
		h.prop.Emit(UserRoomID(conn.UserID), env, conn.ID)
	})

	conn.Close()
	h.metrics.Connections.Dec()
	h.log.Info("hub.detach",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"tab_id", conn.TabID,
		"reason", reason,
	)
}

// HandleMessage dispatches one inbound client envelope under the user's
// coordination lock. A returned *ProtocolError is client-visible; any
// other error is internal.
func (h *Hub) HandleMessage(ctx context.Context, conn *Conn, env v1.Envelope) error {
	if err := env.Validate(); err != nil {
		return protocolErrorf("invalid_envelope", "%s", err.Error())
	}

	var herr error
	h.withUser(conn.UserID, func() {
		herr = h.dispatch(ctx, conn, env)
	})
	return herr
}

func (h *Hub) dispatch(ctx context.Context, conn *Conn, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeVisibilityChanged:
		var p v1.VisibilityChangedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return protocolErrorf("invalid_payload", "visibility: %s", err.Error())
		}
		return h.handleVisibility(conn, p)

	case v1.TypeStateUpdate:
		var p v1.StateUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return protocolErrorf("invalid_payload", "state update: %s", err.Error())
		}
		return h.handleStateUpdate(ctx, conn, p)

	case v1.TypeLeaderElection:
		var p v1.LeaderElectionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return protocolErrorf("invalid_payload", "election: %s", err.Error())
		}
		err := h.elector.ObserveElection(ctx, conn, p)
		if errors.Is(err, ErrStaleVersion) {
			return nil
		}
		return err

	case v1.TypeLeaderTransfer:
		var p v1.LeaderTransferPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return protocolErrorf("invalid_payload", "transfer: %s", err.Error())
		}
		return h.handleTransfer(ctx, conn, p)

	case v1.TypeTokenRefresh:
		var p v1.TokenRefreshPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return protocolErrorf("invalid_payload", "token refresh: %s", err.Error())
		}
		if _, err := h.tokens.Refresh(ctx, conn, p.RefreshToken); err != nil {
			if errors.Is(err, ErrNotLeader) {
				return protocolErrorf("not_leader", "only the leader refreshes tokens")
			}
			if errors.Is(err, identity.ErrSessionNotFound) ||
				errors.Is(err, identity.ErrSessionExpired) ||
				errors.Is(err, identity.ErrSessionRevoked) {
				return protocolErrorf("refresh_rejected", "%s", err.Error())
			}
			return err
		}
		return nil

	case v1.TypeLogout:
		var p v1.LogoutPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return protocolErrorf("invalid_payload", "logout: %s", err.Error())
		}
		affected, err := h.tokens.Logout(ctx, conn, p.AllDevices)
		if err != nil {
			return err
		}
		// Force the transports down; their read loops detach with a
		// policy reason, which never yields a recovery token.
		for _, c := range affected {
			c.Close()
		}
		return nil

	case v1.TypeHello:
		return protocolErrorf("already_attached", "connection already attached")

	default:
		return protocolErrorf("unexpected_type", "type %q is not client-sendable", env.Type)
	}
}

func (h *Hub) handleVisibility(conn *Conn, p v1.VisibilityChangedPayload) error {
	state := strings.ToLower(strings.TrimSpace(p.State))
	if state != VisibilityVisible && state != VisibilityHidden {
		return protocolErrorf("invalid_payload", "visibility state %q", p.State)
	}
	conn.SetVisibility(state)

	weight := h.cfg.HiddenWeight
	if state == VisibilityVisible {
		weight = h.cfg.VisibleWeight
	}
	env := NewEnvelope(v1.TypeVisibilityChanged, v1.VisibilityChangedPayload{
		TabID:    conn.TabID,
		State:    state,
		Priority: weight,
	})
	h.prop.EmitWithPropagation(TabRoomID(conn.TabID), env, PropagationOptions{
		Exclude: []string{conn.ID},
	})
	return nil
}

func (h *Hub) handleStateUpdate(ctx context.Context, conn *Conn, p v1.StateUpdatePayload) error {
	if len(p.State) == 0 {
		return protocolErrorf("invalid_payload", "state update without state")
	}
	var next map[string]any
	if err := json.Unmarshal(p.State, &next); err != nil {
		return protocolErrorf("invalid_payload", "state must be a JSON object: %s", err.Error())
	}

	_, err := h.state.Update(ctx, conn, next, VectorClock(p.VectorClock), UpdateOptions{
		Force:       p.Force,
		SyncDevices: p.SyncDevices,
	})
	if errors.Is(err, ErrNotLeader) {
		return protocolErrorf("not_leader", "only the leader updates shared state")
	}
	return err
}

// handleTransfer verifies leadership against the stored record first,
// then persists the carried state ahead of moving the record, so the
// state survives even if the departing leader drops right after. The
// check must precede the force-write: a rejected transfer must leave
// the state record untouched.
func (h *Hub) handleTransfer(ctx context.Context, conn *Conn, p v1.LeaderTransferPayload) error {
	rec, err := getRecord[LeaderRecord](ctx, h.store, leaderKey(conn.UserID))
	if errors.Is(err, ErrRecordNotFound) || (err == nil && rec.ConnectionID != conn.ID) {
		return protocolErrorf("not_leader", "only the leader transfers leadership")
	}
	if err != nil {
		return err
	}

	if len(p.State) > 0 {
		var carried map[string]any
		if err := json.Unmarshal(p.State, &carried); err != nil {
			return protocolErrorf("invalid_payload", "transfer state must be a JSON object: %s", err.Error())
		}
		if _, err := h.state.Update(ctx, conn, carried, VectorClock(p.VectorClock), UpdateOptions{Force: true}); err != nil {
			h.log.Warn("hub.transfer.state_fail", "user_id", conn.UserID, "err", err)
		}
	}

	err = h.elector.Transfer(ctx, conn, p)
	if errors.Is(err, ErrStaleVersion) {
		return nil
	}
	if errors.Is(err, ErrNotLeader) {
		return protocolErrorf("not_leader", "only the leader transfers leadership")
	}
	return err
}

// sendStateSnapshot pushes the current shared state to a newly attached
// connection, if any exists.
func (h *Hub) sendStateSnapshot(ctx context.Context, conn *Conn) {
	rec, err := h.state.GetState(ctx, conn.UserID)
	if err != nil {
		h.log.Warn("hub.snapshot.load_fail", "user_id", conn.UserID, "err", err)
		return
	}
	if rec == nil {
		return
	}
	raw, err := json.Marshal(rec.StateData)
	if err != nil {
		return
	}
	env := NewEnvelope(v1.TypeStateSync, v1.StateSyncPayload{State: raw, Version: rec.Version})
	select {
	case conn.Send <- env:
	default:
	}
}

// Run is the hub's janitor loop: it expires unreferenced rooms, and
// sweeps the record store when the backend supports it. It blocks until
// ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	interval := h.cfg.RoomTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	type sweeper interface{ Sweep(time.Time) int }

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			h.reg.Sweep(now)
			if s, ok := h.store.(sweeper); ok {
				s.Sweep(now)
			}
		}
	}
}

// Shutdown stops timers and signals every connection's transport to
// close. Detach for each connection is driven by its transport.
func (h *Hub) Shutdown() {
	h.elector.Stop()
	h.recovery.Stop()

	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func validateHello(p v1.HelloPayload) error {
	switch {
	case strings.TrimSpace(p.UserID) == "":
		return protocolErrorf("invalid_hello", "missing user_id")
	case strings.TrimSpace(p.DeviceID) == "":
		return protocolErrorf("invalid_hello", "missing device_id")
	case strings.TrimSpace(p.SessionID) == "":
		return protocolErrorf("invalid_hello", "missing session_id")
	case strings.TrimSpace(p.TabID) == "":
		return protocolErrorf("invalid_hello", "missing tab_id")
	}
	return nil
}
