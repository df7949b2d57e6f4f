package coord

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	v1 "quorum/shared/contracts/coord/v1"
)

// UpdateOutcome classifies the result of a shared-state proposal.
type UpdateOutcome string

const (
	UpdateAccepted UpdateOutcome = "accepted"
	UpdateMerged   UpdateOutcome = "merged"
	UpdateRejected UpdateOutcome = "rejected"
)

// UpdateOptions modifies proposal handling.
type UpdateOptions struct {
	// Force bypasses the leader-only gate.
	Force bool
	// SyncDevices fans the result out to the user's other devices.
	SyncDevices bool
}

// UpdateResult reports what happened to a proposal.
type UpdateResult struct {
	Outcome          UpdateOutcome
	Record           *StateRecord
	ConflictResolved bool
}

// casAttempts bounds the compare-and-swap retry loop against
// cross-process write races.
const casAttempts = 3

// Synchronizer owns the single versioned shared-state blob per user.
//
// Only the current leader may update state (unless forced). Vector
// clocks decide the causal relation of a proposal to the stored record:
// strict dominance replaces, being dominated rejects, and incomparable
// clocks merge deterministically. Methods assume the caller holds the
// user's coordination lock; the CAS guards against other processes.
type Synchronizer struct {
	log     *slog.Logger
	cfg     Config
	reg     *Registry
	prop    *Propagator
	store   RecordStore
	metrics *Metrics
}

// NewSynchronizer constructs the shared-state synchronizer.
func NewSynchronizer(log *slog.Logger, cfg Config, reg *Registry, prop *Propagator, store RecordStore, metrics *Metrics) *Synchronizer {
	return &Synchronizer{log: log, cfg: cfg, reg: reg, prop: prop, store: store, metrics: metrics}
}

// GetState returns the current shared state record for the user, or
// nil when none exists yet.
func (s *Synchronizer) GetState(ctx context.Context, userID string) (*StateRecord, error) {
	rec, err := getRecord[StateRecord](ctx, s.store, stateKey(userID))
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	return rec, err
}

// Update applies a state proposal from conn.
func (s *Synchronizer) Update(ctx context.Context, conn *Conn, newState map[string]any, clock VectorClock, opts UpdateOptions) (UpdateResult, error) {
	if !conn.IsLeader() && !opts.Force {
		s.metrics.StateUpdates.WithLabelValues("denied").Inc()
		return UpdateResult{Outcome: UpdateRejected}, ErrNotLeader
	}
	if clock == nil {
		clock = conn.Tick()
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		prev, err := s.GetState(ctx, conn.UserID)
		if err != nil {
			return UpdateResult{}, err
		}

		next, outcome := s.resolve(prev, conn.TabID, newState, clock)
		if outcome == UpdateRejected {
			// Stale proposal: dropped silently, never user-visible.
			s.metrics.StateUpdates.WithLabelValues("rejected").Inc()
			s.log.Debug("state.update.stale", "user_id", conn.UserID, "tab_id", conn.TabID)
			return UpdateResult{Outcome: UpdateRejected, Record: prev}, nil
		}

		raw, err := json.Marshal(next)
		if err != nil {
			return UpdateResult{}, err
		}

		// First record uses SetNX; later updates swap on the version.
		var ok bool
		if prev == nil {
			ok, err = s.store.SetNX(ctx, stateKey(conn.UserID), raw, s.cfg.StateTTL)
		} else {
			ok, err = s.store.CompareAndSwap(ctx, stateKey(conn.UserID), prev.Version, raw, s.cfg.StateTTL)
		}
		if err != nil {
			return UpdateResult{}, err
		}
		if !ok {
			// Another process moved the record; re-resolve against it.
			continue
		}

		conn.ObserveClock(next.VectorClock)
		s.metrics.StateUpdates.WithLabelValues(string(outcome)).Inc()
		s.log.Info("state.update", "user_id", conn.UserID, "tab_id", conn.TabID,
			"outcome", string(outcome), "version", next.Version)

		s.fanOut(conn, next, outcome, opts)
		return UpdateResult{
			Outcome:          outcome,
			Record:           next,
			ConflictResolved: outcome == UpdateMerged,
		}, nil
	}

	return UpdateResult{}, errors.New("state update contention exhausted")
}

// resolve compares the proposal against the stored record and produces
// the replacement record. Version increments by exactly one for both
// accepted and merged outcomes.
func (s *Synchronizer) resolve(prev *StateRecord, tabID string, newState map[string]any, clock VectorClock) (*StateRecord, UpdateOutcome) {
	now := time.Now().UTC()

	if prev == nil {
		return &StateRecord{
			StateData:   newState,
			Version:     1,
			VectorClock: clock.Clone(),
			UpdatedBy:   tabID,
			UpdatedAt:   now,
		}, UpdateAccepted
	}

	switch clock.Compare(prev.VectorClock) {
	case OrderAfter:
		return &StateRecord{
			StateData:   newState,
			Version:     prev.Version + 1,
			VectorClock: clock.Clone(),
			UpdatedBy:   tabID,
			UpdatedAt:   now,
		}, UpdateAccepted

	case OrderBefore, OrderEqual:
		return nil, UpdateRejected

	default: // OrderConcurrent
		return &StateRecord{
			StateData:   mergeStates(prev.StateData, newState, prev.UpdatedBy, tabID),
			Version:     prev.Version + 1,
			VectorClock: clock.Merge(prev.VectorClock),
			UpdatedBy:   tabID,
			UpdatedAt:   now,
		}, UpdateMerged
	}
}

// fanOut redistributes an accepted or merged update: always down the
// originating device's hierarchy, and down each sibling device's
// hierarchy when cross-device sync was requested.
func (s *Synchronizer) fanOut(conn *Conn, rec *StateRecord, outcome UpdateOutcome, opts UpdateOptions) {
	raw, err := json.Marshal(rec.StateData)
	if err != nil {
		return
	}

	env := NewEnvelope(v1.TypeStateUpdate, v1.StateUpdatePayload{
		State:            raw,
		Version:          rec.Version,
		VectorClock:      v1.Clock(rec.VectorClock),
		UpdatedBy:        rec.UpdatedBy,
		ConflictResolved: outcome == UpdateMerged,
	})

	delivered := s.prop.EmitWithPropagation(DeviceRoomID(conn.DeviceID), env, PropagationOptions{
		Direction: v1.DirectionDown,
		Depth:     2,
		Exclude:   []string{conn.ID},
	})

	if opts.SyncDevices {
		// Sibling device hierarchies are addressed one by one. Emitting
		// at the user room would reach the origin device's members a
		// second time: they sit in the user room too.
		for _, deviceRoom := range s.reg.Children(UserRoomID(conn.UserID)) {
			if deviceRoom == DeviceRoomID(conn.DeviceID) {
				continue
			}
			delivered += s.prop.EmitWithPropagation(deviceRoom, env, PropagationOptions{
				Direction: v1.DirectionDown,
				Depth:     2,
				Exclude:   []string{conn.ID},
			})
		}
	}
	s.metrics.Fanout.Observe(float64(delivered))
}
