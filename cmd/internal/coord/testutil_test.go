package coord

import (
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "quorum/shared/contracts/coord/v1"
)

// testEnv bundles the coordination components over an in-memory store,
// wired the same way the hub wires them but without a transport.
type testEnv struct {
	cfg      Config
	reg      *Registry
	prop     *Propagator
	store    *MemoryStore
	metrics  *Metrics
	elector  *Elector
	state    *Synchronizer
	recovery *Recovery
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := DefaultConfig()
	cfg.CandidateDelay = 30 * time.Millisecond
	cfg.TransferGrace = 200 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}

	env := &testEnv{
		cfg:     cfg,
		store:   NewMemoryStore(),
		metrics: NewMetrics(nil),
	}
	env.reg = NewRegistry(log, cfg.RoomTTL)
	env.prop = NewPropagator(log, env.reg)

	// Tests drive the components single-threaded; the exclusive executor
	// only matters for timer re-entry, which needs no extra locking here.
	env.elector = NewElector(log, cfg, env.reg, env.prop, env.store, env.metrics, func(_ string, fn func()) { fn() })
	env.state = NewSynchronizer(log, cfg, env.reg, env.prop, env.store, env.metrics)
	env.recovery = NewRecovery(log, cfg, env.store, env.metrics)

	t.Cleanup(func() {
		env.elector.Stop()
		env.recovery.Stop()
	})
	return env
}

// attach registers the standard room hierarchy for the connection and
// joins every level, mirroring what the hub does on attach.
func (e *testEnv) attach(conn *Conn) {
	userRoom := UserRoomID(conn.UserID)
	deviceRoom := DeviceRoomID(conn.DeviceID)
	sessionRoom := SessionRoomID(conn.SessionID)
	tabRoom := TabRoomID(conn.TabID)

	e.reg.Register(userRoom, RoomUser, "", nil)
	e.reg.Register(deviceRoom, RoomDevice, userRoom, nil)
	e.reg.Register(sessionRoom, RoomSession, deviceRoom, nil)
	e.reg.Register(tabRoom, RoomTab, sessionRoom, nil)

	e.reg.Join(userRoom, conn)
	e.reg.Join(deviceRoom, conn)
	e.reg.Join(sessionRoom, conn)
	e.reg.Join(tabRoom, conn)
}

func (e *testEnv) detachRooms(conn *Conn) {
	e.reg.LeaveAll(conn.ID)
}

func newTestConn(id, user, device, session, tab, visibility string) *Conn {
	return NewConn(id, user, device, session, tab, visibility, 64)
}

// drain empties the connection's send queue and returns the envelopes.
func drain(conn *Conn) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-conn.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

// envelopesOfType filters a drained queue by event name.
func envelopesOfType(envs []v1.Envelope, typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
