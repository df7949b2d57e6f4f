package coord

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quorum/cmd/internal/identity"
	v1 "quorum/shared/contracts/coord/v1"
)

type broadcastEnv struct {
	reg    *Registry
	tokens *TokenBroadcaster
	ids    *identity.MemoryService

	leader      *Conn // device d1, leader
	sibling     *Conn // device d1
	otherDevice *Conn // device d2
}

func newBroadcastEnv(t *testing.T) *broadcastEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewRegistry(log, time.Minute)
	prop := NewPropagator(log, reg)
	ids := identity.NewMemoryService()

	e := &broadcastEnv{
		reg:    reg,
		tokens: NewTokenBroadcaster(log, reg, prop, ids),
		ids:    ids,
	}

	attach := func(conn *Conn) {
		userRoom := UserRoomID(conn.UserID)
		deviceRoom := DeviceRoomID(conn.DeviceID)
		sessionRoom := SessionRoomID(conn.SessionID)
		tabRoom := TabRoomID(conn.TabID)
		reg.Register(userRoom, RoomUser, "", nil)
		reg.Register(deviceRoom, RoomDevice, userRoom, nil)
		reg.Register(sessionRoom, RoomSession, deviceRoom, nil)
		reg.Register(tabRoom, RoomTab, sessionRoom, nil)
		reg.Join(userRoom, conn)
		reg.Join(deviceRoom, conn)
		reg.Join(sessionRoom, conn)
		reg.Join(tabRoom, conn)
	}

	e.leader = newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	e.leader.setLeader(true)
	e.sibling = newTestConn("c2", "u1", "d1", "s2", "tab-b", VisibilityVisible)
	e.otherDevice = newTestConn("c3", "u1", "d2", "s3", "tab-c", VisibilityVisible)

	attach(e.leader)
	attach(e.sibling)
	attach(e.otherDevice)
	return e
}

func (e *broadcastEnv) seedSession(t *testing.T, sessionID, deviceID string) string {
	t.Helper()
	refresh, err := e.ids.AddSession(identity.Session{
		ID:        sessionID,
		UserID:    "u1",
		DeviceID:  deviceID,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return refresh
}

func TestRefreshRequiresLeadership(t *testing.T) {
	t.Parallel()

	e := newBroadcastEnv(t)
	refresh := e.seedSession(t, "s2", "d1")

	_, err := e.tokens.Refresh(context.Background(), e.sibling, refresh)
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestRefreshFansOutPerDevicePolicy(t *testing.T) {
	t.Parallel()

	e := newBroadcastEnv(t)
	refresh := e.seedSession(t, "s1", "d1")

	pair, err := e.tokens.Refresh(context.Background(), e.leader, refresh)
	require.NoError(t, err)
	require.NotEmpty(t, pair.Token)
	require.NotEmpty(t, pair.RefreshToken)
	require.NotEqual(t, refresh, pair.RefreshToken)

	// Same-device siblings receive the rotated pair.
	updated := envelopesOfType(drain(e.sibling), v1.TypeTokenUpdated)
	require.NotEmpty(t, updated)
	var up v1.TokenUpdatedPayload
	require.NoError(t, json.Unmarshal(updated[0].Payload, &up))
	require.Equal(t, pair.Token, up.Token)
	require.Equal(t, pair.RefreshToken, up.RefreshToken)

	// Other devices only learn their cached tokens are stale; token
	// material never crosses the device boundary.
	other := drain(e.otherDevice)
	require.Empty(t, envelopesOfType(other, v1.TypeTokenUpdated))

	invalidated := envelopesOfType(other, v1.TypeTokenInvalidated)
	require.NotEmpty(t, invalidated)
	var inv v1.TokenInvalidatedPayload
	require.NoError(t, json.Unmarshal(invalidated[0].Payload, &inv))
	require.Equal(t, "rotated", inv.Reason)
}

func TestRefreshRotationIsSingleUse(t *testing.T) {
	t.Parallel()

	e := newBroadcastEnv(t)
	refresh := e.seedSession(t, "s1", "d1")

	pair, err := e.tokens.Refresh(context.Background(), e.leader, refresh)
	require.NoError(t, err)

	// The old refresh token no longer rotates.
	_, err = e.tokens.Refresh(context.Background(), e.leader, refresh)
	require.ErrorIs(t, err, identity.ErrSessionNotFound)

	// The new one does.
	_, err = e.tokens.Refresh(context.Background(), e.leader, pair.RefreshToken)
	require.NoError(t, err)
}

func TestLogoutSingleDevice(t *testing.T) {
	t.Parallel()

	e := newBroadcastEnv(t)
	e.seedSession(t, "s1", "d1")
	e.seedSession(t, "s2", "d1")
	e.seedSession(t, "s3", "d2")

	affected, err := e.tokens.Logout(context.Background(), e.leader, false)
	require.NoError(t, err)

	ids := make([]string, 0, len(affected))
	for _, c := range affected {
		ids = append(ids, c.ID)
	}
	require.ElementsMatch(t, []string{"c1", "c2"}, ids)

	// Device d1 sessions are revoked, d2 is untouched.
	sess, err := e.ids.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, sess.RevokedAt)

	sess, err = e.ids.GetSession(context.Background(), "s3")
	require.NoError(t, err)
	require.Nil(t, sess.RevokedAt)

	// The other device is not notified of a single-device logout.
	require.Empty(t, envelopesOfType(drain(e.otherDevice), v1.TypeTokenInvalidated))
}

func TestLogoutAllDevices(t *testing.T) {
	t.Parallel()

	e := newBroadcastEnv(t)
	e.seedSession(t, "s1", "d1")
	e.seedSession(t, "s3", "d2")

	affected, err := e.tokens.Logout(context.Background(), e.leader, true)
	require.NoError(t, err)
	require.Len(t, affected, 3)

	sess, err := e.ids.GetSession(context.Background(), "s3")
	require.NoError(t, err)
	require.NotNil(t, sess.RevokedAt)

	invalidated := envelopesOfType(drain(e.otherDevice), v1.TypeTokenInvalidated)
	require.NotEmpty(t, invalidated)
}
