package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "quorum/shared/contracts/coord/v1"
)

func leaderRecordOf(t *testing.T, env *testEnv, userID string) *LeaderRecord {
	t.Helper()
	rec, err := getRecord[LeaderRecord](context.Background(), env.store, leaderKey(userID))
	require.NoError(t, err)
	return rec
}

func TestElectSoleConnectionWinsImmediately(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := newTestConn("c1", "u1", "d1", "s1", "tab-1", VisibilityVisible)
	env.attach(conn)

	won, err := env.elector.Elect(context.Background(), conn)
	require.NoError(t, err)
	require.True(t, won)
	require.True(t, conn.IsLeader())

	rec := leaderRecordOf(t, env, "u1")
	require.Equal(t, "tab-1", rec.LeaderID)
	require.Equal(t, int64(1), rec.Version)
	require.Equal(t, env.cfg.VisibleWeight, rec.Priority)

	elected := envelopesOfType(drain(conn), v1.TypeLeaderElected)
	require.Len(t, elected, 1)
}

func TestElectSecondConnectionAnnouncesInstead(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	env.attach(a)
	won, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)
	require.True(t, won)
	drain(a)

	b := newTestConn("c2", "u1", "d1", "s1", "tab-b", VisibilityHidden)
	env.attach(b)
	won, err = env.elector.Elect(ctx, b)
	require.NoError(t, err)
	require.False(t, won)
	require.False(t, b.IsLeader())
	require.True(t, a.IsLeader())

	// The sitting leader hears the candidacy.
	announcements := envelopesOfType(drain(a), v1.TypeLeaderElection)
	require.Len(t, announcements, 1)

	// Version unchanged: no election happened.
	require.Equal(t, int64(1), leaderRecordOf(t, env, "u1").Version)
}

func TestCandidateDelayPromotesStrongerCandidate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	// Hidden tab holds leadership.
	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityHidden)
	env.attach(a)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)

	// A visible tab outranks it; after the candidate delay it takes over.
	b := newTestConn("c2", "u1", "d1", "s1", "tab-b", VisibilityVisible)
	env.attach(b)
	_, err = env.elector.Elect(ctx, b)
	require.NoError(t, err)
	require.False(t, b.IsLeader())

	require.Eventually(t, b.IsLeader, time.Second, 5*time.Millisecond)
	require.False(t, a.IsLeader())
	require.Equal(t, int64(2), leaderRecordOf(t, env, "u1").Version)
}

func TestCandidateDelayKeepsStrongerSittingLeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	env.attach(a)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)

	b := newTestConn("c2", "u1", "d1", "s1", "tab-b", VisibilityHidden)
	env.attach(b)
	_, err = env.elector.Elect(ctx, b)
	require.NoError(t, err)

	time.Sleep(4 * env.cfg.CandidateDelay)
	require.True(t, a.IsLeader())
	require.False(t, b.IsLeader())
	require.Equal(t, int64(1), leaderRecordOf(t, env, "u1").Version)
}

func TestObserveElectionDropsStaleVersions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	env.attach(a)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)

	// Bump the version past 1 via a transfer to a sibling and back.
	b := newTestConn("c2", "u1", "d1", "s1", "tab-b", VisibilityVisible)
	env.attach(b)
	require.NoError(t, env.elector.Transfer(ctx, a, v1.LeaderTransferPayload{NewLeaderID: "tab-b"}))
	require.Equal(t, int64(2), leaderRecordOf(t, env, "u1").Version)

	err = env.elector.ObserveElection(ctx, a, v1.LeaderElectionPayload{
		CandidateID: "tab-a",
		Priority:    env.cfg.VisibleWeight,
		Version:     1,
	})
	require.ErrorIs(t, err, ErrStaleVersion)
}

func TestTransferHandsLeadershipToNamedTab(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	b := newTestConn("c2", "u1", "d1", "s1", "tab-b", VisibilityVisible)
	env.attach(a)
	env.attach(b)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)
	drain(a)
	drain(b)

	require.NoError(t, env.elector.Transfer(ctx, a, v1.LeaderTransferPayload{NewLeaderID: "tab-b"}))
	require.False(t, a.IsLeader())
	require.True(t, b.IsLeader())

	rec := leaderRecordOf(t, env, "u1")
	require.Equal(t, "tab-b", rec.LeaderID)
	require.Equal(t, int64(2), rec.Version)

	// The successor receives the direct handoff plus the broadcast.
	got := drain(b)
	require.Len(t, envelopesOfType(got, v1.TypeLeaderTransfer), 1)
	require.NotEmpty(t, envelopesOfType(got, v1.TypeLeaderElected))
}

func TestTransferByNonLeaderIsRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	b := newTestConn("c2", "u1", "d1", "s1", "tab-b", VisibilityVisible)
	env.attach(a)
	env.attach(b)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)

	err = env.elector.Transfer(ctx, b, v1.LeaderTransferPayload{NewLeaderID: "tab-b"})
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestTransferToUnknownTabFailsOver(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	b := newTestConn("c2", "u1", "d1", "s1", "tab-b", VisibilityVisible)
	env.attach(a)
	env.attach(b)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)

	require.NoError(t, env.elector.Transfer(ctx, a, v1.LeaderTransferPayload{NewLeaderID: "tab-ghost"}))
	require.True(t, b.IsLeader())
	require.False(t, a.IsLeader())

	// Failover continues the version sequence.
	require.Equal(t, int64(2), leaderRecordOf(t, env, "u1").Version)
}

func TestOnClosingTransfersToSurvivor(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	b := newTestConn("c2", "u1", "d1", "s1", "tab-b", VisibilityHidden)
	env.attach(a)
	env.attach(b)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)

	require.NoError(t, env.elector.OnClosing(ctx, a))
	require.True(t, b.IsLeader())
	require.Equal(t, "tab-b", leaderRecordOf(t, env, "u1").LeaderID)
}

func TestOnClosingLastConnectionClearsRecord(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	env.attach(a)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)

	env.detachRooms(a)
	require.NoError(t, env.elector.OnClosing(ctx, a))
	require.False(t, a.IsLeader())

	_, err = getRecord[LeaderRecord](ctx, env.store, leaderKey("u1"))
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestOnDisconnectFailsOverToSurvivor(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	b := newTestConn("c2", "u1", "d1", "s1", "tab-b", VisibilityHidden)
	env.attach(a)
	env.attach(b)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)
	drain(b)

	env.detachRooms(a)
	require.NoError(t, env.elector.OnDisconnect(ctx, a, false))
	require.True(t, b.IsLeader())

	got := drain(b)
	require.Len(t, envelopesOfType(got, v1.TypeLeaderFailed), 1)
	require.NotEmpty(t, envelopesOfType(got, v1.TypeLeaderElected))

	// Failover keeps versions strictly increasing.
	require.Equal(t, int64(2), leaderRecordOf(t, env, "u1").Version)
}

func TestOnDisconnectRecoverableSoleLeaderKeepsRecord(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	env.attach(a)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)

	env.detachRooms(a)
	require.NoError(t, env.elector.OnDisconnect(ctx, a, true))

	// Record survives so a resumed connection can reclaim leadership.
	rec := leaderRecordOf(t, env, "u1")
	require.Equal(t, "tab-a", rec.LeaderID)
}

func TestRecoverLeadershipReclaimsWithoutElectionRound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	env.attach(a)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)

	env.detachRooms(a)
	require.NoError(t, env.elector.OnDisconnect(ctx, a, true))

	resumed := newTestConn("c9", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	env.attach(resumed)
	ok, err := env.elector.RecoverLeadership(ctx, resumed, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, resumed.IsLeader())

	// Reclaim continues the version sequence.
	require.Equal(t, int64(2), leaderRecordOf(t, env, "u1").Version)
}

func TestRecoverLeadershipYieldsToNewLeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	b := newTestConn("c2", "u1", "d1", "s1", "tab-b", VisibilityVisible)
	env.attach(a)
	env.attach(b)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)

	// Abrupt loss with a survivor: b takes over.
	env.detachRooms(a)
	require.NoError(t, env.elector.OnDisconnect(ctx, a, true))
	require.True(t, b.IsLeader())

	resumed := newTestConn("c9", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	env.attach(resumed)
	ok, err := env.elector.RecoverLeadership(ctx, resumed, 1)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, b.IsLeader())
	require.Equal(t, "tab-b", leaderRecordOf(t, env, "u1").LeaderID)
}

func TestForceElectionReplacesLeaderUnconditionally(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a := newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible)
	b := newTestConn("c2", "u1", "d1", "s1", "tab-b", VisibilityHidden)
	env.attach(a)
	env.attach(b)
	_, err := env.elector.Elect(ctx, a)
	require.NoError(t, err)

	require.NoError(t, env.elector.ForceElection(ctx, b))
	require.True(t, b.IsLeader())
	require.False(t, a.IsLeader())
	require.Equal(t, int64(2), leaderRecordOf(t, env, "u1").Version)
}

func TestAtMostOneLeaderPerUser(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	conns := []*Conn{
		newTestConn("c1", "u1", "d1", "s1", "tab-a", VisibilityVisible),
		newTestConn("c2", "u1", "d1", "s1", "tab-b", VisibilityVisible),
		newTestConn("c3", "u1", "d2", "s2", "tab-c", VisibilityHidden),
	}
	for _, c := range conns {
		env.attach(c)
		_, err := env.elector.Elect(ctx, c)
		require.NoError(t, err)
	}

	time.Sleep(4 * env.cfg.CandidateDelay)

	leaders := 0
	for _, c := range conns {
		if c.IsLeader() {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}
