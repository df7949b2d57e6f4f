package coord

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestMemoryStoreGetSetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte(`{"version":1}`), 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.JSONEq(t, `{"version":1}`, string(got))

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMemoryStoreTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "k", []byte(`{}`), 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMemoryStoreSetNX(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.SetNX(ctx, "k", []byte(`1`), 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetNX(ctx, "k", []byte(`2`), 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	v1raw := mustMarshal(t, LeaderRecord{LeaderID: "tab-a", Version: 1})
	v2raw := mustMarshal(t, LeaderRecord{LeaderID: "tab-b", Version: 2})

	// Expect 0 means the key must be absent.
	ok, err := s.CompareAndSwap(ctx, "k", 1, v1raw, 0)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", 0, v1raw, 0)
	require.NoError(t, err)
	require.True(t, ok)

	// Wrong expected version loses.
	ok, err = s.CompareAndSwap(ctx, "k", 5, v2raw, 0)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", 1, v2raw, 0)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := getRecord[LeaderRecord](ctx, s, "k")
	require.NoError(t, err)
	require.Equal(t, "tab-b", rec.LeaderID)
	require.Equal(t, int64(2), rec.Version)
}

func TestMemoryStoreCASTreatsExpiredAsAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	raw := mustMarshal(t, LeaderRecord{LeaderID: "tab-a", Version: 1})
	require.NoError(t, s.Set(ctx, "k", raw, 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	ok, err := s.CompareAndSwap(ctx, "k", 1, raw, 0)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", 0, raw, 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryStoreSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "short", []byte(`{}`), 5*time.Millisecond))
	require.NoError(t, s.Set(ctx, "long", []byte(`{}`), time.Hour))

	removed := s.Sweep(time.Now().Add(time.Minute))
	require.Equal(t, 1, removed)

	_, err := s.Get(ctx, "long")
	require.NoError(t, err)
}
