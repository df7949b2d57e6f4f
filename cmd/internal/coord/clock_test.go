package coord

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVectorClockCompare(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b VectorClock
		want Ordering
	}{
		{name: "both empty", a: VectorClock{}, b: VectorClock{}, want: OrderEqual},
		{name: "identical", a: VectorClock{"a": 2, "b": 1}, b: VectorClock{"a": 2, "b": 1}, want: OrderEqual},
		{name: "strictly after", a: VectorClock{"a": 3, "b": 1}, b: VectorClock{"a": 2, "b": 1}, want: OrderAfter},
		{name: "strictly before", a: VectorClock{"a": 1}, b: VectorClock{"a": 2}, want: OrderBefore},
		{name: "missing key counts as zero", a: VectorClock{"a": 1}, b: VectorClock{"a": 1, "b": 2}, want: OrderBefore},
		{name: "concurrent", a: VectorClock{"a": 2, "b": 1}, b: VectorClock{"a": 1, "b": 2}, want: OrderConcurrent},
		{name: "disjoint keys concurrent", a: VectorClock{"a": 1}, b: VectorClock{"b": 1}, want: OrderConcurrent},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.a.Compare(tc.b))
		})
	}
}

func TestVectorClockCompareIsAntisymmetric(t *testing.T) {
	t.Parallel()

	a := VectorClock{"a": 3, "b": 1}
	b := VectorClock{"a": 2, "b": 1}

	require.Equal(t, OrderAfter, a.Compare(b))
	require.Equal(t, OrderBefore, b.Compare(a))
	require.True(t, a.Dominates(b))
	require.False(t, b.Dominates(a))
}

func TestVectorClockMerge(t *testing.T) {
	t.Parallel()

	a := VectorClock{"a": 2, "b": 1}
	b := VectorClock{"b": 3, "c": 1}

	got := a.Merge(b)
	require.Equal(t, VectorClock{"a": 2, "b": 3, "c": 1}, got)

	// Inputs stay untouched.
	require.Equal(t, VectorClock{"a": 2, "b": 1}, a)
	require.Equal(t, VectorClock{"b": 3, "c": 1}, b)

	// Merge dominates or equals both inputs.
	require.NotEqual(t, OrderBefore, got.Compare(a))
	require.NotEqual(t, OrderBefore, got.Compare(b))
}

func TestVectorClockTickAndClone(t *testing.T) {
	t.Parallel()

	c := VectorClock{}
	c.Tick("tab-1")
	c.Tick("tab-1")
	c.Tick("tab-2")
	require.Equal(t, VectorClock{"tab-1": 2, "tab-2": 1}, c)

	cp := c.Clone()
	cp.Tick("tab-1")
	require.Equal(t, int64(2), c["tab-1"])
	require.Equal(t, int64(3), cp["tab-1"])

	var nilClock VectorClock
	require.Equal(t, VectorClock{}, nilClock.Clone())
}
