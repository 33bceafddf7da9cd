package idmap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMap(t *testing.T, num uint64) *IdMap {
	m, err := Create(t.TempDir(), "test", false)
	require.NoError(t, err)
	require.NoError(t, m.SetIDRange(1, num))
	return m
}

func TestIDSizeFor(t *testing.T) {
	require.Equal(t, 1, idSizeFor(200))
	require.Equal(t, 2, idSizeFor(1<<16-1))
	require.Equal(t, 3, idSizeFor(1<<20))
	require.Equal(t, 4, idSizeFor(1<<32-1))
	require.Equal(t, 8, idSizeFor(1<<32))
}

func TestMapSingleOldToNewAssignsDensely(t *testing.T) {
	m := newTestMap(t, 10)
	n1, err := m.MapSingleOldToNew(5, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, n1)

	n2, err := m.MapSingleOldToNew(3, true)
	require.NoError(t, err)
	require.EqualValues(t, 2, n2)

	// Lookup without insert on an already-assigned id returns the same new id.
	again, err := m.MapSingleOldToNew(5, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, again)

	// Lookup without insert on an unassigned id returns 0.
	zero, err := m.MapSingleOldToNew(7, false)
	require.NoError(t, err)
	require.EqualValues(t, 0, zero)

	require.NoError(t, m.ConsistencyCheck())
}

func TestAllocMissingNewIDsBackfillsUnassigned(t *testing.T) {
	m := newTestMap(t, 3)
	// Only spot 2 is aligned.
	n, err := m.MapSingleOldToNew(2, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	first, err := m.AllocMissingNewIDs(0)
	require.NoError(t, err)
	require.EqualValues(t, 2, first)

	for _, old := range []int64{1, 2, 3} {
		nid, err := m.MapSingleOldToNew(old, false)
		require.NoError(t, err)
		require.NotZero(t, nid)
	}
	require.NoError(t, m.ConsistencyCheck())
}

func TestAllocMissingNewIDsAllAlignedReturnsZero(t *testing.T) {
	m := newTestMap(t, 3)
	for _, old := range []int64{1, 2, 3} {
		_, err := m.MapSingleOldToNew(old, true)
		require.NoError(t, err)
	}
	first, err := m.AllocMissingNewIDs(0)
	require.NoError(t, err)
	require.EqualValues(t, 0, first)
}

func TestSelectOldToNewWindow(t *testing.T) {
	m := newTestMap(t, 20)
	for old := int64(1); old <= 20; old++ {
		_, err := m.MapSingleOldToNew(old, true)
		require.NoError(t, err)
	}
	pairs, err := m.SelectOldToNew(5, 5)
	require.NoError(t, err)
	require.Len(t, pairs, 5)
	for _, p := range pairs {
		require.GreaterOrEqual(t, p.New, int64(5))
		require.Less(t, p.New, int64(10))
	}
}

func TestPosLenRoundTrip(t *testing.T) {
	m, err := Create(t.TempDir(), "align", true)
	require.NoError(t, err)
	require.NoError(t, m.SetIDRange(1, 5))
	for new := int64(1); new <= 5; new++ {
		require.NoError(t, m.SetNewToOld([]Pair{{Old: new, New: new}}))
		require.NoError(t, m.SetPosLen([]uint64{uint64(new) * 100}))
	}
	values, err := m.ReadPosLen(1, 5)
	require.NoError(t, err)
	require.Equal(t, []uint64{100, 200, 300, 400, 500}, values)
}

// Scenario from spec sec. 8: build an IdMap of 1,000,000 random pairs and
// verify the bijection invariant via both ConsistencyCheck and spot-checks
// through MapSingleOldToNew.
func TestLargeRandomMapConsistency(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	const n = 1_000_000
	m := newTestMap(t, n)
	perm := rand.New(rand.NewSource(1)).Perm(n)
	for i := 0; i < n; i++ {
		old := int64(perm[i]) + 1
		_, err := m.MapSingleOldToNew(old, true)
		require.NoError(t, err)
	}
	require.NoError(t, m.ConsistencyCheck())

	pairs, err := m.SelectOldToNew(1, 1024)
	require.NoError(t, err)
	for _, p := range pairs {
		got, err := m.MapSingleOldToNew(p.Old, false)
		require.NoError(t, err)
		require.Equal(t, p.New, got)
	}
}
