package rowset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grailbio/sra-sort/idmap"
)

func TestSimpleCoversRangeExactlyOnce(t *testing.T) {
	it := NewSimple(1, 101, 30)
	var seen []int64
	for {
		rs, err := it.Next()
		require.NoError(t, err)
		if rs == nil {
			break
		}
		buf := make([]int64, 1000)
		for {
			n := rs.Next(buf)
			if n == 0 {
				break
			}
			seen = append(seen, buf[:n]...)
		}
	}
	require.Len(t, seen, 100)
	for i, id := range seen {
		require.EqualValues(t, i+1, id)
	}
}

func TestStaticRowSetYieldsFirstIDOnce(t *testing.T) {
	it := NewSimple(5, 10, 2)
	rs, err := it.Next()
	require.NoError(t, err)
	rs.Reset(true)
	buf := make([]int64, 10)
	n := rs.Next(buf)
	require.Equal(t, 1, n)
	require.EqualValues(t, 5, buf[0])
	require.Equal(t, 0, rs.Next(buf))
}

func buildMap(t *testing.T, num uint64, assign func(old int64) int64) *idmap.IdMap {
	m, err := idmap.Create(t.TempDir(), "t", false)
	require.NoError(t, err)
	require.NoError(t, m.SetIDRange(1, num))
	for old := int64(1); old <= int64(num); old++ {
		newID := assign(old)
		require.NoError(t, m.SetOldToNew([]idmap.Pair{{Old: old, New: newID}}, true))
		require.NoError(t, m.SetNewToOld([]idmap.Pair{{Old: old, New: newID}}))
	}
	return m
}

func TestMappingDisciplineWalksOldOrderWithinNewWindow(t *testing.T) {
	// Reverse the order: old id i maps to new id (11-i).
	m := buildMap(t, 10, func(old int64) int64 { return 11 - old })
	it := NewMapping(1, 11, m, 4, 1)

	var allOld, allNew []int64
	for {
		rs, err := it.Next()
		require.NoError(t, err)
		if rs == nil {
			break
		}
		// Within every window old-ids ascend and all new-ids are in
		// [lo, lo+4): windows are new 1-4, 5-8, 9-10.
		lo := int64(len(allNew)) + 1
		prevOld := int64(0)
		for _, p := range rs.IdxMapping() {
			require.Greater(t, p.Old, prevOld)
			require.GreaterOrEqual(t, p.New, lo)
			require.Less(t, p.New, lo+4)
			prevOld = p.Old
			allOld = append(allOld, p.Old)
			allNew = append(allNew, p.New)
		}
	}
	require.Len(t, allNew, 10)
	// Together the windows cover every new-id exactly once.
	require.ElementsMatch(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, allNew)
}

func TestSortingDisciplineOrdinalsWithinWindow(t *testing.T) {
	m := buildMap(t, 6, func(old int64) int64 { return 7 - old })
	it := NewSorting(1, 7, m, 3, 1)

	rs, err := it.Next()
	require.NoError(t, err)
	require.NotNil(t, rs)
	ids, ord := rs.SourceIDs()
	require.Equal(t, len(ids), len(ord))
	for i, o := range ord {
		require.Less(t, int(o), 3)
		_ = ids[i]
	}
}
