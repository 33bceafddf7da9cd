package joinkey

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grailbio/sra-sort/idmap"
	"github.com/grailbio/sra-sort/rowid"
)

// fakeAlignCol is an in-memory AlignIDColumn: ref row i (1-based) holds
// rows[i-1].
type fakeAlignCol struct {
	rows [][]int64
}

func (f *fakeAlignCol) ReadRow(id rowid.ID) ([]int64, bool, error) {
	i := int(id) - 1
	if i < 0 || i >= len(f.rows) {
		return nil, false, nil
	}
	return f.rows[i], true, nil
}

// fakeResolver assigns each old alignment id a (pos,len) from a map, so
// tests can control the resulting sort order directly.
type fakeResolver struct {
	posLen map[int64][2]uint64 // old -> (pos, len)
}

func (f *fakeResolver) Resolve(old int64) (uint64, uint32, error) {
	pl := f.posLen[old]
	return pl[0], uint32(pl[1]), nil
}

func newTestIdm(t *testing.T, numOld uint64) *idmap.IdMap {
	m, err := idmap.Create(t.TempDir(), "align", true)
	require.NoError(t, err)
	require.NoError(t, m.SetIDRange(1, numOld))
	return m
}

func TestBuilderAssignsNewIDsByPosition(t *testing.T) {
	// Reference has 2 rows; row 1 references old ids {3,1}, row 2 references {2}.
	// old 1 -> pos 100, old 2 -> pos 50, old 3 -> pos 200.
	col := &fakeAlignCol{rows: [][]int64{{3, 1}, {2}}}
	resolver := &fakeResolver{posLen: map[int64][2]uint64{
		1: {100, 10},
		2: {50, 10},
		3: {200, 10},
	}}
	idm := newTestIdm(t, 3)
	b := New(col, resolver, idm, 10, true)

	row1, ok, err := b.ReadRow(1)
	require.NoError(t, err)
	require.True(t, ok)
	row2, ok, err := b.ReadRow(2)
	require.NoError(t, err)
	require.True(t, ok)

	// Ascending position order: old 2 (pos 50) -> new 1, old 1 (pos 100) -> new 2,
	// old 3 (pos 200) -> new 3.
	require.Equal(t, []int64{3, 2}, row1) // old 3 -> new 3, old 1 -> new 2
	require.Equal(t, []int64{1}, row2)    // old 2 -> new 1

	newID, err := idm.MapSingleOldToNew(2, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, newID)
	newID, err = idm.MapSingleOldToNew(1, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, newID)
	newID, err = idm.MapSingleOldToNew(3, false)
	require.NoError(t, err)
	require.EqualValues(t, 3, newID)
}

func TestBuilderRejectsNonSerialAccess(t *testing.T) {
	col := &fakeAlignCol{rows: [][]int64{{1}, {2}}}
	resolver := &fakeResolver{posLen: map[int64][2]uint64{1: {1, 1}, 2: {2, 1}}}
	idm := newTestIdm(t, 2)
	b := New(col, resolver, idm, 10, true)

	_, _, err := b.ReadRow(1)
	require.NoError(t, err)
	_, _, err = b.ReadRow(2)
	require.NoError(t, err)
	_, _, err = b.ReadRow(1)
	require.Error(t, err)
}

func TestBuilderWindowsAcrossMultiplePasses(t *testing.T) {
	// Window of 1 id forces a fill() per reference row.
	col := &fakeAlignCol{rows: [][]int64{{1}, {2}, {3}}}
	resolver := &fakeResolver{posLen: map[int64][2]uint64{
		1: {30, 1}, 2: {20, 1}, 3: {10, 1},
	}}
	idm := newTestIdm(t, 3)
	b := New(col, resolver, idm, 1, true)

	// new-ids are assigned densely across the whole table, not reset per
	// window, even though each window here covers exactly one reference row.
	want := []int64{1, 2, 3}
	for i := rowid.ID(1); i <= 3; i++ {
		ids, ok, err := b.ReadRow(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []int64{want[i-1]}, ids)
	}
}

func TestBuilderReadPastEndReturnsNotOK(t *testing.T) {
	col := &fakeAlignCol{rows: [][]int64{{1}}}
	resolver := &fakeResolver{posLen: map[int64][2]uint64{1: {1, 1}}}
	idm := newTestIdm(t, 1)
	b := New(col, resolver, idm, 10, true)

	_, ok, err := b.ReadRow(1)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.ReadRow(2)
	require.NoError(t, err)
	require.False(t, ok)
}
