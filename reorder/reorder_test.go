package reorder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grailbio/sra-sort/colpipe"
	"github.com/grailbio/sra-sort/idmap"
	"github.com/grailbio/sra-sort/rowid"
	"github.com/grailbio/sra-sort/vdbcore"
)

// memColumn is an in-memory ColumnReader/ColumnWriter double keyed by
// row-id, enough to exercise every phase without a real VDB.
type memColumn struct {
	byRow map[rowid.ID]vdbcore.Cell
	order []vdbcore.Cell
	repeats []struct {
		cell  vdbcore.Cell
		count uint64
	}
}

func newMemColumn() *memColumn { return &memColumn{byRow: make(map[rowid.ID]vdbcore.Cell)} }

func (c *memColumn) Read(row rowid.ID) (vdbcore.Cell, error) { return c.byRow[row], nil }

func (c *memColumn) Write(cell vdbcore.Cell) error {
	c.order = append(c.order, cell)
	return nil
}

func (c *memColumn) WriteStaticRun(cell vdbcore.Cell, count uint64) error {
	c.repeats = append(c.repeats, struct {
		cell  vdbcore.Cell
		count uint64
	}{cell, count})
	return nil
}

func (c *memColumn) Commit() error { return nil }

func byteCell(b byte) vdbcore.Cell { return vdbcore.Cell{ElemBits: 8, RowLen: 1, Data: []byte{b}} }

func TestPresortedPhaseCopiesInSourceOrder(t *testing.T) {
	src := newMemColumn()
	for i := rowid.ID(1); i <= 5; i++ {
		src.byRow[i] = byteCell(byte('a' + i - 1))
	}
	dst := newMemColumn()

	tp := NewTablePair("T", 1, 6, nil, Config{}, nil)
	tp.AddColumn(&ColumnPair{Name: "X", Class: vdbcore.ClassPresorted, Reader: src, Writer: dst})
	tp.Explode()
	require.NoError(t, tp.CopyPhases())

	require.Len(t, dst.order, 5)
	for i, cell := range dst.order {
		require.Equal(t, byte('a'+i), cell.Data[0])
	}
}

func TestStaticPhaseWritesSingleRepeat(t *testing.T) {
	src := newMemColumn()
	src.byRow[10] = byteCell('z')
	dst := newMemColumn()

	tp := NewTablePair("T", 10, 20, nil, Config{}, nil)
	tp.AddColumn(&ColumnPair{Name: "X", Class: vdbcore.ClassStatic, Reader: src, Writer: dst})
	tp.Explode()
	require.NoError(t, tp.CopyPhases())

	require.Len(t, dst.repeats, 1)
	require.EqualValues(t, 10, dst.repeats[0].count)
	require.Equal(t, byte('z'), dst.repeats[0].cell.Data[0])
}

func buildOrderIdm(t *testing.T, n int64, newOf func(old int64) int64) *idmap.IdMap {
	m, err := idmap.Create(t.TempDir(), "order", false)
	require.NoError(t, err)
	require.NoError(t, m.SetIDRange(1, uint64(n)))
	for old := int64(1); old <= n; old++ {
		newID := newOf(old)
		require.NoError(t, m.SetOldToNew([]idmap.Pair{{Old: old, New: newID}}, true))
		require.NoError(t, m.SetNewToOld([]idmap.Pair{{Old: old, New: newID}}))
	}
	return m
}

func TestMappedPhaseWritesInNewIDOrder(t *testing.T) {
	// old id i maps to new id (6-i): fully reversed.
	idm := buildOrderIdm(t, 5, func(old int64) int64 { return 6 - old })

	src := newMemColumn()
	for i := rowid.ID(1); i <= 5; i++ {
		src.byRow[i] = byteCell(byte('0' + i))
	}
	dst := newMemColumn()

	tp := NewTablePair("T", 1, 6, idm, Config{MaxIdxIDs: 10, MinIdxIDs: 1}, nil)
	tp.AddColumn(&ColumnPair{Name: "X", Class: vdbcore.ClassMapped, Reader: src, Writer: dst})
	tp.Explode()
	require.NoError(t, tp.CopyPhases())

	require.Len(t, dst.order, 5)
	// new-id order 1..5 corresponds to old-id order 5..1.
	for i, cell := range dst.order {
		old := 5 - i
		require.Equal(t, byte('0'+old), cell.Data[0])
	}
}

func TestNormalPhaseWritesInNewIDOrderViaSorting(t *testing.T) {
	idm := buildOrderIdm(t, 4, func(old int64) int64 { return 5 - old })

	src := newMemColumn()
	for i := rowid.ID(1); i <= 4; i++ {
		src.byRow[i] = byteCell(byte('A' + i - 1))
	}
	dst := newMemColumn()

	tp := NewTablePair("T", 1, 5, idm, Config{MaxIdxIDs: 10, MinIdxIDs: 1}, nil)
	tp.AddColumn(&ColumnPair{Name: "X", Class: vdbcore.ClassNormal, Reader: src, Writer: dst})
	tp.Explode()
	require.NoError(t, tp.CopyPhases())

	require.Len(t, dst.order, 4)
	for i, cell := range dst.order {
		old := 4 - i
		require.Equal(t, byte('A'+old-1), cell.Data[0])
	}
}

func TestTransformWrapsInnerWriter(t *testing.T) {
	m, err := idmap.Create(t.TempDir(), "remap", false)
	require.NoError(t, err)
	require.NoError(t, m.SetIDRange(1, 2))
	require.NoError(t, m.SetOldToNew([]idmap.Pair{{Old: 1, New: 20}, {Old: 2, New: 10}}, true))

	src := newMemColumn()
	src.byRow[1] = colpipe.EncodeInt64Row([]int64{2})
	src.byRow[2] = colpipe.EncodeInt64Row([]int64{1})
	dst := newMemColumn()

	tp := NewTablePair("T", 1, 3, nil, Config{}, nil)
	tp.AddColumn(&ColumnPair{
		Name: "X", Class: vdbcore.ClassPresorted, Reader: src, Writer: dst,
		Transform: func(inner colpipe.Writer) colpipe.Writer {
			return colpipe.NewIDRemapWriter(inner, m, false)
		},
	})
	tp.Explode()
	require.NoError(t, tp.CopyPhases())

	require.Len(t, dst.order, 2)
	require.Equal(t, []int64{10}, colpipe.DecodeInt64Row(dst.order[0]))
	require.Equal(t, []int64{20}, colpipe.DecodeInt64Row(dst.order[1]))
}

func TestAllocMissingNewIDsHookThenSequencePostCopyHookBackfillsAndWritesMarkers(t *testing.T) {
	m, err := idmap.Create(t.TempDir(), "seq", false)
	require.NoError(t, err)
	require.NoError(t, m.SetIDRange(1, 3))
	// Only old id 2 got assigned by an alignment writer.
	require.NoError(t, m.SetOldToNew([]idmap.Pair{{Old: 2, New: 1}}, true))
	require.NoError(t, m.SetNewToOld([]idmap.Pair{{Old: 2, New: 1}}))

	// AllocMissingNewIDsHook runs as SEQUENCE's PreExplode, before the
	// mapped phase's SelectOldToNew scan would otherwise skip old ids 1
	// and 3 entirely.
	var firstUnaligned int64
	require.NoError(t, AllocMissingNewIDsHook(m, &firstUnaligned)())
	require.NotZero(t, firstUnaligned)

	newID, err := m.MapSingleOldToNew(1, false)
	require.NoError(t, err)
	require.NotZero(t, newID)
	newID, err = m.MapSingleOldToNew(3, false)
	require.NoError(t, err)
	require.NotZero(t, newID)

	meta := newFakeMetaTree()
	hook := SequencePostCopyHook(meta, 7, firstUnaligned)
	require.NoError(t, hook())

	_, ok, err := meta.GetNode(MetaFirstHalfAligned)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = meta.GetNode(MetaFirstUnaligned)
	require.NoError(t, err)
	require.True(t, ok)
}

type fakeMetaTree struct {
	nodes map[string][]byte
}

func newFakeMetaTree() *fakeMetaTree { return &fakeMetaTree{nodes: make(map[string][]byte)} }

func (f *fakeMetaTree) SetNode(path string, value []byte) error {
	f.nodes[path] = value
	return nil
}

func (f *fakeMetaTree) GetNode(path string) ([]byte, bool, error) {
	v, ok := f.nodes[path]
	return v, ok, nil
}

func (f *fakeMetaTree) CopyFrom(src vdbcore.MetadataTree, excludePaths []string) error { return nil }
