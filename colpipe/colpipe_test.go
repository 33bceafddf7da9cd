package colpipe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grailbio/sra-sort/idmap"
	"github.com/grailbio/sra-sort/rowid"
	"github.com/grailbio/sra-sort/vdbcore"
)

// fakeColumnWriter records every call for assertion; it's the kind of
// minimal double the teacher's own fieldio tests build inline.
type fakeColumnWriter struct {
	rows    []vdbcore.Cell
	repeats []struct {
		cell  vdbcore.Cell
		count uint64
	}
	committed bool
}

func (f *fakeColumnWriter) Write(c vdbcore.Cell) error {
	f.rows = append(f.rows, c)
	return nil
}

func (f *fakeColumnWriter) WriteStaticRun(c vdbcore.Cell, count uint64) error {
	f.repeats = append(f.repeats, struct {
		cell  vdbcore.Cell
		count uint64
	}{c, count})
	return nil
}

func (f *fakeColumnWriter) Commit() error {
	f.committed = true
	return nil
}

func cellOf(b byte) vdbcore.Cell {
	return vdbcore.Cell{ElemBits: 8, RowLen: 1, Data: []byte{b}}
}

func TestPlainWriterForwardsEveryCall(t *testing.T) {
	dst := &fakeColumnWriter{}
	w := NewPlainWriter(dst)
	require.NoError(t, w.Write(cellOf(1)))
	require.NoError(t, w.Write(cellOf(2)))
	require.NoError(t, w.Commit())
	require.Len(t, dst.rows, 2)
	require.True(t, dst.committed)
}

func TestStaticWriterChunksLargeRepeatCounts(t *testing.T) {
	dst := &fakeColumnWriter{}
	w := NewStaticWriter(dst)
	require.NoError(t, w.WriteRepeat(cellOf(9), MaxRepeatChunk+5))
	require.Len(t, dst.repeats, 2)
	require.EqualValues(t, MaxRepeatChunk, dst.repeats[0].count)
	require.EqualValues(t, 5, dst.repeats[1].count)
}

func TestInt64RowRoundTrip(t *testing.T) {
	ids := []int64{0, 1, 12345, -1}
	c := EncodeInt64Row(ids)
	require.Equal(t, ids, DecodeInt64Row(c))
}

func TestIDRemapWriterTranslatesNonZeroIDs(t *testing.T) {
	m, err := idmap.Create(t.TempDir(), "t", false)
	require.NoError(t, err)
	require.NoError(t, m.SetIDRange(1, 3))
	require.NoError(t, m.SetOldToNew([]idmap.Pair{{Old: 1, New: 30}, {Old: 2, New: 20}, {Old: 3, New: 10}}, true))

	dst := &fakeColumnWriter{}
	inner := NewPlainWriter(dst)
	w := NewIDRemapWriter(inner, m, false)

	require.NoError(t, w.Write(EncodeInt64Row([]int64{0, 2, 3})))
	require.Len(t, dst.rows, 1)
	require.Equal(t, []int64{0, 20, 10}, DecodeInt64Row(dst.rows[0]))
}

func TestCaptureWriterFindsFirstZero(t *testing.T) {
	dst := &fakeColumnWriter{}
	var captured int64 = -1
	w := NewCaptureWriter(NewPlainWriter(dst), 100, func(newID int64) { captured = newID })

	require.NoError(t, w.Write(EncodeInt64Row([]int64{5, 6})))
	require.NoError(t, w.Write(EncodeInt64Row([]int64{0, 7})))
	require.NoError(t, w.Write(EncodeInt64Row([]int64{0, 0})))

	require.EqualValues(t, 101, captured)
	require.Len(t, dst.rows, 3)
}

func TestCaptureWriterLeavesUncapturedWhenNoZero(t *testing.T) {
	dst := &fakeColumnWriter{}
	captured := false
	w := NewCaptureWriter(NewPlainWriter(dst), 1, func(int64) { captured = true })
	require.NoError(t, w.Write(EncodeInt64Row([]int64{1, 2})))
	require.False(t, captured)
}

func TestBufferedSortWriterPlacesCellsByOrdinal(t *testing.T) {
	dst := &fakeColumnWriter{}
	w := NewBufferedSortWriter(NewPlainWriter(dst))

	// Old-order emission is 3 rows; their destination ordinals are reversed.
	w.BeginRowSet(100, []uint32{2, 1, 0})
	require.NoError(t, w.Write(cellOf('a')))
	require.NoError(t, w.Write(cellOf('b')))
	require.NoError(t, w.Write(cellOf('c')))
	require.NoError(t, w.Flush())

	require.Len(t, dst.rows, 3)
	require.Equal(t, []byte{'c'}, dst.rows[0].Data)
	require.Equal(t, []byte{'b'}, dst.rows[1].Data)
	require.Equal(t, []byte{'a'}, dst.rows[2].Data)
}

func TestBufferedSortWriterCollapsesRepeatedVocabEntries(t *testing.T) {
	dst := &fakeColumnWriter{}
	w := NewBufferedSortWriter(NewPlainWriter(dst))

	w.BeginRowSet(0, []uint32{0, 1, 2, 3})
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Write(cellOf('x')))
	}
	require.NoError(t, w.Flush())

	require.Empty(t, dst.rows)
	require.Len(t, dst.repeats, 1)
	require.EqualValues(t, 4, dst.repeats[0].count)
	require.Equal(t, []byte{'x'}, dst.repeats[0].cell.Data)
}

func TestBufferedSortWriterPanicsOnUnwrittenSlot(t *testing.T) {
	dst := &fakeColumnWriter{}
	w := NewBufferedSortWriter(NewPlainWriter(dst))
	w.BeginRowSet(0, []uint32{0, 1})
	require.NoError(t, w.Write(cellOf('a')))
	require.Panics(t, func() { _ = w.Flush() })
}

// fakePosLenSource is a one-row vdbcore.ColumnReader double for PosLenReader.
type fakePosLenSource struct {
	cell vdbcore.Cell
}

func (f *fakePosLenSource) Read(rowid.ID) (vdbcore.Cell, error) { return f.cell, nil }

func TestPosLenRoundTripsThroughColumnCells(t *testing.T) {
	var sink []uint64
	w := NewPosLenWriter(func(values []uint64) error {
		sink = append(sink, values...)
		return nil
	})
	w.Put(42, 150)
	require.NoError(t, w.Flush())
	require.Len(t, sink, 1)

	data := make([]byte, 8)
	v := sink[0]
	for b := 0; b < 8; b++ {
		data[b] = byte(v >> (8 * uint(b)))
	}
	r := NewPosLenReader(&fakePosLenSource{cell: vdbcore.Cell{ElemBits: 64, RowLen: 1, Data: data}})
	pos, length, err := r.Read(1)
	require.NoError(t, err)
	require.EqualValues(t, 42, pos)
	require.EqualValues(t, 150, length)
}
