// Package colpipe implements the column-pipeline writer wrappers described
// in spec section 4.4: a plain VDB writer, a static-run writer, a
// buffered-sort writer that resorts a whole table's column into new-id
// order, an id-remap writer, a first-half-aligned capture monitor, and the
// poslen encode/decode pair. They compose by wrapping one another, innermost
// first, exactly the way encoding/pam/fieldio.Writer layers delta and blob
// encoders around one underlying recordio stream in the teacher.
package colpipe

import (
	"github.com/grailbio/base/log"

	"github.com/grailbio/sra-sort/idmap"
	"github.com/grailbio/sra-sort/rowset"
	"github.com/grailbio/sra-sort/vdbcore"
)

// Writer is the narrow contract every pipeline stage implements.
type Writer interface {
	Write(c vdbcore.Cell) error
	Commit() error
}

// RepeatWriter is implemented by writers that can encode a repeated value
// without materializing count physical cells (the static column case, and
// the buffered-sort writer's own run-length collapsing).
type RepeatWriter interface {
	WriteRepeat(c vdbcore.Cell, count uint64) error
}

// PlainWriter is the innermost wrapper: it opens one destination row per
// Write and commits the whole column at Commit. It triggers no sort or
// remap of its own; it's what Simple and Presorted columns write through.
type PlainWriter struct {
	dst vdbcore.ColumnWriter
}

func NewPlainWriter(dst vdbcore.ColumnWriter) *PlainWriter { return &PlainWriter{dst: dst} }

func (w *PlainWriter) Write(c vdbcore.Cell) error { return w.dst.Write(c) }
func (w *PlainWriter) Commit() error              { return w.dst.Commit() }

// WriteRepeat implements RepeatWriter by forwarding to the destination's
// WriteStaticRun, so a BufferedSortWriter over a PlainWriter can collapse
// runs of one vocabulary entry.
func (w *PlainWriter) WriteRepeat(c vdbcore.Cell, count uint64) error {
	return w.dst.WriteStaticRun(c, count)
}

// MaxRepeatChunk bounds a single WriteStaticRun call so that the underlying
// cursor's trigger thresholds never see an unreasonably large repeat count
// in one shot (mirrors VCursorRepeatRow's own chunking in the original).
const MaxRepeatChunk = 1 << 29

// StaticWriter issues chunked repeat-writes for columns classified static:
// the column's entire source range collapses to one value, decoded here
// into however many WriteStaticRun calls of at most MaxRepeatChunk rows it
// takes to cover the table's row count.
type StaticWriter struct {
	dst vdbcore.ColumnWriter
}

func NewStaticWriter(dst vdbcore.ColumnWriter) *StaticWriter { return &StaticWriter{dst: dst} }

// Write satisfies Writer for composition generality; a static column is
// expected to see exactly one Write call (the RowSet in static mode yields
// only the first id), so this just forwards.
func (w *StaticWriter) Write(c vdbcore.Cell) error { return w.dst.Write(c) }

// WriteRepeat implements RepeatWriter.
func (w *StaticWriter) WriteRepeat(c vdbcore.Cell, count uint64) error {
	for count > 0 {
		n := count
		if n > MaxRepeatChunk {
			n = MaxRepeatChunk
		}
		if err := w.dst.WriteStaticRun(c, n); err != nil {
			return err
		}
		count -= n
	}
	return nil
}

func (w *StaticWriter) Commit() error { return w.dst.Commit() }

// IDRemapWriter intercepts a row of 64-bit ids (SEQ_SPOT_ID,
// PRIMARY_ALIGNMENT_ID, ...) and translates every non-zero element through
// an IdMap before forwarding. assign differentiates a pure lookup (e.g.
// SEQUENCE.PRIMARY_ALIGNMENT_ID, which only ever reads an IdMap someone
// else populated) from assign-on-first-touch (the alignment tables'
// SEQ_SPOT_ID column, which mints a SEQUENCE new-id for a spot the very
// first time any alignment references it).
type IDRemapWriter struct {
	inner Writer
	idm   *idmap.IdMap
	assign bool
}

func NewIDRemapWriter(inner Writer, idm *idmap.IdMap, assign bool) *IDRemapWriter {
	return &IDRemapWriter{inner: inner, idm: idm, assign: assign}
}

func (w *IDRemapWriter) Write(c vdbcore.Cell) error {
	ids := DecodeInt64Row(c)
	out := make([]int64, len(ids))
	for i, id := range ids {
		if id == 0 {
			out[i] = 0
			continue
		}
		newID, err := w.idm.MapSingleOldToNew(id, w.assign)
		if err != nil {
			return err
		}
		out[i] = newID
	}
	return w.inner.Write(EncodeInt64Row(out))
}

func (w *IDRemapWriter) Commit() error { return w.inner.Commit() }

// DecodeInt64Row reinterprets a Cell of 64-bit elements as a plain []int64.
// Every id-bearing column in a cSRA archive (SEQ_SPOT_ID,
// PRIMARY_ALIGNMENT_ID, REF_ID, ...) is exactly this shape.
func DecodeInt64Row(c vdbcore.Cell) []int64 {
	if c.ElemBits != 64 || c.BitOffset != 0 {
		log.Panicf("colpipe: id column must be byte-aligned 64-bit elements, got %d bits @ offset %d",
			c.ElemBits, c.BitOffset)
	}
	out := make([]int64, c.RowLen)
	for i := 0; i < c.RowLen; i++ {
		var v uint64
		for b := 0; b < 8; b++ {
			v |= uint64(c.Data[i*8+b]) << (8 * uint(b))
		}
		out[i] = int64(v)
	}
	return out
}

// EncodeInt64Row is DecodeInt64Row's inverse.
func EncodeInt64Row(ids []int64) vdbcore.Cell {
	data := make([]byte, len(ids)*8)
	for i, id := range ids {
		v := uint64(id)
		for b := 0; b < 8; b++ {
			data[i*8+b] = byte(v >> (8 * uint(b)))
		}
	}
	return vdbcore.Cell{ElemBits: 64, BitOffset: 0, RowLen: len(ids), Data: data}
}

// CaptureWriter is a transparent monitor on SEQUENCE.PRIMARY_ALIGNMENT_ID
// that records the lowest new-id row containing a zero element (a
// "half-aligned" spot: one read aligned, the mate did not) into the
// supplied callback. It must sit downstream of the buffered-sort writer so
// that rows arrive in ascending new-id order starting at firstNewID.
type CaptureWriter struct {
	inner     Writer
	cur       int64
	found     bool
	onCapture func(newID int64)
}

func NewCaptureWriter(inner Writer, firstNewID int64, onCapture func(newID int64)) *CaptureWriter {
	return &CaptureWriter{inner: inner, cur: firstNewID, onCapture: onCapture}
}

func (w *CaptureWriter) Write(c vdbcore.Cell) error {
	if !w.found {
		for _, id := range DecodeInt64Row(c) {
			if id == 0 {
				w.found = true
				w.onCapture(w.cur)
				break
			}
		}
	}
	w.cur++
	return w.inner.Write(c)
}

func (w *CaptureWriter) Commit() error { return w.inner.Commit() }

// rowSetOrdering lists the rowset.RowSet accessors that carry a window's
// ordering (IdxMapping for Mapping, SourceIDs/WindowLo for Sorting); the
// assertion below keeps rowset.RowSet in step with it. BufferedSortWriter
// itself takes windowLo and ordinals through BeginRowSet, not this type.
type rowSetOrdering interface {
	IdxMapping() []idmap.Pair
	SourceIDs() ([]int64, []uint32)
	WindowLo() int64
}

var _ rowSetOrdering = (*rowset.RowSet)(nil)
