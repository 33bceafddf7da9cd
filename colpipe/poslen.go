package colpipe

import (
	"github.com/grailbio/base/log"

	"github.com/grailbio/sra-sort/rowid"
	"github.com/grailbio/sra-sort/vdbcore"
)

// PosLenWriter sits downstream of an IdMap's poslen channel: it takes the
// GLOBAL_REF_START/REF_LEN pair a JoinKeyBuilder computed for one alignment
// row, encodes it with rowid.Encode, and forwards the packed uint64 to
// whatever actually persists it (typically idmap.IdMap.SetPosLen, via an
// adapter the caller supplies rather than through the Writer interface,
// since SetPosLen is batched rather than row-at-a-time).
type PosLenWriter struct {
	sink func(values []uint64) error
	buf  []uint64
}

// NewPosLenWriter wraps sink, which is called with one flush's worth of
// encoded values at a time.
func NewPosLenWriter(sink func(values []uint64) error) *PosLenWriter {
	return &PosLenWriter{sink: sink}
}

// Put encodes one (pos,len) pair and buffers it.
func (w *PosLenWriter) Put(pos uint64, length uint32) {
	w.buf = append(w.buf, uint64(rowid.Encode(pos, length)))
}

// Flush forwards every buffered value to sink and resets the buffer.
func (w *PosLenWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if err := w.sink(w.buf); err != nil {
		return err
	}
	w.buf = w.buf[:0]
	return nil
}

// PosLenReader decodes a column of packed GLOBAL_REF_START-shaped uint64
// cells back into (pos,len) pairs, for callers downstream of an IdMap's
// poslen channel.
type PosLenReader struct {
	src vdbcore.ColumnReader
}

func NewPosLenReader(src vdbcore.ColumnReader) *PosLenReader {
	return &PosLenReader{src: src}
}

// Read fetches one row and decodes its single packed value.
func (r *PosLenReader) Read(row rowid.ID) (pos uint64, length uint32, err error) {
	c, err := r.src.Read(row)
	if err != nil {
		return 0, 0, err
	}
	if c.ElemBits != 64 || c.RowLen != 1 {
		log.Panicf("colpipe: poslen column must be a single 64-bit element, got %d bits x %d", c.ElemBits, c.RowLen)
	}
	var v uint64
	for b := 0; b < 8; b++ {
		v |= uint64(c.Data[b]) << (8 * uint(b))
	}
	pl := rowid.PosLen(v)
	return pl.Pos(), pl.Len(), nil
}
