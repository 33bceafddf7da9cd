package colpipe

import (
	"github.com/grailbio/base/log"

	"github.com/grailbio/sra-sort/membank"
	"github.com/grailbio/sra-sort/vdbcore"
)

// slotKind tags a CellSlot's payload. The original's IdxMapping reused one
// int64 field (old_id) as either an immediate id, an immediate packed
// poslen value, or a pointer into its arena depending on context; this type
// makes that distinction explicit instead, per the redesign called for in
// spec section 9.
type slotKind int

const (
	// slotEmpty marks a destination slot nothing has written yet.
	slotEmpty slotKind = iota
	// slotInline holds its cell directly: an empty cell, or any cell that
	// arrives once the vocabulary is full (its Data is copied first).
	slotInline
	// slotVocab points at a deduplicated value in the vocabulary table,
	// used when many rows share an identical cell (e.g. a run of equal
	// quality scores).
	slotVocab
)

// CellSlot is one destination position in a BufferedSortWriter's staging
// array.
type CellSlot struct {
	kind  slotKind
	cell  vdbcore.Cell
	vocab int // index into BufferedSortWriter.vocab, when kind == slotVocab
}

// DefaultVocabMaxEntries and DefaultVocabMaxBytes bound the buffered-sort
// writer's deduplication table (spec section 4.4's "in-memory B-tree"); Go
// has no stdlib B-tree, so a size-bounded map realizes the same dedup
// behavior idiomatically.
const (
	DefaultVocabMaxEntries = 32 * 1024
	DefaultVocabMaxBytes   = 100 << 20
)

// BufferedSortWriter resorts a whole column into new-id order. It is the
// Sorting-discipline counterpart to IDRemapWriter's Mapping-discipline
// lookups: rather than reading an (old,new) pair per row, it consumes a
// rowset.RowSet's flat SourceIDs/ordinals directly and places each incoming
// cell at its final position in a dense window-sized array, which yields
// new-id order without an explicit sort step (the window is already
// disjoint and ordinal-addressed by construction; see DESIGN.md).
type BufferedSortWriter struct {
	inner    Writer
	windowLo int64
	ord      []uint32 // parallel to the RowSet's old-id order; ord[i] is slots[] index
	slots    []CellSlot
	writeCursor int // how many Write calls since the last BeginRowSet

	vocab      [][]byte
	vocabIndex map[string]int
	vocabBytes int
	maxVocabEntries int
	maxVocabBytes   int

	// arena backs every vocabulary entry's byte copy with a quota-limited
	// MemBank instead of the Go heap directly (spec section 4.4 item 3:
	// "allocates ... bytes from the arena"). Nil means fall back to a plain
	// Go allocation, which is always safe since the Go GC reclaims it like
	// any other slice.
	arena membank.Bank
}

// SetArena wires a MemBank into this writer's vocabulary storage. Typically
// a membank.Paged scoped to one table, shared across every BufferedSortWriter
// that table's Explode built and Whacked once per copy phase by the
// TablePair driver — see reorder.TablePair.SetArena.
func (w *BufferedSortWriter) SetArena(a membank.Bank) { w.arena = a }

// NewBufferedSortWriter builds a writer bound to inner, which receives
// cells already reordered to ascending new-id. Call BeginRowSet before each
// batch of Write calls, one Write per old-id position in the RowSet's own
// emission order.
func NewBufferedSortWriter(inner Writer) *BufferedSortWriter {
	return &BufferedSortWriter{
		inner:           inner,
		vocabIndex:      make(map[string]int),
		maxVocabEntries: DefaultVocabMaxEntries,
		maxVocabBytes:   DefaultVocabMaxBytes,
	}
}

// BeginRowSet primes the writer for a new window: windowLo is the absolute
// new-id the window starts at (rowset.RowSet.WindowLo), and ord gives, for
// each old-id position Write will be called with in order, the ordinal
// (new-id - windowLo) that position belongs at.
func (w *BufferedSortWriter) BeginRowSet(windowLo int64, ord []uint32) {
	w.windowLo = windowLo
	w.ord = ord
	w.slots = make([]CellSlot, len(ord))
	w.vocab = w.vocab[:0]
	for k := range w.vocabIndex {
		delete(w.vocabIndex, k)
	}
	w.vocabBytes = 0
	w.writeCursor = 0
}

// nextOrdIndex returns the ordinal the written-th Write call of the current
// window fills (ord[written]); Write passes writeCursor, its count of calls
// since BeginRowSet.
func (w *BufferedSortWriter) nextOrdIndex(written int) uint32 {
	if written >= len(w.ord) {
		log.Panicf("colpipe: BufferedSortWriter.Write called past end of current window (wrote %d of %d)", written, len(w.ord))
	}
	return w.ord[written]
}

func (w *BufferedSortWriter) Write(c vdbcore.Cell) error {
	slot := w.nextOrdIndex(w.writeCursor)
	w.writeCursor++
	w.slots[slot] = w.internCell(c)
	return nil
}

func (w *BufferedSortWriter) internCell(c vdbcore.Cell) CellSlot {
	if len(c.Data) == 0 {
		return CellSlot{kind: slotInline, cell: c}
	}
	if w.vocabBytes >= w.maxVocabBytes || len(w.vocab) >= w.maxVocabEntries {
		c.Data = append([]byte(nil), c.Data...)
		return CellSlot{kind: slotInline, cell: c}
	}
	key := string(c.Data)
	if idx, ok := w.vocabIndex[key]; ok {
		return CellSlot{kind: slotVocab, cell: vdbcore.Cell{ElemBits: c.ElemBits, BitOffset: c.BitOffset, RowLen: c.RowLen}, vocab: idx}
	}
	stored := w.copyIntoArena(c.Data)
	idx := len(w.vocab)
	w.vocab = append(w.vocab, stored)
	w.vocabIndex[key] = idx
	w.vocabBytes += len(stored)
	return CellSlot{kind: slotVocab, cell: vdbcore.Cell{ElemBits: c.ElemBits, BitOffset: c.BitOffset, RowLen: c.RowLen}, vocab: idx}
}

// copyIntoArena copies data into the arena bank if one is set, falling back
// to a plain Go allocation on a nil arena or a quota failure — the arena is
// strictly an optimization for this vocabulary cache, never load-bearing for
// correctness, so exhausting it just means this entry behaves as if the
// vocabulary cache were full.
func (w *BufferedSortWriter) copyIntoArena(data []byte) []byte {
	if w.arena == nil {
		return append([]byte(nil), data...)
	}
	buf, err := w.arena.Alloc(len(data), false)
	if err != nil {
		return append([]byte(nil), data...)
	}
	copy(buf, data)
	return buf
}

// Flush drains the current window to inner in ascending new-id order,
// collapsing consecutive identical vocabulary entries into a single
// WriteRepeat call when inner implements RepeatWriter. Call it once all of
// the window's Write calls have been made.
func (w *BufferedSortWriter) Flush() error {
	repeater, canRepeat := w.inner.(RepeatWriter)
	i := 0
	for i < len(w.slots) {
		slot := w.slots[i]
		if slot.kind == slotEmpty {
			log.Panicf("colpipe: BufferedSortWriter.Flush found unwritten slot %d (new-id %d)", i, w.windowLo+int64(i))
		}
		cell := w.resolve(slot)
		run := 1
		if canRepeat && slot.kind == slotVocab {
			for i+run < len(w.slots) && w.slots[i+run].kind == slotVocab && w.slots[i+run].vocab == slot.vocab {
				run++
			}
		}
		if run > 1 {
			if err := repeater.WriteRepeat(cell, uint64(run)); err != nil {
				return err
			}
		} else if err := w.inner.Write(cell); err != nil {
			return err
		}
		i += run
	}
	w.writeCursor = 0
	return nil
}

func (w *BufferedSortWriter) resolve(slot CellSlot) vdbcore.Cell {
	if slot.kind == slotInline {
		return slot.cell
	}
	c := slot.cell
	c.Data = w.vocab[slot.vocab]
	return c
}

func (w *BufferedSortWriter) Commit() error { return w.inner.Commit() }
