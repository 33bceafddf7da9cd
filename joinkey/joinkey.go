// Package joinkey implements the JoinKeyBuilder (also called
// AlignIdColReader): the component that actually establishes the new row
// order. It wraps a REFERENCE table's <ALIGN>_IDS column reader so that,
// as REFERENCE is copied, each row it yields already carries new alignment
// ids, while the IdMap the alignment table will be copied through gets
// populated as a side effect. See spec section 4.5.
package joinkey

import (
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/grailbio/sra-sort/idmap"
	"github.com/grailbio/sra-sort/rowid"
	"github.com/grailbio/sra-sort/vdbcore"
)

// DefaultMaxRefIdxIDs is the default window size (--max-ref-idx-ids).
const DefaultMaxRefIdxIDs = 1 << 18

// AlignIDColumn reads one REFERENCE row's worth of old alignment ids (the
// variable-length cell in PRIMARY_ALIGNMENT_IDS or SECONDARY_ALIGNMENT_IDS).
type AlignIDColumn interface {
	// ReadRow returns the old alignment ids referenced by REFERENCE row id,
	// or (nil, io.EOF)-equivalent signaled by ok=false once the table is
	// exhausted. Rows must be requested in strictly ascending order.
	ReadRow(id rowid.ID) (ids []int64, ok bool, err error)
}

// PosLenResolver dereferences one alignment table old-id into the global
// (position, length) pair its GLOBAL_POSLEN channel carries.
type PosLenResolver interface {
	Resolve(old int64) (pos uint64, length uint32, err error)
}

// Builder is the JoinKeyBuilder. One Builder is scoped to a single
// REFERENCE <ALIGN>_IDS column for a single alignment table; PRIMARY and
// SECONDARY each get their own Builder and their own destination IdMap.
type Builder struct {
	src      AlignIDColumn
	resolver PosLenResolver
	idm      *idmap.IdMap
	window   int
	sortByOld bool

	lastRefRow rowid.ID // for UnsupportedAccessPattern detection
	started    bool

	nextNewID int64

	// current window's serving state.
	rowStart map[rowid.ID]int // REFERENCE row -> offset into curNew
	rowLen   map[rowid.ID]int
	curNew   []int64
	windowLastRow rowid.ID
	exhausted     bool
}

// New builds a JoinKeyBuilder reading REFERENCE rows from src, resolving
// each old alignment id's sort key through resolver, and populating idm.
// window is the max number of new-alignment-ids collected per pass
// (--max-ref-idx-ids); sortByOld controls whether each window's old_to_new
// writes, made after its new_to_old writes and before its poslen writes,
// go in old-id order (--unsorted-old-new disables this, changing only write
// access pattern, not the final mapping).
func New(src AlignIDColumn, resolver PosLenResolver, idm *idmap.IdMap, window int, sortByOld bool) *Builder {
	if window <= 0 {
		window = DefaultMaxRefIdxIDs
	}
	return &Builder{src: src, resolver: resolver, idm: idm, window: window, sortByOld: sortByOld}
}

type refRow struct {
	id  rowid.ID
	old []int64
}

type expanded struct {
	old    int64
	poslen rowid.PosLen
}

// fill loads, sorts, expands, sorts, assigns and persists one window
// starting at the first REFERENCE row not yet served. Returns false once
// the source is exhausted with nothing new to serve.
func (b *Builder) fill() (bool, error) {
	var rows []refRow
	collected := 0
	row := b.lastRefRow + 1
	if !b.started {
		row = 1
	}
	for collected < b.window {
		ids, ok, err := b.src.ReadRow(row)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		rows = append(rows, refRow{id: row, old: ids})
		collected += len(ids)
		row++
	}
	if len(rows) == 0 {
		return false, nil
	}

	// Flatten and sort old-ids ascending for locality while resolving
	// poslen (step 2).
	var flat []int64
	for _, r := range rows {
		flat = append(flat, r.old...)
	}
	sort.Slice(flat, func(i, j int) bool { return flat[i] < flat[j] })

	// Expand (step 3) and sort by poslen then id (step 4).
	exp := make([]expanded, len(flat))
	for i, old := range flat {
		pos, length, err := b.resolver.Resolve(old)
		if err != nil {
			return false, err
		}
		exp[i] = expanded{old: old, poslen: rowid.Encode(pos, length)}
	}
	sort.Slice(exp, func(i, j int) bool {
		if exp[i].poslen != exp[j].poslen {
			return exp[i].poslen < exp[j].poslen
		}
		return exp[i].old < exp[j].old
	})

	// Assign (step 5).
	pairs := make([]idmap.Pair, len(exp))
	posLenVals := make([]uint64, len(exp))
	oldToNew := make(map[int64]int64, len(exp))
	for i, e := range exp {
		b.nextNewID++
		pairs[i] = idmap.Pair{Old: e.old, New: b.nextNewID}
		posLenVals[i] = uint64(e.poslen)
		oldToNew[e.old] = b.nextNewID
	}

	// Persist (step 6).
	if err := b.idm.SetNewToOld(pairs); err != nil {
		return false, err
	}
	ordered := pairs
	if b.sortByOld {
		ordered = append([]idmap.Pair(nil), pairs...)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].Old < ordered[j].Old })
	}
	if err := b.idm.SetOldToNew(ordered, b.sortByOld); err != nil {
		return false, err
	}
	if err := b.idm.SetPosLen(posLenVals); err != nil {
		return false, err
	}

	// Prepare serving state (step 7): translate each REFERENCE row's old
	// ids to new ids using the map just built.
	b.rowStart = make(map[rowid.ID]int, len(rows))
	b.rowLen = make(map[rowid.ID]int, len(rows))
	b.curNew = b.curNew[:0]
	for _, r := range rows {
		b.rowStart[r.id] = len(b.curNew)
		b.rowLen[r.id] = len(r.old)
		for _, old := range r.old {
			newID, ok := oldToNew[old]
			if !ok {
				log.Panicf("joinkey: old id %d missing from window map", old)
			}
			b.curNew = append(b.curNew, newID)
		}
	}
	b.windowLastRow = rows[len(rows)-1].id
	b.started = true
	return true, nil
}

// ReadRow returns the new alignment ids for REFERENCE row id, refilling a
// window from the underlying source as needed. Only strictly ascending,
// serial access is supported: requesting a row at or before the last one
// served fails with UnsupportedAccessPattern.
func (b *Builder) ReadRow(id rowid.ID) ([]int64, bool, error) {
	if b.started && id <= b.lastRefRow {
		return nil, false, errors.E(errors.Precondition,
			"joinkey: non-serial access, requested row", int64(id), "but already served through", int64(b.lastRefRow))
	}
	for {
		if b.started && id <= b.windowLastRow {
			off, haveOff := b.rowStart[id]
			n, haveLen := b.rowLen[id]
			if !haveOff || !haveLen {
				log.Panicf("joinkey: row %d within served window but missing from index", int64(id))
			}
			b.lastRefRow = id
			return append([]int64(nil), b.curNew[off:off+n]...), true, nil
		}
		if b.exhausted {
			return nil, false, nil
		}
		ok, err := b.fill()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			b.exhausted = true
			return nil, false, nil
		}
	}
}

// Presorted reports that this reader's output is already in the
// destination's required order. TablePair does not call it: the column is
// routed through a PlainWriter because its ColumnPair is registered as
// vdbcore.ClassPresorted.
func (b *Builder) Presorted() bool { return true }

var _ vdbcore.ColumnReader = (*columnReaderAdapter)(nil)

// columnReaderAdapter lets a Builder satisfy vdbcore.ColumnReader for
// callers that only have a generic column-reader slot to plug it into; it
// re-encodes the translated ids back into a Cell the way EncodeInt64Row
// does for fixed-width id columns elsewhere in the pipeline.
type columnReaderAdapter struct {
	b *Builder
}

// Adapt wraps b as a vdbcore.ColumnReader.
func Adapt(b *Builder) vdbcore.ColumnReader { return &columnReaderAdapter{b: b} }

func (a *columnReaderAdapter) Read(row rowid.ID) (vdbcore.Cell, error) {
	ids, ok, err := a.b.ReadRow(row)
	if err != nil {
		return vdbcore.Cell{}, err
	}
	if !ok {
		return vdbcore.Cell{}, errors.E(errors.Invalid, "joinkey: read past end of REFERENCE table")
	}
	data := make([]byte, len(ids)*8)
	for i, id := range ids {
		v := uint64(id)
		for byteIdx := 0; byteIdx < 8; byteIdx++ {
			data[i*8+byteIdx] = byte(v >> (8 * uint(byteIdx)))
		}
	}
	return vdbcore.Cell{ElemBits: 64, RowLen: len(ids), Data: data}, nil
}
