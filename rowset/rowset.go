// Package rowset implements the three row-set iteration disciplines that
// drive every column copy in the reorder engine: Simple (contiguous,
// presorted source), Mapping (old-id-ordered reads, new-id-ordered writes
// via an explicit pair buffer) and Sorting (same idea, flat arrays instead
// of pair structs, for columns that don't need a round trip through an
// IdMap-shaped buffer). See spec section 4.3.
package rowset

import (
	"github.com/grailbio/base/log"

	"github.com/grailbio/sra-sort/idmap"
)

// Discipline names the three iteration strategies.
type Discipline int

const (
	Simple Discipline = iota
	Mapping
	Sorting
)

// DefaultMaxIdxIDs is the default RowSetIterator mapping window
// (--max-idx-ids).
const DefaultMaxIdxIDs = 1 << 16

// DefaultMinIdxIDs is the floor the window halves down to when
// SelectOldToNew returns an error; at the floor the iterator returns that
// error.
const DefaultMinIdxIDs = 1 << 10

// RowSet is one batch of source row-ids, produced in the order its iterator
// requires. A RowSet is scoped strictly to a single copy phase: callers
// walk it to exhaustion, then discard it.
type RowSet struct {
	discipline Discipline
	ids        []int64      // Simple, Sorting: flat old-ids in emission order.
	newOrd     []uint32     // Sorting only: parallel to ids, new-id ordinal within window.
	mapping    []idmap.Pair // Mapping only: (old,new) pairs, walked in old-id order.

	pos      int
	isStatic bool
	repeatID int64
	windowLo int64 // Sorting only: the new-id the window started at.
}

// WindowLo returns the new-id the current Sorting window starts at, so that
// SourceIDs' ordinals can be turned back into absolute new-ids.
func (rs *RowSet) WindowLo() int64 { return rs.windowLo }

// Next fills up to len(buf) row-ids and returns how many were written; 0
// means the RowSet is exhausted. In static mode it yields the first id
// exactly once.
func (rs *RowSet) Next(buf []int64) int {
	if rs.isStatic {
		if rs.pos > 0 || len(buf) == 0 {
			return 0
		}
		buf[0] = rs.repeatID
		rs.pos = 1
		return 1
	}
	n := copy(buf, rs.ids[rs.pos:])
	rs.pos += n
	return n
}

// Reset rewinds the RowSet. forStatic switches it to yield only the first
// id, for columns the Explode phase classified as "static": a column whose
// whole source range collapses to one repeated value.
func (rs *RowSet) Reset(forStatic bool) {
	rs.pos = 0
	rs.isStatic = forStatic
	if forStatic && len(rs.ids) > 0 {
		rs.repeatID = rs.ids[0]
	} else if forStatic && len(rs.mapping) > 0 {
		rs.repeatID = rs.mapping[0].Old
	}
}

// IdxMapping returns the (old,new) pair buffer for the Mapping discipline,
// walked in old-id order; empty for Simple and Sorting RowSets.
func (rs *RowSet) IdxMapping() []idmap.Pair {
	if rs.discipline != Mapping {
		return nil
	}
	return rs.mapping
}

// SourceIDs returns, for the Sorting discipline, the flat old-id list (in
// the same old-id order Next() emits) and a parallel array giving each old
// slot's new-id ordinal within the current window; empty for Simple and
// Mapping RowSets.
func (rs *RowSet) SourceIDs() ([]int64, []uint32) {
	if rs.discipline != Sorting {
		return nil, nil
	}
	return rs.ids, rs.newOrd
}

// Len reports how many ids this RowSet will emit in non-static mode.
func (rs *RowSet) Len() int {
	switch rs.discipline {
	case Mapping:
		return len(rs.mapping)
	default:
		return len(rs.ids)
	}
}

// Iterator produces a sequence of RowSets covering [first, lastExcl) exactly
// once, in the order the current copy phase requires.
type Iterator struct {
	discipline Discipline
	first      int64
	lastExcl   int64
	cur        int64
	batchSize  int

	idm       *idmap.IdMap // nil for Simple, and for a Mapping "new-order scan".
	newOrder  bool         // Mapping: iterate new-id space rather than dereference idm.
	maxIDs    int
	minIDs    int
}

// NewSimple builds a Simple discipline iterator: auto-generated contiguous
// ids, no IdMap involved. Used for presorted columns and for columns whose
// source order is read back verbatim.
func NewSimple(first, lastExcl int64, batchSize int) *Iterator {
	if batchSize <= 0 {
		batchSize = DefaultMaxIdxIDs
	}
	return &Iterator{discipline: Simple, first: first, lastExcl: lastExcl, cur: first, batchSize: batchSize}
}

// NewMapping builds a Mapping discipline iterator. If idm is nil, the
// iterator performs a "new-order scan": it auto-generates (old=new) pairs
// over [first,lastExcl) rather than dereferencing an IdMap, for the case
// where the table's own IdMap was populated by someone else (e.g.
// SEQUENCE's mapped phase reading back its own just-assigned ids).
func NewMapping(first, lastExcl int64, idm *idmap.IdMap, maxIDs, minIDs int) *Iterator {
	if maxIDs <= 0 {
		maxIDs = DefaultMaxIdxIDs
	}
	if minIDs <= 0 {
		minIDs = DefaultMinIdxIDs
	}
	return &Iterator{
		discipline: Mapping,
		first:      first,
		lastExcl:   lastExcl,
		cur:        first,
		idm:        idm,
		newOrder:   idm == nil,
		maxIDs:     maxIDs,
		minIDs:     minIDs,
	}
}

// NewSorting builds a Sorting discipline iterator: same windowing as
// Mapping, but the RowSet exposes SourceIDs (flat arrays) instead of
// IdxMapping pairs. idm must be non-nil: Sorting always drives new-id order
// off a populated IdMap (e.g. an alignment table's own IdMap, built by
// JoinKeyBuilder, for every column that isn't itself a foreign key).
func NewSorting(first, lastExcl int64, idm *idmap.IdMap, maxIDs, minIDs int) *Iterator {
	if idm == nil {
		log.Panicf("rowset: Sorting discipline requires a non-nil IdMap")
	}
	if maxIDs <= 0 {
		maxIDs = DefaultMaxIdxIDs
	}
	if minIDs <= 0 {
		minIDs = DefaultMinIdxIDs
	}
	return &Iterator{
		discipline: Sorting,
		first:      first,
		lastExcl:   lastExcl,
		cur:        first,
		idm:        idm,
		maxIDs:     maxIDs,
		minIDs:     minIDs,
	}
}

// Next returns the next RowSet, or nil when the range is exhausted.
func (it *Iterator) Next() (*RowSet, error) {
	if it.cur >= it.lastExcl {
		return nil, nil
	}
	switch it.discipline {
	case Simple:
		return it.nextSimple(), nil
	case Mapping:
		return it.nextMapping()
	case Sorting:
		return it.nextSorting()
	default:
		log.Panicf("rowset: unknown discipline %d", it.discipline)
		return nil, nil
	}
}

func (it *Iterator) nextSimple() *RowSet {
	n := it.batchSize
	if remain := it.lastExcl - it.cur; int64(n) > remain {
		n = int(remain)
	}
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = it.cur + int64(i)
	}
	it.cur += int64(n)
	return &RowSet{discipline: Simple, ids: ids}
}

func (it *Iterator) nextMapping() (*RowSet, error) {
	window := it.maxIDs
	for {
		var mapping []idmap.Pair
		var err error
		n := window
		if remain := it.lastExcl - it.cur; int64(n) > remain {
			n = int(remain)
		}
		if it.newOrder {
			mapping = make([]idmap.Pair, n)
			for i := 0; i < n; i++ {
				mapping[i] = idmap.Pair{Old: it.cur + int64(i), New: it.cur + int64(i)}
			}
		} else {
			mapping, err = it.idm.SelectOldToNew(it.cur, n)
		}
		if err != nil {
			if window > it.minIDs {
				window /= 2
				continue
			}
			return nil, err
		}
		it.cur += int64(n)
		return &RowSet{discipline: Mapping, mapping: mapping}, nil
	}
}

func (it *Iterator) nextSorting() (*RowSet, error) {
	window := it.maxIDs
	for {
		n := window
		if remain := it.lastExcl - it.cur; int64(n) > remain {
			n = int(remain)
		}
		pairs, err := it.idm.SelectOldToNew(it.cur, n)
		if err != nil {
			if window > it.minIDs {
				window /= 2
				continue
			}
			return nil, err
		}
		ids := make([]int64, len(pairs))
		ord := make([]uint32, len(pairs))
		for i, p := range pairs {
			ids[i] = p.Old
			ord[i] = uint32(p.New - it.cur)
		}
		windowLo := it.cur
		it.cur += int64(n)
		return &RowSet{discipline: Sorting, ids: ids, newOrd: ord, windowLo: windowLo}, nil
	}
}
