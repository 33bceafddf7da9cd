package reorder

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/grailbio/sra-sort/colpipe"
	"github.com/grailbio/sra-sort/idmap"
	"github.com/grailbio/sra-sort/membank"
	"github.com/grailbio/sra-sort/rowid"
	"github.com/grailbio/sra-sort/rowset"
	"github.com/grailbio/sra-sort/vdbcore"
)

// ColumnPair binds one source column to its destination, the class that
// determines which RowSetIterator discipline drives it, and an optional
// Transform that layers id-remap / capture behavior onto the plain
// destination writer. Transform receives the innermost plain (or static)
// writer and returns whatever wrapped colpipe.Writer should actually
// receive cells; leave it nil for a column that needs no such behavior.
type ColumnPair struct {
	Name      string
	Class     vdbcore.ColumnClass
	Reader    vdbcore.ColumnReader
	Writer    vdbcore.ColumnWriter
	Transform func(inner colpipe.Writer) colpipe.Writer

	pipeline colpipe.Writer            // static/presorted: the final wrapped writer
	sorter   *colpipe.BufferedSortWriter // mapped/large-mapped/normal/large
}

// TablePair orchestrates one table's copy: explode its columns into the
// six classes, run each phase's RowSetIterator, and commit. See spec
// section 4.6.
type TablePair struct {
	Name string

	cfg      Config
	first    rowid.ID
	lastExcl rowid.ID

	// orderIdm drives the Mapping/Sorting disciplines for this table's
	// mapped/large-mapped/normal/large columns. nil makes the mapped and
	// large-mapped phases run a "new-order scan" (auto old=new pairs)
	// instead of dereferencing an IdMap; the normal and large phases
	// always dereference orderIdm, so a nil orderIdm is only usable for a
	// table with no normal or large columns.
	orderIdm *idmap.IdMap

	cols map[vdbcore.ColumnClass][]*ColumnPair

	quitting           *Quitting
	mappedNewOrderScan bool

	// arena, when set, backs every BufferedSortWriter this table's Explode
	// builds (mapped/large-mapped/normal/large columns). It is Whacked once
	// per phase, matching spec section 4.4's "optional MemBank-paged arena"
	// and membank.Paged's documented per-phase-scratch-space contract.
	arena membank.Bank
}

// SetArena wires a MemBank (typically a membank.Paged) into this table's
// buffered-sort columns. Leave unset to have those columns fall back to
// plain Go allocation for vocabulary storage.
func (tp *TablePair) SetArena(a membank.Bank) { tp.arena = a }

// NewTablePair builds a driver for the half-open row range [first,
// lastExcl). orderIdm may be nil; see TablePair.orderIdm.
func NewTablePair(name string, first, lastExcl rowid.ID, orderIdm *idmap.IdMap, cfg Config, q *Quitting) *TablePair {
	return &TablePair{
		Name:     name,
		cfg:      cfg.withDefaults(),
		first:    first,
		lastExcl: lastExcl,
		orderIdm: orderIdm,
		cols:     make(map[vdbcore.ColumnClass][]*ColumnPair),
		quitting: q,
	}
}

// AddColumn registers one column for this table's copy.
func (tp *TablePair) AddColumn(cp *ColumnPair) {
	tp.cols[cp.Class] = append(tp.cols[cp.Class], cp)
}

// Explode wraps every registered column's destination writer with the
// pipeline its class requires.
func (tp *TablePair) Explode() {
	for class, cols := range tp.cols {
		for _, cp := range cols {
			var base colpipe.Writer
			if class == vdbcore.ClassStatic {
				base = colpipe.NewStaticWriter(cp.Writer)
			} else {
				base = colpipe.NewPlainWriter(cp.Writer)
			}
			if cp.Transform != nil {
				base = cp.Transform(base)
			}
			switch class {
			case vdbcore.ClassMapped, vdbcore.ClassLargeMapped, vdbcore.ClassNormal, vdbcore.ClassLarge:
				sorter := colpipe.NewBufferedSortWriter(base)
				if tp.arena != nil {
					sorter.SetArena(tp.arena)
				}
				cp.sorter = sorter
			default:
				cp.pipeline = base
			}
		}
	}
}

// phaseOrder is the fixed sequence spec section 4.6 mandates.
var phaseOrder = []vdbcore.ColumnClass{
	vdbcore.ClassStatic,
	vdbcore.ClassPresorted,
	vdbcore.ClassMapped,
	vdbcore.ClassLarge,
	vdbcore.ClassLargeMapped,
	vdbcore.ClassNormal,
}

// CopyPhases runs every phase in the fixed order, committing each phase's
// writers before moving to the next.
func (tp *TablePair) CopyPhases() error {
	for _, class := range phaseOrder {
		if err := tp.runPhase(class); err != nil {
			return errors.E(err, "reorder: table", tp.Name, "phase", class.String())
		}
	}
	return nil
}

func (tp *TablePair) runPhase(class vdbcore.ColumnClass) error {
	cols := tp.cols[class]
	if len(cols) == 0 {
		return nil
	}
	if tp.quitting.Requested() {
		return errors.E(errors.Canceled, "reorder: interrupted before phase", class.String())
	}

	switch class {
	case vdbcore.ClassStatic:
		if err := tp.runStatic(cols); err != nil {
			return err
		}
	case vdbcore.ClassPresorted:
		if err := tp.runSimple(cols); err != nil {
			return err
		}
	case vdbcore.ClassMapped:
		if err := tp.runMapped(cols, tp.cfg.MaxIdxIDs); err != nil {
			return err
		}
	case vdbcore.ClassLargeMapped:
		if err := tp.runMapped(cols, tp.cfg.MaxLargeIdxIDs); err != nil {
			return err
		}
	case vdbcore.ClassNormal:
		if err := tp.runSorting(cols, tp.cfg.MaxIdxIDs); err != nil {
			return err
		}
	case vdbcore.ClassLarge:
		if err := tp.runSorting(cols, tp.cfg.MaxLargeIdxIDs); err != nil {
			return err
		}
	default:
		log.Panicf("reorder: unknown column class %d", class)
	}

	for _, cp := range cols {
		w := tp.commitTarget(cp)
		if err := w.Commit(); err != nil {
			return err
		}
	}
	if tp.arena != nil {
		switch class {
		case vdbcore.ClassMapped, vdbcore.ClassLargeMapped, vdbcore.ClassNormal, vdbcore.ClassLarge:
			tp.arena.Whack()
		}
	}
	tp.cols[class] = nil
	return nil
}

func (tp *TablePair) commitTarget(cp *ColumnPair) colpipe.Writer {
	if cp.sorter != nil {
		return cp.sorter
	}
	return cp.pipeline
}

func (tp *TablePair) runStatic(cols []*ColumnPair) error {
	count := uint64(tp.lastExcl - tp.first)
	if count == 0 {
		return nil
	}
	for _, cp := range cols {
		cell, err := cp.Reader.Read(tp.first)
		if err != nil {
			return err
		}
		if repeater, ok := cp.pipeline.(colpipe.RepeatWriter); ok {
			if err := repeater.WriteRepeat(cell, count); err != nil {
				return err
			}
			continue
		}
		for i := uint64(0); i < count; i++ {
			if err := cp.pipeline.Write(cell); err != nil {
				return err
			}
		}
	}
	return nil
}

func (tp *TablePair) runSimple(cols []*ColumnPair) error {
	it := rowset.NewSimple(int64(tp.first), int64(tp.lastExcl), tp.cfg.MaxIdxIDs)
	processed := 0
	for {
		rs, err := it.Next()
		if err != nil {
			return err
		}
		if rs == nil {
			return nil
		}
		buf := make([]int64, rs.Len())
		n := rs.Next(buf)
		ids := buf[:n]
		for _, cp := range cols {
			for _, id := range ids {
				cell, err := cp.Reader.Read(rowid.ID(id))
				if err != nil {
					return err
				}
				if err := cp.pipeline.Write(cell); err != nil {
					return err
				}
				processed++
				if processed%cancelEvery == 0 && tp.quitting.Requested() {
					return errors.E(errors.Canceled, "reorder: interrupted mid phase")
				}
			}
		}
	}
}

func (tp *TablePair) runMapped(cols []*ColumnPair, window int) error {
	var idm *idmap.IdMap
	if !tp.newOrderOnly() {
		idm = tp.orderIdm
	}
	it := rowset.NewMapping(int64(tp.first), int64(tp.lastExcl), idm, window, tp.cfg.MinIdxIDs)
	processed := 0
	for {
		rs, err := it.Next()
		if err != nil {
			return err
		}
		if rs == nil {
			return nil
		}
		pairs := rs.IdxMapping()
		windowLo, ord := ordinalsFromPairs(pairs)
		for _, cp := range cols {
			cp.sorter.BeginRowSet(windowLo, ord)
			for _, p := range pairs {
				cell, err := cp.Reader.Read(rowid.ID(p.Old))
				if err != nil {
					return err
				}
				if err := cp.sorter.Write(cell); err != nil {
					return err
				}
				processed++
				if processed%cancelEvery == 0 && tp.quitting.Requested() {
					return errors.E(errors.Canceled, "reorder: interrupted mid phase")
				}
			}
			if err := cp.sorter.Flush(); err != nil {
				return err
			}
		}
	}
}

func (tp *TablePair) runSorting(cols []*ColumnPair, window int) error {
	it := rowset.NewSorting(int64(tp.first), int64(tp.lastExcl), tp.orderIdm, window, tp.cfg.MinIdxIDs)
	processed := 0
	for {
		rs, err := it.Next()
		if err != nil {
			return err
		}
		if rs == nil {
			return nil
		}
		ids, ord := rs.SourceIDs()
		windowLo := rs.WindowLo()
		for _, cp := range cols {
			cp.sorter.BeginRowSet(windowLo, ord)
			for _, old := range ids {
				cell, err := cp.Reader.Read(rowid.ID(old))
				if err != nil {
					return err
				}
				if err := cp.sorter.Write(cell); err != nil {
					return err
				}
				processed++
				if processed%cancelEvery == 0 && tp.quitting.Requested() {
					return errors.E(errors.Canceled, "reorder: interrupted mid phase")
				}
			}
			if err := cp.sorter.Flush(); err != nil {
				return err
			}
		}
	}
}

// newOrderOnly is overridden by SetMappedNewOrderScan; by default a
// TablePair dereferences its orderIdm for the mapped classes.
func (tp *TablePair) newOrderOnly() bool { return tp.mappedNewOrderScan }

// SetMappedNewOrderScan switches the mapped/large-mapped phases to an
// auto-generated (old=new) scan instead of dereferencing orderIdm — used
// when this table's ids were already assigned by the time those phases
// run (SEQUENCE, after alloc_missing_new_ids).
func (tp *TablePair) SetMappedNewOrderScan(v bool) { tp.mappedNewOrderScan = v }

// ordinalsFromPairs derives the (windowLo, ordinals) pair BufferedSortWriter
// needs from a Mapping discipline's IdxMapping buffer: unlike Sorting's
// SourceIDs, IdxMapping pairs carry an absolute new-id, so windowLo is the
// minimum new-id actually present in this window.
func ordinalsFromPairs(pairs []idmap.Pair) (windowLo int64, ord []uint32) {
	if len(pairs) == 0 {
		return 0, nil
	}
	windowLo = pairs[0].New
	for _, p := range pairs[1:] {
		if p.New < windowLo {
			windowLo = p.New
		}
	}
	ord = make([]uint32, len(pairs))
	for i, p := range pairs {
		ord[i] = uint32(p.New - windowLo)
	}
	return windowLo, ord
}
