// Package csra assembles the fixed five-table cSRA reorder job spec section
// 4.6 describes (REFERENCE, PRIMARY_ALIGNMENT, SECONDARY_ALIGNMENT,
// EVIDENCE_ALIGNMENT, SEQUENCE) into a ready-to-run reorder.DbPair, given
// already-open vdbcore.Table handles for both databases. Opening those
// tables from an on-disk archive — schema resolution, out-map/view-map,
// the VDB collaborator itself — is the CLI's job (spec section 6 names it
// an external collaborator); this package only knows the fixed cSRA column
// names and how they wire together.
package csra

import (
	"github.com/grailbio/base/errors"

	"github.com/grailbio/sra-sort/colpipe"
	"github.com/grailbio/sra-sort/consistency"
	"github.com/grailbio/sra-sort/idmap"
	"github.com/grailbio/sra-sort/joinkey"
	"github.com/grailbio/sra-sort/membank"
	"github.com/grailbio/sra-sort/reorder"
	"github.com/grailbio/sra-sort/rowid"
	"github.com/grailbio/sra-sort/vdbcore"
)

// Well-known cSRA column names spec section 8's scenarios and section 4.5
// name directly.
const (
	colSeqSpotID  = "SEQ_SPOT_ID"
	colRefID      = "REF_ID"
	colGlobalStart = "GLOBAL_REF_START"
	colRefLen     = "REF_LEN"
)

type alignmentKind struct {
	table     string // e.g. "PRIMARY_ALIGNMENT"
	refIDsCol string // e.g. "PRIMARY_ALIGNMENT_IDS", on REFERENCE
	seqIDCol  string // e.g. "PRIMARY_ALIGNMENT_ID", on SEQUENCE
	capture   bool   // only PRIMARY_ALIGNMENT_ID gets the first-half-aligned monitor
}

var alignmentKinds = []alignmentKind{
	{"PRIMARY_ALIGNMENT", "PRIMARY_ALIGNMENT_IDS", "PRIMARY_ALIGNMENT_ID", true},
	{"SECONDARY_ALIGNMENT", "SECONDARY_ALIGNMENT_IDS", "SECONDARY_ALIGNMENT_ID", false},
	{"EVIDENCE_ALIGNMENT", "EVIDENCE_ALIGNMENT_IDS", "EVIDENCE_ALIGNMENT_ID", false},
}

// Database bundles the five tables of one side (source or destination) of
// a reorder. A nil alignment table means this archive carries none of that
// kind (e.g. no EVIDENCE_ALIGNMENT); it and its REFERENCE/SEQUENCE id
// columns are skipped entirely.
type Database struct {
	Reference          vdbcore.Table
	PrimaryAlignment   vdbcore.Table
	SecondaryAlignment vdbcore.Table
	EvidenceAlignment  vdbcore.Table
	Sequence           vdbcore.Table
}

// FromArchive looks up the five well-known cSRA table names in an already
// opened vdbcore.Archive. Alignment tables are optional: an archive that
// carries no EVIDENCE_ALIGNMENT (most don't) simply leaves that field nil,
// which Assemble treats as "this alignment kind is absent" throughout.
func FromArchive(a vdbcore.Archive) (*Database, error) {
	d := &Database{}
	ref, ok := a.Table("REFERENCE")
	if !ok {
		return nil, errors.E(errors.NotExist, "csra: archive has no REFERENCE table")
	}
	d.Reference = ref
	seq, ok := a.Table("SEQUENCE")
	if !ok {
		return nil, errors.E(errors.NotExist, "csra: archive has no SEQUENCE table")
	}
	d.Sequence = seq
	if t, ok := a.Table("PRIMARY_ALIGNMENT"); ok {
		d.PrimaryAlignment = t
	}
	if t, ok := a.Table("SECONDARY_ALIGNMENT"); ok {
		d.SecondaryAlignment = t
	}
	if t, ok := a.Table("EVIDENCE_ALIGNMENT"); ok {
		d.EvidenceAlignment = t
	}
	return d, nil
}

func (d *Database) byKind(k alignmentKind) vdbcore.Table {
	switch k.table {
	case "PRIMARY_ALIGNMENT":
		return d.PrimaryAlignment
	case "SECONDARY_ALIGNMENT":
		return d.SecondaryAlignment
	case "EVIDENCE_ALIGNMENT":
		return d.EvidenceAlignment
	default:
		return nil
	}
}

// globalStartResolver resolves a PosLenResolver straight off an alignment
// table's own GLOBAL_REF_START/REF_LEN columns — the first of the two
// encodings spec section 4.4 names ("reader side decodes
// (GLOBAL_REF_START, REF_LEN) ... into the packed u64").
type globalStartResolver struct {
	start vdbcore.ColumnReader
	len   vdbcore.ColumnReader
}

func (r *globalStartResolver) Resolve(old int64) (pos uint64, length uint32, err error) {
	sc, err := r.start.Read(rowid.ID(old))
	if err != nil {
		return 0, 0, err
	}
	lc, err := r.len.Read(rowid.ID(old))
	if err != nil {
		return 0, 0, err
	}
	ids := colpipe.DecodeInt64Row(sc)
	if len(ids) != 1 {
		return 0, 0, errors.E(errors.Invalid, "csra: GLOBAL_REF_START must be a scalar id column")
	}
	return uint64(ids[0]), decodeUint32(lc), nil
}

func decodeUint32(c vdbcore.Cell) uint32 {
	var v uint32
	for i := 0; i < 4 && i < len(c.Data); i++ {
		v |= uint32(c.Data[i]) << (8 * uint(i))
	}
	return v
}

// refIDColumnAdapter turns a REFERENCE *_IDS column reader into the
// serial, ascending joinkey.AlignIDColumn a Builder expects.
type refIDColumnAdapter struct {
	rd       vdbcore.ColumnReader
	lastExcl rowid.ID
}

func (a *refIDColumnAdapter) ReadRow(id rowid.ID) ([]int64, bool, error) {
	if id >= a.lastExcl {
		return nil, false, nil
	}
	cell, err := a.rd.Read(id)
	if err != nil {
		return nil, false, err
	}
	return colpipe.DecodeInt64Row(cell), true, nil
}

// alignRefIDAdapter turns an alignment table's already-rewritten REF_ID
// column into the serial consistency.AlignRefIDColumn a Checker expects.
type alignRefIDAdapter struct {
	rd       vdbcore.ColumnReader
	lastExcl rowid.ID
}

func (a *alignRefIDAdapter) ReadRefID(id rowid.ID) (rowid.ID, bool, error) {
	if id >= a.lastExcl {
		return 0, false, nil
	}
	cell, err := a.rd.Read(id)
	if err != nil {
		return 0, false, err
	}
	ids := colpipe.DecodeInt64Row(cell)
	if len(ids) != 1 {
		return 0, false, errors.E(errors.Invalid, "csra: REF_ID must be a scalar id column")
	}
	return rowid.ID(ids[0]), true, nil
}

// plainColumn opens the column's reader/writer pair and registers it
// verbatim (no transform) under class on tp.
func plainColumn(tp *reorder.TablePair, name string, class vdbcore.ColumnClass, src, dst vdbcore.Table) error {
	rd, err := src.OpenColumnReader(name)
	if err != nil {
		return err
	}
	wr, err := dst.OpenColumnWriter(name)
	if err != nil {
		return err
	}
	tp.AddColumn(&reorder.ColumnPair{Name: name, Class: class, Reader: rd, Writer: wr})
	return nil
}

// Assemble builds the DbPair that reorders src into dst: one JoinKeyBuilder
// and one IdMap per populated alignment table, a SEQUENCE IdMap shared
// across all of them via their SEQ_SPOT_ID columns, and the fixed
// REFERENCE -> PRIMARY_ALIGNMENT -> SECONDARY_ALIGNMENT ->
// EVIDENCE_ALIGNMENT -> SEQUENCE table order (spec section 4.6). tmpDir
// backs every IdMap's temp files (spec section 6). arena, if non-nil, backs
// every alignment and SEQUENCE table's buffered-sort vocabulary cache (spec
// section 4.4's "optional MemBank-paged arena"); REFERENCE never needs one,
// since its columns are all presorted/static and never go through a
// BufferedSortWriter. Each alignment table's PostCopy hook also starts a
// consistency.Checker over its just-rewritten REF_ID column and
// REFERENCE's matching *_IDS column, joined (per spec section 4.7) before
// the next consistency check starts or Run returns.
func Assemble(tmpDir string, cfg reorder.Config, arena membank.Bank, src, dst *Database) (*reorder.DbPair, error) {
	cfg = cfg.WithDefaults()
	q := &reorder.Quitting{}
	db := &reorder.DbPair{}

	refFirst, refLastExcl := src.Reference.RowRange()
	seqFirst, seqLastExcl := src.Sequence.RowRange()

	seqIdm, err := idmap.Create(tmpDir, "sequence", false)
	if err != nil {
		return nil, err
	}
	if err := seqIdm.SetIDRange(int64(seqFirst), uint64(seqLastExcl-seqFirst)); err != nil {
		return nil, err
	}

	refTP := reorder.NewTablePair("REFERENCE", refFirst, refLastExcl, nil, cfg, q)
	refIDsCols := make(map[string]bool, len(alignmentKinds))
	for _, k := range alignmentKinds {
		refIDsCols[k.refIDsCol] = true
	}

	type activeKind struct {
		kind         alignmentKind
		alignIdm     *idmap.IdMap
		seqSideIdm   *idmap.IdMap // duplicate reference held for SEQUENCE's own copy
		srcTable     vdbcore.Table
		dstTable     vdbcore.Table
		srcLastExcl  rowid.ID
	}
	var active []activeKind

	for _, k := range alignmentKinds {
		srcTable := src.byKind(k)
		if srcTable == nil {
			continue
		}
		dstTable := dst.byKind(k)
		first, lastExcl := srcTable.RowRange()

		alignIdm, err := idmap.Create(tmpDir, k.table, true)
		if err != nil {
			return nil, err
		}
		if err := alignIdm.SetIDRange(int64(first), uint64(lastExcl-first)); err != nil {
			return nil, err
		}

		refIDsRd, err := src.Reference.OpenColumnReader(k.refIDsCol)
		if err != nil {
			return nil, err
		}
		refIDsWr, err := dst.Reference.OpenColumnWriter(k.refIDsCol)
		if err != nil {
			return nil, err
		}
		startRd, err := srcTable.OpenColumnReader(colGlobalStart)
		if err != nil {
			return nil, err
		}
		lenRd, err := srcTable.OpenColumnReader(colRefLen)
		if err != nil {
			return nil, err
		}
		resolver := &globalStartResolver{start: startRd, len: lenRd}
		jb := joinkey.New(&refIDColumnAdapter{rd: refIDsRd, lastExcl: refLastExcl}, resolver, alignIdm, cfg.MaxRefIdxIDs, !cfg.UnsortedOldNew)
		refTP.AddColumn(&reorder.ColumnPair{Name: k.refIDsCol, Class: vdbcore.ClassPresorted, Reader: joinkey.Adapt(jb), Writer: refIDsWr})

		active = append(active, activeKind{kind: k, alignIdm: alignIdm, seqSideIdm: alignIdm.Duplicate(), srcTable: srcTable, dstTable: dstTable, srcLastExcl: lastExcl})
	}

	for _, name := range src.Reference.ColumnNames() {
		if refIDsCols[name] {
			continue
		}
		if err := plainColumn(refTP, name, vdbcore.ClassPresorted, src.Reference, dst.Reference); err != nil {
			return nil, err
		}
	}

	tables := []*reorder.TableEntry{{
		Pair:    refTP,
		SrcMeta: src.Reference.Metadata(),
		DstMeta: dst.Reference.Metadata(),
	}}

	for _, a := range active {
		alignTP := reorder.NewTablePair(a.kind.table, func() rowid.ID { f, _ := a.srcTable.RowRange(); return f }(), func() rowid.ID { _, l := a.srcTable.RowRange(); return l }(), a.alignIdm, cfg, q)
		if arena != nil {
			alignTP.SetArena(arena)
		}
		for _, name := range a.srcTable.ColumnNames() {
			if name == colSeqSpotID {
				rd, err := a.srcTable.OpenColumnReader(name)
				if err != nil {
					return nil, err
				}
				wr, err := a.dstTable.OpenColumnWriter(name)
				if err != nil {
					return nil, err
				}
				alignTP.AddColumn(&reorder.ColumnPair{
					Name: name, Class: vdbcore.ClassMapped, Reader: rd, Writer: wr,
					Transform: func(inner colpipe.Writer) colpipe.Writer {
						return colpipe.NewIDRemapWriter(inner, seqIdm, true)
					},
				})
				continue
			}
			if err := plainColumn(alignTP, name, vdbcore.ClassNormal, a.srcTable, a.dstTable); err != nil {
				return nil, err
			}
		}
		dstRefIDsRd, err := dst.Reference.OpenColumnReader(a.kind.refIDsCol)
		if err != nil {
			return nil, err
		}
		dstRefIDCol, err := a.dstTable.OpenColumnReader(colRefID)
		if err != nil {
			return nil, err
		}
		// refLastExcl and a.srcLastExcl are the source-side row ranges:
		// REFERENCE and each alignment table preserve their row counts
		// across the reorder, but the destination tables' RowRange is
		// still (0, 0) here, before CopyPhases has written anything — a
		// destination-side bound would make the checker walk zero rows.
		checker := consistency.New(
			&refIDColumnAdapter{rd: dstRefIDsRd, lastExcl: refLastExcl},
			&alignRefIDAdapter{rd: dstRefIDCol, lastExcl: a.srcLastExcl},
		)
		releaseHook := reorder.ReleaseIdmapHook(a.alignIdm)
		checkHook := db.AddConsistencyCheck(checker)
		tables = append(tables, &reorder.TableEntry{
			Pair:    alignTP,
			SrcMeta: a.srcTable.Metadata(),
			DstMeta: a.dstTable.Metadata(),
			PostCopy: func() error {
				if err := releaseHook(); err != nil {
					return err
				}
				return checkHook()
			},
		})
	}

	seqTP := reorder.NewTablePair("SEQUENCE", seqFirst, seqLastExcl, seqIdm, cfg, q)
	if arena != nil {
		seqTP.SetArena(arena)
	}
	seqIDCols := make(map[string]activeKind, len(active))
	for _, a := range active {
		seqIDCols[a.kind.seqIDCol] = a
	}
	var firstHalfAligned int64
	for _, name := range src.Sequence.ColumnNames() {
		a, isAlignCol := seqIDCols[name]
		if !isAlignCol {
			if err := plainColumn(seqTP, name, vdbcore.ClassMapped, src.Sequence, dst.Sequence); err != nil {
				return nil, err
			}
			continue
		}
		rd, err := src.Sequence.OpenColumnReader(name)
		if err != nil {
			return nil, err
		}
		wr, err := dst.Sequence.OpenColumnWriter(name)
		if err != nil {
			return nil, err
		}
		idmForLookup := a.seqSideIdm
		capture := a.kind.capture
		seqTP.AddColumn(&reorder.ColumnPair{
			Name: name, Class: vdbcore.ClassMapped, Reader: rd, Writer: wr,
			Transform: func(inner colpipe.Writer) colpipe.Writer {
				remapped := colpipe.NewIDRemapWriter(inner, idmForLookup, false)
				if !capture {
					return remapped
				}
				return colpipe.NewCaptureWriter(remapped, int64(seqFirst), func(newID int64) { firstHalfAligned = newID })
			},
		})
	}

	releaseSeqSide := make([]func() error, len(active))
	for i, a := range active {
		releaseSeqSide[i] = reorder.ReleaseIdmapHook(a.seqSideIdm)
	}
	var firstUnaligned int64
	tables = append(tables, &reorder.TableEntry{
		Pair:       seqTP,
		SrcMeta:    src.Sequence.Metadata(),
		DstMeta:    dst.Sequence.Metadata(),
		PreExplode: reorder.AllocMissingNewIDsHook(seqIdm, &firstUnaligned),
		PostCopy: func() error {
			for _, release := range releaseSeqSide {
				if err := release(); err != nil {
					return err
				}
			}
			return reorder.SequencePostCopyHook(dst.Sequence.Metadata(), firstHalfAligned, firstUnaligned)()
		},
	})

	db.Tables = tables
	return db, nil
}
