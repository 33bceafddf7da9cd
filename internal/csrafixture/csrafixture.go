// Package csrafixture synthesizes small, cSRA-shaped table fixtures for the
// reorder package's end-to-end test: enough of a SEQUENCE /
// PRIMARY_ALIGNMENT / REFERENCE triple to drive a real TablePair/DbPair
// copy without a VDB archive on disk. It borrows sam.Record's field-naming
// conventions (Name, Ref, Pos) purely so a fixture's spots and alignments
// read the way a biologist skimming the test would expect; the package
// never reads or writes actual SAM/BAM data; see
// encoding/pam/pam_e2e_test.go for the teacher's analogous pattern of
// building a synthetic record set and round-tripping it through a real
// writer+reader pair.
package csrafixture

import (
	"github.com/biogo/hts/sam"

	"github.com/grailbio/sra-sort/rowid"
	"github.com/grailbio/sra-sort/vdbcore"
)

// Read names one sequencing read within a fixture spot, carrying just
// enough sam.Record-shaped metadata (Name, Ref, Pos) for a test to describe
// "read X of spot Y aligns to chromosome Z at position P" without spelling
// out raw row-ids everywhere.
type Read struct {
	Rec    *sam.Record
	RefRow rowid.ID // 0 means unaligned
	Start  uint32   // offset within RefRow's chunk
	Len    uint32
}

// Spot is one SEQUENCE row: a set of reads (usually one or two) that share
// a spot id, some aligned, some not.
type Spot struct {
	Name  string
	Reads []Read
}

// Chromosome groups the REFERENCE rows (chunks) belonging to one named
// reference sequence, mirroring how sam.Reference names a BAM/SAM contig.
type Chromosome struct {
	Ref       *sam.Reference
	ChunkSize uint32
	NumChunks int
}

// Builder accumulates spots and chromosomes, then lays them out into the
// flat row-keyed column maps MemTable expects. REFERENCE row-ids are
// assigned as each chromosome is added (not deferred to Build), so a test
// can reference a chunk's row-id immediately when wiring up Reads.
type Builder struct {
	chroms   []Chromosome
	spots    []Spot
	chunkRow map[string]rowid.ID
	nextRef  rowid.ID
}

// NewBuilder starts an empty fixture.
func NewBuilder() *Builder {
	return &Builder{chunkRow: make(map[string]rowid.ID), nextRef: 1}
}

// AddChromosome registers a reference sequence with numChunks REFERENCE
// rows of chunkSize each, and returns their assigned row-ids so a test can
// build Reads against them.
func (b *Builder) AddChromosome(name string, chunkSize uint32, numChunks int) (*Builder, []rowid.ID) {
	ref, _ := sam.NewReference(name, "", "", numChunks*int(chunkSize), nil, nil)
	b.chroms = append(b.chroms, Chromosome{Ref: ref, ChunkSize: chunkSize, NumChunks: numChunks})
	rows := make([]rowid.ID, numChunks)
	for i := 0; i < numChunks; i++ {
		rows[i] = b.nextRef
		b.chunkRow[name+"#"+itoa(i)] = b.nextRef
		b.nextRef++
	}
	return b, rows
}

// ChunkRow returns the row-id AddChromosome assigned to one of its chunks.
func (b *Builder) ChunkRow(name string, chunkIdx int) rowid.ID {
	return b.chunkRow[name+"#"+itoa(chunkIdx)]
}

// AddSpot registers one SEQUENCE row.
func (b *Builder) AddSpot(s Spot) *Builder {
	b.spots = append(b.spots, s)
	return b
}

// Layout is the fully materialized fixture: one MemTable per cSRA table,
// plus the bookkeeping a test needs to locate a particular spot's or
// alignment's source row-id by name.
type Layout struct {
	Sequence        *MemTable
	PrimaryAlign    *MemTable
	Reference       *MemTable
	SpotRowOf       map[string]rowid.ID
	AlignRowOf      map[string]rowid.ID // keyed by "spotName#readIndex"
	RefRowChunkSize map[rowid.ID]uint32
}

// Build lays every registered spot and chromosome out into dense,
// 1-based row-ids in registration order — REFERENCE chunks first (so
// alignments can reference them), then alignments, then spots — mirroring
// the source-archive row order the reorder engine is built to accept in
// arbitrary order in the first place.
func (b *Builder) Build() *Layout {
	l := &Layout{
		Sequence:        NewMemTable("SEQUENCE"),
		PrimaryAlign:    NewMemTable("PRIMARY_ALIGNMENT"),
		Reference:       NewMemTable("REFERENCE"),
		SpotRowOf:       make(map[string]rowid.ID),
		AlignRowOf:      make(map[string]rowid.ID),
		RefRowChunkSize: make(map[rowid.ID]uint32),
	}

	// REFERENCE rows, one per chunk across every chromosome, at the row-ids
	// AddChromosome already handed out (mirrors a cSRA's table-order
	// concatenation of reference sequences for the global-position space).
	for _, c := range b.chroms {
		for chunk := 0; chunk < c.NumChunks; chunk++ {
			row := b.chunkRow[c.Ref.Name()+"#"+itoa(chunk)]
			l.RefRowChunkSize[row] = c.ChunkSize
			l.Reference.SetIDs(row, "PRIMARY_ALIGNMENT_IDS", nil)
		}
	}
	l.Reference.first, l.Reference.lastExcl = 1, b.nextRef

	// Alignments: one PRIMARY_ALIGNMENT row per aligned Read, assigned
	// row-ids in spot/read registration order (an arbitrary source order,
	// exactly as spec section 1 describes archives arriving).
	alignRow := rowid.ID(1)
	refIDsByRefRow := make(map[rowid.ID][]int64)
	for _, s := range b.spots {
		for ri, r := range s.Reads {
			if r.RefRow == 0 {
				continue
			}
			key := s.Name + "#" + itoa(ri)
			l.AlignRowOf[key] = alignRow
			l.PrimaryAlign.SetInt64(alignRow, "REF_ID", int64(r.RefRow))
			l.PrimaryAlign.SetUint32(alignRow, "REF_START", r.Start)
			l.PrimaryAlign.SetUint32(alignRow, "REF_LEN", r.Len)
			refIDsByRefRow[r.RefRow] = append(refIDsByRefRow[r.RefRow], int64(alignRow))
			alignRow++
		}
	}
	l.PrimaryAlign.first, l.PrimaryAlign.lastExcl = 1, alignRow
	for row, ids := range refIDsByRefRow {
		l.Reference.SetIDs(row, "PRIMARY_ALIGNMENT_IDS", ids)
	}

	// SEQUENCE rows, then backfill each alignment's SEQ_SPOT_ID now that
	// spot row-ids are known.
	spotRow := rowid.ID(1)
	for _, s := range b.spots {
		l.SpotRowOf[s.Name] = spotRow
		ids := make([]int64, len(s.Reads))
		for ri, r := range s.Reads {
			if r.RefRow == 0 {
				ids[ri] = 0
				continue
			}
			key := s.Name + "#" + itoa(ri)
			a := l.AlignRowOf[key]
			ids[ri] = int64(a)
			l.PrimaryAlign.SetInt64(a, "SEQ_SPOT_ID", int64(spotRow))
		}
		l.Sequence.SetIDs(spotRow, "PRIMARY_ALIGNMENT_ID", ids)
		spotRow++
	}
	l.Sequence.first, l.Sequence.lastExcl = 1, spotRow

	return l
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

var _ vdbcore.Table = (*MemTable)(nil)
