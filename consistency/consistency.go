// Package consistency implements the post-copy ConsistencyChecker: a
// cross-check between a REFERENCE table's <ALIGN>_IDS columns and an
// alignment table's REF_ID column, run once both tables have been fully
// written. See spec section 4.7.
package consistency

import (
	"github.com/grailbio/base/errors"

	"github.com/grailbio/sra-sort/rowid"
)

// RefIDsColumn reads one REFERENCE row's already-rewritten (new-id)
// alignment ids.
type RefIDsColumn interface {
	// ReadRow returns the alignment ids referenced by REFERENCE row id, or
	// ok=false once the table is exhausted.
	ReadRow(id rowid.ID) (ids []int64, ok bool, err error)
}

// AlignRefIDColumn reads one alignment row's REF_ID back-reference.
type AlignRefIDColumn interface {
	// ReadRefID returns the REFERENCE row id alignment row id claims to
	// belong to, or ok=false once the table is exhausted.
	ReadRefID(id rowid.ID) (refID rowid.ID, ok bool, err error)
}

// Violation describes one join-integrity mismatch, with enough context to
// locate the offending rows without re-scanning.
type Violation struct {
	RefRow   rowid.ID
	AlignRow rowid.ID
	Expected rowid.ID
	Found    rowid.ID
	Reason   string
}

func (v Violation) Error() string {
	return errors.E(errors.Integrity,
		"consistency: ref row", int64(v.RefRow), "align row", int64(v.AlignRow),
		"expected", int64(v.Expected), "found", int64(v.Found), v.Reason).Error()
}

// Checker cross-checks one REFERENCE <ALIGN>_IDS column against one
// alignment table's REF_ID column.
type Checker struct {
	ref   RefIDsColumn
	align AlignRefIDColumn
}

// New builds a Checker over the given column pair.
func New(ref RefIDsColumn, align AlignRefIDColumn) *Checker {
	return &Checker{ref: ref, align: align}
}

// Run walks both tables to their ends, verifying:
//   - each REFERENCE row's alignment ids are zero or more sequential
//     integers beginning exactly one past the previous row's last id;
//   - for each alignment id a referenced by REFERENCE row r,
//     ALIGNMENT[a].REF_ID == r;
//   - both tables are walked to their last ids (neither is short).
//
// It returns the first Violation found, or nil if the join is intact.
func (c *Checker) Run() (*Violation, error) {
	var lastAssigned rowid.ID // highest alignment id accounted for so far
	refRow := rowid.ID(1)
	alignRowsSeen := rowid.ID(0)

	for {
		ids, ok, err := c.ref.ReadRow(refRow)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		for _, id := range ids {
			want := lastAssigned + 1
			if rowid.ID(id) != want {
				return &Violation{
					RefRow: refRow, AlignRow: rowid.ID(id), Expected: want, Found: rowid.ID(id),
					Reason: "REFERENCE alignment ids not sequential from previous row's last id",
				}, nil
			}
			lastAssigned = rowid.ID(id)
			alignRowsSeen++

			refID, alignOK, err := c.align.ReadRefID(rowid.ID(id))
			if err != nil {
				return nil, err
			}
			if !alignOK {
				return &Violation{
					RefRow: refRow, AlignRow: rowid.ID(id), Expected: refRow, Found: 0,
					Reason: "alignment row referenced by REFERENCE does not exist",
				}, nil
			}
			if refID != refRow {
				return &Violation{
					RefRow: refRow, AlignRow: rowid.ID(id), Expected: refRow, Found: refID,
					Reason: "alignment row's REF_ID does not match referencing REFERENCE row",
				}, nil
			}
		}
		refRow++
	}

	// Confirm the alignment table itself has no rows beyond the last one
	// any REFERENCE row claimed.
	if _, ok, err := c.align.ReadRefID(lastAssigned + 1); err != nil {
		return nil, err
	} else if ok {
		return &Violation{
			RefRow: refRow - 1, AlignRow: lastAssigned + 1, Expected: 0, Found: lastAssigned + 1,
			Reason: "alignment table has rows no REFERENCE row references",
		}, nil
	}

	return nil, nil
}
