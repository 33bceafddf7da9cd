package reorder

import (
	"context"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/sra-sort/consistency"
	"github.com/grailbio/sra-sort/idmap"
	"github.com/grailbio/sra-sort/vdbcore"
)

// Metadata node paths written by the SEQUENCE post-copy hook.
const (
	MetaFirstHalfAligned = "unaligned/first-half-aligned"
	MetaFirstUnaligned   = "unaligned/first-unaligned"
)

// TableEntry is one table's driver plus the hooks DbPair calls around its
// copy: PreExplode precomputes ranges, creates IdMaps a later table will
// consume, or (SEQUENCE) backfills unaligned spots before the mapped phase
// runs; PostCopy releases owned IdMaps, starts a consistency check, or
// writes SEQUENCE's metadata markers.
type TableEntry struct {
	Pair        *TablePair
	PreExplode  func() error
	PostCopy    func() error
	SrcMeta     vdbcore.MetadataTree
	DstMeta     vdbcore.MetadataTree
	ExcludeMeta []string
}

// DbPair sequences a whole database's table copies in the fixed order spec
// section 4.6 requires (REFERENCE, PRIMARY_ALIGNMENT, SECONDARY_ALIGNMENT,
// EVIDENCE_ALIGNMENT, SEQUENCE, for a cSRA archive) and then copies the
// auxiliary directory subtree.
type DbPair struct {
	Tables          []*TableEntry
	Dir             vdbcore.DirectoryPair
	ExcludeDirNodes []string

	// pendingCheck is the one outstanding consistency.RunBackground wait
	// func, if any. Spec section 5 allows "at most one background
	// thread", so a new check is never started until this one has been
	// joined — see joinPendingCheck and Run's final join.
	pendingCheck func() (*consistency.Violation, error)
}

// AddConsistencyCheck is a TableEntry.PostCopy hook factory: it joins any
// previously started check (enforcing at most one background consistency
// check in flight at a time), then starts checker in the background via
// consistency.RunBackground, letting it run concurrently with later
// tables' own copy phases per spec section 4.7. The check a hook starts is
// reported by the next hook's join, which returns its failure or Violation
// as an error, or by Run once every table has been copied.
func (db *DbPair) AddConsistencyCheck(checker *consistency.Checker) func() error {
	return func() error {
		if err := db.joinPendingCheck(); err != nil {
			return err
		}
		db.pendingCheck = consistency.RunBackground(context.Background(), checker)
		return nil
	}
}

func (db *DbPair) joinPendingCheck() error {
	if db.pendingCheck == nil {
		return nil
	}
	wait := db.pendingCheck
	db.pendingCheck = nil
	v, err := wait()
	if err != nil {
		return errors.E(err, "reorder: consistency check")
	}
	if v != nil {
		return errors.E(errors.Integrity, "reorder: consistency check found a violation", v)
	}
	return nil
}

// Run executes every table's pre-explode hook, explode, metadata copy,
// phase copy and post-copy hook in order, then copies the directory
// subtree. It stops at the first error (spec section 7's "first error
// latched" propagation model): subsequent tables are not attempted. Any
// consistency check started via AddConsistencyCheck is joined once every
// table has copied, before the directory subtree copy.
func (db *DbPair) Run() error {
	for _, t := range db.Tables {
		if err := db.runTable(t); err != nil {
			return errors.E(err, "reorder: db copy failed at table", t.Pair.Name)
		}
	}
	if err := db.joinPendingCheck(); err != nil {
		return err
	}
	if db.Dir != nil {
		if err := db.Dir.Copy(db.ExcludeDirNodes); err != nil {
			return errors.E(err, "reorder: directory subtree copy")
		}
	}
	return nil
}

func (db *DbPair) runTable(t *TableEntry) error {
	if t.PreExplode != nil {
		if err := t.PreExplode(); err != nil {
			return errors.E(err, "pre-explode")
		}
	}
	t.Pair.Explode()
	if t.DstMeta != nil && t.SrcMeta != nil {
		if err := t.DstMeta.CopyFrom(t.SrcMeta, t.ExcludeMeta); err != nil {
			return errors.E(err, "metadata copy")
		}
	}
	if err := t.Pair.CopyPhases(); err != nil {
		return errors.E(err, "copy phases")
	}
	if t.PostCopy != nil {
		if err := t.PostCopy(); err != nil {
			return errors.E(err, "post-copy")
		}
	}
	return nil
}

// ReleaseIdmapHook builds a PostCopy hook that releases one reference on an
// alignment table's owning IdMap, ending the REFERENCE table's join
// resolution once every alignment table that consumed it has finished.
func ReleaseIdmapHook(idm *idmap.IdMap) func() error {
	return func() error {
		if idm == nil {
			return nil
		}
		return idm.Release()
	}
}

// AllocMissingNewIDsHook builds a PreExplode hook that backfills every
// SEQUENCE spot no alignment table ever referenced with a freshly minted
// new-id, before SEQUENCE's own columns are exploded and copied (spec
// section 5: "alloc_missing_new_ids runs after SEQUENCE's pre-copy hook and
// before SEQUENCE's mapped phase"). Without this, SelectOldToNew's mapped
// phase would never see those spots' old ids at all, since their old_to_new
// entries would still read zero, and the destination would come up short
// the row count check in spec section 4.2 requires. out receives the first
// newly allocated new-id (0 if none were missing), for
// SequencePostCopyHook's metadata marker.
func AllocMissingNewIDsHook(idm *idmap.IdMap, out *int64) func() error {
	return func() error {
		firstUnaligned, err := idm.AllocMissingNewIDs(0)
		if err != nil {
			return err
		}
		*out = firstUnaligned
		return nil
	}
}

// SequencePostCopyHook builds the SEQUENCE table's post-copy hook: record
// the first-half-aligned and first-unaligned metadata markers.
// firstHalfAligned is the lowest new-id CaptureWriter observed during the
// mapped phase, or 0 if every spot that had any alignment was fully
// aligned; firstUnaligned is AllocMissingNewIDsHook's out value, already
// populated by the time PostCopy runs.
func SequencePostCopyHook(dstMeta vdbcore.MetadataTree, firstHalfAligned, firstUnaligned int64) func() error {
	return func() error {
		if firstHalfAligned > 0 {
			if err := writeInt64Node(dstMeta, MetaFirstHalfAligned, firstHalfAligned); err != nil {
				return err
			}
		}
		if firstUnaligned > 0 {
			if err := writeInt64Node(dstMeta, MetaFirstUnaligned, firstUnaligned); err != nil {
				return err
			}
		}
		return nil
	}
}

func writeInt64Node(meta vdbcore.MetadataTree, path string, v int64) error {
	data := make([]byte, 8)
	u := uint64(v)
	for i := 0; i < 8; i++ {
		data[i] = byte(u >> (8 * uint(i)))
	}
	if err := meta.SetNode(path, data); err != nil {
		return err
	}
	return nil
}
