// Package idmap implements the bi-directional, file-backed old-id/new-id
// index that lets the reorder engine translate row-ids in both directions
// while the working set vastly exceeds RAM. See TablePair and JoinKeyBuilder
// for the two ways an IdMap gets populated, and RowSetIterator's Mapping and
// Sorting disciplines for the consumer side.
package idmap

import (
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Pair is an (old, new) row-id correspondence.
type Pair struct {
	Old int64
	New int64
}

// IdMap is one bi-directional id index, as described in spec section 4.2.
// It is reference-counted: the TablePair that creates it and the TablePair
// that later consumes it (e.g. SEQUENCE remapping PRIMARY_ALIGNMENT_ID
// through an alignment table's IdMap) each hold a Duplicate'd reference,
// and the map's temp files are only closed once the last Release runs.
type IdMap struct {
	name string

	mu         sync.Mutex
	refs       int
	firstID    int64
	numIDs     uint64
	rangeFixed bool
	idSize     int

	oldToNew  *packedFile
	newToOld  *packedFile
	posLen    *packedFile // nil unless created forPosLen
	forPosLen bool

	maxNewID     int64
	numMappedIDs uint64

	tmpDir        string
	scanBlockSize int
}

// DefaultScanBlockSize is the buffer size used to stream old_to_new unless
// SetScanBlockSize overrides it.
const DefaultScanBlockSize = 32 << 10

// Create returns a new, empty IdMap; it opens no files. SetIDRange creates
// the old_to_new and new_to_old temp files. forPosLen allows the poslen
// side channel (used only by alignment tables), whose file is created on
// the first SetPosLen.
func Create(tmpDir, name string, forPosLen bool) (*IdMap, error) {
	m := &IdMap{
		name:          name,
		refs:          1,
		tmpDir:        tmpDir,
		scanBlockSize: DefaultScanBlockSize,
		forPosLen:     forPosLen,
	}
	return m, nil
}

// SetScanBlockSize overrides the buffer size used by the sequential scans
// of old_to_new in SelectOldToNew and ConsistencyCheck.
func (m *IdMap) SetScanBlockSize(n int) {
	if n > 0 {
		m.scanBlockSize = n
	}
}

// SetIDRange fixes the id range this map covers. It may only be called once,
// before any write.
func (m *IdMap) SetIDRange(first int64, num uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rangeFixed {
		return errors.E(errors.Precondition, "idmap "+m.name+": set_id_range called twice")
	}
	m.firstID = first
	m.numIDs = num
	m.idSize = idSizeFor(num)
	m.rangeFixed = true
	m.maxNewID = first - 1

	var err error
	if m.oldToNew, err = createPackedFile(m.tmpDir, "sra-sort-"+m.name+".old.*", m.idSize); err != nil {
		return err
	}
	if m.newToOld, err = createPackedFile(m.tmpDir, "sra-sort-"+m.name+".new.*", m.idSize); err != nil {
		return err
	}
	return nil
}

// enablePosLen lazily creates the poslen side file; called the first time
// SetPosLen is used so that non-alignment IdMaps never pay for it.
func (m *IdMap) enablePosLen() error {
	if m.posLen != nil {
		return nil
	}
	if !m.forPosLen {
		log.Panicf("idmap %s: set_poslen on a map not created for poslen (WrongKind)", m.name)
	}
	if !m.rangeFixed {
		log.Panicf("idmap %s: set_poslen before set_id_range", m.name)
	}
	var err error
	m.posLen, err = createPackedFile(m.tmpDir, "sra-sort-"+m.name+".pos.*", 8)
	return err
}

func (m *IdMap) checkRange() {
	if !m.rangeFixed {
		log.Panicf("idmap %s: id range undefined", m.name)
	}
}

func (m *IdMap) checkOld(old int64) uint64 {
	if old < m.firstID || uint64(old-m.firstID) >= m.numIDs {
		log.Panicf("idmap %s: old id %d out of range [%d, %d)", m.name, old, m.firstID, m.firstID+int64(m.numIDs))
	}
	return uint64(old - m.firstID)
}

func (m *IdMap) checkNew(new int64) uint64 {
	if new < m.firstID || uint64(new-m.firstID) >= m.numIDs {
		log.Panicf("idmap %s: new id %d out of range [%d, %d)", m.name, new, m.firstID, m.firstID+int64(m.numIDs))
	}
	return uint64(new - m.firstID)
}

// SetOldToNew writes each pair into old_to_new at (old-first)*id_size. When
// ordered is false (the --unsorted-old-new CLI flag), callers may pass pairs
// in any order; the file is still addressed by old-id regardless, so this
// only changes whether the writes land sequentially or scattered on disk.
func (m *IdMap) SetOldToNew(pairs []Pair, ordered bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkRange()
	if ordered {
		sorted := append([]Pair(nil), pairs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Old < sorted[j].Old })
		pairs = sorted
	}
	for _, p := range pairs {
		idx := m.checkOld(p.Old)
		if err := m.oldToNew.set(idx, uint64(p.New-m.firstID+1)); err != nil {
			return err
		}
	}
	return nil
}

// SetNewToOld writes pairs into new_to_old and advances max_new_id.
func (m *IdMap) SetNewToOld(pairs []Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkRange()
	for _, p := range pairs {
		idx := m.checkNew(p.New)
		if err := m.newToOld.set(idx, uint64(p.Old-m.firstID+1)); err != nil {
			return err
		}
		if p.New > m.maxNewID {
			m.maxNewID = p.New
		}
		m.numMappedIDs++
	}
	return nil
}

// SetPosLen writes values (already in new-id order) to the poslen side
// channel for the last len(values) new-ids, ending at max_new_id; callers
// therefore call SetNewToOld for those ids first.
func (m *IdMap) SetPosLen(values []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkRange()
	if err := m.enablePosLen(); err != nil {
		return err
	}
	start := uint64(m.maxNewID - m.firstID + 1 - int64(len(values)))
	for i, v := range values {
		if err := m.posLen.set(start+uint64(i), v); err != nil {
			return err
		}
	}
	return nil
}

// ReadPosLen reads up to n values starting at new-id startID, returning the
// values actually read (fewer at EOF).
func (m *IdMap) ReadPosLen(startID int64, n int) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkRange()
	if m.posLen == nil {
		log.Panicf("idmap %s: read_poslen on a map not created for poslen", m.name)
	}
	idx := m.checkNew(startID)
	out := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		if idx+uint64(i) >= m.numIDs {
			break
		}
		v, err := m.posLen.get(idx + uint64(i))
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// MapSingleOldToNew looks up old's new-id. If none is assigned yet and
// insert is true, a fresh new_id = max_new_id+1 is assigned and written to
// both directions; otherwise an unassigned id maps to 0.
func (m *IdMap) MapSingleOldToNew(old int64, insert bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkRange()
	idx := m.checkOld(old)
	raw, err := m.oldToNew.get(idx)
	if err != nil {
		return 0, err
	}
	if raw != 0 {
		return int64(raw-1) + m.firstID, nil
	}
	if !insert {
		return 0, nil
	}
	m.maxNewID++
	newID := m.maxNewID
	if err := m.oldToNew.set(idx, uint64(newID-m.firstID+1)); err != nil {
		return 0, err
	}
	if err := m.newToOld.set(m.checkNew(newID), uint64(old-m.firstID+1)); err != nil {
		return 0, err
	}
	m.numMappedIDs++
	return newID, nil
}

// SelectOldToNew streams old_to_new sequentially and returns, in old-id
// order, every (old,new) pair whose new-id falls in [newLo, newLo+n). This
// is the operation the Mapping RowSet discipline drives: instead of seeking
// to each of up to n scattered new-ids, it makes one linear pass over the
// file the source table can address efficiently (by old-id) and filters.
func (m *IdMap) SelectOldToNew(newLo int64, n int) ([]Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkRange()
	lo := uint64(newLo - m.firstID + 1)
	hi := lo + uint64(n)
	var out []Pair
	err := m.oldToNew.scan(m.scanBlockSize, func(idx uint64, raw uint64) error {
		if raw == 0 {
			return nil
		}
		if raw >= lo && raw < hi {
			out = append(out, Pair{
				Old: int64(idx) + m.firstID,
				New: int64(raw-1) + m.firstID,
			})
		}
		return nil
	})
	return out, err
}

// AllocMissingNewIDs makes a second pass over old_to_new; every zero
// ("unassigned") entry gets a freshly minted new_id = ++max_new_id, written
// to both directions. It returns the first newly allocated new-id, or 0 if
// none were missing. This is how an unaligned-only SEQUENCE spot, which no
// alignment ever referenced, finally gets a destination row.
func (m *IdMap) AllocMissingNewIDs(maxBufferedPairs int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkRange()
	if maxBufferedPairs <= 0 {
		maxBufferedPairs = 1 << 16
	}
	firstAllocated := int64(0)
	var staged []Pair

	flush := func() error {
		if len(staged) == 0 {
			return nil
		}
		for _, p := range staged {
			if err := m.newToOld.set(m.checkNew(p.New), uint64(p.Old-m.firstID+1)); err != nil {
				return err
			}
			m.numMappedIDs++
		}
		for _, p := range staged {
			if err := m.oldToNew.set(m.checkOld(p.Old), uint64(p.New-m.firstID+1)); err != nil {
				return err
			}
		}
		staged = staged[:0]
		return nil
	}

	// Reads go through get() rather than scan(). Staged pairs are written
	// by flush, which can run mid-pass once maxBufferedPairs are staged; it
	// only writes old_to_new entries this loop has already passed.
	for i := uint64(0); i < m.numIDs; i++ {
		raw, err := m.oldToNew.get(i)
		if err != nil {
			return 0, err
		}
		if raw != 0 {
			continue
		}
		m.maxNewID++
		newID := m.maxNewID
		if firstAllocated == 0 {
			firstAllocated = newID
		}
		staged = append(staged, Pair{Old: int64(i) + m.firstID, New: newID})
		if len(staged) >= maxBufferedPairs {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return firstAllocated, nil
}

// NumMappedIDs returns the monotone count of ids assigned so far, for
// progress reporting.
func (m *IdMap) NumMappedIDs() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numMappedIDs
}

// MaxNewID returns the highest new-id assigned so far.
func (m *IdMap) MaxNewID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxNewID
}

// Range returns the [first, first+num) id range this map covers.
func (m *IdMap) Range() (first int64, num uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstID, m.numIDs
}

// ConsistencyCheck verifies the bijection invariant from spec section 8:
// every non-zero old_to_new entry has a matching new_to_old entry, and vice
// versa for ids up to max_new_id.
func (m *IdMap) ConsistencyCheck() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkRange()
	var firstBad error
	err := m.oldToNew.scan(m.scanBlockSize, func(idx uint64, raw uint64) error {
		if raw == 0 {
			return nil
		}
		newIdx := raw - 1
		back, err := m.newToOld.get(newIdx)
		if err != nil {
			return err
		}
		if back == 0 || back-1 != idx {
			if firstBad == nil {
				firstBad = errors.E(errors.Integrity,
					"idmap "+m.name+": bijection broken at old idx", idx)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for newIdx := uint64(0); firstBad == nil && int64(newIdx) <= m.maxNewID-m.firstID; newIdx++ {
		back, err := m.newToOld.get(newIdx)
		if err != nil {
			return err
		}
		var fwd uint64
		if back != 0 {
			if fwd, err = m.oldToNew.get(back - 1); err != nil {
				return err
			}
		}
		if fwd != newIdx+1 {
			firstBad = errors.E(errors.Integrity, "idmap "+m.name+": bijection broken at new idx", newIdx)
		}
	}
	return firstBad
}

// Duplicate takes another reference on the map; the caller must Release it.
func (m *IdMap) Duplicate() *IdMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs++
	return m
}

// Release drops a reference; the last Release closes the backing files.
func (m *IdMap) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs--
	if m.refs > 0 {
		return nil
	}
	return m.whackLocked()
}

// Whack forcibly closes the backing files regardless of outstanding
// references; only used on the error path when a table copy aborts.
func (m *IdMap) Whack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.whackLocked()
}

func (m *IdMap) whackLocked() error {
	var firstErr error
	closeIfSet := func(f *packedFile) {
		if f == nil {
			return
		}
		if err := f.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	closeIfSet(m.oldToNew)
	closeIfSet(m.newToOld)
	closeIfSet(m.posLen)
	return firstErr
}
