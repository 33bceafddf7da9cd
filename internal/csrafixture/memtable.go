package csrafixture

import (
	"sort"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/sra-sort/colpipe"
	"github.com/grailbio/sra-sort/rowid"
	"github.com/grailbio/sra-sort/vdbcore"
)

// MemTable is an in-memory vdbcore.Table double: every column is a plain
// map keyed by row-id, enough to drive a real TablePair/DbPair copy in a
// test without a VDB archive on disk. It plays the same role for
// reorder's end-to-end test that encoding/pam/pam_e2e_test.go's
// in-memory []*sam.Record model plays for PAM round-trip tests.
type MemTable struct {
	name           string
	first, lastExcl rowid.ID
	cols           map[string]map[rowid.ID]vdbcore.Cell
	meta           *memMetaTree
}

// NewMemTable creates an empty table; rows are added via the SetXxx helpers
// or by OpenColumnWriter during a copy.
func NewMemTable(name string) *MemTable {
	return &MemTable{name: name, cols: make(map[string]map[rowid.ID]vdbcore.Cell), meta: newMemMetaTree()}
}

func (t *MemTable) column(name string) map[rowid.ID]vdbcore.Cell {
	c, ok := t.cols[name]
	if !ok {
		c = make(map[rowid.ID]vdbcore.Cell)
		t.cols[name] = c
	}
	return c
}

// SetIDs stores a row of int64 ids (SEQ_SPOT_ID-shaped or
// PRIMARY_ALIGNMENT_IDS-shaped columns) for row.
func (t *MemTable) SetIDs(row rowid.ID, col string, ids []int64) {
	t.column(col)[row] = colpipe.EncodeInt64Row(ids)
}

// SetInt64 stores a single scalar int64 cell (REF_ID, SEQ_SPOT_ID).
func (t *MemTable) SetInt64(row rowid.ID, col string, v int64) {
	t.SetIDs(row, col, []int64{v})
}

// SetUint32 stores a single 32-bit cell (REF_START, REF_LEN).
func (t *MemTable) SetUint32(row rowid.ID, col string, v uint32) {
	data := make([]byte, 4)
	for i := 0; i < 4; i++ {
		data[i] = byte(v >> (8 * uint(i)))
	}
	t.column(col)[row] = vdbcore.Cell{ElemBits: 32, RowLen: 1, Data: data}
}

// Int64At and Uint32At read back what SetInt64/SetUint32 stored, for test
// assertions against a destination table after a copy.
func (t *MemTable) Int64At(row rowid.ID, col string) int64 {
	return colpipe.DecodeInt64Row(t.column(col)[row])[0]
}

func (t *MemTable) IDsAt(row rowid.ID, col string) []int64 {
	c, ok := t.cols[col][row]
	if !ok {
		return nil
	}
	return colpipe.DecodeInt64Row(c)
}

func (t *MemTable) Uint32At(row rowid.ID, col string) uint32 {
	c := t.cols[col][row]
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(c.Data[i]) << (8 * uint(i))
	}
	return v
}

// Name implements vdbcore.Table.
func (t *MemTable) Name() string { return t.name }

// RowRange implements vdbcore.Table.
func (t *MemTable) RowRange() (rowid.ID, rowid.ID) { return t.first, t.lastExcl }

// SetRowRange lets a test or the fixture Builder fix the dense id range
// directly, for tables populated via OpenColumnWriter rather than the
// SetXxx helpers above.
func (t *MemTable) SetRowRange(first, lastExcl rowid.ID) { t.first, t.lastExcl = first, lastExcl }

// ColumnNames implements vdbcore.Table.
func (t *MemTable) ColumnNames() []string {
	names := make([]string, 0, len(t.cols))
	for n := range t.cols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OpenColumnReader implements vdbcore.Table.
func (t *MemTable) OpenColumnReader(name string) (vdbcore.ColumnReader, error) {
	return &memColumnReader{col: t.column(name)}, nil
}

// OpenColumnWriter implements vdbcore.Table.
func (t *MemTable) OpenColumnWriter(name string) (vdbcore.ColumnWriter, error) {
	return &memColumnWriter{dst: t, col: name}, nil
}

// Metadata implements vdbcore.Table.
func (t *MemTable) Metadata() vdbcore.MetadataTree { return t.meta }

type memColumnReader struct {
	col map[rowid.ID]vdbcore.Cell
}

func (r *memColumnReader) Read(row rowid.ID) (vdbcore.Cell, error) {
	c, ok := r.col[row]
	if !ok {
		return vdbcore.Cell{}, errors.E(errors.NotExist, "csrafixture: no row", int64(row))
	}
	return c, nil
}

type memColumnWriter struct {
	dst  *MemTable
	col  string
	next rowid.ID
}

func (w *memColumnWriter) Write(c vdbcore.Cell) error {
	if w.next == 0 {
		w.next = 1
	}
	w.dst.column(w.col)[w.next] = c
	w.next++
	return nil
}

func (w *memColumnWriter) WriteStaticRun(c vdbcore.Cell, count uint64) error {
	if w.next == 0 {
		w.next = 1
	}
	for i := uint64(0); i < count; i++ {
		w.dst.column(w.col)[w.next] = c
		w.next++
	}
	return nil
}

func (w *memColumnWriter) Commit() error { return nil }

type memMetaTree struct {
	nodes map[string][]byte
}

func newMemMetaTree() *memMetaTree { return &memMetaTree{nodes: make(map[string][]byte)} }

func (m *memMetaTree) SetNode(path string, value []byte) error {
	m.nodes[path] = value
	return nil
}

func (m *memMetaTree) GetNode(path string) ([]byte, bool, error) {
	v, ok := m.nodes[path]
	return v, ok, nil
}

func (m *memMetaTree) CopyFrom(src vdbcore.MetadataTree, excludePaths []string) error {
	srcTree, ok := src.(*memMetaTree)
	if !ok {
		return errors.E(errors.Invalid, "csrafixture: CopyFrom requires a *memMetaTree source")
	}
	excluded := make(map[string]bool, len(excludePaths))
	for _, p := range excludePaths {
		excluded[p] = true
	}
	for k, v := range srcTree.nodes {
		if excluded[k] {
			continue
		}
		m.nodes[k] = v
	}
	return nil
}
