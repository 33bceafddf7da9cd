package consistency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grailbio/sra-sort/rowid"
)

type fakeRefIDs struct {
	rows [][]int64 // row i+1 -> alignment ids
}

func (f *fakeRefIDs) ReadRow(id rowid.ID) ([]int64, bool, error) {
	i := int(id) - 1
	if i < 0 || i >= len(f.rows) {
		return nil, false, nil
	}
	return f.rows[i], true, nil
}

type fakeAlignRefID struct {
	refOf map[rowid.ID]rowid.ID
}

func (f *fakeAlignRefID) ReadRefID(id rowid.ID) (rowid.ID, bool, error) {
	r, ok := f.refOf[id]
	if !ok {
		return 0, false, nil
	}
	return r, true, nil
}

func TestCheckerPassesOnConsistentJoin(t *testing.T) {
	ref := &fakeRefIDs{rows: [][]int64{{1, 2}, {3}, {}}}
	align := &fakeAlignRefID{refOf: map[rowid.ID]rowid.ID{1: 1, 2: 1, 3: 2}}

	v, err := New(ref, align).Run()
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestCheckerCatchesNonSequentialIDs(t *testing.T) {
	// Row 2 should start at id 3 (one past row 1's last id 2) but claims id 4.
	ref := &fakeRefIDs{rows: [][]int64{{1, 2}, {4}}}
	align := &fakeAlignRefID{refOf: map[rowid.ID]rowid.ID{1: 1, 2: 1, 4: 2}}

	v, err := New(ref, align).Run()
	require.NoError(t, err)
	require.NotNil(t, v)
	require.EqualValues(t, 2, v.RefRow)
	require.EqualValues(t, 3, v.Expected)
}

func TestCheckerCatchesWrongBackReference(t *testing.T) {
	ref := &fakeRefIDs{rows: [][]int64{{1}, {2}}}
	align := &fakeAlignRefID{refOf: map[rowid.ID]rowid.ID{1: 1, 2: 99}}

	v, err := New(ref, align).Run()
	require.NoError(t, err)
	require.NotNil(t, v)
	require.EqualValues(t, 2, v.RefRow)
	require.EqualValues(t, 99, v.Found)
}

func TestCheckerCatchesUnreferencedTrailingAlignmentRows(t *testing.T) {
	ref := &fakeRefIDs{rows: [][]int64{{1}}}
	align := &fakeAlignRefID{refOf: map[rowid.ID]rowid.ID{1: 1, 2: 1}}

	v, err := New(ref, align).Run()
	require.NoError(t, err)
	require.NotNil(t, v)
	require.EqualValues(t, 2, v.AlignRow)
}

func TestCheckerCatchesDanglingReference(t *testing.T) {
	ref := &fakeRefIDs{rows: [][]int64{{1, 2}}}
	align := &fakeAlignRefID{refOf: map[rowid.ID]rowid.ID{1: 1}}

	v, err := New(ref, align).Run()
	require.NoError(t, err)
	require.NotNil(t, v)
	require.EqualValues(t, 2, v.AlignRow)
}

func TestRunBackgroundCompletes(t *testing.T) {
	ref := &fakeRefIDs{rows: [][]int64{{1}}}
	align := &fakeAlignRefID{refOf: map[rowid.ID]rowid.ID{1: 1}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wait := RunBackground(ctx, New(ref, align))
	v, err := wait()
	require.NoError(t, err)
	require.Nil(t, v)
}
