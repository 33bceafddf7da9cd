// Package reorder implements the TablePair/DbPair drivers that sequence a
// whole database's table copies through the column pipeline, in the fixed
// phase and table order spec section 4.6 describes.
package reorder

import (
	"sync/atomic"

	"github.com/grailbio/sra-sort/rowset"
)

// Config carries the tunables spec section 6's CLI surface exposes to the
// core: window sizes and the old_to_new write-ordering flag.
type Config struct {
	MaxIdxIDs      int
	MinIdxIDs      int
	MaxLargeIdxIDs int
	MaxRefIdxIDs   int
	// UnsortedOldNew skips the sort-by-old-id pass before writing
	// old_to_new (--unsorted-old-new); it changes write access pattern
	// only, never the resulting mapping.
	UnsortedOldNew bool
}

func (c Config) withDefaults() Config { return c.WithDefaults() }

// WithDefaults fills in every zero-valued RowSetIterator window with this
// package's default, the way TablePair's own constructor does for every
// TablePair it builds; exported so assemblers (e.g. package csra) can
// normalize a Config once up front before threading it through several
// TablePairs. MaxRefIdxIDs is left as is; joinkey.New defaults it.
func (c Config) WithDefaults() Config {
	if c.MaxIdxIDs <= 0 {
		c.MaxIdxIDs = rowset.DefaultMaxIdxIDs
	}
	if c.MinIdxIDs <= 0 {
		c.MinIdxIDs = rowset.DefaultMinIdxIDs
	}
	if c.MaxLargeIdxIDs <= 0 {
		c.MaxLargeIdxIDs = rowset.DefaultMinIdxIDs * 4
	}
	return c
}

// cancelEvery is how many ids the inner copy loop processes between polls
// of the Quitting flag (spec section 5: "every 8K ids").
const cancelEvery = 8 * 1024

// Quitting is a process-wide cancellation flag, polled at batch boundaries
// and every cancelEvery ids inside a phase's inner loop.
type Quitting struct {
	flag int32
}

// Set requests cancellation.
func (q *Quitting) Set() { atomic.StoreInt32(&q.flag, 1) }

// Requested reports whether cancellation has been requested.
func (q *Quitting) Requested() bool {
	if q == nil {
		return false
	}
	return atomic.LoadInt32(&q.flag) != 0
}
