// Package membank implements the quota-limited allocators that back the
// reorder engine's transient buffers: a heap variant with a hard byte quota,
// and a paged variant layered on top of it for the common case of many
// small allocations that all die together.
package membank

import (
	"sync/atomic"

	"github.com/grailbio/base/errors"
)

// Bank is the capability every allocator variant implements. The copy
// pipeline only ever depends on this interface, never on a concrete
// variant, so a paged bank can wrap a heap bank transparently.
type Bank interface {
	// Alloc carves out n bytes, optionally zero-filled. It fails with a
	// Resource-kind error if the bank's quota is exhausted.
	Alloc(n int, clear bool) ([]byte, error)
	// Free returns a previous Alloc's bytes. Some variants (Paged) ignore
	// it and reclaim everything at Whack.
	Free(b []byte)
	// Avail reports the number of bytes still available under quota.
	Avail() int64
	// Whack releases every resource the bank owns, including pages handed
	// out by a Paged variant that were never individually Freed.
	Whack()
}

// Heap is a Bank that allocates directly from the Go heap against a fixed
// quota. It is safe for concurrent Alloc/Free from multiple goroutines; the
// engine itself only ever runs the copy pipeline plus the single
// consistency-check background goroutine against it, so one atomic counter
// is sufficient (mirrors how cmd/bio-bam-sort/sorter.Sorter coordinates its
// bounded pool of background sort goroutines with a single mutex/atomic
// rather than a lock per shard).
type Heap struct {
	quota int64
	avail int64
}

// NewHeap creates a Heap bank with the given byte quota.
func NewHeap(quota int64) *Heap {
	return &Heap{quota: quota, avail: quota}
}

// Alloc implements Bank.
func (h *Heap) Alloc(n int, clear bool) ([]byte, error) {
	if n < 0 {
		return nil, errors.E(errors.Invalid, "membank: negative allocation size")
	}
	if int64(n) > atomic.LoadInt64(&h.avail) {
		return nil, errors.E(errors.Resource, "membank: quota exceeded")
	}
	newAvail := atomic.AddInt64(&h.avail, -int64(n))
	if newAvail < 0 {
		// Lost the race against a concurrent allocator; give the quota back
		// and fail rather than let the bank go negative.
		atomic.AddInt64(&h.avail, int64(n))
		return nil, errors.E(errors.Resource, "membank: quota exceeded")
	}
	if clear {
		return make([]byte, n), nil
	}
	b := make([]byte, n)
	return b[:n], nil
}

// Free implements Bank.
func (h *Heap) Free(b []byte) {
	if len(b) == 0 {
		return
	}
	atomic.AddInt64(&h.avail, int64(cap(b)))
}

// Avail implements Bank.
func (h *Heap) Avail() int64 { return atomic.LoadInt64(&h.avail) }

// Whack implements Bank. For a Heap bank, there is nothing to reclaim beyond
// what the garbage collector will do once every []byte is unreferenced; this
// just resets the quota for reuse detection.
func (h *Heap) Whack() {
	atomic.StoreInt64(&h.avail, h.quota)
}
