// Package sraconfig bundles the resolved, CLI-derived tunables the reorder
// engine reads once at startup: MemBank quota, window sizes, temp/mmap
// directories, and the old_to_new write-ordering flag. It is passed around
// as an explicit value, the same way cmd/bio-bam-sort/sorter.SortOptions
// bundles its own CLI-derived knobs, rather than through global state.
package sraconfig

import (
	"github.com/grailbio/sra-sort/idmap"
	"github.com/grailbio/sra-sort/joinkey"
	"github.com/grailbio/sra-sort/membank"
	"github.com/grailbio/sra-sort/reorder"
	"github.com/grailbio/sra-sort/rowset"
)

// Config is the fully-resolved configuration tree spec section 6 lists:
// sra-sort/map_file_bsize, sra-sort/max_idx_ids, sra-sort/max_ref_idx_ids,
// and the CLI flags that forward into the core. out-map/view-map/
// schema-src entries are consumed entirely by the external schema
// resolver and never reach the core, so they have no field here.
type Config struct {
	// MemLimit is the MemBank quota (--mem-limit).
	MemLimit int64
	// MapFileBSize holds --map-file-bsize. ReorderConfig does not carry
	// it, so no IdMap is configured from it; every IdMap scans with
	// idmap.DefaultScanBlockSize.
	MapFileBSize int
	// MaxIdxIDs is the RowSetIterator mapping/sorting window
	// (--max-idx-ids).
	MaxIdxIDs int
	// MinIdxIDs is the floor that window halves down to before giving up.
	MinIdxIDs int
	// MaxLargeIdxIDs is the window for "large" columns
	// (--max-large-idx-ids).
	MaxLargeIdxIDs int
	// MaxRefIdxIDs is the JoinKeyBuilder window (--max-ref-idx-ids).
	MaxRefIdxIDs int
	// TempDir is where IdMap backing files are created (--tempdir).
	TempDir string
	// MmapDir, if non-empty, makes the paged MemBank variant use
	// mmap-backed pages under this directory (--mmapdir).
	MmapDir string
	// UnsortedOldNew skips the sort-by-old-id pass before writing
	// old_to_new (--unsorted-old-new).
	UnsortedOldNew bool
	// Force overwrites the destination if it exists (--force, -f).
	Force bool
	// IgnoreFailure holds --ignore-failure / -i. sra-sort copies a single
	// source/destination pair per run and nothing reads this field.
	IgnoreFailure bool
}

// DefaultMemLimit is used when --mem-limit is unset or zero.
const DefaultMemLimit = 4 << 30

// WithDefaults fills in every zero-valued tunable with the package's
// defaults, the way Explode-time classification elsewhere in this module
// falls back to RowSetIterator/JoinKeyBuilder defaults when a caller
// leaves a window size unset.
func (c Config) WithDefaults() Config {
	if c.MemLimit <= 0 {
		c.MemLimit = DefaultMemLimit
	}
	if c.MapFileBSize <= 0 {
		c.MapFileBSize = idmap.DefaultScanBlockSize
	}
	if c.MaxIdxIDs <= 0 {
		c.MaxIdxIDs = rowset.DefaultMaxIdxIDs
	}
	if c.MinIdxIDs <= 0 {
		c.MinIdxIDs = rowset.DefaultMinIdxIDs
	}
	if c.MaxLargeIdxIDs <= 0 {
		c.MaxLargeIdxIDs = rowset.DefaultMinIdxIDs * 4
	}
	if c.MaxRefIdxIDs <= 0 {
		c.MaxRefIdxIDs = joinkey.DefaultMaxRefIdxIDs
	}
	return c
}

// NewMemBank builds the quota-limited heap allocator this config describes
// (MemLimit); it is never paged or mmap-backed. See PagedMemBank.
func (c Config) NewMemBank() *membank.Heap {
	return membank.NewHeap(c.MemLimit)
}

// PagedMemBank builds a paged allocator: with MmapDir set its pages are
// mmap-backed under that directory and heap is not used; otherwise its
// pages are drawn from heap.
func (c Config) PagedMemBank(heap *membank.Heap, pageSize int) *membank.Paged {
	if c.MmapDir != "" {
		return membank.NewMmapPaged(c.MmapDir, pageSize)
	}
	return membank.NewPaged(heap, pageSize)
}

// ReorderConfig projects the fields reorder.TablePair needs out of the
// full configuration tree.
func (c Config) ReorderConfig() reorder.Config {
	return reorder.Config{
		MaxIdxIDs:      c.MaxIdxIDs,
		MinIdxIDs:      c.MinIdxIDs,
		MaxLargeIdxIDs: c.MaxLargeIdxIDs,
		MaxRefIdxIDs:   c.MaxRefIdxIDs,
		UnsortedOldNew: c.UnsortedOldNew,
	}
}
