// sra-sort rewrites a cSRA archive's REFERENCE, PRIMARY_ALIGNMENT,
// SECONDARY_ALIGNMENT, EVIDENCE_ALIGNMENT and SEQUENCE tables so that
// alignments come out in ascending (global reference position, descending
// length, original id) order. See spec.md / SPEC_FULL.md for the full
// contract; this file only wires CLI flags to the core and an
// ArchiveOpener — schema resolution and the real VDB open/create calls are
// an external collaborator this binary does not ship (spec section 1).
//
// Usage: sra-sort [flags] <source> <destination>
package main

import (
	"flag"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"

	"github.com/grailbio/sra-sort/csra"
	"github.com/grailbio/sra-sort/sraconfig"
	"github.com/grailbio/sra-sort/vdbcore"
)

var (
	memLimitFlag       = flag.Int64("mem-limit", sraconfig.DefaultMemLimit, "MemBank quota, in bytes")
	mapFileBSizeFlag   = flag.Int("map-file-bsize", 0, "recorded in the config only; IdMaps scan with their default block size")
	maxIdxIDsFlag      = flag.Int("max-idx-ids", 0, "RowSetIterator mapping/sorting window size")
	maxRefIdxIDsFlag   = flag.Int("max-ref-idx-ids", 0, "JoinKeyBuilder window size")
	maxLargeIdxIDsFlag = flag.Int("max-large-idx-ids", 0, "RowSetIterator window for large columns")
	tempDirFlag        = flag.String("tempdir", os.TempDir(), "directory for IdMap and other temp files")
	mmapDirFlag        = flag.String("mmapdir", "", "if set, the paged MemBank uses mmap-backed pages under this directory")
	unsortedOldNewFlag = flag.Bool("unsorted-old-new", false, "skip the sort-by-old-id pass before writing old_to_new")
	columnMD5Flag      = flag.Bool("column-md5", false, "column checksum mode; only checked for conflicts, not passed to the destination writer")
	noColumnChecksum   = flag.Bool("no-column-checksum", false, "column checksum mode; only checked for conflicts, not passed to the destination writer")
	blobCRC32Flag      = flag.Bool("blob-crc32", false, "blob checksum mode; only checked for conflicts, not passed to the destination writer")
	blobMD5Flag        = flag.Bool("blob-md5", false, "blob checksum mode; only checked for conflicts, not passed to the destination writer")
	noBlobChecksum     = flag.Bool("no-blob-checksum", false, "blob checksum mode; only checked for conflicts, not passed to the destination writer")
	forceFlag          = flag.Bool("force", false, "overwrite the destination if it exists")
	forceShortFlag     = flag.Bool("f", false, "shorthand for -force")
	ignoreFailureFlag  = flag.Bool("ignore-failure", false, "accepted; has no effect, as each run copies one source/destination pair")
	ignoreFailShort    = flag.Bool("i", false, "shorthand for -ignore-failure")
)

// Opener is the ArchiveOpener linked into this binary. It is nil in this
// module: opening real on-disk cSRA archives (schema resolution, out-map
// lookup, VDB create-or-open) is an external collaborator per spec section
// 1, and no fake VDB binding is wired in its place. A production build
// assigns this to a real implementation before main() runs.
var Opener vdbcore.ArchiveOpener

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	flag.Usage = func() {
		os.Stderr.WriteString(`Usage: sra-sort [flags] <source> <destination>

Rewrites a cSRA archive's alignment and sequence tables into the ascending
(reference position, descending length, original id) order described in
SPEC_FULL.md, translating every SEQUENCE<->ALIGNMENT and REFERENCE->ALIGNMENT
foreign key to match.
`)
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	defer shutdown()

	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(1)
	}
	srcPath, dstPath := args[0], args[1]
	force := *forceFlag || *forceShortFlag
	ignoreFailure := *ignoreFailureFlag || *ignoreFailShort

	warnChecksumPrecedence()

	cfg := sraconfig.Config{
		MemLimit:       *memLimitFlag,
		MapFileBSize:   *mapFileBSizeFlag,
		MaxIdxIDs:      *maxIdxIDsFlag,
		MaxLargeIdxIDs: *maxLargeIdxIDsFlag,
		MaxRefIdxIDs:   *maxRefIdxIDsFlag,
		TempDir:        *tempDirFlag,
		MmapDir:        *mmapDirFlag,
		UnsortedOldNew: *unsortedOldNewFlag,
		Force:          force,
		IgnoreFailure:  ignoreFailure,
	}.WithDefaults()

	if err := run(cfg, srcPath, dstPath); err != nil {
		log.Error.Printf("sra-sort: %v", err)
		os.Exit(1)
	}
}

// warnChecksumPrecedence checks the --column-md5 / --no-column-checksum /
// --blob-crc32 / --blob-md5 / --no-blob-checksum flags for conflicts (spec
// section 9 Open Questions): it logs a warning, not an error, when more
// than one blob checksum mode, or both column checksum modes, are named.
// The flags are not passed on, so no mode takes effect either way.
func warnChecksumPrecedence() {
	blobModes := 0
	if *blobCRC32Flag {
		blobModes++
	}
	if *blobMD5Flag {
		blobModes++
	}
	if *noBlobChecksum {
		blobModes++
	}
	if blobModes > 1 {
		log.Error.Printf("sra-sort: more than one blob checksum flag given")
	}
	if *columnMD5Flag && *noColumnChecksum {
		log.Error.Printf("sra-sort: -column-md5 and -no-column-checksum both given")
	}
}

func run(cfg sraconfig.Config, srcPath, dstPath string) error {
	if Opener == nil {
		return errors.E(errors.Precondition, "sra-sort: no vdbcore.ArchiveOpener linked into this binary (VDB open/create is an external collaborator; see vdbcore.ArchiveOpener)")
	}
	srcArchive, dstArchive, closeArchives, err := Opener.Open(srcPath, dstPath, cfg.Force)
	if err != nil {
		return err
	}
	defer closeArchives()

	src, err := csra.FromArchive(srcArchive)
	if err != nil {
		return err
	}
	dst, err := csra.FromArchive(dstArchive)
	if err != nil {
		return err
	}

	heap := cfg.NewMemBank()
	defer heap.Whack()
	arena := cfg.PagedMemBank(heap, arenaPageSize)
	defer arena.Whack()

	dbPair, err := csra.Assemble(cfg.TempDir, cfg.ReorderConfig(), arena, src, dst)
	if err != nil {
		return err
	}
	return dbPair.Run()
}

// arenaPageSize sizes the buffered-sort vocabulary arena's pages; well above
// membank.MinPageSize since vocabulary entries for large columns (quality
// scores, raw reads) can themselves run tens of KiB.
const arenaPageSize = 1 << 20
