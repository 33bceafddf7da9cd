package membank

import (
	"os"
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sys/unix"
)

// MinMmapPageSize is the smallest page size an mmap-backed Paged bank will
// accept; mmap pages are meant to be reclaimable by the OS under memory
// pressure, which only pays off at large sizes.
const MinMmapPageSize = 256 << 20

// NewMmapPaged creates a Paged bank whose pages are backed by an unlinked
// temporary file under dir, mapped into the process with mmap. Memory
// pressure can page this out and the OS reclaims the file's disk blocks the
// moment the last mapping is released, which is why this variant exists
// instead of a plain heap allocation for the very large transient arenas
// the buffered-sort writer builds while resorting a whole alignment table.
func NewMmapPaged(dir string, pageSize int) *Paged {
	if pageSize < MinMmapPageSize {
		pageSize = MinMmapPageSize
	}
	return &Paged{src: &mmapPageSource{dir: dir}, pageSize: pageSize}
}

type mmapPageSource struct {
	dir string
}

func (s *mmapPageSource) newPage(size int) ([]byte, error) {
	f, err := os.CreateTemp(s.dir, "sra-sort-buffer.*")
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "membank: create mmap backing file")
	}
	// Unlinked immediately: the kernel keeps the blocks alive only as long
	// as the mapping (or an fd) references them, so a crash mid-sort can't
	// leave a stray multi-hundred-MiB file behind.
	name := f.Name()
	if runtime.GOOS != "windows" {
		_ = os.Remove(name)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, errors.E(errors.Invalid, err, "membank: truncate mmap backing file")
	}
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.E(errors.Invalid, err, "membank: mmap backing file")
	}
	// The fd is no longer needed once mapped; the mapping itself keeps the
	// pages resident until Munmap.
	if err := f.Close(); err != nil {
		log.Error.Printf("membank: close mmap backing file: %v", err)
	}
	return b, nil
}

func (s *mmapPageSource) releasePage(b []byte) {
	if err := unix.Munmap(b); err != nil {
		log.Error.Printf("membank: munmap: %v", err)
	}
}
