package membank

import (
	"sync"

	"github.com/grailbio/base/errors"
)

// MinPageSize is the smallest page size a Paged bank will accept.
const MinPageSize = 4 << 10

// pageSource creates the backing bytes for one page. Heap banks and
// mmap-backed banks each provide their own.
type pageSource interface {
	newPage(size int) ([]byte, error)
	releasePage(b []byte)
}

// Paged is a Bank for many small allocations that all die together: it
// carves requests out of a current page allocated from an underlying
// pageSource, and ignores individual Free calls. All pages are released in
// one shot at Whack. TablePair uses it for its buffered-sort vocabulary
// arena, so that the phase's driver can simply call Whack once instead of
// tracking every allocation.
type Paged struct {
	src      pageSource
	pageSize int

	mu      sync.Mutex
	cur     []byte
	curUsed int
	pages   [][]byte
}

// NewPaged creates a Paged bank that carves pages of at least pageSize bytes
// (rounded up to MinPageSize) from heap.
func NewPaged(heap *Heap, pageSize int) *Paged {
	if pageSize < MinPageSize {
		pageSize = MinPageSize
	}
	return &Paged{src: &heapPageSource{heap}, pageSize: pageSize}
}

type heapPageSource struct{ heap *Heap }

func (s *heapPageSource) newPage(size int) ([]byte, error) { return s.heap.Alloc(size, false) }
func (s *heapPageSource) releasePage(b []byte)              { s.heap.Free(b) }

// Alloc implements Bank. If n doesn't fit in the current page (including the
// case n > pageSize), a fresh page is requested; a single allocation larger
// than one page gets its own dedicated page.
func (p *Paged) Alloc(n int, clear bool) ([]byte, error) {
	if n < 0 {
		return nil, errors.E(errors.Invalid, "membank: negative allocation size")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur == nil || p.curUsed+n > len(p.cur) {
		size := p.pageSize
		if n > size {
			size = n
		}
		page, err := p.src.newPage(size)
		if err != nil {
			return nil, err
		}
		p.pages = append(p.pages, page)
		p.cur = page
		p.curUsed = 0
	}
	b := p.cur[p.curUsed : p.curUsed+n]
	p.curUsed += n
	if clear {
		for i := range b {
			b[i] = 0
		}
	}
	return b, nil
}

// Free implements Bank. The Paged variant ignores it by design: pages are
// reclaimed in bulk at Whack, never piecemeal.
func (p *Paged) Free([]byte) {}

// Avail implements Bank by delegating to the underlying heap quota; a Paged
// bank has no quota of its own.
func (p *Paged) Avail() int64 {
	if h, ok := p.src.(*heapPageSource); ok {
		return h.heap.Avail()
	}
	return 0
}

// Whack implements Bank: every page ever handed out is released at once,
// regardless of how individual allocations were (not) freed.
func (p *Paged) Whack() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, page := range p.pages {
		p.src.releasePage(page)
	}
	p.pages = nil
	p.cur = nil
	p.curUsed = 0
}
