package userdriver

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/srilakshmi/usernvme/guestmem"
)

// ErrPoolExhausted is returned when no contiguous run of free pages is large
// enough for an allocation.
var ErrPoolExhausted = errors.New("dma page pool exhausted")

// PagePool is a first-fit allocator of contiguous pages in guest memory.
// Allocations survive the driver that made them so a restored driver can
// attach to them.
type PagePool struct {
	mem   *guestmem.GuestMemory
	first uint64
	used  []bool
	// allocations by first pfn, in pages
	allocs map[uint64]int
	mu     sync.Mutex
}

var _ DMAClient = (*PagePool)(nil)

// NewPagePool manages count pages of mem starting at page frame first.
func NewPagePool(mem *guestmem.GuestMemory, first uint64, count int) (*PagePool, error) {
	if err := (guestmem.Range{GPA: first * PageSize, Len: count * PageSize}).Validate(mem); err != nil {
		return nil, errors.Wrap(err, "page pool")
	}

	return &PagePool{
		mem:    mem,
		first:  first,
		used:   make([]bool, count),
		allocs: make(map[uint64]int),
	}, nil
}

// AllocateDMABuffer implements DMAClient.
func (p *PagePool) AllocateDMABuffer(size int) (*MemoryBlock, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid dma buffer size %d", size)
	}

	pages := (size + PageSize - 1) / PageSize

	p.mu.Lock()
	start, ok := p.findRun(pages)
	if !ok {
		p.mu.Unlock()
		return nil, errors.Wrapf(ErrPoolExhausted, "%d pages", pages)
	}
	for i := start; i < start+pages; i++ {
		p.used[i] = true
	}
	pfn := p.first + uint64(start)
	p.allocs[pfn] = pages
	p.mu.Unlock()

	block := &MemoryBlock{mem: p.mem, base: pfn * PageSize, size: pages * PageSize}
	if err := block.Zero(); err != nil {
		_ = p.FreeDMABuffer(block)
		return nil, err
	}

	return block, nil
}

func (p *PagePool) findRun(pages int) (int, bool) {
	run := 0
	for i, used := range p.used {
		if used {
			run = 0
			continue
		}
		run++
		if run == pages {
			return i - pages + 1, true
		}
	}

	return 0, false
}

// AttachDMABuffer implements DMAClient. The pages must still be allocated.
func (p *PagePool) AttachDMABuffer(pfn uint64, size int) (*MemoryBlock, error) {
	pages := (size + PageSize - 1) / PageSize

	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.allocs[pfn]
	if !ok {
		return nil, errors.Errorf("attach pfn %#x: no preserved allocation", pfn)
	}
	if pages > n {
		return nil, errors.Errorf("attach pfn %#x: %d pages requested, %d preserved", pfn, pages, n)
	}

	return &MemoryBlock{mem: p.mem, base: pfn * PageSize, size: n * PageSize}, nil
}

// FreeDMABuffer implements DMAClient.
func (p *PagePool) FreeDMABuffer(block *MemoryBlock) error {
	pfn := block.PFN()

	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.allocs[pfn]
	if !ok {
		return errors.Errorf("free pfn %#x: not allocated", pfn)
	}
	delete(p.allocs, pfn)
	for i := pfn - p.first; i < pfn-p.first+uint64(n); i++ {
		p.used[i] = false
	}

	return nil
}

// FreePages returns the number of unallocated pages.
func (p *PagePool) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := 0
	for _, used := range p.used {
		if !used {
			free++
		}
	}

	return free
}
