package userdriver

import (
	"github.com/pkg/errors"

	"github.com/srilakshmi/usernvme/guestmem"
)

// PageSize is the DMA page size.
const PageSize = guestmem.PageSize

// MemoryBlock is a physically contiguous, page aligned DMA buffer.
type MemoryBlock struct {
	mem  *guestmem.GuestMemory
	base uint64
	size int
}

// NewMemoryBlock describes size bytes of mem starting at the page aligned
// physical address base.
func NewMemoryBlock(mem *guestmem.GuestMemory, base uint64, size int) (*MemoryBlock, error) {
	if base%PageSize != 0 {
		return nil, errors.Errorf("memory block base %#x not page aligned", base)
	}
	if err := (guestmem.Range{GPA: base, Len: size}).Validate(mem); err != nil {
		return nil, err
	}

	return &MemoryBlock{mem: mem, base: base, size: size}, nil
}

// PFN returns the page frame number of the first page.
func (b *MemoryBlock) PFN() uint64 { return b.base / PageSize }

// Pages returns the number of pages covered by the block.
func (b *MemoryBlock) Pages() int { return (b.size + PageSize - 1) / PageSize }

// Len returns the block size in bytes.
func (b *MemoryBlock) Len() int { return b.size }

// PhysAddr returns the device address of byte off.
func (b *MemoryBlock) PhysAddr(off int) uint64 { return b.base + uint64(off) }

// Memory returns the memory the block lives in.
func (b *MemoryBlock) Memory() *guestmem.GuestMemory { return b.mem }

func (b *MemoryBlock) check(off, n int) error {
	if off < 0 || n < 0 || off+n > b.size {
		return errors.Errorf("access [%d, %d) outside %d byte block", off, off+n, b.size)
	}

	return nil
}

// ReadAt copies len(p) bytes at off into p.
func (b *MemoryBlock) ReadAt(off int, p []byte) error {
	if err := b.check(off, len(p)); err != nil {
		return err
	}

	return b.mem.ReadAt(b.base+uint64(off), p)
}

// WriteAt copies p to off.
func (b *MemoryBlock) WriteAt(off int, p []byte) error {
	if err := b.check(off, len(p)); err != nil {
		return err
	}

	return b.mem.WriteAt(b.base+uint64(off), p)
}

// Zero clears the block.
func (b *MemoryBlock) Zero() error {
	return b.mem.Fill(b.base, b.size, 0)
}
