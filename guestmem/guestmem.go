// Package guestmem provides the flat physical memory shared by the driver,
// its callers and the emulated controller.
package guestmem

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PageSize is the guest page size.
const PageSize = 4096

// ErrOutOfRange is returned for accesses past the end of memory.
var ErrOutOfRange = errors.New("guest physical address out of range")

// GuestMemory is a contiguous range of physical memory starting at GPA 0.
// Accesses are serialized so that a reader never observes a partially
// written ring entry.
type GuestMemory struct {
	mu         sync.RWMutex
	buf        []byte
	dmaCapable bool
}

// New maps size bytes of anonymous memory. dmaCapable declares whether
// devices may address the memory directly.
func New(size int, dmaCapable bool) (*GuestMemory, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, errors.Errorf("guest memory size %d is not a positive multiple of %d", size, PageSize)
	}

	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap guest memory")
	}

	return &GuestMemory{buf: buf, dmaCapable: dmaCapable}, nil
}

// Len returns the size of memory in bytes.
func (m *GuestMemory) Len() uint64 {
	return uint64(len(m.buf))
}

// DMACapable reports whether a device may DMA directly to this memory.
func (m *GuestMemory) DMACapable() bool {
	return m.dmaCapable
}

func (m *GuestMemory) check(gpa uint64, n int) error {
	if gpa > uint64(len(m.buf)) || uint64(n) > uint64(len(m.buf))-gpa {
		return errors.Wrapf(ErrOutOfRange, "gpa %#x len %#x", gpa, n)
	}

	return nil
}

// ReadAt copies len(p) bytes at gpa into p.
func (m *GuestMemory) ReadAt(gpa uint64, p []byte) error {
	if err := m.check(gpa, len(p)); err != nil {
		return err
	}

	m.mu.RLock()
	copy(p, m.buf[gpa:])
	m.mu.RUnlock()

	return nil
}

// WriteAt copies p to gpa.
func (m *GuestMemory) WriteAt(gpa uint64, p []byte) error {
	if err := m.check(gpa, len(p)); err != nil {
		return err
	}

	m.mu.Lock()
	copy(m.buf[gpa:], p)
	m.mu.Unlock()

	return nil
}

// Fill sets n bytes at gpa to b.
func (m *GuestMemory) Fill(gpa uint64, n int, b byte) error {
	if err := m.check(gpa, n); err != nil {
		return err
	}

	m.mu.Lock()
	region := m.buf[gpa : gpa+uint64(n)]
	for i := range region {
		region[i] = b
	}
	m.mu.Unlock()

	return nil
}

// Close unmaps the memory.
func (m *GuestMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf == nil {
		return nil
	}

	err := unix.Munmap(m.buf)
	m.buf = nil

	return errors.Wrap(err, "munmap guest memory")
}

// Range is a linear buffer in guest memory.
type Range struct {
	GPA uint64
	Len int
}

// Validate checks that r lies within m.
func (r Range) Validate(m *GuestMemory) error {
	if r.Len <= 0 {
		return errors.Errorf("empty guest range at %#x", r.GPA)
	}

	return m.check(r.GPA, r.Len)
}

// Pages returns the guest pages touched by r.
func (r Range) Pages() []uint64 {
	var pages []uint64
	for p := r.GPA &^ (PageSize - 1); p < r.GPA+uint64(r.Len); p += PageSize {
		pages = append(pages, p)
	}

	return pages
}
