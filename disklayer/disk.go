// Package disklayer provides the block storage that backs emulated NVMe
// namespaces.
package disklayer

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrOutOfRange is returned for accesses past the end of a disk.
var ErrOutOfRange = errors.New("access beyond end of disk")

// Disk is byte addressable block storage.
type Disk interface {
	ReadAt(offset uint64, p []byte) error
	WriteAt(offset uint64, p []byte) error
	// Unmap discards length bytes at offset; they read back as zeroes.
	Unmap(offset, length uint64) error
	Flush() error
	Size() uint64
}

func checkRange(d Disk, offset, length uint64) error {
	if offset > d.Size() || length > d.Size()-offset {
		return errors.Wrapf(ErrOutOfRange, "offset %#x length %#x size %#x", offset, length, d.Size())
	}

	return nil
}

// RAMDisk is a disk held in memory.
type RAMDisk struct {
	data []byte
	mu   sync.RWMutex
}

var _ Disk = (*RAMDisk)(nil)

// NewRAMDisk returns a zeroed disk of size bytes.
func NewRAMDisk(size uint64) *RAMDisk {
	return &RAMDisk{data: make([]byte, size)}
}

func (d *RAMDisk) ReadAt(offset uint64, p []byte) error {
	if err := checkRange(d, offset, uint64(len(p))); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	copy(p, d.data[offset:])
	return nil
}

func (d *RAMDisk) WriteAt(offset uint64, p []byte) error {
	if err := checkRange(d, offset, uint64(len(p))); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.data[offset:], p)
	return nil
}

func (d *RAMDisk) Unmap(offset, length uint64) error {
	if err := checkRange(d, offset, length); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.data[offset : offset+length])
	return nil
}

func (d *RAMDisk) Flush() error {
	return nil
}

func (d *RAMDisk) Size() uint64 {
	return uint64(len(d.data))
}
