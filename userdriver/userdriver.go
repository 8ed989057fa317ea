// Package userdriver defines the contract between the NVMe driver and the
// device it drives: mapped registers, DMA memory and interrupt delivery.
// Real hardware, the in-process emulated controller and test mocks all
// satisfy it.
package userdriver

//go:generate mockgen -destination mock_userdriver/mock_userdriver.go -package mock_userdriver github.com/srilakshmi/usernvme/userdriver DeviceBacking,DeviceRegisterIO,DMAClient

// DeviceBacking exposes one PCI function to a user-mode driver.
type DeviceBacking interface {
	// ID returns a stable identifier for logging and saved state.
	ID() string
	// MapBar maps the register window of base address register n.
	MapBar(n uint8) (DeviceRegisterIO, error)
	DMAClient() DMAClient
	// MaxInterruptCount is the number of MSI-X vectors the function exposes.
	MaxInterruptCount() uint32
	// MapInterrupt routes vector to cpu and returns its wakeup signal.
	MapInterrupt(vector uint32, cpu uint32) (*DeviceInterrupt, error)
}

// DeviceRegisterIO is a mapped register window.
type DeviceRegisterIO interface {
	Len() uint64
	ReadU32(offset uint64) uint32
	ReadU64(offset uint64) uint64
	WriteU32(offset uint64, v uint32)
	WriteU64(offset uint64, v uint64)
}

// DMAClient hands out device addressable memory.
type DMAClient interface {
	// AllocateDMABuffer returns zeroed, page aligned, physically contiguous
	// memory of at least size bytes.
	AllocateDMABuffer(size int) (*MemoryBlock, error)
	// AttachDMABuffer reclaims memory allocated by a previous owner that was
	// preserved across a servicing event.
	AttachDMABuffer(pfn uint64, size int) (*MemoryBlock, error)
	FreeDMABuffer(block *MemoryBlock) error
}

// DeviceInterrupt is the wakeup signal of one interrupt vector. Deliveries
// coalesce: any number of Deliver calls before the receiver runs result in a
// single wakeup.
type DeviceInterrupt struct {
	vector uint32
	c      chan struct{}
}

// NewDeviceInterrupt returns an undelivered interrupt for vector.
func NewDeviceInterrupt(vector uint32) *DeviceInterrupt {
	return &DeviceInterrupt{vector: vector, c: make(chan struct{}, 1)}
}

// Vector returns the MSI-X vector number.
func (i *DeviceInterrupt) Vector() uint32 { return i.vector }

// Deliver signals the interrupt without blocking.
func (i *DeviceInterrupt) Deliver() {
	select {
	case i.c <- struct{}{}:
	default:
	}
}

// C is readable once per coalesced delivery.
func (i *DeviceInterrupt) C() <-chan struct{} { return i.c }
