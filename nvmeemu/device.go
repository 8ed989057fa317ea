package nvmeemu

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/srilakshmi/usernvme/userdriver"
)

// EmulatedDevice exposes a Controller through the userdriver contract: BAR0
// maps the register file, DMA comes from a page pool and MSI-X vectors are
// delivered as DeviceInterrupts.
type EmulatedDevice struct {
	ctrl *Controller
	pool *userdriver.PagePool

	mu         sync.Mutex
	interrupts map[uint32]*userdriver.DeviceInterrupt
	mockOffset uint64
	mockValue  uint64
	mocked     bool
}

var _ userdriver.DeviceBacking = (*EmulatedDevice)(nil)

// NewEmulatedDevice wraps ctrl. The device takes over the controller's
// interrupt sink.
func NewEmulatedDevice(ctrl *Controller, pool *userdriver.PagePool) *EmulatedDevice {
	d := &EmulatedDevice{
		ctrl:       ctrl,
		pool:       pool,
		interrupts: make(map[uint32]*userdriver.DeviceInterrupt),
	}
	ctrl.SetInterruptSink(d.deliver)

	return d
}

// Controller returns the emulated controller behind the device.
func (d *EmulatedDevice) Controller() *Controller { return d.ctrl }

// SetMockResponseU64 makes 64-bit reads of offset return value instead of
// the register contents.
func (d *EmulatedDevice) SetMockResponseU64(offset, value uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mockOffset, d.mockValue, d.mocked = offset, value, true
}

// ClearMockResponse removes the mocked register read.
func (d *EmulatedDevice) ClearMockResponse() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mocked = false
}

func (d *EmulatedDevice) mockedU64(offset uint64) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mocked && d.mockOffset == offset {
		return d.mockValue, true
	}

	return 0, false
}

func (d *EmulatedDevice) deliver(vector uint32) {
	d.mu.Lock()
	irq := d.interrupts[vector]
	d.mu.Unlock()

	if irq != nil {
		irq.Deliver()
	}
}

func (d *EmulatedDevice) ID() string {
	return "nvmeemu-" + d.ctrl.caps.SubsystemID.String()
}

func (d *EmulatedDevice) MapBar(n uint8) (userdriver.DeviceRegisterIO, error) {
	if n != 0 {
		return nil, errors.Errorf("bar %d not implemented", n)
	}

	return &bar0{dev: d}, nil
}

func (d *EmulatedDevice) DMAClient() userdriver.DMAClient {
	return d.pool
}

func (d *EmulatedDevice) MaxInterruptCount() uint32 {
	return uint32(d.ctrl.caps.MSIXCount)
}

// MapInterrupt returns the signal for vector. The emulated device has no CPU
// affinity, so cpu only needs to be valid for the caller.
func (d *EmulatedDevice) MapInterrupt(vector, cpu uint32) (*userdriver.DeviceInterrupt, error) {
	if vector >= d.MaxInterruptCount() {
		return nil, errors.Errorf("msi-x vector %d out of range (%d vectors)", vector, d.MaxInterruptCount())
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	irq, ok := d.interrupts[vector]
	if !ok {
		irq = userdriver.NewDeviceInterrupt(vector)
		d.interrupts[vector] = irq
	}

	return irq, nil
}

type bar0 struct {
	dev *EmulatedDevice
}

func (b *bar0) Len() uint64 { return Bar0Size }

func (b *bar0) ReadU32(offset uint64) uint32 {
	return b.dev.ctrl.ReadU32(offset)
}

func (b *bar0) ReadU64(offset uint64) uint64 {
	if v, ok := b.dev.mockedU64(offset); ok {
		return v
	}

	return b.dev.ctrl.ReadU64(offset)
}

func (b *bar0) WriteU32(offset uint64, v uint32) {
	b.dev.ctrl.WriteU32(offset, v)
}

func (b *bar0) WriteU64(offset, v uint64) {
	b.dev.ctrl.WriteU64(offset, v)
}
