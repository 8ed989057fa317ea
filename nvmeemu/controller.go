package nvmeemu

import (
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/usernvme/disklayer"
	"github.com/srilakshmi/usernvme/guestmem"
	"github.com/srilakshmi/usernvme/nvmespec"
)

// Bar0Size is the size of the register window.
const Bar0Size = 0x4000

// Stats counts commands executed by the controller.
type Stats struct {
	AdminCommands uint64
	IOCommands    uint64
	Reads         uint64
	Writes        uint64
	Flushes       uint64
	WriteZeroes   uint64
	Deallocates   uint64
	Errors        uint64
	Interrupts    uint64
}

type stats struct {
	adminCommands atomic.Uint64
	ioCommands    atomic.Uint64
	reads         atomic.Uint64
	writes        atomic.Uint64
	flushes       atomic.Uint64
	writeZeroes   atomic.Uint64
	deallocates   atomic.Uint64
	errors        atomic.Uint64
	interrupts    atomic.Uint64
}

type namespace struct {
	disk      disklayer.Disk
	blockSize uint32
	blocks    uint64
}

// Controller is an emulated NVMe controller operating on guest memory.
type Controller struct {
	mem  *guestmem.GuestMemory
	caps Caps
	log  *logrus.Entry

	mu         sync.Mutex
	cc         nvmespec.CC
	csts       nvmespec.CSTS
	aqa        uint32
	asq        uint64
	acq        uint64
	generation uint64
	sqs        map[uint16]*subQueue
	cqs        map[uint16]*compQueue
	namespaces map[uint32]*namespace
	grantedSQ  uint16
	grantedCQ  uint16

	sinkMu sync.RWMutex
	sink   func(vector uint32)

	gateMu sync.Mutex
	gate   chan struct{}

	stats stats
}

// NewController returns a disabled controller whose queues live in mem.
func NewController(mem *guestmem.GuestMemory, caps Caps) *Controller {
	caps = caps.withDefaults()

	gate := make(chan struct{})
	close(gate)

	return &Controller{
		mem:  mem,
		caps: caps,
		log: logrus.WithFields(logrus.Fields{
			"component": "nvmeemu",
			"subsystem": caps.SubsystemID.String(),
		}),
		sqs:        make(map[uint16]*subQueue),
		cqs:        make(map[uint16]*compQueue),
		namespaces: make(map[uint32]*namespace),
		gate:       gate,
	}
}

// Caps returns the effective capabilities.
func (c *Controller) Caps() Caps { return c.caps }

// SetInterruptSink installs the function that raises MSI-X vectors.
func (c *Controller) SetInterruptSink(fn func(vector uint32)) {
	c.sinkMu.Lock()
	c.sink = fn
	c.sinkMu.Unlock()
}

func (c *Controller) raise(vector uint32) {
	c.stats.interrupts.Add(1)

	c.sinkMu.RLock()
	fn := c.sink
	c.sinkMu.RUnlock()

	if fn != nil {
		fn(vector)
	}
}

// AddNamespace attaches disk as namespace nsid.
func (c *Controller) AddNamespace(nsid uint32, disk disklayer.Disk) error {
	if nsid == 0 || nsid == 0xFFFFFFFF {
		return errors.Errorf("invalid namespace id %d", nsid)
	}
	if disk.Size() < uint64(c.caps.BlockSize) {
		return errors.Errorf("namespace %d: disk smaller than one block", nsid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.namespaces[nsid]; ok {
		return errors.Errorf("namespace %d already exists", nsid)
	}

	c.namespaces[nsid] = &namespace{
		disk:      disk,
		blockSize: c.caps.BlockSize,
		blocks:    disk.Size() / uint64(c.caps.BlockSize),
	}
	c.log.WithField("nsid", nsid).Info("namespace added")

	return nil
}

// RemoveNamespace detaches namespace nsid.
func (c *Controller) RemoveNamespace(nsid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.namespaces[nsid]; !ok {
		return errors.Errorf("namespace %d not found", nsid)
	}
	delete(c.namespaces, nsid)

	return nil
}

func (c *Controller) namespace(nsid uint32) (*namespace, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns, ok := c.namespaces[nsid]
	return ns, ok
}

func (c *Controller) namespaceIDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]uint32, 0, len(c.namespaces))
	for nsid := range c.namespaces {
		ids = append(ids, nsid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Pause holds every queue before it fetches further commands. Commands
// already fetched run to completion.
func (c *Controller) Pause() {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()

	select {
	case <-c.gate:
		c.gate = make(chan struct{})
	default:
	}
}

// Resume releases queues held by Pause.
func (c *Controller) Resume() {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()

	select {
	case <-c.gate:
	default:
		close(c.gate)
	}
}

func (c *Controller) waitRunning(stop <-chan struct{}) bool {
	c.gateMu.Lock()
	gate := c.gate
	c.gateMu.Unlock()

	select {
	case <-gate:
		return true
	case <-stop:
		return false
	}
}

// Stats returns a snapshot of the command counters.
func (c *Controller) Stats() Stats {
	return Stats{
		AdminCommands: c.stats.adminCommands.Load(),
		IOCommands:    c.stats.ioCommands.Load(),
		Reads:         c.stats.reads.Load(),
		Writes:        c.stats.writes.Load(),
		Flushes:       c.stats.flushes.Load(),
		WriteZeroes:   c.stats.writeZeroes.Load(),
		Deallocates:   c.stats.deallocates.Load(),
		Errors:        c.stats.errors.Load(),
		Interrupts:    c.stats.interrupts.Load(),
	}
}

func (c *Controller) capReg() uint64 {
	timeout := uint8(capTimeout)
	if d := c.caps.ReadyDelay / (500 * time.Millisecond); d+2 > time.Duration(timeout) {
		timeout = uint8(min(d+2, 255))
	}

	return uint64(nvmespec.NewCap(c.caps.MQES, timeout, c.caps.DSTRD))
}

func (c *Controller) reg64(off uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case nvmespec.RegCAP:
		return c.capReg()
	case nvmespec.RegVS:
		return 0x00010400
	case nvmespec.RegASQ:
		return c.asq
	case nvmespec.RegACQ:
		return c.acq
	}

	return 0
}

// ReadU64 reads a 64-bit register.
func (c *Controller) ReadU64(off uint64) uint64 {
	return c.reg64(off)
}

// ReadU32 reads a 32-bit register or half of a 64-bit one.
func (c *Controller) ReadU32(off uint64) uint32 {
	switch off {
	case nvmespec.RegCC:
		c.mu.Lock()
		defer c.mu.Unlock()
		return uint32(c.cc)
	case nvmespec.RegCSTS:
		c.mu.Lock()
		defer c.mu.Unlock()
		return uint32(c.csts)
	case nvmespec.RegAQA:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.aqa
	}

	v := c.reg64(off &^ 7)
	if off&4 != 0 {
		return uint32(v >> 32)
	}

	return uint32(v)
}

// WriteU64 writes a 64-bit register.
func (c *Controller) WriteU64(off, v uint64) {
	switch off {
	case nvmespec.RegASQ:
		c.mu.Lock()
		c.asq = v
		c.mu.Unlock()
	case nvmespec.RegACQ:
		c.mu.Lock()
		c.acq = v
		c.mu.Unlock()
	default:
		c.WriteU32(off, uint32(v))
		c.WriteU32(off+4, uint32(v>>32))
	}
}

// WriteU32 writes a 32-bit register or doorbell.
func (c *Controller) WriteU32(off uint64, v uint32) {
	switch {
	case off == nvmespec.RegCC:
		c.writeCC(nvmespec.CC(v))
	case off == nvmespec.RegAQA:
		c.mu.Lock()
		c.aqa = v
		c.mu.Unlock()
	case off == nvmespec.RegASQ, off == nvmespec.RegASQ+4:
		c.mu.Lock()
		c.asq = setHalf(c.asq, off-nvmespec.RegASQ, v)
		c.mu.Unlock()
	case off == nvmespec.RegACQ, off == nvmespec.RegACQ+4:
		c.mu.Lock()
		c.acq = setHalf(c.acq, off-nvmespec.RegACQ, v)
		c.mu.Unlock()
	case off >= nvmespec.RegDoorbellBase && off < Bar0Size:
		qid, completion := nvmespec.DecodeDoorbell(int(off), c.caps.DSTRD)
		if completion {
			c.ringCQHead(qid, v)
		} else {
			c.ringSQTail(qid, v)
		}
	}
}

func setHalf(reg, half uint64, v uint32) uint64 {
	if half == 0 {
		return reg&^0xFFFFFFFF | uint64(v)
	}

	return reg&0xFFFFFFFF | uint64(v)<<32
}

func (c *Controller) writeCC(cc nvmespec.CC) {
	c.mu.Lock()

	prev := c.cc
	c.cc = cc

	if cc.Shutdown() != 0 && prev.Shutdown() == 0 {
		c.csts = c.csts&^nvmespec.CSTSShutdownMask | nvmespec.CSTSShutdownDone
	}

	switch {
	case cc.Enabled() && !prev.Enabled():
		c.enableLocked()
		c.mu.Unlock()
	case !cc.Enabled() && prev.Enabled():
		queues := c.resetLocked()
		c.mu.Unlock()
		stopAll(queues)
	default:
		c.mu.Unlock()
	}
}

func (c *Controller) enableLocked() {
	c.generation++

	sqEntries, cqEntries := nvmespec.DecodeAQA(c.aqa)
	if c.aqa == 0 || c.asq%nvmespec.PageSize != 0 || c.acq%nvmespec.PageSize != 0 ||
		c.cc.IOSQES() != nvmespec.SQESLog2 || c.cc.IOCQES() != nvmespec.CQESLog2 {
		c.log.WithFields(logrus.Fields{
			"aqa": c.aqa,
			"asq": c.asq,
			"acq": c.acq,
		}).Error("invalid admin queue configuration")
		c.csts |= nvmespec.CSTSFatal
		return
	}

	cq := newCompQueue(0, c.acq, cqEntries, 0, true)
	c.cqs[0] = cq
	sq := newSubQueue(0, c.asq, sqEntries, cq)
	c.sqs[0] = sq
	c.startSQ(sq)

	c.csts &^= nvmespec.CSTSShutdownMask
	if c.caps.ReadyDelay == 0 {
		c.csts |= nvmespec.CSTSReady
	} else {
		gen := c.generation
		time.AfterFunc(c.caps.ReadyDelay, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.generation == gen && c.cc.Enabled() {
				c.csts |= nvmespec.CSTSReady
			}
		})
	}

	c.log.WithFields(logrus.Fields{
		"asq_entries": sqEntries,
		"acq_entries": cqEntries,
	}).Info("controller enabled")
}

// resetLocked tears down every queue. The caller stops the returned
// submission queues after releasing c.mu.
func (c *Controller) resetLocked() []*subQueue {
	c.generation++

	queues := make([]*subQueue, 0, len(c.sqs))
	for _, sq := range c.sqs {
		queues = append(queues, sq)
	}
	for _, cq := range c.cqs {
		cq.shutdown()
	}

	c.sqs = make(map[uint16]*subQueue)
	c.cqs = make(map[uint16]*compQueue)
	c.grantedSQ, c.grantedCQ = 0, 0
	c.csts &^= nvmespec.CSTSReady | nvmespec.CSTSFatal

	c.log.Info("controller reset")

	return queues
}

func stopAll(queues []*subQueue) {
	for _, sq := range queues {
		sq.stopAndWait()
	}
}

func (c *Controller) ringSQTail(qid uint16, tail uint32) {
	c.mu.Lock()
	sq, ok := c.sqs[qid]
	c.mu.Unlock()

	if !ok || tail >= sq.size {
		c.log.WithFields(logrus.Fields{"qid": qid, "tail": tail}).Warn("invalid submission doorbell write")
		return
	}

	sq.setTail(tail)
}

func (c *Controller) ringCQHead(qid uint16, head uint32) {
	c.mu.Lock()
	cq, ok := c.cqs[qid]
	c.mu.Unlock()

	if !ok || head >= cq.size {
		c.log.WithFields(logrus.Fields{"qid": qid, "head": head}).Warn("invalid completion doorbell write")
		return
	}

	cq.setHead(head)
}

// QueueCount returns the number of I/O submission queues currently created.
func (c *Controller) QueueCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.sqs)
	if _, ok := c.sqs[0]; ok {
		n--
	}

	return n
}

func log2(v uint32) uint8 {
	return uint8(bits.Len32(v) - 1)
}
