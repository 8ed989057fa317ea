// Package nvmedrv is a user-mode NVMe driver. It brings a controller from
// reset to operation through the userdriver contract, provisions one I/O
// queue pair per CPU where the controller allows it and routes the remaining
// CPUs to shared queue pairs, and can hand its queues over to a successor
// across a servicing event.
package nvmedrv

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/srilakshmi/usernvme/backoff"
	"github.com/srilakshmi/usernvme/nvmespec"
	"github.com/srilakshmi/usernvme/userdriver"
)

const adminVector = 0

// Driver drives one NVMe controller.
type Driver struct {
	device userdriver.DeviceBacking
	cfg    Config
	log    *logrus.Entry
	regs   userdriver.DeviceRegisterIO
	dma    userdriver.DMAClient
	caps   ControllerCapabilities

	admin    *AdminQueuePair
	ioQueues []*QueuePair
	routing  *FallbackRoutingTable
	bounce   *semaphore.Weighted

	identify    IdentifySummary
	maxTransfer int
	enabled     bool

	mu       sync.Mutex
	state    State
	faultErr error
	// quiesced is set once a keep-alive shutdown has stopped the queues with
	// nothing outstanding, so their ring indices are final.
	quiesced bool

	nsMu       sync.Mutex
	namespaces map[uint32]*namespaceInfo
}

// New brings up the controller behind device.
func New(ctx context.Context, device userdriver.DeviceBacking, cfg Config) (*Driver, error) {
	d, err := newDriver(device, cfg)
	if err != nil {
		return nil, err
	}

	if err := d.bringUp(ctx); err != nil {
		d.log.WithError(err).Error("controller bring-up failed")
		d.teardown()
		return nil, err
	}

	return d, nil
}

func newDriver(device userdriver.DeviceBacking, cfg Config) (*Driver, error) {
	cfg = cfg.withDefaults()

	regs, err := device.MapBar(0)
	if err != nil {
		return nil, errors.Wrap(err, "map bar 0")
	}

	return &Driver{
		device:     device,
		cfg:        cfg,
		log:        cfg.Logger.WithField("device", device.ID()),
		regs:       regs,
		dma:        device.DMAClient(),
		bounce:     semaphore.NewWeighted(cfg.BounceBufferPages),
		namespaces: make(map[uint32]*namespaceInfo),
	}, nil
}

func (d *Driver) bringUp(ctx context.Context) error {
	if err := d.readCapabilities(); err != nil {
		return err
	}

	if nvmespec.CC(d.regs.ReadU32(nvmespec.RegCC)).Enabled() {
		d.log.Info("controller found enabled, resetting")
		if err := d.disable(ctx); err != nil {
			return err
		}
	}

	depth := min(d.cfg.AdminQueueDepth, d.caps.MaxQueueDepth(), nvmespec.MaxAdminQueueEntries)
	if err := d.createAdminQueue(depth); err != nil {
		return err
	}
	if err := d.enable(ctx); err != nil {
		return err
	}
	if err := d.identifyController(ctx); err != nil {
		return err
	}
	if err := d.discoverNamespaces(ctx); err != nil {
		return err
	}
	if err := d.provisionIOQueues(ctx); err != nil {
		return err
	}

	d.setState(StateOperational)

	return nil
}

func (d *Driver) readCapabilities() error {
	caps, err := newCapabilities(d.regs.ReadU64(nvmespec.RegCAP))
	if err != nil {
		return err
	}

	d.caps = caps
	d.setState(StateCapabilitiesRead)
	d.log.WithFields(logrus.Fields{
		"max_queue_depth": caps.MaxQueueDepth(),
		"dstrd":           caps.DoorbellStride(),
	}).Debug("controller capabilities")

	return nil
}

func (d *Driver) createAdminQueue(depth uint32) error {
	irq, err := d.device.MapInterrupt(adminVector, 0)
	if err != nil {
		return errors.Wrap(err, "map admin interrupt")
	}

	sq, cq, err := allocateRings(d.dma, depth)
	if err != nil {
		return err
	}

	d.startAdmin(queuePairParams{
		depth:   depth,
		dstrd:   d.caps.DoorbellStride(),
		sq:      sq,
		cq:      cq,
		irq:     irq,
		cqPhase: true,
	})

	d.regs.WriteU32(nvmespec.RegAQA, nvmespec.AQA(depth, depth))
	d.regs.WriteU64(nvmespec.RegASQ, sq.PhysAddr(0))
	d.regs.WriteU64(nvmespec.RegACQ, cq.PhysAddr(0))

	d.setState(StateAdminQueueCreated)

	return nil
}

func (d *Driver) startAdmin(p queuePairParams) {
	d.admin = &AdminQueuePair{QueuePair: newQueuePair(d.regs, d.dma, p, d.log, d.fault)}
	d.admin.start()
}

func (d *Driver) enable(ctx context.Context) error {
	d.setState(StateControllerEnabling)
	d.regs.WriteU32(nvmespec.RegCC, uint32(nvmespec.NewCC()))
	d.enabled = true

	if err := d.waitReady(ctx, true); err != nil {
		return err
	}

	d.setState(StateControllerReady)

	return nil
}

func (d *Driver) disable(ctx context.Context) error {
	d.regs.WriteU32(nvmespec.RegCC, 0)
	d.enabled = false

	return d.waitReady(ctx, false)
}

func (d *Driver) waitReady(ctx context.Context, ready bool) error {
	err := backoff.Until(ctx, d.caps.readyTimeout(d.cfg.ReadyTimeout), func() (bool, error) {
		csts := nvmespec.CSTS(d.regs.ReadU32(nvmespec.RegCSTS))
		if ready && csts.Fatal() {
			return false, errors.New("controller fatal status")
		}

		return csts.Ready() == ready, nil
	})

	return errors.Wrapf(err, "wait for CSTS.RDY=%t", ready)
}

func (d *Driver) identifyController(ctx context.Context) error {
	id, err := d.admin.IdentifyController(ctx)
	if err != nil {
		return err
	}

	mdts := id.MaxTransferSize(d.caps.MinPageSize())
	d.maxTransfer = maxPRPTransfer
	if mdts != 0 && mdts < maxPRPTransfer {
		d.maxTransfer = int(mdts)
	}

	d.identify = IdentifySummary{
		Model:           id.Model(),
		Serial:          id.Serial(),
		Firmware:        id.Firmware(),
		NamespaceCount:  id.NN,
		MaxTransferSize: uint64(d.maxTransfer),
		MaxQueueDepth:   d.caps.MaxQueueDepth(),
	}

	d.log.WithFields(logrus.Fields{
		"model":    d.identify.Model,
		"serial":   d.identify.Serial,
		"firmware": d.identify.Firmware,
	}).Info("identified controller")

	return nil
}

func (d *Driver) discoverNamespaces(ctx context.Context) error {
	ids, err := d.admin.ActiveNamespaces(ctx)
	if err != nil {
		return err
	}

	for _, nsid := range ids {
		info, err := d.identifyNamespace(ctx, nsid)
		if err != nil {
			return err
		}

		d.nsMu.Lock()
		d.namespaces[nsid] = info
		d.nsMu.Unlock()
	}

	d.setState(StateNamespacesDiscovered)
	d.log.WithField("namespaces", len(ids)).Debug("discovered namespaces")

	return nil
}

func (d *Driver) identifyNamespace(ctx context.Context, nsid uint32) (*namespaceInfo, error) {
	id, err := d.admin.IdentifyNamespace(ctx, nsid)
	if err != nil {
		var status *NvmeStatusError
		if errors.As(err, &status) && status.Status.Code() == nvmespec.SCInvalidNamespace {
			return nil, errors.Wrapf(ErrNamespaceNotFound, "nsid %d", nsid)
		}
		return nil, err
	}
	if id.BlockCount() == 0 {
		return nil, errors.Wrapf(ErrNamespaceNotFound, "nsid %d inactive", nsid)
	}

	bs := id.BlockSize()
	if bs == 0 || bs > nvmespec.PageSize*16 {
		return nil, errors.Errorf("nsid %d: unsupported lba format", nsid)
	}

	return &namespaceInfo{nsid: nsid, blockSize: bs, blockCount: id.BlockCount()}, nil
}

// provisionIOQueues creates one queue pair per CPU until the controller,
// the interrupt vectors or DMA memory run out. CPUs left over share the
// queue pairs that exist.
func (d *Driver) provisionIOQueues(ctx context.Context) error {
	want := min(uint32(d.cfg.MaxIOQueues), d.cfg.CPUCount, 0xFFFE)

	sq, cq, err := d.admin.SetNumberOfQueues(ctx, uint16(want))
	if err != nil {
		return &QueueCreationError{QID: 1, Cause: err}
	}
	granted := min(uint32(sq), uint32(cq), want)
	d.identify.IOQueuesGranted = uint16(granted)

	depth := min(d.cfg.IOQueueDepth, d.caps.MaxQueueDepth())
	d.routing = newRoutingTable(d.cfg.CPUCount)

	var failed error
	for cpu := uint32(0); cpu < d.cfg.CPUCount && uint32(len(d.ioQueues)) < granted; cpu++ {
		qid := uint16(len(d.ioQueues) + 1)

		qp, err := d.createIOQueue(ctx, qid, depth, uint32(qid), cpu)
		if err != nil {
			failed = &QueueCreationError{QID: qid, CPU: cpu, Cause: err}
			break
		}

		d.ioQueues = append(d.ioQueues, qp)
		d.routing.set(cpu, len(d.ioQueues)-1, true)
	}

	if len(d.ioQueues) == 0 {
		if failed == nil {
			failed = &QueueCreationError{QID: 1, Cause: errors.New("controller granted no I/O queues")}
		}
		return failed
	}

	if shared := d.cfg.CPUCount - uint32(len(d.ioQueues)); shared > 0 {
		entry := d.log.WithFields(logrus.Fields{
			"io_queues":     len(d.ioQueues),
			"fallback_cpus": shared,
		})
		if failed != nil {
			entry = entry.WithError(failed)
		}
		entry.Warn("not every cpu has an I/O queue, using fallback queues")
	}

	d.routing.assignFallbacks(len(d.ioQueues))
	d.setState(StateIOQueuesProvisioned)

	return nil
}

func (d *Driver) createIOQueue(ctx context.Context, qid uint16, depth, vector, cpu uint32) (*QueuePair, error) {
	irq, err := d.device.MapInterrupt(vector, cpu)
	if err != nil {
		return nil, errors.Wrapf(err, "map interrupt vector %d", vector)
	}

	sq, cq, err := allocateRings(d.dma, depth)
	if err != nil {
		return nil, err
	}

	qp := newQueuePair(d.regs, d.dma, queuePairParams{
		qid:     qid,
		depth:   depth,
		cpu:     cpu,
		dstrd:   d.caps.DoorbellStride(),
		sq:      sq,
		cq:      cq,
		irq:     irq,
		cqPhase: true,
	}, d.log, d.fault)

	if err := d.admin.CreateIOCompletionQueue(ctx, qid, depth, uint16(vector), cq.PhysAddr(0)); err != nil {
		qp.freeRings()
		return nil, err
	}
	if err := d.admin.CreateIOSubmissionQueue(ctx, qid, depth, qid, sq.PhysAddr(0)); err != nil {
		if derr := d.admin.DeleteIOCompletionQueue(ctx, qid); derr != nil {
			d.log.WithError(derr).Warn("delete orphaned completion queue")
		}
		qp.freeRings()
		return nil, err
	}

	qp.start()

	return qp, nil
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.setStateLocked(s)
}

func (d *Driver) setStateLocked(s State) {
	if d.state == s {
		return
	}

	d.log.WithFields(logrus.Fields{"from": d.state, "to": s}).Debug("driver state")
	d.state = s
}

// fault moves the driver to Faulted after an unexpected completion.
func (d *Driver) fault(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.faultErr == nil {
		d.faultErr = err
	}
	if d.state == StateShuttingDown || d.state == StateStopped {
		return
	}

	d.setStateLocked(StateFaulted)
}

// State returns the lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// FaultCause returns the error that faulted the driver, if any.
func (d *Driver) FaultCause() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.faultErr
}

// DeviceID returns the backing device's identifier.
func (d *Driver) DeviceID() string { return d.device.ID() }

// Identify returns the controller identity learned at bring-up.
func (d *Driver) Identify() IdentifySummary { return d.identify }

// Capabilities returns the decoded CAP register.
func (d *Driver) Capabilities() ControllerCapabilities { return d.caps }

// FallbackCPUCount returns how many CPUs have issued I/O through a shared
// queue pair.
func (d *Driver) FallbackCPUCount() uint32 {
	if d.routing == nil {
		return 0
	}

	return d.routing.FallbackCPUCount()
}

// Routes returns the CPU to queue pair routing.
func (d *Driver) Routes() []RouteState {
	if d.routing == nil {
		return nil
	}

	return d.routing.Snapshot()
}

// QueueStats returns per queue pair counters, admin queue first.
func (d *Driver) QueueStats() []QueueStats {
	var shared map[int][]uint32
	for _, r := range d.Routes() {
		if !r.Dedicated {
			if shared == nil {
				shared = make(map[int][]uint32)
			}
			shared[r.QueueIndex] = append(shared[r.QueueIndex], r.CPU)
		}
	}

	out := make([]QueueStats, 0, len(d.ioQueues)+1)
	if d.admin != nil {
		out = append(out, d.admin.stats())
	}
	for i, qp := range d.ioQueues {
		s := qp.stats()
		s.SharedBy = shared[i]
		out = append(out, s)
	}

	return out
}

func (d *Driver) ioQueue(cpu uint32) (*QueuePair, error) {
	switch s := d.State(); s {
	case StateOperational:
	case StateFaulted:
		return nil, ErrFaulted
	default:
		return nil, errors.Wrapf(ErrNotOperational, "state %s", s)
	}

	idx, err := d.routing.Lookup(cpu)
	if err != nil {
		return nil, err
	}

	return d.ioQueues[idx], nil
}

// Namespace returns a handle on nsid. Namespaces not seen at bring-up are
// identified on demand.
func (d *Driver) Namespace(ctx context.Context, nsid uint32) (*Namespace, error) {
	switch s := d.State(); s {
	case StateOperational:
	case StateFaulted:
		return nil, ErrFaulted
	default:
		return nil, errors.Wrapf(ErrNotOperational, "state %s", s)
	}

	d.nsMu.Lock()
	info, ok := d.namespaces[nsid]
	d.nsMu.Unlock()

	if !ok {
		fresh, err := d.identifyNamespace(ctx, nsid)
		if err != nil {
			return nil, err
		}

		d.nsMu.Lock()
		if info, ok = d.namespaces[nsid]; !ok {
			info = fresh
			d.namespaces[nsid] = info
		}
		d.nsMu.Unlock()
	}

	d.nsMu.Lock()
	info.refs++
	d.nsMu.Unlock()

	return &Namespace{d: d, info: info}, nil
}

func (d *Driver) releaseNamespace(info *namespaceInfo) {
	d.nsMu.Lock()
	defer d.nsMu.Unlock()

	info.refs--
}

// Namespaces describes every namespace identified so far.
func (d *Driver) Namespaces() []NamespaceInfo {
	d.nsMu.Lock()
	defer d.nsMu.Unlock()

	out := make([]NamespaceInfo, 0, len(d.namespaces))
	for _, info := range d.namespaces {
		out = append(out, NamespaceInfo{
			NSID:       info.nsid,
			BlockSize:  info.blockSize,
			BlockCount: info.blockCount,
			Handles:    info.refs,
		})
	}
	sortNamespaces(out)

	return out
}

func (d *Driver) freeBlock(block *userdriver.MemoryBlock) {
	if err := d.dma.FreeDMABuffer(block); err != nil {
		d.log.WithError(err).Warn("free dma buffer")
	}
}

func (d *Driver) acquireBounce(ctx context.Context, qid uint16, opcode uint8, pages int64,
	length int) (*userdriver.MemoryBlock, error) {
	if pages > d.cfg.BounceBufferPages {
		return nil, &DmaMappingError{Reason: "transfer larger than the bounce buffer budget"}
	}
	start := time.Now()
	if err := d.bounce.Acquire(ctx, pages); err != nil {
		return nil, &CommandTimeoutError{
			QID:     qid,
			CID:     NoCommandID,
			Opcode:  opcode,
			Elapsed: time.Since(start),
			Cause:   err,
		}
	}

	block, err := d.dma.AllocateDMABuffer(length)
	if err != nil {
		d.bounce.Release(pages)
		return nil, &DmaMappingError{Reason: "bounce buffer", Cause: err}
	}

	return block, nil
}

func (d *Driver) releaseBounce(block *userdriver.MemoryBlock, pages int64) {
	d.freeBlock(block)
	d.bounce.Release(pages)
}

type shutdownOptions struct {
	keepAlive bool
}

// ShutdownOption modifies Shutdown.
type ShutdownOption func(*shutdownOptions)

// WithKeepAlive leaves the controller enabled and its queues and DMA memory
// in place for a driver restored from saved state.
func WithKeepAlive() ShutdownOption {
	return func(o *shutdownOptions) { o.keepAlive = true }
}

// Shutdown drains every queue pair, then deletes the I/O queues, disables
// the controller and frees DMA memory unless WithKeepAlive is given.
func (d *Driver) Shutdown(ctx context.Context, opts ...ShutdownOption) error {
	var o shutdownOptions
	for _, opt := range opts {
		opt(&o)
	}

	d.mu.Lock()
	if d.state == StateShuttingDown || d.state == StateStopped {
		d.mu.Unlock()
		return ErrShutdown
	}
	d.setStateLocked(StateShuttingDown)
	d.mu.Unlock()

	log := d.log.WithField("keep_alive", o.keepAlive)

	g, gctx := errgroup.WithContext(ctx)
	for _, qp := range d.ioQueues {
		g.Go(func() error { return qp.Drain(gctx) })
	}
	err := g.Wait()
	if err != nil {
		log.WithError(err).Warn("queues not drained")
	}

	if !o.keepAlive {
		for i := len(d.ioQueues) - 1; i >= 0; i-- {
			qid := d.ioQueues[i].qid
			if derr := d.admin.DeleteIOSubmissionQueue(ctx, qid); derr != nil {
				log.WithError(derr).Warn("delete submission queue")
			}
			if derr := d.admin.DeleteIOCompletionQueue(ctx, qid); derr != nil {
				log.WithError(derr).Warn("delete completion queue")
			}
		}

		if serr := d.shutdownController(ctx); serr != nil {
			log.WithError(serr).Warn("controller shutdown")
			if err == nil {
				err = serr
			}
		}
	}

	for _, qp := range d.queuePairs() {
		qp.stopCompletions()
		qp.failOutstanding(ErrShutdown)
		if !o.keepAlive {
			qp.freeRings()
		}
	}

	d.mu.Lock()
	d.quiesced = o.keepAlive && err == nil
	d.setStateLocked(StateStopped)
	d.mu.Unlock()
	log.Info("driver stopped")

	return err
}

// shutdownController requests a normal shutdown and then disables the
// controller.
func (d *Driver) shutdownController(ctx context.Context) error {
	cc := nvmespec.CC(d.regs.ReadU32(nvmespec.RegCC))
	d.regs.WriteU32(nvmespec.RegCC, uint32(cc&^nvmespec.CCShutdownMask|nvmespec.CCShutdownNorm))

	err := backoff.Until(ctx, d.caps.readyTimeout(d.cfg.ReadyTimeout), func() (bool, error) {
		csts := nvmespec.CSTS(d.regs.ReadU32(nvmespec.RegCSTS))
		return csts&nvmespec.CSTSShutdownMask == nvmespec.CSTSShutdownDone, nil
	})
	if err != nil {
		d.log.WithError(err).Warn("shutdown notification not acknowledged")
	}

	return d.disable(ctx)
}

func (d *Driver) queuePairs() []*QueuePair {
	qps := make([]*QueuePair, 0, len(d.ioQueues)+1)
	qps = append(qps, d.ioQueues...)
	if d.admin != nil {
		qps = append(qps, d.admin.QueuePair)
	}

	return qps
}

// teardown releases everything a failed bring-up or restore allocated.
func (d *Driver) teardown() {
	for _, qp := range d.queuePairs() {
		qp.stopCompletions()
		qp.failOutstanding(ErrShutdown)
	}

	if d.enabled {
		ctx, cancel := context.WithTimeout(context.Background(), d.caps.readyTimeout(d.cfg.ReadyTimeout))
		if err := d.disable(ctx); err != nil {
			d.log.WithError(err).Warn("disable controller")
		}
		cancel()
	}

	for _, qp := range d.queuePairs() {
		qp.freeRings()
	}

	d.setState(StateStopped)
}
