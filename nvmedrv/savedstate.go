package nvmedrv

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/usernvme/nvmespec"
	"github.com/srilakshmi/usernvme/userdriver"
)

// SavedStateVersion is the format version Save writes and Restore accepts.
const SavedStateVersion uint32 = 2

// QueueState is the saved form of one queue pair.
type QueueState struct {
	QID    uint16 `json:"qid"`
	Depth  uint32 `json:"depth"`
	Vector uint32 `json:"vector"`
	CPU    uint32 `json:"cpu"`
	// Fallback is set when CPUs without a queue pair of their own share it.
	Fallback bool   `json:"fallback"`
	SQPFN    uint64 `json:"sq_pfn"`
	CQPFN    uint64 `json:"cq_pfn"`
	SQTail   uint32 `json:"sq_tail"`
	CQHead   uint32 `json:"cq_head"`
	CQPhase  bool   `json:"cq_phase"`
}

// NamespaceState is the saved form of a namespace handle.
type NamespaceState struct {
	NSID      uint32 `json:"nsid"`
	BlockSize uint32 `json:"block_size"`
}

// SavedState is what a driver hands to its successor across a servicing
// event.
type SavedState struct {
	Version    uint32           `json:"version"`
	DeviceID   string           `json:"device_id"`
	AdminQueue QueueState       `json:"admin_queue"`
	IOQueues   []QueueState     `json:"io_queues"`
	Routing    []RouteState     `json:"routing"`
	Namespaces []NamespaceState `json:"namespaces"`
	Identify   IdentifySummary  `json:"identify"`
	// Quiesced is set when the state was saved after a keep-alive shutdown.
	// Only such a state carries ring indices a successor can take over.
	Quiesced bool `json:"quiesced"`
}

// Encode writes s in its binary form.
func (s *SavedState) Encode(w io.Writer) error {
	return errors.Wrap(gob.NewEncoder(w).Encode(s), "encode saved state")
}

// DecodeSavedState reads a state written by Encode.
func DecodeSavedState(r io.Reader) (*SavedState, error) {
	s := &SavedState{}
	if err := gob.NewDecoder(r).Decode(s); err != nil {
		return nil, errors.Wrap(err, "decode saved state")
	}

	return s, nil
}

// MarshalIndent returns the JSON form of s for inspection.
func (s *SavedState) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Save captures the queue state. It may be called in any state; namespace
// handles are not carried over and are reopened by the successor. State
// saved from a running driver is a view of moving ring indices and can only
// restore onto a reinitialized controller; a successor taking over an
// enabled controller needs state saved after Shutdown(WithKeepAlive()).
func (d *Driver) Save(ctx context.Context) (*SavedState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	quiesced := d.quiesced
	d.mu.Unlock()

	s := &SavedState{
		Version:    SavedStateVersion,
		DeviceID:   d.device.ID(),
		Routing:    d.Routes(),
		Namespaces: []NamespaceState{},
		Identify:   d.identify,
		Quiesced:   quiesced,
	}
	if d.admin != nil {
		s.AdminQueue = d.admin.state()
	}

	shared := make(map[int]bool)
	for _, r := range s.Routing {
		if !r.Dedicated {
			shared[r.QueueIndex] = true
		}
	}
	for i, qp := range d.ioQueues {
		qs := qp.state()
		qs.Fallback = shared[i]
		s.IOQueues = append(s.IOQueues, qs)
	}

	d.log.WithFields(logrus.Fields{
		"io_queues": len(s.IOQueues),
		"state":     d.State(),
		"quiesced":  s.Quiesced,
	}).Info("saved driver state")

	return s, nil
}

// Restore builds a driver from saved state. A controller still enabled is
// taken over with its queues in place; otherwise it is initialized again and
// the queues are recreated with their saved depths, vectors and CPUs.
func Restore(ctx context.Context, device userdriver.DeviceBacking, cfg Config, saved *SavedState) (*Driver, error) {
	if saved == nil {
		return nil, errors.New("no saved state")
	}
	if saved.Version != SavedStateVersion {
		return nil, &RestoreVersionMismatch{Saved: saved.Version, Current: SavedStateVersion}
	}
	if len(saved.IOQueues) == 0 || len(saved.Routing) == 0 {
		return nil, errors.New("saved state has no I/O queues")
	}

	cfg.CPUCount = uint32(len(saved.Routing))

	d, err := newDriver(device, cfg)
	if err != nil {
		return nil, err
	}

	if err := d.restore(ctx, saved); err != nil {
		d.log.WithError(err).Error("restore failed")
		d.teardown()
		return nil, err
	}

	return d, nil
}

func (d *Driver) restore(ctx context.Context, saved *SavedState) error {
	if err := d.readCapabilities(); err != nil {
		return err
	}

	maxDepth := d.caps.MaxQueueDepth()
	if saved.AdminQueue.Depth > min(maxDepth, nvmespec.MaxAdminQueueEntries) {
		return &RestoreCapacityError{QID: 0, SavedDepth: saved.AdminQueue.Depth, MaxDepth: min(maxDepth, nvmespec.MaxAdminQueueEntries)}
	}
	for _, q := range saved.IOQueues {
		if q.Depth > maxDepth {
			return &RestoreCapacityError{QID: q.QID, SavedDepth: q.Depth, MaxDepth: maxDepth}
		}
	}

	routing, err := NewFallbackRoutingTable(saved.Routing)
	if err != nil {
		return err
	}
	for _, r := range saved.Routing {
		if r.QueueIndex < 0 || r.QueueIndex >= len(saved.IOQueues) {
			return errors.Errorf("cpu %d routed to missing queue index %d", r.CPU, r.QueueIndex)
		}
	}

	keepAlive := nvmespec.CC(d.regs.ReadU32(nvmespec.RegCC)).Enabled()
	d.log.WithField("keep_alive", keepAlive).Info("restoring driver")

	if keepAlive {
		if saved.DeviceID != d.device.ID() {
			return &RestoreDeviceMismatch{Saved: saved.DeviceID, Current: d.device.ID()}
		}
		if !saved.Quiesced {
			return ErrStateNotQuiesced
		}
	}

	if keepAlive {
		err = d.reattachAdminQueue(ctx, saved.AdminQueue)
	} else {
		if err = d.createAdminQueue(saved.AdminQueue.Depth); err == nil {
			err = d.enable(ctx)
		}
	}
	if err != nil {
		return err
	}

	if err := d.identifyController(ctx); err != nil {
		return err
	}
	if err := d.discoverNamespaces(ctx); err != nil {
		return err
	}

	if keepAlive {
		err = d.reattachIOQueues(saved.IOQueues)
	} else {
		err = d.recreateIOQueues(ctx, saved.IOQueues)
	}
	if err != nil {
		return err
	}

	d.identify.IOQueuesGranted = saved.Identify.IOQueuesGranted
	d.routing = routing
	d.setState(StateIOQueuesProvisioned)
	d.setState(StateOperational)

	return nil
}

func (d *Driver) reattachAdminQueue(ctx context.Context, qs QueueState) error {
	irq, err := d.device.MapInterrupt(adminVector, 0)
	if err != nil {
		return errors.Wrap(err, "map admin interrupt")
	}

	sq, cq, err := attachRings(d.dma, qs)
	if err != nil {
		return err
	}

	d.startAdmin(d.restoredParams(qs, sq, cq, irq))
	d.setState(StateAdminQueueCreated)
	d.setState(StateControllerEnabling)

	if err := d.waitReady(ctx, true); err != nil {
		return err
	}
	d.setState(StateControllerReady)

	return nil
}

func (d *Driver) reattachIOQueues(saved []QueueState) error {
	for _, qs := range saved {
		irq, err := d.device.MapInterrupt(qs.Vector, qs.CPU)
		if err != nil {
			return &QueueCreationError{QID: qs.QID, CPU: qs.CPU, Cause: err}
		}

		sq, cq, err := attachRings(d.dma, qs)
		if err != nil {
			return &QueueCreationError{QID: qs.QID, CPU: qs.CPU, Cause: err}
		}

		qp := newQueuePair(d.regs, d.dma, d.restoredParams(qs, sq, cq, irq), d.log, d.fault)
		qp.start()
		d.ioQueues = append(d.ioQueues, qp)
	}

	return nil
}

func (d *Driver) recreateIOQueues(ctx context.Context, saved []QueueState) error {
	n := uint16(len(saved))

	sq, cq, err := d.admin.SetNumberOfQueues(ctx, n)
	if err != nil {
		return &QueueCreationError{QID: 1, Cause: err}
	}

	for _, qs := range saved {
		if qs.QID > sq || qs.QID > cq {
			return &QueueCreationError{QID: qs.QID, CPU: qs.CPU, Cause: errors.Errorf("controller granted %d queues", min(sq, cq))}
		}

		qp, err := d.createIOQueue(ctx, qs.QID, qs.Depth, qs.Vector, qs.CPU)
		if err != nil {
			return &QueueCreationError{QID: qs.QID, CPU: qs.CPU, Cause: err}
		}
		d.ioQueues = append(d.ioQueues, qp)
	}

	return nil
}

func (d *Driver) restoredParams(qs QueueState, sq, cq *userdriver.MemoryBlock,
	irq *userdriver.DeviceInterrupt) queuePairParams {
	return queuePairParams{
		qid:     qs.QID,
		depth:   qs.Depth,
		cpu:     qs.CPU,
		dstrd:   d.caps.DoorbellStride(),
		sq:      sq,
		cq:      cq,
		irq:     irq,
		sqTail:  qs.SQTail,
		cqHead:  qs.CQHead,
		cqPhase: qs.CQPhase,
	}
}
