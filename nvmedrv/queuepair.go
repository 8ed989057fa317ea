package nvmedrv

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/usernvme/backoff"
	"github.com/srilakshmi/usernvme/nvmespec"
	"github.com/srilakshmi/usernvme/userdriver"
)

// QueuePair is a submission/completion ring pair with its command table.
// Submissions are serialized by the pair's own lock; completions are
// consumed by a single goroutine woken by the pair's interrupt.
type QueuePair struct {
	qid     uint16
	depth   uint32
	cpu     uint32
	regs    userdriver.DeviceRegisterIO
	dma     userdriver.DMAClient
	sq      *userdriver.MemoryBlock
	cq      *userdriver.MemoryBlock
	irq     *userdriver.DeviceInterrupt
	sqDB    uint64
	cqDB    uint64
	table   *commandTable
	log     *logrus.Entry
	onFault func(error)

	sqMu   sync.Mutex
	sqTail uint32

	cqMu    sync.Mutex
	cqHead  uint32
	cqPhase bool

	submitted atomic.Uint64
	completed atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type queuePairParams struct {
	qid     uint16
	depth   uint32
	cpu     uint32
	dstrd   uint8
	sq, cq  *userdriver.MemoryBlock
	irq     *userdriver.DeviceInterrupt
	sqTail  uint32
	cqHead  uint32
	cqPhase bool
}

func newQueuePair(regs userdriver.DeviceRegisterIO, dma userdriver.DMAClient, p queuePairParams,
	log *logrus.Entry, onFault func(error)) *QueuePair {
	return &QueuePair{
		qid:     p.qid,
		depth:   p.depth,
		cpu:     p.cpu,
		regs:    regs,
		dma:     dma,
		sq:      p.sq,
		cq:      p.cq,
		irq:     p.irq,
		sqDB:    uint64(nvmespec.SQTailDoorbell(p.qid, p.dstrd)),
		cqDB:    uint64(nvmespec.CQHeadDoorbell(p.qid, p.dstrd)),
		table:   newCommandTable(p.qid, int(p.depth)-1),
		log:     log.WithField("qid", p.qid),
		onFault: onFault,
		sqTail:  p.sqTail,
		cqHead:  p.cqHead,
		cqPhase: p.cqPhase,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func ringSizes(depth uint32) (sqBytes, cqBytes int) {
	return int(depth) * nvmespec.CommandSize, int(depth) * nvmespec.CompletionSize
}

// allocateRings returns zeroed ring memory for a queue pair of depth entries.
func allocateRings(dma userdriver.DMAClient, depth uint32) (sq, cq *userdriver.MemoryBlock, err error) {
	sqBytes, cqBytes := ringSizes(depth)

	sq, err = dma.AllocateDMABuffer(sqBytes)
	if err != nil {
		return nil, nil, &DmaMappingError{Reason: "submission queue ring", Cause: err}
	}

	cq, err = dma.AllocateDMABuffer(cqBytes)
	if err != nil {
		_ = dma.FreeDMABuffer(sq)
		return nil, nil, &DmaMappingError{Reason: "completion queue ring", Cause: err}
	}

	if err := cq.Zero(); err != nil {
		_ = dma.FreeDMABuffer(sq)
		_ = dma.FreeDMABuffer(cq)
		return nil, nil, &DmaMappingError{Reason: "clear completion queue ring", Cause: err}
	}

	return sq, cq, nil
}

// attachRings reclaims the rings of a queue pair preserved across a
// keep-alive servicing event.
func attachRings(dma userdriver.DMAClient, qs QueueState) (sq, cq *userdriver.MemoryBlock, err error) {
	sqBytes, cqBytes := ringSizes(qs.Depth)

	sq, err = dma.AttachDMABuffer(qs.SQPFN, sqBytes)
	if err != nil {
		return nil, nil, &DmaMappingError{Reason: "attach submission queue ring", Cause: err}
	}

	cq, err = dma.AttachDMABuffer(qs.CQPFN, cqBytes)
	if err != nil {
		return nil, nil, &DmaMappingError{Reason: "attach completion queue ring", Cause: err}
	}

	return sq, cq, nil
}

func (qp *QueuePair) start() {
	go qp.run()
}

// QID returns the queue identifier.
func (qp *QueuePair) QID() uint16 { return qp.qid }

// Depth returns the number of ring entries.
func (qp *QueuePair) Depth() uint32 { return qp.depth }

// OutstandingCount returns the number of commands the device still owns.
func (qp *QueuePair) OutstandingCount() uint32 { return qp.table.outstanding() }

// WaitingCount returns the number of submitters blocked on a free slot.
func (qp *QueuePair) WaitingCount() int { return qp.table.waiting() }

// Submit writes cmd to the submission ring and rings the doorbell. It blocks
// while all depth-1 command slots are taken.
func (qp *QueuePair) Submit(ctx context.Context, cmd nvmespec.Command) (uint16, error) {
	return qp.submit(ctx, cmd, nil)
}

func (qp *QueuePair) submit(ctx context.Context, cmd nvmespec.Command, onAbandon func()) (uint16, error) {
	cid, err := qp.table.acquire(ctx, cmd.Opcode)
	if err != nil {
		return 0, err
	}

	qp.table.begin(cid, cmd.Opcode, onAbandon)
	cmd.CommandID = cid

	qp.sqMu.Lock()
	if err := qp.sq.WriteAt(int(qp.sqTail)*nvmespec.CommandSize, cmd.Marshal()); err != nil {
		qp.sqMu.Unlock()
		qp.table.cancel(cid)
		return 0, errors.Wrapf(err, "write submission entry qid %d", qp.qid)
	}
	qp.sqTail = (qp.sqTail + 1) % qp.depth
	qp.regs.WriteU32(qp.sqDB, qp.sqTail)
	qp.sqMu.Unlock()

	qp.submitted.Add(1)

	return cid, nil
}

// Complete waits for the completion of cid. If ctx ends first the command is
// abandoned and a CommandTimeoutError is returned.
func (qp *QueuePair) Complete(ctx context.Context, cid uint16) (nvmespec.Completion, error) {
	return qp.table.wait(ctx, cid)
}

// Issue submits cmd and waits for it. A completion with an error status is
// returned together with an NvmeStatusError.
func (qp *QueuePair) Issue(ctx context.Context, cmd nvmespec.Command) (nvmespec.Completion, error) {
	cid, err := qp.Submit(ctx, cmd)
	if err != nil {
		return nvmespec.Completion{}, err
	}

	c, err := qp.Complete(ctx, cid)
	if err != nil {
		return c, err
	}

	return c, statusError(qp.qid, cmd.Opcode, c)
}

// exec issues a command that references driver owned memory. release runs
// once the device is done with that memory: before exec returns, or from the
// completion path when the caller stopped waiting. finish runs on success
// before release.
func (qp *QueuePair) exec(ctx context.Context, cmd nvmespec.Command, release func(),
	finish func(nvmespec.Completion) error) (nvmespec.Completion, error) {
	cid, err := qp.submit(ctx, cmd, release)
	if err != nil {
		release()
		return nvmespec.Completion{}, err
	}

	c, err := qp.Complete(ctx, cid)
	if err != nil {
		var timeout *CommandTimeoutError
		if !errors.As(err, &timeout) {
			release()
		}
		return c, err
	}
	defer release()

	if err := statusError(qp.qid, cmd.Opcode, c); err != nil {
		return c, err
	}
	if finish != nil {
		return c, finish(c)
	}

	return c, nil
}

// Drain waits until the device owns no command of this queue pair.
func (qp *QueuePair) Drain(ctx context.Context) error {
	return backoff.Until(ctx, 0, func() (bool, error) {
		return qp.table.outstanding() == 0, nil
	})
}

func (qp *QueuePair) run() {
	defer close(qp.done)

	for {
		qp.reap()

		select {
		case <-qp.stop:
			return
		case <-qp.irq.C():
		}
	}
}

// reap consumes every completion whose phase tag matches, then publishes the
// new head.
func (qp *QueuePair) reap() {
	qp.cqMu.Lock()
	defer qp.cqMu.Unlock()

	buf := make([]byte, nvmespec.CompletionSize)
	consumed := 0

	for {
		if err := qp.cq.ReadAt(int(qp.cqHead)*nvmespec.CompletionSize, buf); err != nil {
			qp.fault(errors.Wrap(err, "read completion entry"))
			break
		}

		c := nvmespec.UnmarshalCompletion(buf)
		if c.Phase != qp.cqPhase {
			break
		}

		qp.cqHead = (qp.cqHead + 1) % qp.depth
		if qp.cqHead == 0 {
			qp.cqPhase = !qp.cqPhase
		}
		qp.completed.Add(1)
		consumed++

		cleanup, err := qp.table.complete(c)
		if err != nil {
			qp.fault(err)
			continue
		}
		if cleanup != nil {
			cleanup()
		}
	}

	if consumed > 0 {
		qp.regs.WriteU32(qp.cqDB, qp.cqHead)
	}
}

func (qp *QueuePair) fault(err error) {
	qp.log.WithError(err).Error("unexpected completion")

	if qp.onFault != nil {
		qp.onFault(err)
	}
}

// stopCompletions ends the completion goroutine.
func (qp *QueuePair) stopCompletions() {
	qp.stopOnce.Do(func() { close(qp.stop) })
	<-qp.done
}

// failOutstanding fails every command still owned by the device.
func (qp *QueuePair) failOutstanding(err error) {
	for _, fn := range qp.table.failAll(err) {
		fn()
	}
}

func (qp *QueuePair) freeRings() {
	for _, block := range []*userdriver.MemoryBlock{qp.sq, qp.cq} {
		if err := qp.dma.FreeDMABuffer(block); err != nil {
			qp.log.WithError(err).Warn("free queue ring")
		}
	}
}

func (qp *QueuePair) state() QueueState {
	qp.sqMu.Lock()
	tail := qp.sqTail
	qp.sqMu.Unlock()

	qp.cqMu.Lock()
	head, phase := qp.cqHead, qp.cqPhase
	qp.cqMu.Unlock()

	return QueueState{
		QID:     qp.qid,
		Depth:   qp.depth,
		Vector:  qp.irq.Vector(),
		CPU:     qp.cpu,
		SQPFN:   qp.sq.PFN(),
		CQPFN:   qp.cq.PFN(),
		SQTail:  tail,
		CQHead:  head,
		CQPhase: phase,
	}
}

func (qp *QueuePair) stats() QueueStats {
	return QueueStats{
		QID:         qp.qid,
		CPU:         qp.cpu,
		Vector:      qp.irq.Vector(),
		Depth:       qp.depth,
		Outstanding: qp.table.outstanding(),
		Waiting:     qp.table.waiting(),
		Submitted:   qp.submitted.Load(),
		Completed:   qp.completed.Load(),
	}
}
