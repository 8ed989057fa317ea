package nvmedrv

import (
	"context"

	"github.com/pkg/errors"

	"github.com/srilakshmi/usernvme/nvmespec"
	"github.com/srilakshmi/usernvme/userdriver"
)

// AdminQueuePair is queue pair 0 with typed admin commands.
type AdminQueuePair struct {
	*QueuePair
}

func (a *AdminQueuePair) identify(ctx context.Context, cns uint8, nsid uint32) ([]byte, error) {
	block, err := a.dma.AllocateDMABuffer(nvmespec.IdentifyDataSize)
	if err != nil {
		return nil, &DmaMappingError{Reason: "identify buffer", Cause: err}
	}

	buf := make([]byte, nvmespec.IdentifyDataSize)
	release := func() { a.freeBlock(block) }
	finish := func(nvmespec.Completion) error { return block.ReadAt(0, buf) }

	if _, err := a.exec(ctx, nvmespec.NewIdentify(cns, nsid, block.PhysAddr(0)), release, finish); err != nil {
		return nil, errors.Wrapf(err, "identify cns %d nsid %d", cns, nsid)
	}

	return buf, nil
}

func (a *AdminQueuePair) freeBlock(block *userdriver.MemoryBlock) {
	if err := a.dma.FreeDMABuffer(block); err != nil {
		a.log.WithError(err).Warn("free dma buffer")
	}
}

// IdentifyController reads the Identify Controller data structure.
func (a *AdminQueuePair) IdentifyController(ctx context.Context) (*nvmespec.IdentifyController, error) {
	buf, err := a.identify(ctx, nvmespec.CNSController, 0)
	if err != nil {
		return nil, err
	}

	return nvmespec.DecodeIdentifyController(buf)
}

// IdentifyNamespace reads the Identify Namespace data structure of nsid.
func (a *AdminQueuePair) IdentifyNamespace(ctx context.Context, nsid uint32) (*nvmespec.IdentifyNamespace, error) {
	buf, err := a.identify(ctx, nvmespec.CNSNamespace, nsid)
	if err != nil {
		return nil, err
	}

	return nvmespec.DecodeIdentifyNamespace(buf)
}

// ActiveNamespaces lists every active namespace id in ascending order.
func (a *AdminQueuePair) ActiveNamespaces(ctx context.Context) ([]uint32, error) {
	var (
		all   []uint32
		after uint32
	)

	for {
		buf, err := a.identify(ctx, nvmespec.CNSActiveNamespace, after)
		if err != nil {
			return nil, err
		}

		ids := nvmespec.DecodeActiveNamespaces(buf)
		all = append(all, ids...)
		if len(ids) < nvmespec.MaxActiveNamespaces {
			return all, nil
		}
		after = ids[len(ids)-1]
	}
}

// SetNumberOfQueues requests n I/O submission and completion queues and
// returns how many the controller granted.
func (a *AdminQueuePair) SetNumberOfQueues(ctx context.Context, n uint16) (sq, cq uint16, err error) {
	c, err := a.Issue(ctx, nvmespec.NewSetNumberOfQueues(n, n))
	if err != nil {
		return 0, 0, errors.Wrap(err, "set number of queues")
	}

	sq, cq = nvmespec.DecodeNumberOfQueues(c.DW0)

	return sq, cq, nil
}

// CreateIOCompletionQueue creates completion queue qid at base, signalling vector.
func (a *AdminQueuePair) CreateIOCompletionQueue(ctx context.Context, qid uint16, depth uint32, vector uint16, base uint64) error {
	_, err := a.Issue(ctx, nvmespec.NewCreateIOCQ(qid, depth, vector, base))
	return errors.Wrapf(err, "create io completion queue %d", qid)
}

// CreateIOSubmissionQueue creates submission queue qid at base, bound to cqid.
func (a *AdminQueuePair) CreateIOSubmissionQueue(ctx context.Context, qid uint16, depth uint32, cqid uint16, base uint64) error {
	_, err := a.Issue(ctx, nvmespec.NewCreateIOSQ(qid, depth, cqid, base))
	return errors.Wrapf(err, "create io submission queue %d", qid)
}

// DeleteIOSubmissionQueue deletes submission queue qid.
func (a *AdminQueuePair) DeleteIOSubmissionQueue(ctx context.Context, qid uint16) error {
	_, err := a.Issue(ctx, nvmespec.NewDeleteIOSQ(qid))
	return errors.Wrapf(err, "delete io submission queue %d", qid)
}

// DeleteIOCompletionQueue deletes completion queue qid.
func (a *AdminQueuePair) DeleteIOCompletionQueue(ctx context.Context, qid uint16) error {
	_, err := a.Issue(ctx, nvmespec.NewDeleteIOCQ(qid))
	return errors.Wrapf(err, "delete io completion queue %d", qid)
}
