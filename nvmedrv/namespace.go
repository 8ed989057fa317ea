package nvmedrv

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/srilakshmi/usernvme/guestmem"
	"github.com/srilakshmi/usernvme/nvmespec"
	"github.com/srilakshmi/usernvme/userdriver"
)

// maxBlocksPerCommand is the largest NLB a read or write can carry.
const maxBlocksPerCommand = 1 << 16

type namespaceInfo struct {
	nsid       uint32
	blockSize  uint32
	blockCount uint64
	refs       int
}

// NamespaceInfo describes an identified namespace.
type NamespaceInfo struct {
	NSID       uint32 `json:"nsid"`
	BlockSize  uint32 `json:"block_size"`
	BlockCount uint64 `json:"block_count"`
	Handles    int    `json:"handles"`
}

func sortNamespaces(list []NamespaceInfo) {
	sort.Slice(list, func(i, j int) bool { return list[i].NSID < list[j].NSID })
}

// Namespace is a handle on one namespace. Handles share the driver's
// namespace record; Close releases this handle's reference.
type Namespace struct {
	d      *Driver
	info   *namespaceInfo
	closed atomic.Bool
}

// NSID returns the namespace identifier.
func (ns *Namespace) NSID() uint32 { return ns.info.nsid }

// BlockSize returns the logical block size in bytes.
func (ns *Namespace) BlockSize() uint32 { return ns.info.blockSize }

// BlockCount returns the namespace size in logical blocks.
func (ns *Namespace) BlockCount() uint64 { return ns.info.blockCount }

// Close releases the handle.
func (ns *Namespace) Close() error {
	if !ns.closed.CompareAndSwap(false, true) {
		return ErrHandleClosed
	}

	ns.d.releaseNamespace(ns.info)

	return nil
}

// Read reads blocks logical blocks starting at lba into rng of mem, on the
// queue pair routed for cpu.
func (ns *Namespace) Read(ctx context.Context, cpu uint32, lba uint64, blocks uint32,
	mem *guestmem.GuestMemory, rng guestmem.Range) error {
	if err := ns.checkBlocks(blocks); err != nil {
		return err
	}

	return ns.transfer(ctx, cpu, nvmespec.NewRead(ns.info.nsid, lba, blocks), blocks, mem, rng, false)
}

// Write writes blocks logical blocks starting at lba from rng of mem. fua
// asks the controller to persist the data before completing.
func (ns *Namespace) Write(ctx context.Context, cpu uint32, lba uint64, blocks uint32, fua bool,
	mem *guestmem.GuestMemory, rng guestmem.Range) error {
	if err := ns.checkBlocks(blocks); err != nil {
		return err
	}

	return ns.transfer(ctx, cpu, nvmespec.NewWrite(ns.info.nsid, lba, blocks, fua), blocks, mem, rng, true)
}

// Flush commits volatile write cache contents.
func (ns *Namespace) Flush(ctx context.Context, cpu uint32) error {
	qp, err := ns.queue(cpu)
	if err != nil {
		return err
	}

	_, err = qp.Issue(ctx, nvmespec.NewFlush(ns.info.nsid))

	return err
}

// WriteZeroes zeroes blocks logical blocks starting at lba without a data
// transfer.
func (ns *Namespace) WriteZeroes(ctx context.Context, cpu uint32, lba uint64, blocks uint32) error {
	if err := ns.checkBlocks(blocks); err != nil {
		return err
	}

	qp, err := ns.queue(cpu)
	if err != nil {
		return err
	}

	_, err = qp.Issue(ctx, nvmespec.NewWriteZeroes(ns.info.nsid, lba, blocks))

	return err
}

// Deallocate tells the controller the given ranges no longer hold data.
func (ns *Namespace) Deallocate(ctx context.Context, cpu uint32, ranges []nvmespec.DsmRange) error {
	payload, err := nvmespec.EncodeDsmRanges(ranges)
	if err != nil {
		return err
	}

	qp, err := ns.queue(cpu)
	if err != nil {
		return err
	}

	block, err := ns.d.dma.AllocateDMABuffer(len(payload))
	if err != nil {
		return &DmaMappingError{Reason: "dataset management range list", Cause: err}
	}
	release := func() { ns.d.freeBlock(block) }

	if err := block.WriteAt(0, payload); err != nil {
		release()
		return &DmaMappingError{Reason: "write range list", Cause: err}
	}

	cmd := nvmespec.NewDeallocate(ns.info.nsid, len(ranges))
	cmd.PRP1 = block.PhysAddr(0)

	_, err = qp.exec(ctx, cmd, release, nil)

	return err
}

func (ns *Namespace) checkBlocks(blocks uint32) error {
	if blocks == 0 || blocks > maxBlocksPerCommand {
		return errors.Errorf("namespace %d: invalid block count %d", ns.info.nsid, blocks)
	}

	return nil
}

func (ns *Namespace) queue(cpu uint32) (*QueuePair, error) {
	if ns.closed.Load() {
		return nil, ErrHandleClosed
	}

	return ns.d.ioQueue(cpu)
}

// transfer runs a read or write. Memory the device can reach is mapped
// directly; other memory is staged through a bounce buffer owned by this
// command alone.
func (ns *Namespace) transfer(ctx context.Context, cpu uint32, cmd nvmespec.Command, blocks uint32,
	mem *guestmem.GuestMemory, rng guestmem.Range, write bool) error {
	qp, err := ns.queue(cpu)
	if err != nil {
		return err
	}

	length := int(blocks) * int(ns.info.blockSize)
	if rng.Len < length {
		return &DmaMappingError{Reason: fmt.Sprintf("buffer of %d bytes for %d byte transfer", rng.Len, length)}
	}
	rng.Len = length
	if err := rng.Validate(mem); err != nil {
		return &DmaMappingError{Reason: "buffer outside guest memory", Cause: err}
	}
	if length > ns.d.maxTransfer {
		return &DmaMappingError{Reason: fmt.Sprintf("%d byte transfer above the %d byte limit", length, ns.d.maxTransfer)}
	}

	dma := ns.d.dma
	addr := rng.GPA

	var (
		bounce *userdriver.MemoryBlock
		pages  int64
	)
	if !mem.DMACapable() {
		pages = int64((length + nvmespec.PageSize - 1) / nvmespec.PageSize)
		bounce, err = ns.d.acquireBounce(ctx, qp.qid, cmd.Opcode, pages, length)
		if err != nil {
			return err
		}
		if write {
			if err := copyToBounce(bounce, mem, rng); err != nil {
				ns.d.releaseBounce(bounce, pages)
				return err
			}
		}
		addr = bounce.PhysAddr(0)
	}

	prp, err := mapPRP(dma, addr, length)
	if err != nil {
		if bounce != nil {
			ns.d.releaseBounce(bounce, pages)
		}
		return err
	}
	cmd.PRP1, cmd.PRP2 = prp.prp1, prp.prp2

	release := func() {
		if err := prp.release(dma); err != nil {
			ns.d.log.WithError(err).Warn("free prp list")
		}
		if bounce != nil {
			ns.d.releaseBounce(bounce, pages)
		}
	}

	var finish func(nvmespec.Completion) error
	if bounce != nil && !write {
		finish = func(nvmespec.Completion) error { return copyFromBounce(bounce, mem, rng) }
	}

	_, err = qp.exec(ctx, cmd, release, finish)

	return err
}

func copyToBounce(bounce *userdriver.MemoryBlock, mem *guestmem.GuestMemory, rng guestmem.Range) error {
	buf := make([]byte, rng.Len)
	if err := mem.ReadAt(rng.GPA, buf); err != nil {
		return &DmaMappingError{Reason: "read guest buffer", Cause: err}
	}
	if err := bounce.WriteAt(0, buf); err != nil {
		return &DmaMappingError{Reason: "fill bounce buffer", Cause: err}
	}

	return nil
}

func copyFromBounce(bounce *userdriver.MemoryBlock, mem *guestmem.GuestMemory, rng guestmem.Range) error {
	buf := make([]byte, rng.Len)
	if err := bounce.ReadAt(0, buf); err != nil {
		return &DmaMappingError{Reason: "read bounce buffer", Cause: err}
	}
	if err := mem.WriteAt(rng.GPA, buf); err != nil {
		return &DmaMappingError{Reason: "write guest buffer", Cause: err}
	}

	return nil
}
