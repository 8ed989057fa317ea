package nvmeemu

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/srilakshmi/usernvme/nvmespec"
)

const prpEntriesPerPage = nvmespec.PageSize / 8

type segment struct {
	addr uint64
	len  int
}

// prpSegments resolves PRP1/PRP2 into the guest memory segments of a
// transfer of length bytes.
func (c *Controller) prpSegments(prp1, prp2 uint64, length int) ([]segment, error) {
	if length <= 0 {
		return nil, nil
	}

	first := min(length, nvmespec.PageSize-int(prp1%nvmespec.PageSize))
	segs := []segment{{addr: prp1, len: first}}
	remaining := length - first

	if remaining == 0 {
		return segs, nil
	}
	if remaining <= nvmespec.PageSize {
		if prp2%nvmespec.PageSize != 0 {
			return nil, errors.Errorf("prp2 %#x not page aligned", prp2)
		}
		return append(segs, segment{addr: prp2, len: remaining}), nil
	}

	list := prp2
	entry := make([]byte, 8)
	for idx := int(list%nvmespec.PageSize) / 8; remaining > 0; idx++ {
		if idx == prpEntriesPerPage-1 && remaining > nvmespec.PageSize {
			if err := c.mem.ReadAt(list-list%nvmespec.PageSize+uint64(idx)*8, entry); err != nil {
				return nil, errors.Wrap(err, "read prp list chain")
			}
			list = binary.LittleEndian.Uint64(entry)
			idx = -1
			continue
		}

		if err := c.mem.ReadAt(list-list%nvmespec.PageSize+uint64(idx)*8, entry); err != nil {
			return nil, errors.Wrap(err, "read prp list")
		}
		addr := binary.LittleEndian.Uint64(entry)
		if addr%nvmespec.PageSize != 0 {
			return nil, errors.Errorf("prp entry %#x not page aligned", addr)
		}

		n := min(remaining, nvmespec.PageSize)
		segs = append(segs, segment{addr: addr, len: n})
		remaining -= n
	}

	return segs, nil
}

// transfer copies data to guest memory (toHost) or fills data from it.
func (c *Controller) transfer(prp1, prp2 uint64, data []byte, toHost bool) error {
	segs, err := c.prpSegments(prp1, prp2, len(data))
	if err != nil {
		return err
	}

	off := 0
	for _, s := range segs {
		chunk := data[off : off+s.len]
		if toHost {
			err = c.mem.WriteAt(s.addr, chunk)
		} else {
			err = c.mem.ReadAt(s.addr, chunk)
		}
		if err != nil {
			return err
		}
		off += s.len
	}

	return nil
}

func (c *Controller) executeIO(cmd nvmespec.Command) result {
	c.stats.ioCommands.Add(1)

	ns, ok := c.namespace(cmd.NSID)
	if !ok {
		return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidNamespace)
	}

	switch cmd.Opcode {
	case nvmespec.CmdRead:
		c.stats.reads.Add(1)
		return c.readWrite(ns, cmd, false)
	case nvmespec.CmdWrite:
		c.stats.writes.Add(1)
		return c.readWrite(ns, cmd, true)
	case nvmespec.CmdFlush:
		c.stats.flushes.Add(1)
		if err := ns.disk.Flush(); err != nil {
			return failure(nvmespec.SCTGeneric, nvmespec.SCInternalError)
		}
		return success()
	case nvmespec.CmdWriteZeroes:
		c.stats.writeZeroes.Add(1)
		return c.writeZeroes(ns, cmd)
	case nvmespec.CmdDSM:
		c.stats.deallocates.Add(1)
		return c.datasetManagement(ns, cmd)
	}

	return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidOpcode)
}

func (ns *namespace) inRange(slba uint64, nlb uint64) bool {
	return slba < ns.blocks && nlb <= ns.blocks-slba
}

func (c *Controller) readWrite(ns *namespace, cmd nvmespec.Command, write bool) result {
	slba, nlb := cmd.SLBA(), uint64(cmd.NLB())
	if !ns.inRange(slba, nlb) {
		return failure(nvmespec.SCTGeneric, nvmespec.SCLBAOutOfRange)
	}

	length := nlb * uint64(ns.blockSize)
	if limit := uint64(nvmespec.PageSize) << c.caps.MDTS; length > limit {
		return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidField)
	}

	buf := make([]byte, length)
	offset := slba * uint64(ns.blockSize)

	if write {
		if err := c.transfer(cmd.PRP1, cmd.PRP2, buf, false); err != nil {
			return failure(nvmespec.SCTGeneric, nvmespec.SCDataTransferError)
		}
		if err := ns.disk.WriteAt(offset, buf); err != nil {
			return failure(nvmespec.SCTGeneric, nvmespec.SCInternalError)
		}
		if cmd.CDW12&nvmespec.RWForceUnitAccess != 0 {
			if err := ns.disk.Flush(); err != nil {
				return failure(nvmespec.SCTGeneric, nvmespec.SCInternalError)
			}
		}

		return success()
	}

	if err := ns.disk.ReadAt(offset, buf); err != nil {
		return failure(nvmespec.SCTGeneric, nvmespec.SCInternalError)
	}
	if err := c.transfer(cmd.PRP1, cmd.PRP2, buf, true); err != nil {
		return failure(nvmespec.SCTGeneric, nvmespec.SCDataTransferError)
	}

	return success()
}

func (c *Controller) writeZeroes(ns *namespace, cmd nvmespec.Command) result {
	slba, nlb := cmd.SLBA(), uint64(cmd.NLB())
	if !ns.inRange(slba, nlb) {
		return failure(nvmespec.SCTGeneric, nvmespec.SCLBAOutOfRange)
	}

	bs := uint64(ns.blockSize)
	if err := ns.disk.WriteAt(slba*bs, make([]byte, nlb*bs)); err != nil {
		return failure(nvmespec.SCTGeneric, nvmespec.SCInternalError)
	}

	return success()
}

func (c *Controller) datasetManagement(ns *namespace, cmd nvmespec.Command) result {
	nr := int(cmd.CDW10&0xFF) + 1

	buf := make([]byte, nr*nvmespec.DsmRangeSize)
	if err := c.transfer(cmd.PRP1, cmd.PRP2, buf, false); err != nil {
		return failure(nvmespec.SCTGeneric, nvmespec.SCDataTransferError)
	}

	ranges, err := nvmespec.DecodeDsmRanges(buf, nr)
	if err != nil {
		return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidField)
	}

	for _, r := range ranges {
		if !ns.inRange(r.StartingLBA, uint64(r.BlockCount)) {
			return failure(nvmespec.SCTGeneric, nvmespec.SCLBAOutOfRange)
		}
	}

	if cmd.CDW11&nvmespec.DSMAttrDeallocate == 0 {
		return success()
	}

	bs := uint64(ns.blockSize)
	for _, r := range ranges {
		if err := ns.disk.Unmap(r.StartingLBA*bs, uint64(r.BlockCount)*bs); err != nil {
			return failure(nvmespec.SCTGeneric, nvmespec.SCInternalError)
		}
	}

	return success()
}
