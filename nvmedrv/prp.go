package nvmedrv

import (
	"encoding/binary"

	"github.com/srilakshmi/usernvme/nvmespec"
	"github.com/srilakshmi/usernvme/userdriver"
)

const prpEntriesPerPage = nvmespec.PageSize / 8

// maxPRPTransfer is the largest transfer a single PRP list page describes,
// for a buffer that starts on a page boundary.
const maxPRPTransfer = prpEntriesPerPage * nvmespec.PageSize

// prpMapping describes one data buffer to the device.
type prpMapping struct {
	prp1 uint64
	prp2 uint64
	list *userdriver.MemoryBlock
}

// mapPRP builds the PRP entries for length bytes starting at addr. Only the
// first entry may carry a page offset; a third page makes PRP2 point at a
// list page holding the remaining entries.
func mapPRP(dma userdriver.DMAClient, addr uint64, length int) (prpMapping, error) {
	if length <= 0 {
		return prpMapping{}, &DmaMappingError{Reason: "empty transfer"}
	}
	if addr%4 != 0 {
		return prpMapping{}, &DmaMappingError{Reason: "buffer not dword aligned"}
	}

	m := prpMapping{prp1: addr}

	first := nvmespec.PageSize - int(addr%nvmespec.PageSize)
	if length <= first {
		return m, nil
	}

	next := addr - addr%nvmespec.PageSize + nvmespec.PageSize
	pages := (length - first + nvmespec.PageSize - 1) / nvmespec.PageSize
	if pages == 1 {
		m.prp2 = next
		return m, nil
	}
	if pages > prpEntriesPerPage {
		return prpMapping{}, &DmaMappingError{Reason: "transfer exceeds one prp list page"}
	}

	list, err := dma.AllocateDMABuffer(nvmespec.PageSize)
	if err != nil {
		return prpMapping{}, &DmaMappingError{Reason: "prp list page", Cause: err}
	}

	entries := make([]byte, pages*8)
	for i := range pages {
		binary.LittleEndian.PutUint64(entries[i*8:], next+uint64(i)*nvmespec.PageSize)
	}
	if err := list.WriteAt(0, entries); err != nil {
		_ = dma.FreeDMABuffer(list)
		return prpMapping{}, &DmaMappingError{Reason: "write prp list", Cause: err}
	}

	m.prp2 = list.PhysAddr(0)
	m.list = list

	return m, nil
}

func (m prpMapping) release(dma userdriver.DMAClient) error {
	if m.list == nil {
		return nil
	}

	return dma.FreeDMABuffer(m.list)
}
