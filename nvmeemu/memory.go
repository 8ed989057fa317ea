package nvmeemu

import (
	"github.com/pkg/errors"

	"github.com/srilakshmi/usernvme/guestmem"
	"github.com/srilakshmi/usernvme/userdriver"
)

// NewMemory maps pages of guest memory and returns it with a DMA page pool
// over its upper half. The lower half is left to the guest.
func NewMemory(pages int, dmaCapable bool) (*guestmem.GuestMemory, *userdriver.PagePool, error) {
	if pages < 2 {
		return nil, nil, errors.Errorf("need at least 2 pages, got %d", pages)
	}

	mem, err := guestmem.New(pages*guestmem.PageSize, dmaCapable)
	if err != nil {
		return nil, nil, err
	}

	pool, err := userdriver.NewPagePool(mem, uint64(pages/2), pages-pages/2)
	if err != nil {
		mem.Close()
		return nil, nil, err
	}

	return mem, pool, nil
}
