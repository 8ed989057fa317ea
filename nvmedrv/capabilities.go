package nvmedrv

import (
	"time"

	"github.com/srilakshmi/usernvme/nvmespec"
)

// ControllerCapabilities is the decoded CAP register.
type ControllerCapabilities struct {
	raw nvmespec.Cap
}

func newCapabilities(raw uint64) (ControllerCapabilities, error) {
	c := nvmespec.Cap(raw)

	if c.MQES() == 0 {
		return ControllerCapabilities{}, &CapabilityError{CAP: raw, Reason: "maximum queue entries is zero"}
	}
	if c.MPSMin() > nvmespec.PageSize {
		return ControllerCapabilities{}, &CapabilityError{CAP: raw, Reason: "minimum memory page size above 4 KiB"}
	}

	return ControllerCapabilities{raw: c}, nil
}

// Raw returns the register value.
func (c ControllerCapabilities) Raw() uint64 { return uint64(c.raw) }

// MaxQueueDepth returns MQES+1, the deepest queue the controller accepts.
func (c ControllerCapabilities) MaxQueueDepth() uint32 { return uint32(c.raw.MQES()) + 1 }

// DoorbellStride returns CAP.DSTRD.
func (c ControllerCapabilities) DoorbellStride() uint8 { return c.raw.DSTRD() }

// MinPageSize returns the smallest memory page size in bytes.
func (c ControllerCapabilities) MinPageSize() uint64 { return c.raw.MPSMin() }

// readyTimeout bounds a CSTS.RDY wait by both the configured limit and
// CAP.TO. A controller reporting no timeout gets the configured limit.
func (c ControllerCapabilities) readyTimeout(limit time.Duration) time.Duration {
	to := c.raw.Timeout()
	if to == 0 {
		return limit
	}

	return min(limit, to)
}
