// Package nvmeemu is an in-process NVMe controller. It executes commands
// straight from submission rings in guest memory, so a user-mode driver can
// be exercised without hardware.
package nvmeemu

import (
	"time"

	"github.com/google/uuid"
)

// Caps configures an emulated controller.
type Caps struct {
	// MSIXCount is the number of interrupt vectors exposed.
	MSIXCount uint16
	// MaxIOQueues bounds the I/O queue pairs granted by Set Features.
	MaxIOQueues uint16
	// MQES is the zero-based maximum queue size.
	MQES uint16
	// DSTRD is the doorbell stride exponent.
	DSTRD       uint8
	SubsystemID uuid.UUID
	// ReadyDelay postpones CSTS.RDY after enable.
	ReadyDelay time.Duration
	// BlockSize is the LBA size of every namespace.
	BlockSize uint32
	// MDTS is the maximum data transfer size exponent reported by Identify.
	MDTS uint8
}

const (
	defaultMSIXCount   = 64
	defaultMaxIOQueues = 64
	defaultMQES        = 1023
	defaultBlockSize   = 512
	defaultMDTS        = 6
	capTimeout         = 20
	vendorID           = 0x1d1d
)

func (c Caps) withDefaults() Caps {
	if c.MSIXCount == 0 {
		c.MSIXCount = defaultMSIXCount
	}
	if c.MaxIOQueues == 0 {
		c.MaxIOQueues = defaultMaxIOQueues
	}
	if c.MQES == 0 {
		c.MQES = defaultMQES
	}
	if c.SubsystemID == uuid.Nil {
		c.SubsystemID = uuid.New()
	}
	if c.BlockSize == 0 {
		c.BlockSize = defaultBlockSize
	}
	if c.MDTS == 0 {
		c.MDTS = defaultMDTS
	}

	return c
}
