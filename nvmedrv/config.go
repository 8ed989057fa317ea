package nvmedrv

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/usernvme/hostcpu"
)

// Config controls driver construction. Zero fields take defaults.
type Config struct {
	// CPUCount is the number of CPUs that may issue I/O. Each one gets a
	// dedicated I/O queue pair when the controller can provide it.
	CPUCount uint32
	// AdminQueueDepth and IOQueueDepth are upper bounds; the controller's
	// CAP.MQES may lower them.
	AdminQueueDepth uint32
	IOQueueDepth    uint32
	// MaxIOQueues caps the number of I/O queue pairs requested.
	MaxIOQueues uint16
	// ReadyTimeout bounds each wait on CSTS.RDY.
	ReadyTimeout time.Duration
	// BounceBufferPages limits the memory used to stage transfers for
	// callers whose memory is not DMA capable.
	BounceBufferPages int64
	Logger            *logrus.Entry
}

const (
	defaultAdminQueueDepth   = 64
	defaultIOQueueDepth      = 256
	defaultMaxIOQueues       = 64
	defaultReadyTimeout      = 10 * time.Second
	defaultBounceBufferPages = 512
)

func (c Config) withDefaults() Config {
	if c.CPUCount == 0 {
		n, err := hostcpu.ActiveCount()
		if err != nil || n <= 0 {
			n = 1
		}
		c.CPUCount = uint32(n)
	}
	if c.AdminQueueDepth == 0 {
		c.AdminQueueDepth = defaultAdminQueueDepth
	}
	if c.IOQueueDepth == 0 {
		c.IOQueueDepth = defaultIOQueueDepth
	}
	if c.MaxIOQueues == 0 {
		c.MaxIOQueues = defaultMaxIOQueues
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.BounceBufferPages == 0 {
		c.BounceBufferPages = defaultBounceBufferPages
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return c
}

// IdentifySummary is the controller identity learned at bring-up.
type IdentifySummary struct {
	Model           string `json:"model"`
	Serial          string `json:"serial"`
	Firmware        string `json:"firmware"`
	NamespaceCount  uint32 `json:"namespace_count"`
	MaxTransferSize uint64 `json:"max_transfer_size"`
	MaxQueueDepth   uint32 `json:"max_queue_depth"`
	IOQueuesGranted uint16 `json:"io_queues_granted"`
}

// QueueStats describes one queue pair.
type QueueStats struct {
	QID         uint16   `json:"qid"`
	CPU         uint32   `json:"cpu"`
	Vector      uint32   `json:"vector"`
	Depth       uint32   `json:"depth"`
	Outstanding uint32   `json:"outstanding"`
	Waiting     int      `json:"waiting"`
	Submitted   uint64   `json:"submitted"`
	Completed   uint64   `json:"completed"`
	SharedBy    []uint32 `json:"shared_by,omitempty"`
}
