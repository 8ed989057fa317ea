package nvmespec

import "time"

// Controller register offsets within BAR0.
const (
	RegCAP   = 0x00
	RegVS    = 0x08
	RegINTMS = 0x0C
	RegINTMC = 0x10
	RegCC    = 0x14
	RegCSTS  = 0x1C
	RegNSSR  = 0x20
	RegAQA   = 0x24
	RegASQ   = 0x28
	RegACQ   = 0x30

	// RegDoorbellBase is the offset of the admin submission queue tail doorbell.
	RegDoorbellBase = 0x1000
)

// PageSize is the memory page size the driver programs into CC.MPS.
const PageSize = 4096

// MaxAdminQueueEntries is the largest admin queue AQA can describe.
const MaxAdminQueueEntries = 4096

// Cap is the controller capabilities register.
type Cap uint64

// NewCap builds a capabilities value; mqes is zero based.
func NewCap(mqes uint16, timeout uint8, dstrd uint8) Cap {
	return Cap(uint64(mqes) |
		1<<16 | // CQR
		uint64(timeout)<<24 |
		uint64(dstrd&0xF)<<32 |
		1<<37) // CSS: NVM command set
}

// MQES is the zero-based maximum queue entries supported.
func (c Cap) MQES() uint16 { return uint16(c) }

// WithMQES returns c with MQES replaced.
func (c Cap) WithMQES(mqes uint16) Cap { return c&^0xFFFF | Cap(mqes) }

// ContiguousQueuesRequired reports CAP.CQR.
func (c Cap) ContiguousQueuesRequired() bool { return c&(1<<16) != 0 }

// Timeout is the worst case time to wait for CSTS.RDY to change.
func (c Cap) Timeout() time.Duration {
	return time.Duration(uint8(c>>24)) * 500 * time.Millisecond
}

// DSTRD is the doorbell stride exponent.
func (c Cap) DSTRD() uint8 { return uint8(c>>32) & 0xF }

// CSS is the command sets supported bitmap.
func (c Cap) CSS() uint8 { return uint8(c >> 37) }

// MPSMin returns the minimum memory page size in bytes.
func (c Cap) MPSMin() uint64 { return 1 << (12 + (c>>48)&0xF) }

// MPSMax returns the maximum memory page size in bytes.
func (c Cap) MPSMax() uint64 { return 1 << (12 + (c>>52)&0xF) }

// CC is the controller configuration register.
type CC uint32

// CC fields.
const (
	CCEnable       CC = 1 << 0
	CCShutdownMask CC = 3 << 14
	CCShutdownNorm CC = 1 << 14
)

// NewCC returns an enabled configuration for the NVM command set with 4 KiB
// pages and the standard queue entry sizes.
func NewCC() CC {
	return CCEnable | CC(SQESLog2)<<16 | CC(CQESLog2)<<20
}

// Enabled reports CC.EN.
func (c CC) Enabled() bool { return c&CCEnable != 0 }

// IOSQES is the log2 I/O submission queue entry size.
func (c CC) IOSQES() uint8 { return uint8(c>>16) & 0xF }

// IOCQES is the log2 I/O completion queue entry size.
func (c CC) IOCQES() uint8 { return uint8(c>>20) & 0xF }

// MPS is the memory page size exponent (page size is 1 << (12+MPS)).
func (c CC) MPS() uint8 { return uint8(c>>7) & 0xF }

// Shutdown is the shutdown notification field.
func (c CC) Shutdown() uint8 { return uint8(c>>14) & 0x3 }

// CSTS is the controller status register.
type CSTS uint32

// CSTS fields.
const (
	CSTSReady         CSTS = 1 << 0
	CSTSFatal         CSTS = 1 << 1
	CSTSShutdownDone  CSTS = 2 << 2
	CSTSShutdownMask  CSTS = 3 << 2
	CSTSProcessPaused CSTS = 1 << 5
)

// Ready reports CSTS.RDY.
func (c CSTS) Ready() bool { return c&CSTSReady != 0 }

// Fatal reports CSTS.CFS.
func (c CSTS) Fatal() bool { return c&CSTSFatal != 0 }

// AQA encodes the zero-based admin submission and completion queue sizes.
func AQA(sqEntries, cqEntries uint32) uint32 {
	return (sqEntries-1)&0xFFF | ((cqEntries-1)&0xFFF)<<16
}

// DecodeAQA returns the one-based admin queue sizes.
func DecodeAQA(v uint32) (sqEntries, cqEntries uint32) {
	return v&0xFFF + 1, (v>>16)&0xFFF + 1
}

// SQTailDoorbell returns the BAR0 offset of qid's submission tail doorbell.
func SQTailDoorbell(qid uint16, dstrd uint8) int {
	return RegDoorbellBase + (2*int(qid))*(4<<dstrd)
}

// CQHeadDoorbell returns the BAR0 offset of qid's completion head doorbell.
func CQHeadDoorbell(qid uint16, dstrd uint8) int {
	return RegDoorbellBase + (2*int(qid)+1)*(4<<dstrd)
}

// DecodeDoorbell maps a doorbell offset back to its queue.
func DecodeDoorbell(offset int, dstrd uint8) (qid uint16, completion bool) {
	idx := (offset - RegDoorbellBase) / (4 << dstrd)

	return uint16(idx / 2), idx%2 == 1
}
