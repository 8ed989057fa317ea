// Package nvmespec holds the NVMe wire formats shared by the driver and the
// emulated controller: submission and completion queue entries, controller
// registers, identify data structures and dataset management ranges.
package nvmespec

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Admin command opcodes.
const (
	AdminDeleteIOSQ  = 0x00
	AdminCreateIOSQ  = 0x01
	AdminGetLogPage  = 0x02
	AdminDeleteIOCQ  = 0x04
	AdminCreateIOCQ  = 0x05
	AdminIdentify    = 0x06
	AdminAbort       = 0x08
	AdminSetFeatures = 0x09
	AdminGetFeatures = 0x0A
	AdminAsyncEvent  = 0x0C
	AdminKeepAlive   = 0x18
)

// NVM command set opcodes.
const (
	CmdFlush       = 0x00
	CmdWrite       = 0x01
	CmdRead        = 0x02
	CmdWriteZeroes = 0x08
	CmdDSM         = 0x09
)

// Queue entry sizes, as log2 for CC.IOSQES / CC.IOCQES and in bytes.
const (
	SQESLog2       = 6
	CQESLog2       = 4
	CommandSize    = 1 << SQESLog2
	CompletionSize = 1 << CQESLog2
)

// Read/write CDW12 flags.
const (
	RWForceUnitAccess = 1 << 30
	RWLimitedRetry    = 1 << 31
)

// Create I/O queue CDW11 flags.
const (
	QueuePhysContig     = 1 << 0
	CQInterruptsEnabled = 1 << 1
)

// DSM CDW11 attribute: deallocate.
const DSMAttrDeallocate = 1 << 2

// Command is a 64-byte submission queue entry.
type Command struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint16
	NSID      uint32
	CDW2      uint32
	CDW3      uint32
	MPTR      uint64 // Metadata pointer
	PRP1      uint64 // Physical Region Page 1
	PRP2      uint64 // Physical Region Page 2
	CDW10     uint32
	CDW11     uint32
	CDW12     uint32
	CDW13     uint32
	CDW14     uint32
	CDW15     uint32
}

var errShortCommand = errors.New("submission queue entry too short")

// Marshal encodes the command in NVMe little-endian layout.
func (cmd *Command) Marshal() []byte {
	buf := make([]byte, CommandSize)
	cmd.MarshalTo(buf)

	return buf
}

// MarshalTo encodes the command into buf, which must hold CommandSize bytes.
func (cmd *Command) MarshalTo(buf []byte) {
	buf[0] = cmd.Opcode
	buf[1] = cmd.Flags
	binary.LittleEndian.PutUint16(buf[2:4], cmd.CommandID)
	binary.LittleEndian.PutUint32(buf[4:8], cmd.NSID)
	binary.LittleEndian.PutUint32(buf[8:12], cmd.CDW2)
	binary.LittleEndian.PutUint32(buf[12:16], cmd.CDW3)

	binary.LittleEndian.PutUint64(buf[16:24], cmd.MPTR)
	binary.LittleEndian.PutUint64(buf[24:32], cmd.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], cmd.PRP2)

	binary.LittleEndian.PutUint32(buf[40:44], cmd.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], cmd.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], cmd.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], cmd.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], cmd.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], cmd.CDW15)
}

// UnmarshalCommand decodes a submission queue entry.
func UnmarshalCommand(buf []byte) (Command, error) {
	if len(buf) < CommandSize {
		return Command{}, errors.Wrapf(errShortCommand, "%d bytes", len(buf))
	}

	return Command{
		Opcode:    buf[0],
		Flags:     buf[1],
		CommandID: binary.LittleEndian.Uint16(buf[2:4]),
		NSID:      binary.LittleEndian.Uint32(buf[4:8]),
		CDW2:      binary.LittleEndian.Uint32(buf[8:12]),
		CDW3:      binary.LittleEndian.Uint32(buf[12:16]),
		MPTR:      binary.LittleEndian.Uint64(buf[16:24]),
		PRP1:      binary.LittleEndian.Uint64(buf[24:32]),
		PRP2:      binary.LittleEndian.Uint64(buf[32:40]),
		CDW10:     binary.LittleEndian.Uint32(buf[40:44]),
		CDW11:     binary.LittleEndian.Uint32(buf[44:48]),
		CDW12:     binary.LittleEndian.Uint32(buf[48:52]),
		CDW13:     binary.LittleEndian.Uint32(buf[52:56]),
		CDW14:     binary.LittleEndian.Uint32(buf[56:60]),
		CDW15:     binary.LittleEndian.Uint32(buf[60:64]),
	}, nil
}

// SLBA returns the starting LBA of a read/write style command.
func (cmd *Command) SLBA() uint64 {
	return uint64(cmd.CDW11)<<32 | uint64(cmd.CDW10)
}

// NLB returns the one-based block count of a read/write style command.
func (cmd *Command) NLB() uint32 {
	return cmd.CDW12&0xFFFF + 1
}

// NewRead builds an NVM read for blocks starting at slba.
func NewRead(nsid uint32, slba uint64, blocks uint32) Command {
	return newRW(CmdRead, nsid, slba, blocks)
}

// NewWrite builds an NVM write; fua sets Force Unit Access.
func NewWrite(nsid uint32, slba uint64, blocks uint32, fua bool) Command {
	cmd := newRW(CmdWrite, nsid, slba, blocks)
	if fua {
		cmd.CDW12 |= RWForceUnitAccess
	}

	return cmd
}

// NewWriteZeroes builds an NVM write zeroes command.
func NewWriteZeroes(nsid uint32, slba uint64, blocks uint32) Command {
	return newRW(CmdWriteZeroes, nsid, slba, blocks)
}

func newRW(op uint8, nsid uint32, slba uint64, blocks uint32) Command {
	return Command{
		Opcode: op,
		NSID:   nsid,
		CDW10:  uint32(slba),
		CDW11:  uint32(slba >> 32),
		CDW12:  (blocks - 1) & 0xFFFF,
	}
}

// NewFlush builds an NVM flush.
func NewFlush(nsid uint32) Command {
	return Command{Opcode: CmdFlush, NSID: nsid}
}

// NewDeallocate builds a dataset management command with the deallocate
// attribute over nr ranges. PRP1 must point at the encoded range list.
func NewDeallocate(nsid uint32, nr int) Command {
	return Command{
		Opcode: CmdDSM,
		NSID:   nsid,
		CDW10:  uint32(nr-1) & 0xFF,
		CDW11:  DSMAttrDeallocate,
	}
}

// NewCreateIOCQ builds a Create I/O Completion Queue command.
func NewCreateIOCQ(qid uint16, size uint32, vector uint16, base uint64) Command {
	return Command{
		Opcode: AdminCreateIOCQ,
		PRP1:   base,
		CDW10:  (size-1)<<16 | uint32(qid),
		CDW11:  uint32(vector)<<16 | CQInterruptsEnabled | QueuePhysContig,
	}
}

// NewCreateIOSQ builds a Create I/O Submission Queue bound to cqid.
func NewCreateIOSQ(qid uint16, size uint32, cqid uint16, base uint64) Command {
	return Command{
		Opcode: AdminCreateIOSQ,
		PRP1:   base,
		CDW10:  (size-1)<<16 | uint32(qid),
		CDW11:  uint32(cqid)<<16 | QueuePhysContig,
	}
}

// NewDeleteIOSQ builds a Delete I/O Submission Queue command.
func NewDeleteIOSQ(qid uint16) Command {
	return Command{Opcode: AdminDeleteIOSQ, CDW10: uint32(qid)}
}

// NewDeleteIOCQ builds a Delete I/O Completion Queue command.
func NewDeleteIOCQ(qid uint16) Command {
	return Command{Opcode: AdminDeleteIOCQ, CDW10: uint32(qid)}
}

// NewIdentify builds an Identify command for cns; PRP1 receives 4 KiB.
func NewIdentify(cns uint8, nsid uint32, base uint64) Command {
	return Command{
		Opcode: AdminIdentify,
		NSID:   nsid,
		PRP1:   base,
		CDW10:  uint32(cns),
	}
}

// QueueCreateFields decodes CDW10/CDW11 of a create queue command.
func (cmd *Command) QueueCreateFields() (qid uint16, size uint32, cdw11hi uint16, flags uint16) {
	return uint16(cmd.CDW10), cmd.CDW10>>16 + 1, uint16(cmd.CDW11 >> 16), uint16(cmd.CDW11)
}
