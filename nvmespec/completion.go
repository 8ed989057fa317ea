package nvmespec

import (
	"encoding/binary"
	"fmt"
)

// Status code types.
const (
	SCTGeneric         = 0x0
	SCTCommandSpecific = 0x1
	SCTMediaError      = 0x2
)

// Generic command status codes.
const (
	SCSuccess           = 0x00
	SCInvalidOpcode     = 0x01
	SCInvalidField      = 0x02
	SCCommandIDConflict = 0x03
	SCDataTransferError = 0x04
	SCInternalError     = 0x06
	SCAbortRequested    = 0x07
	SCInvalidNamespace  = 0x0B
	SCLBAOutOfRange     = 0x80
	SCCapacityExceeded  = 0x81
	SCNamespaceNotReady = 0x82
)

// Command specific status codes (SCT 1).
const (
	SCInvalidQueueID         = 0x01
	SCInvalidQueueSize       = 0x02
	SCInvalidInterruptVector = 0x08
	SCInvalidQueueDeletion   = 0x0C
)

// Status is the 15-bit status field of a completion, without the phase tag.
type Status uint16

// MakeStatus composes a status from its code type and code.
func MakeStatus(sct, sc uint8) Status {
	return Status(uint16(sct&0x7)<<8 | uint16(sc))
}

// Code returns the status code (SC).
func (s Status) Code() uint8 { return uint8(s) }

// CodeType returns the status code type (SCT).
func (s Status) CodeType() uint8 { return uint8(s>>8) & 0x7 }

// More reports the More bit.
func (s Status) More() bool { return s&(1<<13) != 0 }

// DoNotRetry reports the DNR bit.
func (s Status) DoNotRetry() bool { return s&(1<<14) != 0 }

// Success reports whether the command completed successfully.
func (s Status) Success() bool { return s.CodeType() == SCTGeneric && s.Code() == SCSuccess }

func (s Status) String() string {
	if s.Success() {
		return "success"
	}

	name := "unknown"

	switch s.CodeType() {
	case SCTGeneric:
		switch s.Code() {
		case SCInvalidOpcode:
			name = "invalid opcode"
		case SCInvalidField:
			name = "invalid field"
		case SCCommandIDConflict:
			name = "command id conflict"
		case SCDataTransferError:
			name = "data transfer error"
		case SCInternalError:
			name = "internal error"
		case SCAbortRequested:
			name = "abort requested"
		case SCInvalidNamespace:
			name = "invalid namespace"
		case SCLBAOutOfRange:
			name = "lba out of range"
		case SCCapacityExceeded:
			name = "capacity exceeded"
		case SCNamespaceNotReady:
			name = "namespace not ready"
		}
	case SCTCommandSpecific:
		switch s.Code() {
		case SCInvalidQueueID:
			name = "invalid queue identifier"
		case SCInvalidQueueSize:
			name = "invalid queue size"
		case SCInvalidInterruptVector:
			name = "invalid interrupt vector"
		case SCInvalidQueueDeletion:
			name = "invalid queue deletion"
		}
	}

	return fmt.Sprintf("%s (sct=%#x sc=%#x)", name, s.CodeType(), s.Code())
}

// Completion is a 16-byte completion queue entry.
type Completion struct {
	DW0       uint32 // Command specific
	DW1       uint32
	SQHD      uint16 // Submission Queue Head
	SQID      uint16 // Submission Queue Identifier
	CommandID uint16
	Phase     bool
	Status    Status
}

// Marshal encodes the completion entry.
func (c *Completion) Marshal() []byte {
	buf := make([]byte, CompletionSize)

	binary.LittleEndian.PutUint32(buf[0:4], c.DW0)
	binary.LittleEndian.PutUint32(buf[4:8], c.DW1)
	binary.LittleEndian.PutUint16(buf[8:10], c.SQHD)
	binary.LittleEndian.PutUint16(buf[10:12], c.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], c.CommandID)

	field := uint16(c.Status) << 1
	if c.Phase {
		field |= 1
	}

	binary.LittleEndian.PutUint16(buf[14:16], field)

	return buf
}

// UnmarshalCompletion decodes a completion entry. buf must hold
// CompletionSize bytes.
func UnmarshalCompletion(buf []byte) Completion {
	field := binary.LittleEndian.Uint16(buf[14:16])

	return Completion{
		DW0:       binary.LittleEndian.Uint32(buf[0:4]),
		DW1:       binary.LittleEndian.Uint32(buf[4:8]),
		SQHD:      binary.LittleEndian.Uint16(buf[8:10]),
		SQID:      binary.LittleEndian.Uint16(buf[10:12]),
		CommandID: binary.LittleEndian.Uint16(buf[12:14]),
		Phase:     field&1 != 0,
		Status:    Status(field >> 1),
	}
}
