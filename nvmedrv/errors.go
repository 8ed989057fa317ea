package nvmedrv

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/srilakshmi/usernvme/nvmespec"
)

var (
	// ErrFaulted is returned once an unexpected completion has left the
	// driver in an unsafe state.
	ErrFaulted = errors.New("nvme driver faulted")
	// ErrNotOperational is returned for I/O issued outside the Operational
	// state.
	ErrNotOperational = errors.New("nvme driver not operational")
	// ErrShutdown fails commands still queued when the driver stops.
	ErrShutdown = errors.New("nvme driver shut down")
	// ErrNamespaceNotFound is returned for namespaces the controller does
	// not report as active.
	ErrNamespaceNotFound = errors.New("namespace not found")
	// ErrHandleClosed is returned by a closed namespace handle.
	ErrHandleClosed = errors.New("namespace handle closed")
	// ErrStateNotQuiesced rejects a keep-alive restore from state saved
	// while the queues were still running.
	ErrStateNotQuiesced = errors.New("saved state was not taken after a keep-alive shutdown")
)

// CapabilityError reports controller capabilities the driver cannot work with.
type CapabilityError struct {
	CAP    uint64
	Reason string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("unsupported controller capabilities %#x: %s", e.CAP, e.Reason)
}

// QueueCreationError reports a queue pair that could not be provisioned.
type QueueCreationError struct {
	QID   uint16
	CPU   uint32
	Cause error
}

func (e *QueueCreationError) Error() string {
	return fmt.Sprintf("create queue pair %d for cpu %d: %v", e.QID, e.CPU, e.Cause)
}

func (e *QueueCreationError) Unwrap() error { return e.Cause }

// CommandTimeoutError reports a command whose caller gave up waiting.
type CommandTimeoutError struct {
	QID     uint16
	CID     uint16
	Opcode  uint8
	Elapsed time.Duration
	Cause   error
}

// NoCommandID marks a CommandTimeoutError for a command that timed out
// before it was given a command identifier.
const NoCommandID = 0xFFFF

func (e *CommandTimeoutError) Error() string {
	if e.CID == NoCommandID {
		return fmt.Sprintf("command %#x (qid %d) not submitted after %s: %v",
			e.Opcode, e.QID, e.Elapsed, e.Cause)
	}
	return fmt.Sprintf("command %#x (qid %d cid %d) not completed after %s: %v",
		e.Opcode, e.QID, e.CID, e.Elapsed, e.Cause)
}

func (e *CommandTimeoutError) Unwrap() error { return e.Cause }

// NvmeStatusError carries a non-success completion status.
type NvmeStatusError struct {
	QID    uint16
	Opcode uint8
	Status nvmespec.Status
}

func (e *NvmeStatusError) Error() string {
	return fmt.Sprintf("command %#x on qid %d failed: %s", e.Opcode, e.QID, e.Status)
}

// DmaMappingError reports a buffer that cannot be described to the device.
type DmaMappingError struct {
	Reason string
	Cause  error
}

func (e *DmaMappingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dma mapping: %s: %v", e.Reason, e.Cause)
	}

	return "dma mapping: " + e.Reason
}

func (e *DmaMappingError) Unwrap() error { return e.Cause }

// RestoreVersionMismatch reports saved state written by another format version.
type RestoreVersionMismatch struct {
	Saved   uint32
	Current uint32
}

func (e *RestoreVersionMismatch) Error() string {
	return fmt.Sprintf("saved state version %d, driver supports %d", e.Saved, e.Current)
}

// RestoreDeviceMismatch reports state saved for another device than the one
// a keep-alive restore would take over.
type RestoreDeviceMismatch struct {
	Saved   string
	Current string
}

func (e *RestoreDeviceMismatch) Error() string {
	return fmt.Sprintf("saved state is for device %q, not %q", e.Saved, e.Current)
}

// RestoreCapacityError reports a saved queue deeper than the controller allows.
type RestoreCapacityError struct {
	QID        uint16
	SavedDepth uint32
	MaxDepth   uint32
}

func (e *RestoreCapacityError) Error() string {
	return fmt.Sprintf("saved queue %d has depth %d, controller supports %d",
		e.QID, e.SavedDepth, e.MaxDepth)
}

func statusError(qid uint16, opcode uint8, c nvmespec.Completion) error {
	if c.Status.Success() {
		return nil
	}

	return &NvmeStatusError{QID: qid, Opcode: opcode, Status: c.Status}
}
