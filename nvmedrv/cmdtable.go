package nvmedrv

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/srilakshmi/usernvme/nvmespec"
)

type slotState uint8

const (
	slotFree slotState = iota
	slotInFlight
	slotCompleted
)

type slot struct {
	state     slotState
	opcode    uint8
	submitted time.Time
	done      chan struct{}
	result    nvmespec.Completion
	err       error
	abandoned bool
	onAbandon func()
}

// commandTable hands out command identifiers of one queue pair. A slot is
// busy from submission until its completion has been collected, or for an
// abandoned command until the completion arrives. Submitters that find no
// free slot queue up and are served in arrival order.
type commandTable struct {
	qid uint16

	mu       sync.Mutex
	slots    []slot
	free     []uint16
	waiters  *list.List // of chan uint16
	inFlight uint32
	closed   error
}

func newCommandTable(qid uint16, size int) *commandTable {
	t := &commandTable{
		qid:     qid,
		slots:   make([]slot, size),
		free:    make([]uint16, 0, size),
		waiters: list.New(),
	}
	for i := size - 1; i >= 0; i-- {
		t.free = append(t.free, uint16(i))
	}

	return t
}

// acquire takes a free command identifier for a command with opcode. A
// caller whose ctx ends while it waits for one gets a CommandTimeoutError
// without a CID.
func (t *commandTable) acquire(ctx context.Context, opcode uint8) (uint16, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return 0, t.slotTimeout(opcode, start, err)
	}

	t.mu.Lock()
	if t.closed != nil {
		err := t.closed
		t.mu.Unlock()
		return 0, err
	}
	if n := len(t.free); n > 0 && t.waiters.Len() == 0 {
		cid := t.free[n-1]
		t.free = t.free[:n-1]
		t.mu.Unlock()
		return cid, nil
	}

	w := make(chan uint16, 1)
	elem := t.waiters.PushBack(w)
	t.mu.Unlock()

	select {
	case cid, ok := <-w:
		if !ok {
			return 0, t.closedErr()
		}
		return cid, nil
	case <-ctx.Done():
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// A slot may have been handed over while ctx fired.
	select {
	case cid, ok := <-w:
		if ok {
			t.putLocked(cid)
		}
	default:
		t.waiters.Remove(elem)
	}

	return 0, t.slotTimeout(opcode, start, ctx.Err())
}

func (t *commandTable) slotTimeout(opcode uint8, start time.Time, cause error) error {
	return &CommandTimeoutError{
		QID:     t.qid,
		CID:     NoCommandID,
		Opcode:  opcode,
		Elapsed: time.Since(start),
		Cause:   cause,
	}
}

func (t *commandTable) closedErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

func (t *commandTable) begin(cid uint16, opcode uint8, onAbandon func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.slots[cid] = slot{
		state:     slotInFlight,
		opcode:    opcode,
		submitted: time.Now(),
		done:      make(chan struct{}),
		onAbandon: onAbandon,
	}
	t.inFlight++
}

// cancel returns a slot whose command never reached the device.
func (t *commandTable) cancel(cid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.slots[cid].state == slotInFlight {
		t.inFlight--
	}
	t.resetLocked(cid)
}

// complete records c for its command. It returns the cleanup of an
// abandoned command, which the caller runs outside the table lock.
func (t *commandTable) complete(c nvmespec.Completion) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cid := c.CommandID
	if int(cid) >= len(t.slots) || t.slots[cid].state != slotInFlight {
		return nil, errors.Errorf("completion for unknown command id %d on qid %d (sqid %d)",
			cid, t.qid, c.SQID)
	}

	s := &t.slots[cid]
	t.inFlight--

	if s.abandoned {
		fn := s.onAbandon
		t.resetLocked(cid)
		return fn, nil
	}

	s.state = slotCompleted
	s.result = c
	close(s.done)

	return nil, nil
}

// wait blocks until cid completes or ctx is done. In the latter case the
// command is abandoned: its slot and memory retire when the completion
// eventually arrives.
func (t *commandTable) wait(ctx context.Context, cid uint16) (nvmespec.Completion, error) {
	t.mu.Lock()
	if int(cid) >= len(t.slots) || t.slots[cid].state == slotFree || t.slots[cid].abandoned {
		t.mu.Unlock()
		return nvmespec.Completion{}, errors.Errorf("no outstanding command with id %d on qid %d", cid, t.qid)
	}
	s := &t.slots[cid]
	done := s.done
	t.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		t.mu.Lock()
		if s.state == slotInFlight {
			s.abandoned = true
			err := &CommandTimeoutError{
				QID:     t.qid,
				CID:     cid,
				Opcode:  s.opcode,
				Elapsed: time.Since(s.submitted),
				Cause:   ctx.Err(),
			}
			t.mu.Unlock()
			return nvmespec.Completion{}, err
		}
		t.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	res, err := s.result, s.err
	t.resetLocked(cid)

	return res, err
}

// failAll completes every outstanding command with err and refuses new
// ones. It returns the cleanups of abandoned commands.
func (t *commandTable) failAll(err error) []func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cleanups []func()

	t.closed = err
	for e := t.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan uint16))
	}
	t.waiters.Init()

	for i := range t.slots {
		s := &t.slots[i]
		if s.state != slotInFlight {
			continue
		}
		t.inFlight--
		if s.abandoned {
			if s.onAbandon != nil {
				cleanups = append(cleanups, s.onAbandon)
			}
			t.resetLocked(uint16(i))
			continue
		}
		s.state = slotCompleted
		s.err = err
		close(s.done)
	}

	return cleanups
}

func (t *commandTable) outstanding() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.inFlight
}

func (t *commandTable) waiting() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.waiters.Len()
}

func (t *commandTable) resetLocked(cid uint16) {
	t.slots[cid] = slot{}
	t.putLocked(cid)
}

func (t *commandTable) putLocked(cid uint16) {
	if front := t.waiters.Front(); front != nil {
		t.waiters.Remove(front)
		front.Value.(chan uint16) <- cid
		return
	}

	t.free = append(t.free, cid)
}
