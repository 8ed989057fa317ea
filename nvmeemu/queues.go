package nvmeemu

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/srilakshmi/usernvme/nvmespec"
)

type result struct {
	status nvmespec.Status
	dw0    uint32
}

func success() result { return result{} }

func failure(sct, sc uint8) result {
	return result{status: nvmespec.MakeStatus(sct, sc)}
}

type compQueue struct {
	id     uint16
	base   uint64
	size   uint32
	vector uint16
	ien    bool

	mu      sync.Mutex
	cond    *sync.Cond
	head    uint32
	tail    uint32
	phase   bool
	stopped bool
}

func newCompQueue(id uint16, base uint64, size uint32, vector uint16, ien bool) *compQueue {
	cq := &compQueue{
		id:     id,
		base:   base,
		size:   size,
		vector: vector,
		ien:    ien,
		phase:  true,
	}
	cq.cond = sync.NewCond(&cq.mu)

	return cq
}

func (cq *compQueue) full() bool {
	return (cq.tail+1)%cq.size == cq.head
}

func (cq *compQueue) setHead(head uint32) {
	cq.mu.Lock()
	cq.head = head
	cq.cond.Broadcast()
	cq.mu.Unlock()
}

func (cq *compQueue) wake() {
	cq.mu.Lock()
	cq.cond.Broadcast()
	cq.mu.Unlock()
}

func (cq *compQueue) shutdown() {
	cq.mu.Lock()
	cq.stopped = true
	cq.cond.Broadcast()
	cq.mu.Unlock()
}

type subQueue struct {
	id   uint16
	base uint64
	size uint32
	cq   *compQueue

	mu   sync.Mutex
	head uint32
	tail uint32

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubQueue(id uint16, base uint64, size uint32, cq *compQueue) *subQueue {
	return &subQueue{
		id:   id,
		base: base,
		size: size,
		cq:   cq,
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (sq *subQueue) setTail(tail uint32) {
	sq.mu.Lock()
	sq.tail = tail
	sq.mu.Unlock()

	select {
	case sq.kick <- struct{}{}:
	default:
	}
}

func (sq *subQueue) stopping() bool {
	select {
	case <-sq.stop:
		return true
	default:
		return false
	}
}

func (sq *subQueue) stopAndWait() {
	sq.stopOnce.Do(func() { close(sq.stop) })
	sq.cq.wake()
	<-sq.done
}

func (c *Controller) startSQ(sq *subQueue) {
	go c.runSQ(sq)
}

// runSQ is the worker of one submission queue. Doorbell writes kick it; it
// then drains the ring in batches. Admin commands run in order, the commands
// of an I/O batch run concurrently and complete in any order.
func (c *Controller) runSQ(sq *subQueue) {
	defer close(sq.done)

	for {
		select {
		case <-sq.stop:
			return
		case <-sq.kick:
		}

		for {
			if !c.waitRunning(sq.stop) {
				return
			}

			cmds := c.fetch(sq)
			if len(cmds) == 0 {
				break
			}

			if sq.id == 0 {
				for _, cmd := range cmds {
					if err := c.post(sq, cmd, c.executeAdmin(cmd)); err != nil {
						c.fatal(err, sq.id)
						break
					}
				}
				continue
			}

			var g errgroup.Group
			for _, cmd := range cmds {
				g.Go(func() error {
					return c.post(sq, cmd, c.executeIO(cmd))
				})
			}
			if err := g.Wait(); err != nil {
				c.fatal(err, sq.id)
			}
		}
	}
}

func (c *Controller) fetch(sq *subQueue) []nvmespec.Command {
	sq.mu.Lock()
	head, tail := sq.head, sq.tail
	sq.mu.Unlock()

	var cmds []nvmespec.Command
	buf := make([]byte, nvmespec.CommandSize)
	for head != tail {
		if err := c.mem.ReadAt(sq.base+uint64(head)*nvmespec.CommandSize, buf); err != nil {
			c.fatal(err, sq.id)
			break
		}

		cmd, err := nvmespec.UnmarshalCommand(buf)
		if err != nil {
			c.fatal(err, sq.id)
			break
		}

		cmds = append(cmds, cmd)
		head = (head + 1) % sq.size
	}

	sq.mu.Lock()
	sq.head = head
	sq.mu.Unlock()

	return cmds
}

// post writes the completion of cmd to its completion queue. It waits while
// that queue is full and fails only if the entry cannot be written.
func (c *Controller) post(sq *subQueue, cmd nvmespec.Command, res result) error {
	if !res.status.Success() {
		c.stats.errors.Add(1)
		c.log.WithFields(logrus.Fields{
			"qid":    sq.id,
			"cid":    cmd.CommandID,
			"opcode": cmd.Opcode,
			"status": res.status.String(),
		}).Debug("command failed")
	}

	cq := sq.cq
	cq.mu.Lock()
	for cq.full() && !cq.stopped && !sq.stopping() {
		cq.cond.Wait()
	}
	if cq.stopped || sq.stopping() {
		cq.mu.Unlock()
		return nil
	}

	sq.mu.Lock()
	sqhd := sq.head
	sq.mu.Unlock()

	entry := nvmespec.Completion{
		DW0:       res.dw0,
		SQHD:      uint16(sqhd),
		SQID:      sq.id,
		CommandID: cmd.CommandID,
		Phase:     cq.phase,
		Status:    res.status,
	}
	if err := c.mem.WriteAt(cq.base+uint64(cq.tail)*nvmespec.CompletionSize, entry.Marshal()); err != nil {
		cq.mu.Unlock()
		return errors.Wrapf(err, "post completion cid %d to cq %d", cmd.CommandID, cq.id)
	}

	cq.tail = (cq.tail + 1) % cq.size
	if cq.tail == 0 {
		cq.phase = !cq.phase
	}
	vector, ien := cq.vector, cq.ien
	cq.mu.Unlock()

	if ien {
		c.raise(uint32(vector))
	}

	return nil
}

func (c *Controller) fatal(err error, qid uint16) {
	c.log.WithError(err).WithField("qid", qid).Error("controller fatal status")

	c.mu.Lock()
	c.csts |= nvmespec.CSTSFatal
	c.mu.Unlock()
}
