package nvmedrv

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// queueManager spreads CPUs without a dedicated queue pair round-robin over
// the queue pairs that exist.
type queueManager struct {
	count  int
	cursor uint32
}

func newQueueManager(count int) *queueManager {
	if count <= 0 {
		count = 1
	}
	return &queueManager{count: count}
}

func (qm *queueManager) next() int {
	return int(atomic.AddUint32(&qm.cursor, 1)-1) % qm.count
}

// RouteState is the routing of one CPU.
type RouteState struct {
	CPU        uint32 `json:"cpu"`
	QueueIndex int    `json:"queue_index"`
	Dedicated  bool   `json:"dedicated"`
}

type route struct {
	queue     int
	dedicated bool
	counted   atomic.Bool
}

// FallbackRoutingTable maps every CPU to the I/O queue pair it submits on.
// The first lookup by a CPU without a dedicated queue pair is counted.
type FallbackRoutingTable struct {
	routes   []*route
	fallback atomic.Uint32
}

func newRoutingTable(cpus uint32) *FallbackRoutingTable {
	return &FallbackRoutingTable{routes: make([]*route, cpus)}
}

// NewFallbackRoutingTable rebuilds a table from saved routes.
func NewFallbackRoutingTable(routes []RouteState) (*FallbackRoutingTable, error) {
	t := newRoutingTable(uint32(len(routes)))
	for _, r := range routes {
		if int(r.CPU) >= len(routes) {
			return nil, errors.Errorf("route for cpu %d outside %d cpus", r.CPU, len(routes))
		}
		t.set(r.CPU, r.QueueIndex, r.Dedicated)
	}
	for cpu, r := range t.routes {
		if r == nil {
			return nil, errors.Errorf("no route for cpu %d", cpu)
		}
	}

	return t, nil
}

func (t *FallbackRoutingTable) set(cpu uint32, queue int, dedicated bool) {
	t.routes[cpu] = &route{queue: queue, dedicated: dedicated}
}

// assignFallbacks routes every CPU left without a queue pair round-robin
// over the queues queue pairs.
func (t *FallbackRoutingTable) assignFallbacks(queues int) {
	qm := newQueueManager(queues)
	for cpu, r := range t.routes {
		if r == nil {
			t.set(uint32(cpu), qm.next(), false)
		}
	}
}

// Lookup returns the queue pair index for cpu.
func (t *FallbackRoutingTable) Lookup(cpu uint32) (int, error) {
	if int(cpu) >= len(t.routes) || t.routes[cpu] == nil {
		return 0, errors.Errorf("cpu %d outside the %d routed cpus", cpu, len(t.routes))
	}

	r := t.routes[cpu]
	if !r.dedicated && r.counted.CompareAndSwap(false, true) {
		t.fallback.Add(1)
	}

	return r.queue, nil
}

// FallbackCPUCount returns how many CPUs have issued I/O through a queue
// pair they share.
func (t *FallbackRoutingTable) FallbackCPUCount() uint32 {
	return t.fallback.Load()
}

// Snapshot returns the routes in CPU order.
func (t *FallbackRoutingTable) Snapshot() []RouteState {
	out := make([]RouteState, 0, len(t.routes))
	for cpu, r := range t.routes {
		if r == nil {
			continue
		}
		out = append(out, RouteState{CPU: uint32(cpu), QueueIndex: r.queue, Dedicated: r.dedicated})
	}

	return out
}
