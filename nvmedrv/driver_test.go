package nvmedrv

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srilakshmi/usernvme/disklayer"
	"github.com/srilakshmi/usernvme/guestmem"
	"github.com/srilakshmi/usernvme/nvmeemu"
	"github.com/srilakshmi/usernvme/nvmespec"
	"github.com/srilakshmi/usernvme/userdriver"
)

const (
	testPages     = 1000
	testDiskBytes = 2 << 20
)

type testEnv struct {
	mem  *guestmem.GuestMemory
	pool *userdriver.PagePool
	ctrl *nvmeemu.Controller
	dev  *nvmeemu.EmulatedDevice
}

func newTestEnv(t *testing.T, dmaCapable bool, caps nvmeemu.Caps) *testEnv {
	t.Helper()

	mem, pool, err := nvmeemu.NewMemory(testPages, dmaCapable)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	ctrl := nvmeemu.NewController(mem, caps)
	require.NoError(t, ctrl.AddNamespace(1, disklayer.NewRAMDisk(testDiskBytes)))

	return &testEnv{mem: mem, pool: pool, ctrl: ctrl, dev: nvmeemu.NewEmulatedDevice(ctrl, pool)}
}

func testConfig(cpus uint32) Config {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	return Config{CPUCount: cpus, ReadyTimeout: 5 * time.Second, Logger: logrus.NewEntry(log)}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func newTestDriver(t *testing.T, env *testEnv, cfg Config) *Driver {
	t.Helper()

	d, err := New(testContext(t), env.dev, cfg)
	require.NoError(t, err)
	require.Equal(t, StateOperational, d.State())

	return d
}

func shutdown(t *testing.T, d *Driver, opts ...ShutdownOption) {
	t.Helper()
	require.NoError(t, d.Shutdown(testContext(t), opts...))
	require.Equal(t, StateStopped, d.State())
}

func TestDriverDirectDMA(t *testing.T) {
	testDriverRoundTrip(t, true)
}

func TestDriverBounceBuffer(t *testing.T) {
	testDriverRoundTrip(t, false)
}

func testDriverRoundTrip(t *testing.T, dmaCapable bool) {
	env := newTestEnv(t, dmaCapable, nvmeemu.Caps{MSIXCount: 2, MaxIOQueues: 64})
	initialFree := env.pool.FreePages()
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(64))
	require.Len(t, d.ioQueues, 1)

	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(512), ns.BlockSize())
	require.Equal(t, uint64(testDiskBytes/512), ns.BlockCount())

	buf := guestmem.Range{GPA: 0, Len: 16384}

	require.NoError(t, env.mem.Fill(0, 8192, 0xcc))
	require.NoError(t, ns.Write(ctx, 0, 1, 2, false, env.mem, buf))
	require.NoError(t, ns.Read(ctx, 0, 0, 32, env.mem, buf))

	v := make([]byte, 4096)
	require.NoError(t, env.mem.ReadAt(0, v))
	require.Equal(t, make([]byte, 512), v[:512])
	require.Equal(t, bytes.Repeat([]byte{0xcc}, 1024), v[512:1536])
	require.Equal(t, make([]byte, 4096-1536), v[1536:])

	require.NoError(t, ns.Deallocate(ctx, 0, []nvmespec.DsmRange{
		{StartingLBA: 1000, BlockCount: 2000},
		{StartingLBA: 2, BlockCount: 2},
	}))

	require.Equal(t, uint32(0), d.FallbackCPUCount())

	require.NoError(t, ns.Read(ctx, 63, 0, 32, env.mem, buf))
	require.Equal(t, uint32(1), d.FallbackCPUCount())

	require.NoError(t, env.mem.ReadAt(0, v))
	require.Equal(t, make([]byte, 512), v[:512])
	require.Equal(t, bytes.Repeat([]byte{0xcc}, 512), v[512:1024])
	require.Equal(t, make([]byte, 4096-1024), v[1024:])

	// A second lookup by the same cpu is not counted again.
	require.NoError(t, ns.Read(ctx, 63, 0, 1, env.mem, buf))
	require.Equal(t, uint32(1), d.FallbackCPUCount())

	require.NoError(t, ns.Close())
	require.ErrorIs(t, ns.Close(), ErrHandleClosed)

	shutdown(t, d)
	require.Equal(t, initialFree, env.pool.FreePages())
	require.False(t, nvmespec.CC(env.ctrl.ReadU32(nvmespec.RegCC)).Enabled())
}

func TestWriteReadPattern(t *testing.T) {
	for _, dmaCapable := range []bool{true, false} {
		t.Run(fmt.Sprintf("dma=%t", dmaCapable), func(t *testing.T) {
			env := newTestEnv(t, dmaCapable, nvmeemu.Caps{})
			ctx := testContext(t)

			d := newTestDriver(t, env, testConfig(1))
			ns, err := d.Namespace(ctx, 1)
			require.NoError(t, err)
			defer ns.Close()

			src := guestmem.Range{GPA: 0, Len: 1024}
			dst := guestmem.Range{GPA: 8192, Len: 1024}
			require.NoError(t, env.mem.Fill(src.GPA, src.Len, 0xAA))
			require.NoError(t, ns.Write(ctx, 0, 0, 2, false, env.mem, src))
			require.NoError(t, ns.Read(ctx, 0, 0, 2, env.mem, dst))

			got := make([]byte, dst.Len)
			require.NoError(t, env.mem.ReadAt(dst.GPA, got))
			require.Equal(t, bytes.Repeat([]byte{0xAA}, 1024), got)

			shutdown(t, d)
		})
	}
}

func TestIOQueueMaxMQES(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{MSIXCount: 2, MaxIOQueues: 64})
	env.dev.SetMockResponseU64(nvmespec.RegCAP, uint64(nvmespec.Cap(0).WithMQES(65535)))

	d := newTestDriver(t, env, testConfig(64))
	require.Equal(t, uint32(65536), d.Capabilities().MaxQueueDepth())
	require.Equal(t, uint32(defaultIOQueueDepth), d.ioQueues[0].Depth())

	shutdown(t, d)
}

func TestIOQueueInvalidMQES(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{MSIXCount: 2, MaxIOQueues: 64})
	initialFree := env.pool.FreePages()
	env.dev.SetMockResponseU64(nvmespec.RegCAP, uint64(nvmespec.Cap(0).WithMQES(0)))

	_, err := New(testContext(t), env.dev, testConfig(64))

	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, initialFree, env.pool.FreePages())
}

func TestDedicatedQueuePerCPU(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{MSIXCount: 8, MaxIOQueues: 8})
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(4))
	require.Len(t, d.ioQueues, 4)

	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)

	for cpu := uint32(0); cpu < 4; cpu++ {
		require.NoError(t, ns.Write(ctx, cpu, uint64(cpu), 1, cpu%2 == 0, env.mem, guestmem.Range{GPA: 0, Len: 512}))
	}
	require.Equal(t, uint32(0), d.FallbackCPUCount())

	stats := d.QueueStats()
	require.Len(t, stats, 5)
	for i, s := range stats[1:] {
		require.Equal(t, uint16(i+1), s.QID)
		require.Equal(t, uint32(i+1), s.Vector)
		require.Equal(t, uint32(i), s.CPU)
		require.Equal(t, uint64(1), s.Submitted)
		require.Equal(t, uint64(1), s.Completed)
		require.Empty(t, s.SharedBy)
	}

	_, err = d.ioQueue(4)
	require.Error(t, err)

	shutdown(t, d)
}

func TestFallbackSpreadsRoundRobin(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{MSIXCount: 3, MaxIOQueues: 64})

	d := newTestDriver(t, env, testConfig(6))
	require.Len(t, d.ioQueues, 2)

	routes := d.Routes()
	require.Equal(t, []RouteState{
		{CPU: 0, QueueIndex: 0, Dedicated: true},
		{CPU: 1, QueueIndex: 1, Dedicated: true},
		{CPU: 2, QueueIndex: 0},
		{CPU: 3, QueueIndex: 1},
		{CPU: 4, QueueIndex: 0},
		{CPU: 5, QueueIndex: 1},
	}, routes)

	stats := d.QueueStats()
	require.Equal(t, []uint32{2, 4}, stats[1].SharedBy)
	require.Equal(t, []uint32{3, 5}, stats[2].SharedBy)

	shutdown(t, d)
}

func TestDeallocateWriteZeroesAndFlush(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{})
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(1))
	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)

	buf := guestmem.Range{GPA: 0, Len: 8 * 512}
	v := make([]byte, buf.Len)

	require.NoError(t, env.mem.Fill(0, buf.Len, 0x5a))
	require.NoError(t, ns.Write(ctx, 0, 10, 8, true, env.mem, buf))
	require.NoError(t, ns.Flush(ctx, 0))

	require.NoError(t, ns.WriteZeroes(ctx, 0, 12, 2))
	require.NoError(t, env.mem.Fill(0, buf.Len, 0xff))
	require.NoError(t, ns.Read(ctx, 0, 10, 8, env.mem, buf))
	require.NoError(t, env.mem.ReadAt(0, v))
	require.Equal(t, bytes.Repeat([]byte{0x5a}, 1024), v[:1024])
	require.Equal(t, make([]byte, 1024), v[1024:2048])
	require.Equal(t, bytes.Repeat([]byte{0x5a}, 2048), v[2048:])

	require.NoError(t, ns.Deallocate(ctx, 0, []nvmespec.DsmRange{{StartingLBA: 10, BlockCount: 8}}))
	require.NoError(t, ns.Read(ctx, 0, 10, 8, env.mem, buf))
	require.NoError(t, env.mem.ReadAt(0, v))
	require.Equal(t, make([]byte, buf.Len), v)

	require.Error(t, ns.Deallocate(ctx, 0, nil))

	shutdown(t, d)
}

func TestLargeTransferUsesPRPList(t *testing.T) {
	for _, dmaCapable := range []bool{true, false} {
		t.Run(fmt.Sprintf("dma=%t", dmaCapable), func(t *testing.T) {
			env := newTestEnv(t, dmaCapable, nvmeemu.Caps{})
			ctx := testContext(t)

			d := newTestDriver(t, env, testConfig(1))
			ns, err := d.Namespace(ctx, 1)
			require.NoError(t, err)

			// 64 KiB starting mid-page spans 17 pages.
			src := guestmem.Range{GPA: 0x10200, Len: 64 << 10}
			pattern := make([]byte, src.Len)
			for i := range pattern {
				pattern[i] = byte(i * 7)
			}
			require.NoError(t, env.mem.WriteAt(src.GPA, pattern))
			require.NoError(t, ns.Write(ctx, 0, 100, 128, false, env.mem, src))

			dst := guestmem.Range{GPA: 0x40000, Len: src.Len}
			require.NoError(t, ns.Read(ctx, 0, 100, 128, env.mem, dst))

			got := make([]byte, dst.Len)
			require.NoError(t, env.mem.ReadAt(dst.GPA, got))
			require.Equal(t, pattern, got)

			shutdown(t, d)
		})
	}
}

func TestTransferValidation(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{})
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(1))
	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)

	var mapErr *DmaMappingError

	// Above MDTS: 2^6 pages of 4 KiB.
	err = ns.Read(ctx, 0, 0, 1024, env.mem, guestmem.Range{GPA: 0, Len: 1024 * 512})
	require.ErrorAs(t, err, &mapErr)

	err = ns.Read(ctx, 0, 0, 4, env.mem, guestmem.Range{GPA: 0, Len: 512})
	require.ErrorAs(t, err, &mapErr)

	err = ns.Read(ctx, 0, 0, 1, env.mem, guestmem.Range{GPA: env.mem.Len(), Len: 512})
	require.ErrorAs(t, err, &mapErr)

	require.Error(t, ns.Read(ctx, 0, 0, 0, env.mem, guestmem.Range{GPA: 0, Len: 512}))

	err = ns.Read(ctx, 0, ns.BlockCount(), 1, env.mem, guestmem.Range{GPA: 0, Len: 512})
	var statusErr *NvmeStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, uint8(nvmespec.SCLBAOutOfRange), statusErr.Status.Code())

	shutdown(t, d)
}

func TestNamespaceLookup(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{})
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(1))

	_, err := d.Namespace(ctx, 7)
	require.ErrorIs(t, err, ErrNamespaceNotFound)

	require.NoError(t, env.ctrl.AddNamespace(2, disklayer.NewRAMDisk(1<<20)))
	ns2, err := d.Namespace(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, uint64((1<<20)/512), ns2.BlockCount())

	a, err := d.Namespace(ctx, 1)
	require.NoError(t, err)
	b, err := d.Namespace(ctx, 1)
	require.NoError(t, err)

	infos := d.Namespaces()
	require.Len(t, infos, 2)
	require.Equal(t, NamespaceInfo{NSID: 1, BlockSize: 512, BlockCount: testDiskBytes / 512, Handles: 2}, infos[0])
	require.Equal(t, 1, infos[1].Handles)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	require.NoError(t, ns2.Close())
	require.Equal(t, 0, d.Namespaces()[0].Handles)

	require.Equal(t, "usernvme emulated controller", d.Identify().Model)
	require.Equal(t, uint32(1), d.Identify().NamespaceCount)

	shutdown(t, d)

	_, err = d.Namespace(ctx, 1)
	require.ErrorIs(t, err, ErrNotOperational)
}

func TestBackpressureWaitsForSlots(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{})
	ctx := testContext(t)

	cfg := testConfig(1)
	cfg.IOQueueDepth = 4
	d := newTestDriver(t, env, cfg)
	qp := d.ioQueues[0]

	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)

	env.ctrl.Pause()

	const writers = 8
	errs := make(chan error, writers)
	for i := range writers {
		go func() {
			errs <- ns.Write(ctx, 0, uint64(i), 1, false, env.mem, guestmem.Range{GPA: uint64(i) * 512, Len: 512})
		}()
	}

	require.Eventually(t, func() bool {
		return qp.OutstandingCount() == 3 && qp.WaitingCount() == writers-3
	}, 5*time.Second, time.Millisecond)

	env.ctrl.Resume()

	for range writers {
		require.NoError(t, <-errs)
	}
	require.Equal(t, uint32(0), qp.OutstandingCount())
	require.Equal(t, uint64(writers), qp.stats().Completed)

	shutdown(t, d)
}

func TestBounceWaitTimesOut(t *testing.T) {
	env := newTestEnv(t, false, nvmeemu.Caps{})
	ctx := testContext(t)

	cfg := testConfig(1)
	cfg.BounceBufferPages = 1
	d := newTestDriver(t, env, cfg)

	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)

	// Another command holds the whole bounce budget.
	require.NoError(t, d.bounce.Acquire(ctx, 1))

	wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = ns.Write(wctx, 0, 0, 1, false, env.mem, guestmem.Range{GPA: 0, Len: 512})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var timeout *CommandTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, uint16(NoCommandID), timeout.CID)
	require.Equal(t, uint16(1), timeout.QID)
	require.Equal(t, uint8(nvmespec.CmdWrite), timeout.Opcode)
	require.Contains(t, err.Error(), "not submitted")

	d.bounce.Release(1)
	require.NoError(t, ns.Write(ctx, 0, 0, 1, false, env.mem, guestmem.Range{GPA: 0, Len: 512}))
	require.NoError(t, ns.Close())

	shutdown(t, d)
}

func TestCommandTableServesWaitersInOrder(t *testing.T) {
	tbl := newCommandTable(1, 2)
	ctx := context.Background()

	held := make([]uint16, 0, 2)
	for range 2 {
		cid, err := tbl.acquire(ctx, nvmespec.CmdWrite)
		require.NoError(t, err)
		tbl.begin(cid, nvmespec.CmdWrite, nil)
		held = append(held, cid)
	}

	order := make(chan int, 3)
	for i := range 3 {
		go func() {
			cid, err := tbl.acquire(ctx, nvmespec.CmdRead)
			if err == nil {
				tbl.begin(cid, nvmespec.CmdRead, nil)
				order <- i
			}
		}()
		require.Eventually(t, func() bool { return tbl.waiting() == i+1 }, time.Second, time.Millisecond)
	}

	// A cancelled waiter leaves the queue without taking a slot.
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := tbl.acquire(cctx, nvmespec.CmdFlush)
		done <- err
	}()
	require.Eventually(t, func() bool { return tbl.waiting() == 4 }, time.Second, time.Millisecond)
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	var timeout *CommandTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, uint16(NoCommandID), timeout.CID)
	require.Equal(t, uint8(nvmespec.CmdFlush), timeout.Opcode)
	require.Equal(t, uint16(1), timeout.QID)
	require.Equal(t, 3, tbl.waiting())

	for want := range 3 {
		cid := held[0]
		held = held[1:]

		cleanup, err := tbl.complete(nvmespec.Completion{CommandID: cid})
		require.NoError(t, err)
		require.Nil(t, cleanup)
		_, err = tbl.wait(ctx, cid)
		require.NoError(t, err)

		require.Equal(t, want, <-order)

		// The slot just handed out is the one freed.
		held = append(held, cid)
	}
}

func TestUnknownCompletionFaultsDriver(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{})
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(1))
	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)

	qp := d.ioQueues[0]
	qp.cqMu.Lock()
	bogus := nvmespec.Completion{SQID: qp.qid, CommandID: 77, Phase: qp.cqPhase}
	require.NoError(t, qp.cq.WriteAt(int(qp.cqHead)*nvmespec.CompletionSize, bogus.Marshal()))
	qp.cqMu.Unlock()
	qp.irq.Deliver()

	require.Eventually(t, func() bool { return d.State() == StateFaulted }, 5*time.Second, time.Millisecond)
	require.Error(t, d.FaultCause())

	err = ns.Read(ctx, 0, 0, 1, env.mem, guestmem.Range{GPA: 0, Len: 512})
	require.ErrorIs(t, err, ErrFaulted)

	require.NoError(t, d.Shutdown(ctx))
}

func TestCommandTimeoutRetiresOnCompletion(t *testing.T) {
	env := newTestEnv(t, false, nvmeemu.Caps{})
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(1))
	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)
	qp := d.ioQueues[0]

	free := env.pool.FreePages()
	env.ctrl.Pause()

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err = ns.Write(short, 0, 0, 8, false, env.mem, guestmem.Range{GPA: 0, Len: 4096})

	var timeout *CommandTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, uint8(nvmespec.CmdWrite), timeout.Opcode)

	// The device still owns the command and its bounce buffer.
	require.Equal(t, uint32(1), qp.OutstandingCount())
	require.Less(t, env.pool.FreePages(), free)

	env.ctrl.Resume()

	require.Eventually(t, func() bool {
		return qp.OutstandingCount() == 0 && env.pool.FreePages() == free
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, ns.Read(ctx, 0, 0, 8, env.mem, guestmem.Range{GPA: 0, Len: 4096}))

	shutdown(t, d)
}

func TestSaveHasNoNamespaces(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{MSIXCount: 2, MaxIOQueues: 64})
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(64))
	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)
	defer ns.Close()

	saved, err := d.Save(ctx)
	require.NoError(t, err)
	require.Empty(t, saved.Namespaces)
	require.Equal(t, SavedStateVersion, saved.Version)
	require.Equal(t, env.dev.ID(), saved.DeviceID)
	require.Len(t, saved.IOQueues, 1)
	require.True(t, saved.IOQueues[0].Fallback)
	require.Len(t, saved.Routing, 64)
	require.False(t, saved.Quiesced)

	shutdown(t, d)

	saved, err = d.Save(ctx)
	require.NoError(t, err)
	require.Empty(t, saved.Namespaces)
	require.False(t, saved.Quiesced)
}

func TestSavedStateEncoding(t *testing.T) {
	saved := &SavedState{
		Version:    SavedStateVersion,
		DeviceID:   "dev",
		AdminQueue: QueueState{Depth: 64, SQPFN: 600, CQPFN: 601, CQPhase: true},
		IOQueues:   []QueueState{{QID: 1, Depth: 256, Vector: 1, SQPFN: 700, CQPFN: 704, SQTail: 3, CQHead: 3, CQPhase: true}},
		Routing:    []RouteState{{CPU: 0, Dedicated: true}, {CPU: 1}},
		Identify:   IdentifySummary{Model: "m", IOQueuesGranted: 1},
		Quiesced:   true,
	}

	var buf bytes.Buffer
	require.NoError(t, saved.Encode(&buf))

	got, err := DecodeSavedState(&buf)
	require.NoError(t, err)
	require.Equal(t, saved, got)

	js, err := saved.MarshalIndent()
	require.NoError(t, err)
	require.Contains(t, string(js), `"sq_pfn": 700`)
	require.Contains(t, string(js), `"quiesced": true`)

	_, err = DecodeSavedState(bytes.NewReader([]byte("garbage")))
	require.Error(t, err)
}

func TestSaveRestoreKeepAlive(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{MSIXCount: 2, MaxIOQueues: 64})
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(64))
	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)

	buf := guestmem.Range{GPA: 0, Len: 4096}
	require.NoError(t, env.mem.Fill(0, buf.Len, 0x3c))
	require.NoError(t, ns.Write(ctx, 0, 40, 8, false, env.mem, buf))
	require.NoError(t, ns.Close())

	shutdown(t, d, WithKeepAlive())
	require.True(t, nvmespec.CC(env.ctrl.ReadU32(nvmespec.RegCC)).Enabled())

	saved, err := d.Save(ctx)
	require.NoError(t, err)

	var wire bytes.Buffer
	require.NoError(t, saved.Encode(&wire))
	decoded, err := DecodeSavedState(&wire)
	require.NoError(t, err)

	queuesBefore := env.ctrl.QueueCount()

	dev := nvmeemu.NewEmulatedDevice(env.ctrl, env.pool)
	restored, err := Restore(ctx, dev, testConfig(0), decoded)
	require.NoError(t, err)
	require.Equal(t, StateOperational, restored.State())
	require.Equal(t, queuesBefore, env.ctrl.QueueCount())
	require.Equal(t, saved.Routing, restored.Routes())

	ns, err = restored.Namespace(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, env.mem.Fill(0, buf.Len, 0))
	require.NoError(t, ns.Read(ctx, 5, 40, 8, env.mem, buf))

	got := make([]byte, buf.Len)
	require.NoError(t, env.mem.ReadAt(0, got))
	require.Equal(t, bytes.Repeat([]byte{0x3c}, buf.Len), got)
	require.Equal(t, uint32(1), restored.FallbackCPUCount())

	shutdown(t, restored)
}

func TestKeepAliveRestoreNeedsQuiescedState(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{MSIXCount: 4, MaxIOQueues: 64})
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(2))
	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)

	live, err := d.Save(ctx)
	require.NoError(t, err)
	require.False(t, live.Quiesced)

	// I/O after the live save moves the ring indices past what it recorded.
	buf := guestmem.Range{GPA: 0, Len: 512}
	for lba := range uint64(5) {
		require.NoError(t, env.mem.Fill(0, buf.Len, byte(0x10+lba)))
		require.NoError(t, ns.Write(ctx, 1, lba, 1, false, env.mem, buf))
	}
	require.NoError(t, ns.Close())

	shutdown(t, d, WithKeepAlive())

	_, err = Restore(ctx, nvmeemu.NewEmulatedDevice(env.ctrl, env.pool), testConfig(0), live)
	require.ErrorIs(t, err, ErrStateNotQuiesced)
	require.True(t, nvmespec.CC(env.ctrl.ReadU32(nvmespec.RegCC)).Enabled())

	other := *live
	other.DeviceID = "nvmeemu-elsewhere"
	other.Quiesced = true
	_, err = Restore(ctx, nvmeemu.NewEmulatedDevice(env.ctrl, env.pool), testConfig(0), &other)
	var mismatch *RestoreDeviceMismatch
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, env.dev.ID(), mismatch.Current)

	_, err = Restore(ctx, env.dev, testConfig(0), nil)
	require.Error(t, err)

	saved, err := d.Save(ctx)
	require.NoError(t, err)
	require.True(t, saved.Quiesced)

	restored, err := Restore(ctx, nvmeemu.NewEmulatedDevice(env.ctrl, env.pool), testConfig(0), saved)
	require.NoError(t, err)
	require.Equal(t, StateOperational, restored.State())

	ns, err = restored.Namespace(ctx, 1)
	require.NoError(t, err)

	for lba := range uint64(5) {
		require.NoError(t, ns.Read(ctx, 1, lba, 1, env.mem, buf))
		got := make([]byte, buf.Len)
		require.NoError(t, env.mem.ReadAt(0, got))
		require.Equal(t, bytes.Repeat([]byte{byte(0x10 + lba)}, buf.Len), got)
	}
	require.NoError(t, ns.Flush(ctx, 0))
	require.NoError(t, ns.Close())

	shutdown(t, restored)
}

func TestRestoreReinitializesDisabledController(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{MSIXCount: 4, MaxIOQueues: 64})
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(3))
	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)

	buf := guestmem.Range{GPA: 0, Len: 1024}
	require.NoError(t, env.mem.Fill(0, buf.Len, 0x81))
	require.NoError(t, ns.Write(ctx, 2, 7, 2, false, env.mem, buf))

	shutdown(t, d, WithKeepAlive())
	saved, err := d.Save(ctx)
	require.NoError(t, err)

	// Something reset the controller during servicing.
	env.ctrl.WriteU32(nvmespec.RegCC, env.ctrl.ReadU32(nvmespec.RegCC)&^uint32(nvmespec.CCEnable))

	restored, err := Restore(ctx, nvmeemu.NewEmulatedDevice(env.ctrl, env.pool), testConfig(0), saved)
	require.NoError(t, err)

	stats := restored.QueueStats()
	require.Len(t, stats, 4)
	for i, qs := range saved.IOQueues {
		require.Equal(t, qs.QID, stats[i+1].QID)
		require.Equal(t, qs.Depth, stats[i+1].Depth)
		require.Equal(t, qs.Vector, stats[i+1].Vector)
		require.Equal(t, qs.CPU, stats[i+1].CPU)
	}

	ns, err = restored.Namespace(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, env.mem.Fill(0, buf.Len, 0))
	require.NoError(t, ns.Read(ctx, 0, 7, 2, env.mem, buf))

	got := make([]byte, buf.Len)
	require.NoError(t, env.mem.ReadAt(0, got))
	require.Equal(t, bytes.Repeat([]byte{0x81}, buf.Len), got)

	shutdown(t, restored)
}

func TestRestoreRejectsIncompatibleState(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{MSIXCount: 2, MaxIOQueues: 64})
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(2))
	saved, err := d.Save(ctx)
	require.NoError(t, err)
	shutdown(t, d)

	stale := *saved
	stale.Version = SavedStateVersion + 1
	_, err = Restore(ctx, env.dev, testConfig(0), &stale)
	var versionErr *RestoreVersionMismatch
	require.ErrorAs(t, err, &versionErr)
	require.Equal(t, SavedStateVersion+1, versionErr.Saved)

	small := newTestEnv(t, true, nvmeemu.Caps{MSIXCount: 2, MaxIOQueues: 64, MQES: 63})
	free := small.pool.FreePages()
	_, err = Restore(ctx, small.dev, testConfig(0), saved)
	var capErr *RestoreCapacityError
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, uint16(1), capErr.QID)
	require.Equal(t, uint32(defaultIOQueueDepth), capErr.SavedDepth)
	require.Equal(t, uint32(64), capErr.MaxDepth)
	require.Equal(t, free, small.pool.FreePages())
}

func TestShutdownTwice(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{})

	d := newTestDriver(t, env, testConfig(1))
	shutdown(t, d)
	require.ErrorIs(t, d.Shutdown(testContext(t)), ErrShutdown)
}

func TestConcurrentIOAcrossCPUs(t *testing.T) {
	env := newTestEnv(t, true, nvmeemu.Caps{MSIXCount: 3, MaxIOQueues: 64})
	ctx := testContext(t)

	d := newTestDriver(t, env, testConfig(4))
	ns, err := d.Namespace(ctx, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 4*16)
	for cpu := uint32(0); cpu < 4; cpu++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint64(0); i < 16; i++ {
				gpa := uint64(cpu)*0x8000 + i*512
				lba := uint64(cpu)*64 + i
				if err := env.mem.Fill(gpa, 512, byte(lba)); err != nil {
					errs <- err
					return
				}
				errs <- ns.Write(ctx, cpu, lba, 1, false, env.mem, guestmem.Range{GPA: gpa, Len: 512})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, uint32(2), d.FallbackCPUCount())

	for lba := uint64(0); lba < 4*64; lba += 64 {
		require.NoError(t, ns.Read(ctx, 0, lba+15, 1, env.mem, guestmem.Range{GPA: 0x100000, Len: 512}))
		got := make([]byte, 512)
		require.NoError(t, env.mem.ReadAt(0x100000, got))
		require.Equal(t, bytes.Repeat([]byte{byte(lba + 15)}, 512), got)
	}

	shutdown(t, d)
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")

	require.ErrorIs(t, &QueueCreationError{QID: 2, Cause: cause}, cause)
	require.ErrorIs(t, &DmaMappingError{Reason: "x", Cause: cause}, cause)
	require.ErrorIs(t, &CommandTimeoutError{Cause: context.Canceled}, context.Canceled)
	require.Contains(t, (&NvmeStatusError{QID: 1, Opcode: nvmespec.CmdRead,
		Status: nvmespec.MakeStatus(nvmespec.SCTGeneric, nvmespec.SCLBAOutOfRange)}).Error(), "lba out of range")
	require.Equal(t, "IoQueuesProvisioned", StateIOQueuesProvisioned.String())
	require.Equal(t, "Unknown", State(99).String())
}
