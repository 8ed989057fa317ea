package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/usernvme/disklayer"
	"github.com/srilakshmi/usernvme/guestmem"
	"github.com/srilakshmi/usernvme/nvmedrv"
	"github.com/srilakshmi/usernvme/nvmeemu"
	"github.com/srilakshmi/usernvme/userdriver"
)

const (
	erasureStripe = 64 << 10
	dataShards    = 4
	parityShards  = 2
)

// bench is an emulated controller with its guest memory.
type bench struct {
	mem     *guestmem.GuestMemory
	pool    *userdriver.PagePool
	ctrl    *nvmeemu.Controller
	dev     *nvmeemu.EmulatedDevice
	disk    disklayer.Disk
	erasure *disklayer.ErasureDisk
}

func newBench(o options) (*bench, error) {
	mem, pool, err := nvmeemu.NewMemory(o.pages, !o.bounce)
	if err != nil {
		return nil, err
	}

	b := &bench{mem: mem, pool: pool}
	if o.erasure {
		b.erasure, err = disklayer.NewErasureDisk(o.diskSize, erasureStripe, dataShards, parityShards)
		if err != nil {
			mem.Close()
			return nil, err
		}
		b.disk = b.erasure
	} else {
		b.disk = disklayer.NewRAMDisk(o.diskSize)
	}

	b.ctrl = nvmeemu.NewController(mem, nvmeemu.Caps{MSIXCount: o.msix, SubsystemID: uuid.New()})
	if err := b.ctrl.AddNamespace(1, b.disk); err != nil {
		mem.Close()
		return nil, errors.Wrap(err, "add namespace 1")
	}
	b.dev = nvmeemu.NewEmulatedDevice(b.ctrl, pool)

	log.WithFields(logrus.Fields{
		"device":  b.dev.ID(),
		"pages":   o.pages,
		"msix":    o.msix,
		"erasure": o.erasure,
	}).Debug("emulated controller ready")

	return b, nil
}

func (b *bench) close() {
	if err := b.mem.Close(); err != nil {
		log.WithError(err).Warn("unmap guest memory")
	}
}

func (b *bench) config(o options) nvmedrv.Config {
	return nvmedrv.Config{
		CPUCount:     o.cpus,
		ReadyTimeout: o.readyWait,
		Logger:       logrus.NewEntry(log).WithField("device", b.dev.ID()),
	}
}

func (b *bench) start(ctx context.Context, o options) (*nvmedrv.Driver, error) {
	return nvmedrv.New(ctx, b.dev, b.config(o))
}

// guestLimit is the end of the guest half of memory.
func (b *bench) guestLimit() uint64 {
	return b.mem.Len() / 2
}
