package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srilakshmi/usernvme/guestmem"
	"github.com/srilakshmi/usernvme/nvmedrv"
	"github.com/srilakshmi/usernvme/nvmespec"
)

var smokeBlocks uint32

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Write, read back and deallocate a pattern from every CPU.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSmoke(cmd.Context(), opts, smokeBlocks)
	},
}

func init() {
	smokeCmd.Flags().Uint32Var(&smokeBlocks, "blocks", 16, "blocks written per CPU")
	rootCmd.AddCommand(smokeCmd)
}

func runSmoke(ctx context.Context, o options, blocks uint32) error {
	b, err := newBench(o)
	if err != nil {
		return err
	}
	defer b.close()

	d, err := b.start(ctx, o)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	ns, err := d.Namespace(ctx, 1)
	if err != nil {
		return err
	}
	defer ns.Close()

	length := int(blocks) * int(ns.BlockSize())
	if uint64(o.cpus)*uint64(length) > b.guestLimit() {
		return errors.Errorf("%d cpus x %d bytes do not fit in guest memory", o.cpus, length)
	}
	if uint64(o.cpus)*uint64(blocks) > ns.BlockCount() {
		return errors.Errorf("%d cpus x %d blocks exceed namespace size", o.cpus, blocks)
	}

	g, gctx := errgroup.WithContext(ctx)
	for cpu := range o.cpus {
		g.Go(func() error {
			return smokeCPU(gctx, ns, b.mem, cpu, blocks, length)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if b.erasure != nil {
		if err := smokeReconstruct(ctx, ns, b, blocks, length); err != nil {
			return err
		}
	}

	for _, s := range d.QueueStats() {
		log.WithFields(logrus.Fields{
			"qid":       s.QID,
			"cpu":       s.CPU,
			"submitted": s.Submitted,
			"completed": s.Completed,
			"shared_by": s.SharedBy,
		}).Info("queue")
	}
	fmt.Printf("smoke ok: %d cpus, %d fallback\n", o.cpus, d.FallbackCPUCount())

	return nil
}

// writeAndVerify writes pattern at lba and reads it back through rng.
func writeAndVerify(ctx context.Context, ns *nvmedrv.Namespace, mem *guestmem.GuestMemory,
	cpu uint32, lba uint64, blocks uint32, rng guestmem.Range, pattern byte) error {
	if err := mem.Fill(rng.GPA, rng.Len, pattern); err != nil {
		return err
	}
	if err := ns.Write(ctx, cpu, lba, blocks, false, mem, rng); err != nil {
		return errors.Wrapf(err, "cpu %d write", cpu)
	}
	if err := mem.Fill(rng.GPA, rng.Len, 0); err != nil {
		return err
	}
	if err := ns.Read(ctx, cpu, lba, blocks, mem, rng); err != nil {
		return errors.Wrapf(err, "cpu %d read", cpu)
	}

	got := make([]byte, rng.Len)
	if err := mem.ReadAt(rng.GPA, got); err != nil {
		return err
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{pattern}, rng.Len)) {
		return errors.Errorf("cpu %d: read back mismatch at lba %d", cpu, lba)
	}

	return nil
}

func smokeCPU(ctx context.Context, ns *nvmedrv.Namespace, mem *guestmem.GuestMemory,
	cpu, blocks uint32, length int) error {
	rng := guestmem.Range{GPA: uint64(cpu) * uint64(length), Len: length}
	lba := uint64(cpu) * uint64(blocks)

	if err := writeAndVerify(ctx, ns, mem, cpu, lba, blocks, rng, byte(0xa0+cpu%0x50)); err != nil {
		return err
	}

	if err := ns.Deallocate(ctx, cpu, []nvmespec.DsmRange{{StartingLBA: lba, BlockCount: blocks}}); err != nil {
		return errors.Wrapf(err, "cpu %d deallocate", cpu)
	}
	if err := ns.Read(ctx, cpu, lba, blocks, mem, rng); err != nil {
		return errors.Wrapf(err, "cpu %d read after deallocate", cpu)
	}

	got := make([]byte, length)
	if err := mem.ReadAt(rng.GPA, got); err != nil {
		return err
	}
	if !bytes.Equal(got, make([]byte, length)) {
		return errors.Errorf("cpu %d: deallocated blocks not zero", cpu)
	}

	return ns.Flush(ctx, cpu)
}

// smokeReconstruct corrupts a data shard under freshly written blocks and
// checks the read still returns them.
func smokeReconstruct(ctx context.Context, ns *nvmedrv.Namespace, b *bench, blocks uint32, length int) error {
	rng := guestmem.Range{GPA: 0, Len: length}
	if err := writeAndVerify(ctx, ns, b.mem, 0, 0, blocks, rng, 0x5a); err != nil {
		return err
	}

	before := b.erasure.Reconstructions()
	if err := b.erasure.CorruptShard(0, 0); err != nil {
		return err
	}

	got := make([]byte, length)
	if err := ns.Read(ctx, 0, 0, blocks, b.mem, rng); err != nil {
		return err
	}
	if err := b.mem.ReadAt(0, got); err != nil {
		return err
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x5a}, length)) {
		return errors.New("corrupted shard was not reconstructed")
	}

	log.WithField("reconstructions", b.erasure.Reconstructions()-before).Info("read through corrupted shard")

	return nil
}
