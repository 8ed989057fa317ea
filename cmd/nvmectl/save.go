package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/srilakshmi/usernvme/nvmedrv"
)

var saveRestore bool

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Print the state a driver would hand to its successor.",
	Long: `save brings the driver up, prints its saved state as JSON and ` +
		`shuts it down. With --restore the controller is kept enabled, the ` +
		`state is saved again once the queues have stopped, a new driver is ` +
		`restored from its binary form and the new driver's state is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSave(cmd.Context(), opts, saveRestore)
	},
}

func init() {
	saveCmd.Flags().BoolVar(&saveRestore, "restore", false, "restore a successor driver from the saved state")
	rootCmd.AddCommand(saveCmd)
}

func runSave(ctx context.Context, o options, restore bool) error {
	b, err := newBench(o)
	if err != nil {
		return err
	}
	defer b.close()

	d, err := b.start(ctx, o)
	if err != nil {
		return err
	}

	saved, err := d.Save(ctx)
	if err != nil {
		_ = d.Shutdown(ctx)
		return err
	}
	if err := printState(saved); err != nil {
		_ = d.Shutdown(ctx)
		return err
	}

	if !restore {
		return d.Shutdown(ctx)
	}

	if err := d.Shutdown(ctx, nvmedrv.WithKeepAlive()); err != nil {
		return err
	}

	// Only state saved after the queues stopped can take over the rings.
	final, err := d.Save(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := final.Encode(&buf); err != nil {
		return err
	}
	decoded, err := nvmedrv.DecodeSavedState(&buf)
	if err != nil {
		return err
	}

	next, err := nvmedrv.Restore(ctx, b.dev, b.config(o), decoded)
	if err != nil {
		return err
	}
	defer func() {
		if err := next.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("shutdown restored driver")
		}
	}()

	log.WithField("state", next.State()).Info("restored driver")
	again, err := next.Save(ctx)
	if err != nil {
		return err
	}

	return printState(again)
}

func printState(s *nvmedrv.SavedState) error {
	body, err := s.MarshalIndent()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(body))
	return err
}
