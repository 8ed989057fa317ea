package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srilakshmi/usernvme/inspect"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the inspection endpoints of a driver on an emulated controller.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(opts, serveAddr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", envString("NVMECTL_ADDR", "127.0.0.1:8086"), "listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(o options, addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBench(o)
	if err != nil {
		return err
	}
	defer b.close()

	d, err := b.start(ctx, o)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           inspect.NewHandler(d, logrus.NewEntry(log)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("serving inspection endpoints")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err = <-errc:
	case <-ctx.Done():
		log.Info("stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("http shutdown")
	}
	if derr := d.Shutdown(shutdownCtx); derr != nil {
		log.WithError(derr).Warn("driver shutdown")
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
