package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pebble/api"
	"pebble/core"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync node: discovery, transfer listener, and control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := c.Engine().Start(fmt.Sprintf(":%d", cfg.TransferPort)); err != nil {
				return err
			}

			// An unpaired node still serves transfers and the control API;
			// discovery joins once the first pairing lands.
			if err := c.StartDiscovery(); err != nil {
				if errors.Is(err, core.ErrNotPaired) {
					logrus.Warn("no pairing secret yet; discovery disabled until a peer is paired")
				} else {
					return err
				}
			}

			apiServer := &http.Server{
				Addr:              cfg.APIAddr,
				Handler:           api.NewServer(c).Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			apiErr := make(chan error, 1)
			go func() {
				logrus.WithField("addr", cfg.APIAddr).Info("control API listening")
				apiErr <- apiServer.ListenAndServe()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			select {
			case <-ctx.Done():
				logrus.Info("shutting down")
			case err := <-apiErr:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = apiServer.Shutdown(shutdownCtx)
			return nil
		},
	}
}
