// Package cmd implements the pebble command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pebble/config"
	"pebble/core"
	"pebble/identity"
	"pebble/storage"
	"pebble/transfer"
)

var (
	dataDir string
	verbose bool
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "pebble",
		Short:         "LAN peer discovery and resumable file sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if dataDir != "" {
				os.Setenv("PEBBLE_DATA_DIR", dataDir)
			}
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default OS config dir)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(serveCmd(), fingerprintCmd(), pairCmd())
	return root.Execute()
}

// bootstrap opens everything a running node needs. The returned cleanup is
// safe to call once.
func bootstrap() (*core.Core, *config.DeviceConfig, func(), error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, nil, nil, err
	}

	certs, err := identity.LoadOrCreate(cfg.CertificatePath, cfg.PrivateKeyPath, cfg.DeviceID, cfg.DeviceName)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return nil, nil, nil, err
	}

	engine := transfer.NewEngine(transfer.Config{
		DeviceID:      cfg.DeviceID,
		DownloadsDir:  cfg.DownloadsDir,
		ChunkSize:     uint32(cfg.ChunkSizeBytes),
		WindowSize:    cfg.WindowSize,
		MaxConcurrent: cfg.MaxConcurrentTransfers,
	}, certs, store)

	c := core.New(cfg, cfgPath, certs, store, engine)
	cleanup := func() {
		c.Stop()
		engine.Stop()
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("close database")
		}
	}
	return c, cfg, cleanup, nil
}

// loadIdentity opens just the config and certificate for offline commands.
func loadIdentity() (*config.DeviceConfig, *identity.CertificateManager, error) {
	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return nil, nil, err
	}
	certs, err := identity.LoadOrCreate(cfg.CertificatePath, cfg.PrivateKeyPath, cfg.DeviceID, cfg.DeviceName)
	if err != nil {
		return nil, nil, err
	}
	return cfg, certs, nil
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the device identity and certificate fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, certs, err := loadIdentity()
			if err != nil {
				return err
			}
			fmt.Printf("Device ID:    %s\n", cfg.DeviceID)
			fmt.Printf("Device Name:  %s\n", cfg.DeviceName)
			fmt.Printf("Fingerprint:  %s\n", certs.Fingerprint())
			return nil
		},
	}
}
