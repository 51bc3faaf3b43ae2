package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEBBLE_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.DiscoveryPort != DefaultDiscoveryPort {
		t.Fatalf("expected default discovery port %d, got %d", DefaultDiscoveryPort, firstCfg.DiscoveryPort)
	}
	if firstCfg.TransferPort != DefaultTransferPort {
		t.Fatalf("expected default transfer port %d, got %d", DefaultTransferPort, firstCfg.TransferPort)
	}
	if firstCfg.ChunkSizeBytes != DefaultChunkSizeBytes {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSizeBytes, firstCfg.ChunkSizeBytes)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.CertificatePath != firstCfg.CertificatePath {
		t.Fatalf("expected stable certificate path, got %q then %q", firstCfg.CertificatePath, secondCfg.CertificatePath)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEBBLE_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &DeviceConfig{
		DeviceID:   "legacy-device",
		DeviceName: "Legacy",
		// Ports, paths and tunables are left unset and must be filled in.
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "legacy-device" {
		t.Fatalf("expected device ID to be retained, got %q", cfg.DeviceID)
	}
	if cfg.DiscoveryPort != DefaultDiscoveryPort || cfg.TransferPort != DefaultTransferPort {
		t.Fatalf("expected ports to normalize, got %d/%d", cfg.DiscoveryPort, cfg.TransferPort)
	}
	if cfg.DownloadsDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("expected downloads dir to normalize, got %q", cfg.DownloadsDir)
	}
	if cfg.WindowSize != DefaultWindowSize || cfg.MaxConcurrentTransfers != DefaultMaxConcurrentTransfers {
		t.Fatalf("expected tunables to normalize, got %d/%d", cfg.WindowSize, cfg.MaxConcurrentTransfers)
	}
}
