// Package config persists the per-device settings file and resolves the
// OS-aware data directory layout.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "pebble"
	// DefaultDiscoveryPort is the well-known UDP presence port.
	DefaultDiscoveryPort = 37845
	// DefaultTransferPort is the well-known TCP transfer port.
	DefaultTransferPort = 37846
	// DefaultAPIAddr binds the local control API to loopback only.
	DefaultAPIAddr = "127.0.0.1:37847"
	// DefaultChunkSizeBytes is the fixed transfer chunk size.
	DefaultChunkSizeBytes = 1 << 20
	// DefaultWindowSize is the in-flight unacknowledged chunk bound.
	DefaultWindowSize = 4
	// DefaultMaxConcurrentTransfers bounds simultaneous sessions.
	DefaultMaxConcurrentTransfers = 4
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID               string `json:"device_id"`
	DeviceName             string `json:"device_name"`
	DiscoveryPort          int    `json:"discovery_port"`
	TransferPort           int    `json:"transfer_port"`
	APIAddr                string `json:"api_addr"`
	CertificatePath        string `json:"certificate_path"`
	PrivateKeyPath         string `json:"private_key_path"`
	DownloadsDir           string `json:"downloads_dir"`
	ChunkSizeBytes         int    `json:"chunk_size_bytes"`
	WindowSize             int    `json:"window_size"`
	MaxConcurrentTransfers int    `json:"max_concurrent_transfers"`
	// SharedSecret is the base64 pairing secret the discovery MAC key is
	// derived from. Empty until the first pairing completes.
	SharedSecret string `json:"shared_secret"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEBBLE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("PEBBLE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	deviceName := "Pebble Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	keysDir := filepath.Join(dataDir, "keys")
	return &DeviceConfig{
		DeviceID:               uuid.NewString(),
		DeviceName:             deviceName,
		DiscoveryPort:          DefaultDiscoveryPort,
		TransferPort:           DefaultTransferPort,
		APIAddr:                DefaultAPIAddr,
		CertificatePath:        filepath.Join(keysDir, "device_cert.pem"),
		PrivateKeyPath:         filepath.Join(keysDir, "device_key.pem"),
		DownloadsDir:           filepath.Join(dataDir, "downloads"),
		ChunkSizeBytes:         DefaultChunkSizeBytes,
		WindowSize:             DefaultWindowSize,
		MaxConcurrentTransfers: DefaultMaxConcurrentTransfers,
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "Pebble Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.DiscoveryPort <= 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}
	if cfg.TransferPort <= 0 {
		cfg.TransferPort = DefaultTransferPort
		updated = true
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = DefaultAPIAddr
		updated = true
	}

	if cfg.CertificatePath == "" {
		cfg.CertificatePath = filepath.Join(keysDir, "device_cert.pem")
		updated = true
	}
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(keysDir, "device_key.pem")
		updated = true
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(dataDir, "downloads")
		updated = true
	}

	if cfg.ChunkSizeBytes <= 0 {
		cfg.ChunkSizeBytes = DefaultChunkSizeBytes
		updated = true
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
		updated = true
	}
	if cfg.MaxConcurrentTransfers <= 0 {
		cfg.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
		updated = true
	}

	return updated
}
