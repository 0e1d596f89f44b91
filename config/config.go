package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bluechat/crypto"
	"bluechat/network"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "bluechat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "BLUECHAT_DATA_DIR"
	// DefaultListeningPort is the TCP port used in fixed mode when none is set.
	DefaultListeningPort = 9999
	// DefaultScanTimeoutSeconds is how long a discovery scan runs before it stops itself.
	DefaultScanTimeoutSeconds = 30
	// DefaultLogLevel is the logrus level used when none is configured.
	DefaultLogLevel = "info"
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// unknownDeviceName is shown when no host name is available.
	unknownDeviceName = "Unknown name"
)

// CipherSettings mirrors crypto.CipherConfig on disk.
type CipherSettings struct {
	Passphrase   string `json:"passphrase"`
	Salt         string `json:"salt"`
	Iterations   int    `json:"iterations"`
	PerMessageIV bool   `json:"per_message_iv"`
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID           string         `json:"device_id"`
	DeviceName         string         `json:"device_name"`
	ServiceID          string         `json:"service_id"`
	PortMode           string         `json:"port_mode"`
	ListeningPort      int            `json:"listening_port"`
	DiscoveryEnabled   bool           `json:"discovery_enabled"`
	ScanTimeoutSeconds int            `json:"scan_timeout_seconds"`
	MaxFrameBytes      int            `json:"max_frame_bytes"`
	Cipher             CipherSettings `json:"cipher"`
	LogLevel           string         `json:"log_level"`
}

// ScanTimeout returns the discovery auto-stop delay.
func (c *DeviceConfig) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutSeconds) * time.Second
}

// CipherConfig returns the settings for crypto.NewCipherContext.
func (c *DeviceConfig) CipherConfig() crypto.CipherConfig {
	return crypto.CipherConfig{
		Passphrase:   c.Cipher.Passphrase,
		Salt:         c.Cipher.Salt,
		Iterations:   c.Cipher.Iterations,
		PerMessageIV: c.Cipher.PerMessageIV,
	}
}

// ListenAddress returns the TCP bind address for the configured port mode.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

// Level parses LogLevel.
func (c *DeviceConfig) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If BLUECHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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
		filepath.Join(dataDir, "files"),
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

// LoadOrCreate resolves the data directory and delegates to LoadOrCreateAt.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateAt(dataDir)
}

// LoadOrCreateAt ensures directories and config exist under dataDir, then
// returns the config and its path. Missing fields are filled and persisted.
func LoadOrCreateAt(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *DeviceConfig {
	cfg := &DeviceConfig{DiscoveryEnabled: true}
	normalizeDefaults(cfg)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return unknownDeviceName
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}
	if cfg.ServiceID == "" {
		cfg.ServiceID = network.DefaultServiceID
		updated = true
	} else if _, err := uuid.Parse(cfg.ServiceID); err != nil {
		cfg.ServiceID = network.DefaultServiceID
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.ScanTimeoutSeconds <= 0 {
		cfg.ScanTimeoutSeconds = DefaultScanTimeoutSeconds
		updated = true
	}
	if cfg.MaxFrameBytes <= 0 || cfg.MaxFrameBytes > network.MaxFrameBytes {
		cfg.MaxFrameBytes = network.MaxFrameBytes
		updated = true
	}

	if cfg.Cipher.Passphrase == "" {
		cfg.Cipher.Passphrase = crypto.DefaultPassphrase
		updated = true
	}
	if cfg.Cipher.Salt == "" {
		cfg.Cipher.Salt = crypto.DefaultSalt
		updated = true
	}
	if cfg.Cipher.Iterations <= 0 {
		cfg.Cipher.Iterations = crypto.DefaultIterations
		updated = true
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
