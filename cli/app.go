package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"bluechat/chat"
	"bluechat/config"
	"bluechat/crypto"
	"bluechat/network"
	"bluechat/platform"
	"bluechat/storage"
)

// app holds everything a command needs once startup has finished.
type app struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	dbPath  string

	logger       *logrus.Logger
	store        *storage.Store
	lan          *platform.LAN
	orchestrator *chat.Orchestrator
}

func openApp(dataDir, logLevel string, logOutput io.Writer) (*app, error) {
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return nil, fmt.Errorf("resolve data directory: %w", err)
		}
		dataDir = resolved
	}

	cfg, cfgPath, err := config.LoadOrCreateAt(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg, logLevel, logOutput)
	if err != nil {
		return nil, err
	}

	cipher, err := crypto.NewCipherContext(cfg.CipherConfig())
	if err != nil {
		return nil, fmt.Errorf("prepare cipher: %w", err)
	}

	store, dbPath, err := storage.OpenWithOptions(dataDir, storage.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	lan, err := platform.NewLAN(platform.LANOptions{
		DeviceID:          cfg.DeviceID,
		DeviceName:        cfg.DeviceName,
		ServiceID:         cfg.ServiceID,
		ListenAddress:     cfg.ListenAddress(),
		ConnectionTimeout: network.DefaultConnectionTimeout,
		DiscoveryEnabled:  cfg.DiscoveryEnabled,
		Store:             store,
		Logger:            logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	orchestrator, err := chat.New(chat.Options{
		Platform:      lan,
		Store:         store,
		Cipher:        cipher,
		ServiceID:     cfg.ServiceID,
		ScanTimeout:   cfg.ScanTimeout(),
		MaxFrameBytes: cfg.MaxFrameBytes,
		Logger:        logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"function":  "openApp",
		"device_id": cfg.DeviceID,
		"config":    cfgPath,
		"database":  dbPath,
	}).Debug("Startup complete")

	return &app{
		cfg:          cfg,
		cfgPath:      cfgPath,
		dataDir:      dataDir,
		dbPath:       dbPath,
		logger:       logger,
		store:        store,
		lan:          lan,
		orchestrator: orchestrator,
	}, nil
}

func (a *app) Close() error {
	a.orchestrator.Close()
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// newLogger builds the process logger. An explicit level overrides the
// configured one.
func newLogger(cfg *config.DeviceConfig, override string, out io.Writer) (*logrus.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	if override = strings.TrimSpace(override); override != "" {
		level, err = logrus.ParseLevel(override)
		if err != nil {
			return nil, fmt.Errorf("parse --log-level: %w", err)
		}
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}
