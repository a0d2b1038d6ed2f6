package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"lox-agent/internal/cloud"
	"lox-agent/internal/device"
	"lox-agent/internal/errlog"
	"lox-agent/internal/ota"
	"lox-agent/internal/sensor"
	"lox-agent/internal/settings"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	AWS struct {
		Broker        string `yaml:"broker"`
		Env           string `yaml:"env"`
		RootCA        string `yaml:"root_ca"`
		CertFile      string `yaml:"cert_file"`
		KeyFile       string `yaml:"key_file"`
		ClaimCertFile string `yaml:"claim_cert_file"`
		ClaimKeyFile  string `yaml:"claim_key_file"`
		Template      string `yaml:"template"`
	} `yaml:"aws"`
	Device struct {
		SetupMode string `yaml:"setup_mode"` // "softap" or "ble"
		SetupFile string `yaml:"setup_file"` // host analog of the portal/BLE channel
		HWVersion string `yaml:"hw_version"`
	} `yaml:"device"`
	Sensor struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"sensor"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	OTA struct {
		DownloadPath string `yaml:"download_path"`
	} `yaml:"ota"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.AWS.Broker == "" {
		return fmt.Errorf("aws.broker is required")
	}
	if c.AWS.Template == "" {
		return fmt.Errorf("aws.template is required")
	}
	switch c.Device.SetupMode {
	case "softap", "ble":
	default:
		return fmt.Errorf("device.setup_mode must be softap or ble, got %q", c.Device.SetupMode)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("lox-agent starting", "version", version)

	store, err := settings.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("open settings store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	// The MAC is captured once and immutable afterwards.
	if mac := hostMACAddr(); mac != "" && store.Snapshot().MACAddr == "" {
		store.Update(func(d *settings.Data) { d.MACAddr = mac })
		if err := store.StoreField(settings.FieldMACAddr); err != nil {
			logger.Error("persist mac address", "err", err)
		}
	}

	source, err := createSensor(cfg, store, logger)
	if err != nil {
		store.RecordError(errlog.CodeSensorInit)
		logger.Error("open sensor", "err", err)
		os.Exit(1)
	}

	// The process is supervised; restarting means exiting and letting the
	// supervisor bring a fresh process up against the persisted state.
	restart := func() {
		logger.Info("restarting")
		os.Exit(0)
	}

	wifi := newHostNetwork(cfg.AWS.Broker, logger)
	setupCh := newFileSetup(cfg.Device.SetupFile, logger)

	otaMgr := ota.New(store, &httpDownloader{path: cfg.OTA.DownloadPath}, wifi, restart, logger)

	// The cloud job hooks close over the machine, which is built after the
	// session; the worker only runs once the machine is booted.
	var machine *device.Machine
	session := cloud.NewSession(cloud.Config{
		Broker:        cfg.AWS.Broker,
		Env:           cfg.AWS.Env,
		RootCA:        cfg.AWS.RootCA,
		CertFile:      cfg.AWS.CertFile,
		KeyFile:       cfg.AWS.KeyFile,
		ClaimCertFile: cfg.AWS.ClaimCertFile,
		ClaimKeyFile:  cfg.AWS.ClaimKeyFile,
		Template:      cfg.AWS.Template,
		HWVersion:     cfg.Device.HWVersion,
		FWVersion:     version,
	}, store, cloud.Hooks{
		StartOTA:     otaMgr.Setup,
		FactoryReset: func() error { return machine.FactoryReset() },
	}, logger)

	setupMode := device.SetupSoftAP
	if cfg.Device.SetupMode == "ble" {
		setupMode = device.SetupBLE
	}
	machine = device.New(device.Config{
		Store:     store,
		WiFi:      wifi,
		Portal:    setupCh,
		Listener:  setupCh,
		Cloud:     session,
		OTA:       otaMgr,
		Source:    source,
		SetupMode: setupMode,
		Restart:   restart,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := machine.Boot(ctx); err != nil {
		logger.Error("boot", "err", err)
		os.Exit(1)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- machine.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		signal.Stop(sigCh)
		logger.Info("shutting down", "signal", sig)
		cancel()
		<-runDone
	case err := <-runDone:
		if err != nil && err != context.Canceled {
			logger.Error("run loop", "err", err)
		}
	}

	session.Stop()
	if closer, ok := source.(*sensor.Reader); ok {
		closer.Close()
	}
	logger.Info("goodbye")
}

func createSensor(cfg *Config, store *settings.Store, logger *slog.Logger) (sensor.Source, error) {
	if cfg.Sensor.Port == "" {
		logger.Warn("no sensor port configured, reporting zero measurements")
		return sensor.Static{}, nil
	}
	return sensor.Open(cfg.Sensor.Port, cfg.Sensor.Baud, store, logger)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.AWS.Env == "" {
		cfg.AWS.Env = "dev"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "lox-agent.db"
	}
	if cfg.Sensor.Baud == 0 {
		cfg.Sensor.Baud = 115200
	}
	if cfg.Device.SetupMode == "" {
		cfg.Device.SetupMode = "softap"
	}
	if cfg.Device.SetupFile == "" {
		cfg.Device.SetupFile = "setup.yaml"
	}
	if cfg.OTA.DownloadPath == "" {
		cfg.OTA.DownloadPath = "firmware.bin"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
