// Package device owns the boot decision tree and the lifecycle state of the
// agent. It decides, from the persisted settings alone, whether the device
// comes up in local setup mode or as a connected station, and in steady
// state feeds telemetry into the cloud session.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lox-agent/internal/awsproto"
	"lox-agent/internal/sensor"
	"lox-agent/internal/settings"
)

// State is the in-memory lifecycle state. It is never persisted.
type State uint8

const (
	StatePowerOn State = iota
	StateNetworkSetup
	StateReady
	StateFactoryReset
)

func (s State) String() string {
	switch s {
	case StatePowerOn:
		return "power_on"
	case StateNetworkSetup:
		return "network_setup"
	case StateReady:
		return "ready"
	case StateFactoryReset:
		return "factory_reset"
	default:
		return "unknown"
	}
}

// SetupMode selects how an unconfigured device receives its credentials.
type SetupMode uint8

const (
	SetupSoftAP SetupMode = iota // captive portal over a local access point
	SetupBLE                     // BLE configuration listener
)

// Credentials is one local setup submission: station credentials plus the
// optional identity code scanned during onboarding.
type Credentials struct {
	SSID     string
	Password string
	QRCode   string
}

// WiFi abstracts the host radio.
type WiFi interface {
	StartStation(ssid, password string) error
	StartAccessPoint(ssid, password string) error
	IsConnected() bool
}

// Portal is the captive portal used in soft-AP setup.
type Portal interface {
	Start() error
	Submissions() <-chan Credentials
	Stop()
}

// ConfigListener is the BLE setup channel.
type ConfigListener interface {
	Start() error
	Submissions() <-chan Credentials
	Stop()
}

// CloudSession is the slice of the cloud engine the state machine drives.
type CloudSession interface {
	Init(ctx context.Context) error
	TriggerNotification(p awsproto.NotiParam) bool
}

// OTA is the pending-upgrade collaborator consulted at boot.
type OTA interface {
	Pending() bool
	Run(ctx context.Context) error
}

// Config wires the machine's collaborators.
type Config struct {
	Store     *settings.Store
	WiFi      WiFi
	Portal    Portal
	Listener  ConfigListener
	Cloud     CloudSession
	OTA       OTA
	Source    sensor.Source
	SetupMode SetupMode
	Restart   func()
	Logger    *slog.Logger
}

// Machine is the device state machine.
type Machine struct {
	store    *settings.Store
	wifi     WiFi
	portal   Portal
	listener ConfigListener
	cloud    CloudSession
	ota      OTA
	source   sensor.Source
	setup    SetupMode
	restart  func()
	logger   *slog.Logger

	// poll interval of the run loop, shortened in tests.
	pollEvery time.Duration

	mu      sync.Mutex
	state   State
	watchWG sync.WaitGroup
}

func New(cfg Config) *Machine {
	return &Machine{
		store:     cfg.Store,
		wifi:      cfg.WiFi,
		portal:    cfg.Portal,
		listener:  cfg.Listener,
		cloud:     cfg.Cloud,
		ota:       cfg.OTA,
		source:    cfg.Source,
		setup:     cfg.SetupMode,
		restart:   cfg.Restart,
		logger:    cfg.Logger.With("component", "device"),
		pollEvery: time.Second,
		state:     StatePowerOn,
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()
	m.logger.Info("state transition", "from", prev.String(), "to", next.String())
}

// Boot runs the startup decision tree. A device with no identity at all
// idles in discovery; a device holding an identity code but no station
// credentials blocks in local setup; any device with credentials brings the
// station up, finishes a pending upgrade if one is armed, and lands in
// Ready. A still-unconfirmed identity is not a reason to stay in setup:
// fleet provisioning runs over the station link, through the cloud
// session, once the run loop sees the link up. Errors are fatal: the
// caller restarts the process rather than continuing in a half-configured
// state.
func (m *Machine) Boot(ctx context.Context) error {
	d := m.store.Snapshot()

	switch {
	case d.Dev.Flag == settings.QRCodeNotSet:
		return m.enterDiscovery(ctx)
	case !d.WiFi.HasCredentials():
		return m.enterLocalSetup(ctx)
	default:
		return m.enterStationSetup(ctx, d.WiFi)
	}
}

// enterStationSetup persists the station mode and brings the radio up. The
// mode is written before the radio call so a crash mid-transition resumes
// in the mode the device was entering.
func (m *Machine) enterStationSetup(ctx context.Context, creds settings.WiFiCredentials) error {
	m.store.Update(func(d *settings.Data) { d.WiFi.Mode = settings.WiFiModeStation })
	if err := m.store.StoreField(settings.FieldWiFi); err != nil {
		return fmt.Errorf("device: persist station mode: %w", err)
	}
	if err := m.wifi.StartStation(creds.SSID, creds.Password); err != nil {
		return fmt.Errorf("device: start station: %w", err)
	}

	if m.ota.Pending() {
		m.logger.Info("resuming armed upgrade")
		return m.ota.Run(ctx)
	}
	m.setState(StateReady)
	return nil
}

// enterLocalSetup blocks until a setup submission arrives, persists it and
// restarts. The device never proceeds to cloud activity out of this path.
func (m *Machine) enterLocalSetup(ctx context.Context) error {
	m.setState(StateNetworkSetup)
	src, err := m.startSetupChannel()
	if err != nil {
		return err
	}
	defer src.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case creds := <-src.Submissions():
		if err := m.applySubmission(creds); err != nil {
			return err
		}
		m.restart()
		return nil
	}
}

// enterDiscovery starts the setup channel but does not block: the device
// has no identity yet, so it idles in NetworkSetup until someone onboards
// it. The submission watcher persists and restarts in the background.
func (m *Machine) enterDiscovery(ctx context.Context) error {
	m.setState(StateNetworkSetup)
	src, err := m.startSetupChannel()
	if err != nil {
		return err
	}

	m.watchWG.Add(1)
	go func() {
		defer m.watchWG.Done()
		defer src.Stop()
		select {
		case <-ctx.Done():
		case creds := <-src.Submissions():
			if err := m.applySubmission(creds); err != nil {
				m.logger.Error("apply setup submission", "err", err)
				return
			}
			m.restart()
		}
	}()
	return nil
}

type setupSource interface {
	Submissions() <-chan Credentials
	Stop()
}

// startSetupChannel persists the access-point mode, then brings up the
// configured setup transport.
func (m *Machine) startSetupChannel() (setupSource, error) {
	m.store.Update(func(d *settings.Data) { d.WiFi.Mode = settings.WiFiModeAccessPoint })
	if err := m.store.StoreField(settings.FieldWiFi); err != nil {
		return nil, fmt.Errorf("device: persist setup mode: %w", err)
	}

	switch m.setup {
	case SetupBLE:
		if err := m.listener.Start(); err != nil {
			return nil, fmt.Errorf("device: start config listener: %w", err)
		}
		return m.listener, nil
	default:
		var ap settings.SoftAPConfig
		m.store.View(func(d *settings.Data) { ap = d.SoftAP })
		if err := m.wifi.StartAccessPoint(ap.SSID, ap.Password); err != nil {
			return nil, fmt.Errorf("device: start access point: %w", err)
		}
		if err := m.portal.Start(); err != nil {
			return nil, fmt.Errorf("device: start portal: %w", err)
		}
		return m.portal, nil
	}
}

func (m *Machine) applySubmission(creds Credentials) error {
	m.store.Update(func(d *settings.Data) {
		d.WiFi.SSID = creds.SSID
		d.WiFi.Password = creds.Password
		if creds.QRCode != "" {
			d.Dev.QRCode = creds.QRCode
			d.Dev.Flag = settings.QRCodeSet
		}
	})
	fields := []string{settings.FieldWiFi}
	if creds.QRCode != "" {
		fields = append(fields, settings.FieldDev)
	}
	for _, f := range fields {
		if err := m.store.StoreField(f); err != nil {
			return fmt.Errorf("device: persist submission: %w", err)
		}
	}
	m.logger.Info("setup submission accepted", "ssid", creds.SSID)
	return nil
}

// FactoryReset erases all persisted settings and restarts. Wired into the
// cloud session as the factory_reset job hook.
func (m *Machine) FactoryReset() error {
	m.setState(StateFactoryReset)
	if err := m.store.FactoryReset(); err != nil {
		return err
	}
	m.restart()
	return nil
}

// Run is the cooperative steady-state loop. It never blocks on anything
// unbounded: cloud work is fire-and-forget through the session's action
// queue. In Ready it brings the cloud session up whenever the link is
// usable and publishes telemetry on the configured reporting interval.
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()
	defer m.watchWG.Wait()

	var lastReport time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if m.State() != StateReady || !m.wifi.IsConnected() {
			continue
		}
		if err := m.cloud.Init(ctx); err != nil {
			m.logger.Error("cloud init", "err", err)
			continue
		}

		props := m.store.Snapshot().Properties
		interval := time.Duration(props.SleepDuration) * time.Second
		if !lastReport.IsZero() && time.Since(lastReport) < interval {
			continue
		}
		lastReport = time.Now()
		m.report(ctx, props)
	}
}

// report publishes one telemetry cycle: the alarm first when one is
// active, then the measurement, spaced by the transmit delay.
func (m *Machine) report(ctx context.Context, props settings.Properties) {
	sample, ok := m.source.Latest()
	if !ok {
		m.logger.Debug("no sensor sample yet")
		return
	}

	var qr string
	m.store.View(func(d *settings.Data) { qr = d.Dev.QRCode })
	now := uint64(time.Now().Unix())

	if sample.AlarmCode != 0 {
		m.cloud.TriggerNotification(awsproto.NotiParam{
			Type:      awsproto.NotiAlarm,
			Time:      now,
			AlarmCode: sample.AlarmCode,
		})
		if !sleepCtx(ctx, time.Duration(props.TransmitDelay)*time.Second) {
			return
		}
	}

	weight := sample.Weight
	if props.ScaleTare < weight {
		weight -= props.ScaleTare
	} else {
		weight = 0
	}
	m.cloud.TriggerNotification(awsproto.NotiParam{
		Type: awsproto.NotiDeviceData,
		Time: now,
		Device: awsproto.DeviceData{
			SerialNumber: qr,
			Battery:      sample.Battery,
			WeightScale:  weight,
			AlarmCode:    sample.AlarmCode,
			Temp:         sample.Temp,
		},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
