package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"lox-agent/internal/device"
)

// hostNetwork adapts the host's network stack to the device.WiFi interface.
// The host OS owns the radio; station and access-point switches are handed
// to it, and connectivity is probed by reaching the broker endpoint.
type hostNetwork struct {
	probeAddr string
	logger    *slog.Logger
}

func newHostNetwork(broker string, logger *slog.Logger) *hostNetwork {
	addr := broker
	if u, err := url.Parse(broker); err == nil && u.Host != "" {
		addr = u.Host
	}
	return &hostNetwork{probeAddr: addr, logger: logger.With("component", "network")}
}

func (h *hostNetwork) StartStation(ssid, _ string) error {
	h.logger.Info("station mode requested from host", "ssid", ssid)
	return nil
}

func (h *hostNetwork) StartAccessPoint(ssid, _ string) error {
	h.logger.Info("access point mode requested from host", "ssid", ssid)
	return nil
}

func (h *hostNetwork) IsConnected() bool {
	conn, err := net.DialTimeout("tcp", h.probeAddr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// fileSetup is the host analog of the captive portal and the BLE listener:
// a setup file dropped next to the agent is picked up once and delivered as
// a submission.
type fileSetup struct {
	path   string
	logger *slog.Logger
	subs   chan device.Credentials
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newFileSetup(path string, logger *slog.Logger) *fileSetup {
	return &fileSetup{
		path:   path,
		logger: logger.With("component", "setup"),
		subs:   make(chan device.Credentials, 1),
		done:   make(chan struct{}),
	}
}

func (f *fileSetup) Start() error {
	f.logger.Info("waiting for setup file", "path", f.path)
	f.wg.Add(1)
	go f.watch()
	return nil
}

func (f *fileSetup) Submissions() <-chan device.Credentials { return f.subs }

func (f *fileSetup) Stop() {
	f.once.Do(func() { close(f.done) })
	f.wg.Wait()
}

func (f *fileSetup) watch() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case <-time.After(time.Second):
		}
		creds, err := f.read()
		if err != nil {
			if !os.IsNotExist(err) {
				f.logger.Warn("read setup file", "err", err)
			}
			continue
		}
		select {
		case f.subs <- creds:
			return
		case <-f.done:
			return
		}
	}
}

func (f *fileSetup) read() (device.Credentials, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return device.Credentials{}, err
	}
	var doc struct {
		SSID     string `yaml:"ssid"`
		Password string `yaml:"password"`
		DeviceID string `yaml:"device_id"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return device.Credentials{}, fmt.Errorf("parse setup file: %w", err)
	}
	if doc.SSID == "" {
		return device.Credentials{}, fmt.Errorf("setup file without ssid")
	}
	return device.Credentials{SSID: doc.SSID, Password: doc.Password, QRCode: doc.DeviceID}, nil
}

// hostMACAddr returns the hardware address of the first usable interface.
func hostMACAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) == 0 {
			continue
		}
		return ifc.HardwareAddr.String()
	}
	return ""
}

// httpDownloader fetches the firmware image to a local path. Flashing is
// the supervisor's concern.
type httpDownloader struct {
	path string
}

func (d *httpDownloader) Download(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %s", rawURL, resp.Status)
	}

	out, err := os.Create(d.path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
