// Package ota schedules and executes firmware upgrades. An upgrade is armed
// by persisting the image URL and rebooting; the next boot runs the download
// before the rest of the agent starts, so the old firmware never services
// traffic mid-flash.
package ota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lox-agent/internal/settings"
)

// connectWait bounds how long Run waits for the network before declaring the
// upgrade failed.
const connectWait = 20 * time.Second

// Downloader fetches and applies a firmware image.
type Downloader interface {
	Download(ctx context.Context, url string) error
}

// Connectivity reports whether the uplink is usable.
type Connectivity interface {
	IsConnected() bool
}

// Manager arms and executes upgrades against the settings store.
type Manager struct {
	store   *settings.Store
	dl      Downloader
	link    Connectivity
	restart func()
	logger  *slog.Logger

	// poll interval while waiting for the link, overridable in tests.
	pollEvery time.Duration
	waitFor   time.Duration
}

// New returns a Manager. restart must not return.
func New(store *settings.Store, dl Downloader, link Connectivity, restart func(), logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		dl:        dl,
		link:      link,
		restart:   restart,
		logger:    logger.With("component", "ota"),
		pollEvery: 500 * time.Millisecond,
		waitFor:   connectWait,
	}
}

// Setup arms an upgrade: the URL is persisted with the enable flag set and
// the device reboots into the upgrade path.
func (m *Manager) Setup(url string) error {
	m.store.Update(func(d *settings.Data) {
		d.OTA.Enable = true
		d.OTA.URL = url
		d.OTA.Status = settings.OTAStateNone
	})
	if err := m.store.StoreField(settings.FieldOTA); err != nil {
		return fmt.Errorf("ota: arm upgrade: %w", err)
	}
	m.logger.Info("upgrade armed, rebooting", "url", url)
	m.restart()
	return nil
}

// Pending reports whether an armed upgrade is waiting to run.
func (m *Manager) Pending() bool {
	var enabled bool
	m.store.View(func(d *settings.Data) { enabled = d.OTA.Enable })
	return enabled
}

// Run executes the armed upgrade and reboots. The outcome is persisted
// first so the post-upgrade boot can report job status. Run only returns on
// a settings store failure.
func (m *Manager) Run(ctx context.Context) error {
	var url string
	m.store.View(func(d *settings.Data) { url = d.OTA.URL })

	status := settings.OTAStateFailed
	if err := m.waitConnected(ctx); err != nil {
		m.logger.Error("upgrade aborted", "err", err)
	} else if err := m.dl.Download(ctx, url); err != nil {
		m.logger.Error("upgrade failed", "url", url, "err", err)
	} else {
		m.logger.Info("upgrade applied", "url", url)
		status = settings.OTAStateSucceeded
	}

	m.store.Update(func(d *settings.Data) {
		d.OTA.Enable = false
		d.OTA.Status = status
	})
	if err := m.store.StoreField(settings.FieldOTA); err != nil {
		return fmt.Errorf("ota: record outcome: %w", err)
	}
	m.restart()
	return nil
}

func (m *Manager) waitConnected(ctx context.Context) error {
	deadline := time.Now().Add(m.waitFor)
	for !m.link.IsConnected() {
		if time.Now().After(deadline) {
			return errors.New("network not ready")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
	return nil
}
