// Package ui is the optional system tray: a status line for the active
// export, a cancel item, quit. The GUI proper talks to the HTTP API;
// the tray only mirrors job state for at-a-glance feedback.
package ui

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/clipcut/clipcut-agent/internal/export"
)

const refreshInterval = time.Second

type Tray struct {
	exports *export.Manager
	logger  *slog.Logger

	statusItem *systray.MenuItem
	cancelItem *systray.MenuItem

	mu       sync.Mutex
	activeID string

	onQuit func()
}

type TrayConfig struct {
	Exports *export.Manager
	Logger  *slog.Logger
	OnQuit  func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		exports: cfg.Exports,
		logger:  cfg.Logger,
		onQuit:  cfg.OnQuit,
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Clipcut")
	systray.SetTooltip("Clipcut Agent")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current export status")
	t.statusItem.Disable()

	t.cancelItem = systray.AddMenuItem("Cancel Export", "Cancel the running export")
	t.cancelItem.Disable()

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Clipcut Agent")

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.refresh()
			case <-t.cancelItem.ClickedCh:
				t.handleCancel()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

// refresh pulls the latest job snapshot; the tray is a poller like any
// other observer of export state.
func (t *Tray) refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap, ok := t.exports.Active()
	if !ok {
		t.activeID = ""
		t.statusItem.SetTitle("Status: Idle")
		t.cancelItem.Disable()
		return
	}

	switch snap.State {
	case export.StateRunning, export.StatePending:
		t.activeID = snap.ID
		t.statusItem.SetTitle(fmt.Sprintf("Status: Exporting %d%%", int(snap.Progress*100)))
		t.cancelItem.Enable()
	case export.StateFailed:
		t.activeID = ""
		t.statusItem.SetTitle("Status: Export failed")
		t.cancelItem.Disable()
	case export.StateCancelled:
		t.activeID = ""
		t.statusItem.SetTitle("Status: Export cancelled")
		t.cancelItem.Disable()
	default:
		t.activeID = ""
		t.statusItem.SetTitle("Status: Idle")
		t.cancelItem.Disable()
	}
}

func (t *Tray) handleCancel() {
	t.mu.Lock()
	id := t.activeID
	t.mu.Unlock()

	if id == "" {
		return
	}
	if err := t.exports.Cancel(id); err != nil {
		t.logger.Warn("tray cancel failed", "job_id", id, "error", err)
	}
}

func (t *Tray) Quit() {
	systray.Quit()
}
