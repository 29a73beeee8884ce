// Package tray provides a system tray progress indicator for request runs.
package tray

import (
	"fmt"
	"sync"
	"time"

	"github.com/getlantern/systray"
)

const refreshInterval = 500 * time.Millisecond

// Status is the progress shown in the menu.
type Status struct {
	Pipeline string
	Flushed  int
	Groups   int
	InFlight int
	Retries  int
}

// Tray represents the system tray application.
type Tray struct {
	status func() Status
	onQuit func()
	mu     sync.RWMutex
	stop   chan struct{}

	// Menu items stored for later updates
	menuGroups   *systray.MenuItem
	menuInFlight *systray.MenuItem
	menuRetries  *systray.MenuItem
}

// New creates a Tray polling status for the figures it displays.
func New(status func() Status) *Tray {
	return &Tray{status: status, stop: make(chan struct{})}
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until Quit is called or the Quit item is clicked.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit removes the tray icon and makes Run return.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("dataset-creator")
	systray.SetTooltip("Skeleton annotation requests")

	t.mu.Lock()
	t.menuGroups = systray.AddMenuItem("Groups: -", "Persisted groups")
	t.menuGroups.Disable()
	t.menuInFlight = systray.AddMenuItem("In flight: -", "Requests waiting for a reply")
	t.menuInFlight.Disable()
	t.menuRetries = systray.AddMenuItem("Retries: -", "Requests reissued after their deadline")
	t.menuRetries.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Stop requesting")

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.refresh()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			case <-t.stop:
				return
			}
		}
	}()
}

// onExit is called when the system tray is about to exit.
func (t *Tray) onExit() {
	close(t.stop)
}

func (t *Tray) refresh() {
	if t.status == nil {
		return
	}
	s := t.status()
	groups, inFlight, retries := Labels(s)

	t.mu.RLock()
	defer t.mu.RUnlock()
	systray.SetTitle(s.Pipeline + " " + groups)
	t.menuGroups.SetTitle("Groups: " + groups)
	t.menuInFlight.SetTitle("In flight: " + inFlight)
	t.menuRetries.SetTitle("Retries: " + retries)
}

// Labels formats s for the menu items.
func Labels(s Status) (groups, inFlight, retries string) {
	groups = fmt.Sprintf("%d/%d", s.Flushed, s.Groups)
	if s.Groups > 0 {
		groups += fmt.Sprintf(" (%d%%)", 100*s.Flushed/s.Groups)
	}
	return groups, fmt.Sprint(s.InFlight), fmt.Sprint(s.Retries)
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}
