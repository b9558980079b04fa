//go:build !linux

// Package tray puts the agent into the system tray so users can see
// reader status and shut the agent down without a terminal.
package tray

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/getlantern/systray"

	"github.com/useid/eid-agent/internal/api"
)

// App manages the system tray icon and menu
type App struct {
	serverAddr  string
	readerCount func() int
	onQuit      func()
	mu          sync.Mutex

	// Menu items for updating
	mStatus  *systray.MenuItem
	mReaders *systray.MenuItem
}

// New creates a tray app. readerCount is polled for the menu display
// and may be nil.
func New(serverAddr string, readerCount func() int, onQuit func()) *App {
	return &App{
		serverAddr:  serverAddr,
		readerCount: readerCount,
		onQuit:      onQuit,
	}
}

// Run starts the system tray. This function blocks until the tray is closed.
func (t *App) Run() {
	systray.Run(t.onReady, t.onExit)
}

// RunWithServer runs the tray on the main thread and starts the server in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *App) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

func (t *App) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("") // Empty title for cleaner menu bar (macOS)
	systray.SetTooltip("eID Agent")

	// Version header (disabled, just for display)
	// Only add "v" prefix for proper version numbers (e.g., "1.2.3"), not for dev builds
	versionStr := api.Version
	if len(versionStr) > 0 && versionStr[0] >= '0' && versionStr[0] <= '9' {
		versionStr = "v" + versionStr
	}
	mVersion := systray.AddMenuItem(fmt.Sprintf("eID Agent %s", versionStr), "")
	mVersion.Disable()

	systray.AddSeparator()

	t.mStatus = systray.AddMenuItem("Status: Starting...", "Agent status")
	t.mStatus.Disable()

	t.mReaders = systray.AddMenuItem("Readers: Checking...", "Connected card readers")
	t.mReaders.Disable()

	systray.AddSeparator()

	mOpenUI := systray.AddMenuItem("Open Status Page", "Open web UI in browser")

	systray.AddSeparator()

	mQuit := systray.AddMenuItem("Quit", "Exit eID Agent")

	go t.updateStatus()

	go func() {
		for {
			select {
			case <-mOpenUI.ClickedCh:
				t.openBrowser(fmt.Sprintf("http://%s/", t.serverAddr))
			case <-mQuit.ClickedCh:
				systray.Quit()
			}
		}
	}()
}

func (t *App) onExit() {
	if t.onQuit != nil {
		t.onQuit()
	}
}

func (t *App) updateStatus() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mStatus != nil {
		t.mStatus.SetTitle("Status: Running")
	}

	count := 0
	if t.readerCount != nil {
		count = t.readerCount()
	}
	t.setReaderTitle(count)
}

// SetReaderCount updates the displayed reader count
func (t *App) SetReaderCount(count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setReaderTitle(count)
}

func (t *App) setReaderTitle(count int) {
	if t.mReaders == nil {
		return
	}
	switch {
	case count == 0:
		t.mReaders.SetTitle("Readers: None connected")
	case count == 1:
		t.mReaders.SetTitle("Readers: 1 connected")
	default:
		t.mReaders.SetTitle(fmt.Sprintf("Readers: %d connected", count))
	}
}

func (t *App) openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	cmd.Start()
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
