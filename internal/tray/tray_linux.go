//go:build linux

// Package tray puts the agent into the system tray so users can see
// reader status and shut the agent down without a terminal.
//
// Linux desktops have no uniform tray protocol, so the agent runs
// headless there and this file keeps the API surface compiling.
package tray

// App is a no-op on Linux.
type App struct{}

// New returns a no-op tray app.
func New(serverAddr string, readerCount func() int, onQuit func()) *App {
	return &App{}
}

// Run returns immediately.
func (t *App) Run() {}

// RunWithServer starts the server inline instead of behind a tray loop.
func (t *App) RunWithServer(serverStart func()) {
	if serverStart != nil {
		serverStart()
	}
}

// SetReaderCount is a no-op.
func (t *App) SetReaderCount(count int) {}

// IsSupported returns false; the agent runs headless on Linux.
func IsSupported() bool {
	return false
}
