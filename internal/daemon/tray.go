//go:build windows

package daemon

import (
	"fmt"
	"sync"

	"fyne.io/systray"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

const (
	mbOK              = 0x00000000
	mbIconWarning     = 0x00000030
	mbIconInformation = 0x00000040
	mbSetForeground   = 0x00010000
)

// TrayApp represents system tray application
type TrayApp struct {
	daemon   *Daemon
	logger   *zap.Logger
	quit     chan struct{}
	stopOnce sync.Once
}

// NewTrayApp creates a new system tray application
func NewTrayApp(daemon *Daemon, logger *zap.Logger) (*TrayApp, error) {
	return &TrayApp{
		daemon: daemon,
		logger: logger,
		quit:   make(chan struct{}),
	}, nil
}

// Run starts the system tray application (blocks until Quit)
func (t *TrayApp) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconFor(IconUnknown))
	systray.SetTitle("NHE")
	systray.SetTooltip(appTitle)

	// Add menu items
	mStatus := systray.AddMenuItem("Checking Explorer settings", "Current state")
	mStatus.Disable()
	systray.AddSeparator()
	mFix := systray.AddMenuItem("Show file extensions", "Stop hiding file extensions and restart Windows Explorer")
	mFix.Disable()
	mDetails := systray.AddMenuItem("Status", "Show current status")
	systray.AddSeparator()
	runAtStartup, err := t.daemon.startup.IsEnabled()
	if err != nil {
		t.logger.Warn("Failed to read startup registration", zap.Error(err))
	}
	mStartup := systray.AddMenuItemCheckbox("Run at Windows startup", "Start monitoring when you sign in", runAtStartup)
	systray.AddSeparator()
	mQuit := systray.AddMenuItem("Quit", "Exit the application")

	render := func(v View) {
		systray.SetIcon(iconFor(v.Icon))
		systray.SetTooltip(v.Tooltip)
		mStatus.SetTitle(v.Status)
		if v.FixEnabled {
			mFix.Enable()
		} else {
			mFix.Disable()
		}
		if v.Notification != nil {
			t.ShowNotification(*v.Notification)
		}
	}

	// Handle menu item clicks and state updates
	go func() {
		for {
			select {
			case <-t.daemon.publisher.Updates():
				if v, ok := t.daemon.applyLatest(); ok {
					render(v)
				}
			case o := <-t.daemon.results:
				render(t.daemon.applyResult(o))
			case <-mFix.ClickedCh:
				t.logger.Info("Show file extensions clicked from tray")
				if v, ok := t.daemon.FixNow(); ok {
					render(v)
				}
			case <-mDetails.ClickedCh:
				t.logger.Info("Status clicked from tray")
				t.showStatus()
			case <-mStartup.ClickedCh:
				want := !mStartup.Checked()
				if err := t.daemon.SetRunAtStartup(want); err != nil {
					t.ShowNotification(Notification{
						Title:   "Run at startup",
						Message: fmt.Sprintf("Could not change the startup setting: %v", err),
						Warning: true,
					})
					continue
				}
				if want {
					mStartup.Check()
				} else {
					mStartup.Uncheck()
				}
			case <-mQuit.ClickedCh:
				t.logger.Info("Quit clicked from tray")
				t.daemon.Stop()
				return
			case <-t.quit:
				return
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	t.logger.Info("System tray exited")
}

// Stop stops the system tray application
func (t *TrayApp) Stop() {
	t.stopOnce.Do(func() {
		close(t.quit)
		systray.Quit()
	})
}

// ShowNotification shows a message box without blocking the caller
func (t *TrayApp) ShowNotification(n Notification) {
	t.logger.Info("Notification", zap.String("title", n.Title), zap.String("message", n.Message))
	style := uint32(mbOK | mbSetForeground | mbIconInformation)
	if n.Warning {
		style = mbOK | mbSetForeground | mbIconWarning
	}
	go showMessageBox(n.Title, n.Message, style)
}

// showStatus shows current monitoring status
func (t *TrayApp) showStatus() {
	status := t.daemon.GetStatus()
	t.logger.Info("Current status",
		zap.Stringer("state", status.State),
		zap.Bool("degraded", status.Degraded),
		zap.Bool("remediating", status.Remediating),
		zap.Bool("run_at_startup", status.RunAtStartup))

	startupText := fmt.Sprintf("%v", status.RunAtStartup)
	if status.StartupErr != nil {
		startupText = "unknown"
	}
	message := fmt.Sprintf(
		"File extensions: %s\nMonitoring: %s\nRemediation running: %v\nRun at startup: %s",
		stateText(status),
		monitoringText(status),
		status.Remediating,
		startupText,
	)
	go showMessageBox(appTitle+" status", message, mbOK|mbIconInformation)
}

func showMessageBox(title, message string, style uint32) {
	titlePtr, _ := windows.UTF16PtrFromString(title)
	messagePtr, _ := windows.UTF16PtrFromString(message)
	windows.MessageBox(0, messagePtr, titlePtr, style)
}
