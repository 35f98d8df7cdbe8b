package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/username/no-hidden-extensions/internal/compliance"
	"github.com/username/no-hidden-extensions/internal/config"
	"github.com/username/no-hidden-extensions/internal/flagstore"
	"github.com/username/no-hidden-extensions/internal/remediate"
	"github.com/username/no-hidden-extensions/internal/startup"
	"github.com/username/no-hidden-extensions/internal/watcher"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start when another monitor holds the
// instance lock
var ErrAlreadyRunning = errors.New("another monitor instance is already running")

// remediationOutcome is posted from the remediation worker to the UI
type remediationOutcome struct {
	result remediate.Result
	err    error
}

// Daemon represents the monitor process
type Daemon struct {
	cfg        *config.Config
	store      flagstore.Store
	publisher  *compliance.Publisher
	watcher    *watcher.Watcher
	remediator *remediate.Remediator
	startup    *startup.Registration
	presenter  *Presenter
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	trayApp    *TrayApp
	lock       *flock.Flock
	results    chan remediationOutcome
	wg         sync.WaitGroup
	mu         sync.Mutex // Protects presenter
}

// NewDaemon creates a new daemon instance
func NewDaemon(cfg *config.Config, store flagstore.Store, procs remediate.ProcessController, logger *zap.Logger) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	publisher := compliance.NewPublisher()
	return &Daemon{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		watcher: watcher.New(store, publisher, logger.Named("watcher"),
			watcher.WithRetry(cfg.Monitor.GetRetryInitial(), cfg.Monitor.GetRetryMax())),
		remediator: remediate.New(store, procs, remediate.Options{
			ShellProcess: cfg.Remediation.ShellProcess,
			ShellPath:    cfg.Remediation.ShellPath,
			RelaunchWait: cfg.Remediation.GetRelaunchWait(),
			MaxAttempts:  cfg.Remediation.MaxAttempts,
		}, logger.Named("remediate")),
		startup:   startup.NewRegistration(logger),
		presenter: NewPresenter(!cfg.Tray.StartMinimized, cfg.Tray.Notify),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		lock:      flock.New(cfg.Instance.GetLockFile()),
		results:   make(chan remediationOutcome, 1),
	}
}

// Start runs the monitor until it is stopped. It returns ErrAlreadyRunning
// when another instance holds the lock.
func (d *Daemon) Start() error {
	if err := d.acquireLock(); err != nil {
		return err
	}
	defer d.releaseLock()

	d.startWatcher()
	defer d.wait()
	defer d.cancel()

	// Initialize system tray if enabled (Windows only)
	if d.cfg.Tray.Enabled {
		d.logger.Info("Initializing system tray")
		trayApp, err := NewTrayApp(d, d.logger)
		if err != nil {
			d.logger.Warn("Failed to initialize system tray", zap.Error(err))
			// Fall back to non-tray mode
			return d.runConsole()
		}
		d.trayApp = trayApp
		// Run tray (blocks until Quit)
		d.trayApp.Run()
		return nil
	}

	d.logger.Info("Running without system tray")
	return d.runConsole()
}

func (d *Daemon) acquireLock() error {
	if err := os.MkdirAll(filepath.Dir(d.lock.Path()), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	d.logger.Info("Instance lock acquired", zap.String("lock", d.lock.Path()))
	return nil
}

func (d *Daemon) releaseLock() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("Failed to release instance lock", zap.Error(err))
	}
}

// startWatcher runs the watcher on its own goroutine so the UI never blocks
// on the store's change notification
func (d *Daemon) startWatcher() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.watcher.Run(d.ctx); err != nil {
			d.logger.Error("Watcher exited", zap.Error(err))
		}
	}()
}

// runConsole runs the dispatch loop without a tray icon, logging every view
func (d *Daemon) runConsole() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Info("Daemon stopped")
			return nil

		case sig := <-sigChan:
			d.logger.Info("Received signal, shutting down",
				zap.String("signal", sig.String()))
			d.Stop()
			return nil

		case <-d.publisher.Updates():
			if v, ok := d.applyLatest(); ok {
				d.logView(v)
			}

		case o := <-d.results:
			d.logView(d.applyResult(o))
		}
	}
}

func (d *Daemon) logView(v View) {
	d.logger.Info("Status",
		zap.String("status", v.Status),
		zap.Bool("fix_enabled", v.FixEnabled))
	if v.Notification != nil {
		d.showNotification(*v.Notification)
	}
}

// Stop stops the daemon
func (d *Daemon) Stop() {
	d.cancel()
	if d.trayApp != nil {
		d.trayApp.Stop()
	}
}

func (d *Daemon) wait() {
	d.wg.Wait()
}

// applyLatest renders the newest publication, if it has not been applied
func (d *Daemon) applyLatest() (View, bool) {
	pub, ok := d.publisher.Latest()
	if !ok {
		return View{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.presenter.Publication(pub)
}

func (d *Daemon) applyResult(o remediationOutcome) View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.presenter.FinishRemediation(o.result, o.err)
}

// FixNow starts a remediation on a worker goroutine and returns the view to
// show while it runs. ok is false when a run is already in flight; the click
// is then ignored rather than queued.
func (d *Daemon) FixNow() (v View, ok bool) {
	d.mu.Lock()
	v, ok = d.presenter.BeginRemediation()
	d.mu.Unlock()
	if !ok {
		d.logger.Info("Fix requested while a remediation is running, ignoring")
		return View{}, false
	}
	d.logger.Info("Fix requested from tray")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res, err := d.remediator.Run(d.ctx)
		select {
		case d.results <- remediationOutcome{result: res, err: err}:
		case <-d.ctx.Done():
		}
	}()
	return v, true
}

// Status represents a point-in-time snapshot for the status menu item
type Status struct {
	State          compliance.State
	Degraded       bool
	Remediating    bool
	RunAtStartup   bool
	StartupErr     error
	LastPublishSeq uint64
}

// GetStatus returns daemon status
func (d *Daemon) GetStatus() Status {
	s := Status{Remediating: d.remediator.Busy()}
	if pub, ok := d.publisher.Latest(); ok {
		s.State = pub.State()
		s.Degraded = pub.Degraded
		s.LastPublishSeq = pub.Seq
	}
	s.RunAtStartup, s.StartupErr = d.startup.IsEnabled()
	return s
}

// SetRunAtStartup enables or disables the login registration
func (d *Daemon) SetRunAtStartup(enabled bool) error {
	var err error
	if enabled {
		_, err = d.startup.Enable()
	} else {
		_, err = d.startup.Disable()
	}
	if err != nil {
		d.logger.Error("Failed to change startup registration",
			zap.Bool("enabled", enabled),
			zap.Error(err))
		return err
	}
	return nil
}

func (d *Daemon) showNotification(n Notification) {
	if d.trayApp != nil {
		d.trayApp.ShowNotification(n)
		return
	}
	level := zap.InfoLevel
	if n.Warning {
		level = zap.WarnLevel
	}
	d.logger.Log(level, "Notification",
		zap.String("title", n.Title),
		zap.String("message", n.Message))
}
