package remediate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/username/no-hidden-extensions/internal/flagstore"
	"github.com/username/no-hidden-extensions/internal/shell"
	"go.uber.org/zap"
)

var (
	// ErrBusy is returned when a remediation is already running. The call
	// did nothing.
	ErrBusy = errors.New("remediation already in progress")

	// ErrPartialFailure means the flag was fixed but the shell could not be
	// fully restarted.
	ErrPartialFailure = errors.New("remediation partially failed")
)

// ProcessController is the process surface the remediator needs
type ProcessController interface {
	FindByName(ctx context.Context, name string) iter.Seq2[shell.Handle, error]
	Terminate(ctx context.Context, h shell.Handle) error
	Relaunch(ctx context.Context, path string) error
	WaitForReplacement(ctx context.Context, name string, old []int32, timeout time.Duration) (bool, error)
}

// Outcome summarises a remediation run
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomePartial
	OutcomeFailed
)

// String returns the outcome as a string.
func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomePartial:
		return "partial"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes one remediation run
type Result struct {
	RunID   string
	Outcome Outcome
	// Changed is false when the flag was already set
	Changed    bool
	Found      int
	Terminated int
	Relaunched bool
	Err        error
	// Message is suitable for showing to the user
	Message string
}

// Options configure the remediation sequence
type Options struct {
	ShellProcess  string
	ShellPath     string
	RelaunchWait  time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
}

// Remediator restores the flag and restarts the desktop shell so the change
// becomes visible. At most one run is in flight at a time.
type Remediator struct {
	store  flagstore.Store
	procs  ProcessController
	opts   Options
	logger *zap.Logger
	busy   atomic.Bool
}

// New creates a remediator
func New(store flagstore.Store, procs ProcessController, opts Options, logger *zap.Logger) *Remediator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	return &Remediator{
		store:  store,
		procs:  procs,
		opts:   opts,
		logger: logger,
	}
}

// Busy reports whether a run is in flight
func (r *Remediator) Busy() bool {
	return r.busy.Load()
}

// Run writes the flag, then terminates every shell process and makes sure a
// new one is started. The write always happens before any process is touched;
// if it fails no process is touched at all.
//
// The returned error is nil on success, ErrBusy when another run is active,
// and wraps ErrPartialFailure when the flag is fixed but the restart was
// incomplete.
func (r *Remediator) Run(ctx context.Context) (Result, error) {
	if !r.busy.CompareAndSwap(false, true) {
		r.logger.Info("Remediation already running, ignoring trigger")
		return Result{}, ErrBusy
	}
	defer r.busy.Store(false)

	res := Result{RunID: uuid.NewString()}
	log := r.logger.With(zap.String("run_id", res.RunID))
	log.Info("Remediation started", zap.String("shell_process", r.opts.ShellProcess))

	// Step 1: fix the stored flag
	changed, err := r.writeFlag(ctx)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("failed to show file extensions: %w", err)
		res.Message = failureMessage(err)
		log.Error("Remediation failed, no process touched", zap.Error(err))
		return res, res.Err
	}
	res.Changed = changed

	// Step 2: restart the shell
	var failures []failure
	var terminated []int32
	listed := true
	for h, err := range r.procs.FindByName(ctx, r.opts.ShellProcess) {
		if err != nil {
			log.Warn("Failed to list shell processes", zap.Error(err))
			failures = append(failures, failure{
				err:    fmt.Errorf("find %s: %w", r.opts.ShellProcess, err),
				detail: fmt.Sprintf("could not list running %s processes", r.opts.ShellProcess),
			})
			listed = false
			break
		}
		res.Found++
		if err := r.terminate(ctx, h); err != nil {
			log.Warn("Failed to terminate shell process",
				zap.Int32("pid", h.PID),
				zap.Error(err))
			failures = append(failures, failure{err: err, detail: terminateDetail(h, err)})
			continue
		}
		res.Terminated++
		terminated = append(terminated, h.PID)
	}

	// Step 3: start the shell unless Windows already did. After a failed
	// enumeration the running shell is unknown, so nothing is started.
	if listed && (res.Terminated > 0 || res.Found == 0) {
		relaunched, err := r.ensureShellRunning(ctx, terminated, log)
		res.Relaunched = relaunched
		if err != nil {
			failures = append(failures, failure{
				err:    err,
				detail: fmt.Sprintf("could not start %s", r.opts.ShellPath),
			})
		}
	}

	if len(failures) > 0 {
		errs := make([]error, 0, len(failures))
		details := make([]string, 0, len(failures))
		for _, f := range failures {
			errs = append(errs, f.err)
			details = append(details, f.detail)
		}
		res.Outcome = OutcomePartial
		res.Err = fmt.Errorf("%w: %w", ErrPartialFailure, errors.Join(errs...))
		res.Message = "File extensions are now shown, but Windows Explorer was not restarted: " +
			strings.Join(details, "; ") + ". Sign out and back in to see the change, or try again."
		log.Warn("Remediation partially failed",
			zap.Int("found", res.Found),
			zap.Int("terminated", res.Terminated),
			zap.Error(res.Err))
		return res, res.Err
	}

	res.Outcome = OutcomeSucceeded
	res.Message = "File extensions are shown and Windows Explorer was restarted."
	log.Info("Remediation completed",
		zap.Bool("changed", res.Changed),
		zap.Int("terminated", res.Terminated),
		zap.Bool("relaunched", res.Relaunched))
	return res, nil
}

func (r *Remediator) writeFlag(ctx context.Context) (bool, error) {
	var changed bool
	err := r.retry(ctx, func() error {
		c, err := r.store.Write(ctx, true)
		if errors.Is(err, flagstore.ErrPermissionDenied) {
			return backoff.Permanent(err)
		}
		changed = c
		return err
	})
	return changed, err
}

func (r *Remediator) terminate(ctx context.Context, h shell.Handle) error {
	return r.retry(ctx, func() error {
		err := r.procs.Terminate(ctx, h)
		switch {
		case errors.Is(err, shell.ErrProcessNotFound):
			return nil
		case errors.Is(err, shell.ErrPermissionDenied):
			return backoff.Permanent(err)
		default:
			return err
		}
	})
}

// ensureShellRunning gives Windows relaunchWait to replace the terminated
// processes on its own and starts the shell explicitly otherwise.
func (r *Remediator) ensureShellRunning(ctx context.Context, terminated []int32, log *zap.Logger) (bool, error) {
	if len(terminated) > 0 {
		back, err := r.procs.WaitForReplacement(ctx, r.opts.ShellProcess, terminated, r.opts.RelaunchWait)
		if err != nil {
			log.Warn("Could not observe shell restart", zap.Error(err))
		}
		if back {
			log.Info("Shell restarted by the system")
			return false, nil
		}
	}

	err := r.retry(ctx, func() error {
		return r.procs.Relaunch(ctx, r.opts.ShellPath)
	})
	if err != nil {
		return false, fmt.Errorf("relaunch %s: %w", r.opts.ShellPath, err)
	}
	return true, nil
}

func (r *Remediator) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.opts.RetryInterval), uint64(r.opts.MaxAttempts-1)),
		ctx,
	)
	return backoff.Retry(op, b)
}

// failure is one failed step of the restart with its user-facing detail
type failure struct {
	err    error
	detail string
}

func terminateDetail(h shell.Handle, err error) string {
	if errors.Is(err, shell.ErrPermissionDenied) {
		return fmt.Sprintf("access denied terminating %s (pid %d)", h.Name, h.PID)
	}
	return fmt.Sprintf("could not terminate %s (pid %d)", h.Name, h.PID)
}

func failureMessage(err error) string {
	if errors.Is(err, flagstore.ErrPermissionDenied) {
		return "Could not change the Explorer setting: access was denied. Nothing was restarted."
	}
	return "Could not change the Explorer setting: the registry is unavailable. Nothing was restarted."
}
