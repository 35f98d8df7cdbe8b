package shell

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

var (
	// ErrProcessNotFound means the process already exited. Callers that want
	// it gone treat this as success.
	ErrProcessNotFound = errors.New("process not found")

	// ErrPermissionDenied means the process could not be terminated with the
	// caller's rights.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrLaunchFailed means the executable could not be started.
	ErrLaunchFailed = errors.New("launch failed")
)

// Handle identifies a process found by name. It is only valid for the
// enumeration that produced it.
type Handle struct {
	PID  int32
	Name string
}

// Controller finds, terminates and starts desktop shell processes
type Controller struct {
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewController creates a process controller
func NewController(logger *zap.Logger) *Controller {
	return &Controller{
		pollInterval: 250 * time.Millisecond,
		logger:       logger,
	}
}

// FindByName yields every running process whose executable name matches
// name, ignoring case. Each range over the returned sequence takes a fresh
// snapshot of the process table.
func (c *Controller) FindByName(ctx context.Context, name string) iter.Seq2[Handle, error] {
	return func(yield func(Handle, error) bool) {
		procs, err := process.ProcessesWithContext(ctx)
		if err != nil {
			yield(Handle{}, fmt.Errorf("failed to list processes: %w", err))
			return
		}

		for _, p := range procs {
			pname, err := p.NameWithContext(ctx)
			if err != nil {
				// exited or inaccessible
				continue
			}
			if !strings.EqualFold(pname, name) {
				continue
			}
			if !yield(Handle{PID: p.Pid, Name: pname}, nil) {
				return
			}
		}
	}
}

// Terminate kills the process behind h
func (c *Controller) Terminate(ctx context.Context, h Handle) error {
	if err := terminate(h.PID); err != nil {
		return fmt.Errorf("terminate %s (pid %d): %w", h.Name, h.PID, err)
	}
	c.logger.Info("Process terminated",
		zap.String("name", h.Name),
		zap.Int32("pid", h.PID))
	return nil
}

// Relaunch starts the executable at path detached from this process.
// Windows-style %VAR% references in path are expanded.
func (c *Controller) Relaunch(ctx context.Context, path string) error {
	expanded := ExpandPath(path)
	cmd := exec.Command(expanded)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLaunchFailed, expanded, err)
	}

	c.logger.Info("Process launched",
		zap.String("path", expanded),
		zap.Int("pid", cmd.Process.Pid))
	return cmd.Process.Release()
}

// WaitForReplacement polls until none of the pids in old is listed under
// name any more and a process with a different pid is. It returns false when
// timeout elapses first. A terminated process can stay listed for a while
// after TerminateProcess returns, so a match on an old pid never counts.
func (c *Controller) WaitForReplacement(ctx context.Context, name string, old []int32, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		replaced, err := c.replaced(ctx, name, old)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, err
		}
		if replaced {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}

func (c *Controller) replaced(ctx context.Context, name string, old []int32) (bool, error) {
	fresh := false
	for h, err := range c.FindByName(ctx, name) {
		if err != nil {
			return false, err
		}
		if slices.Contains(old, h.PID) {
			c.logger.Debug("Old process still listed", zap.Int32("pid", h.PID))
			return false, nil
		}
		fresh = true
	}
	return fresh, nil
}

var percentVar = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_()]*)%`)

// ExpandPath expands both %VAR% and $VAR environment references.
// Unknown %VAR% references are left untouched.
func ExpandPath(path string) string {
	path = percentVar.ReplaceAllStringFunc(path, func(m string) string {
		if v, ok := os.LookupEnv(m[1 : len(m)-1]); ok {
			return v
		}
		return m
	})
	return os.ExpandEnv(path)
}
