package testsupport

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/username/no-hidden-extensions/internal/shell"
)

// FakeProcesses is an in-memory process table implementing the controller
// surface used by the remediator.
type FakeProcesses struct {
	mu            sync.Mutex
	procs         map[int32]string
	nextPID       int32
	terminateErrs map[int32]error
	relaunchErr   error
	findErrs      []error
	// exiting holds terminated processes that are still listed, with the
	// number of listings left before they disappear
	exiting map[int32]exitingProcess

	// Linger keeps a terminated process listed for that many enumerations,
	// like a process that is still shutting down after TerminateProcess.
	Linger int

	// AutoRelaunch restarts a process of the same name once the last
	// instance is terminated, like the Windows shell does.
	AutoRelaunch bool

	rec *Recorder
}

// NewFakeProcesses returns an empty process table
func NewFakeProcesses(rec *Recorder) *FakeProcesses {
	if rec == nil {
		rec = NewRecorder()
	}
	return &FakeProcesses{
		procs:         make(map[int32]string),
		nextPID:       1000,
		terminateErrs: make(map[int32]error),
		exiting:       make(map[int32]exitingProcess),
		rec:           rec,
	}
}

type exitingProcess struct {
	name     string
	listings int
}

// Spawn adds a running process and returns its pid
func (f *FakeProcesses) Spawn(name string) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawnLocked(name)
}

func (f *FakeProcesses) spawnLocked(name string) int32 {
	f.nextPID++
	f.procs[f.nextPID] = name
	return f.nextPID
}

// FailTerminate makes every Terminate of pid return err
func (f *FakeProcesses) FailTerminate(pid int32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminateErrs[pid] = err
}

// FailFind queues errors yielded by the next FindByName calls
func (f *FakeProcesses) FailFind(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findErrs = append(f.findErrs, errs...)
}

// FailRelaunch makes Relaunch return err
func (f *FakeProcesses) FailRelaunch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relaunchErr = err
}

// Alive reports whether pid is still running or still shutting down
func (f *FakeProcesses) Alive(pid int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.procs[pid]; ok {
		return true
	}
	_, ok := f.exiting[pid]
	return ok
}

// Running returns the sorted pids of running processes called name.
// Processes that are shutting down are not included.
func (f *FakeProcesses) Running(name string) []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runningLocked(name)
}

func (f *FakeProcesses) runningLocked(name string) []int32 {
	var pids []int32
	for pid, n := range f.procs {
		if strings.EqualFold(n, name) {
			pids = append(pids, pid)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// listedLocked returns the pids an enumeration of name would see and
// counts the enumeration against every lingering process.
func (f *FakeProcesses) listedLocked(name string) []int32 {
	pids := f.runningLocked(name)
	for pid, p := range f.exiting {
		if !strings.EqualFold(p.name, name) {
			continue
		}
		pids = append(pids, pid)
		p.listings--
		if p.listings <= 0 {
			delete(f.exiting, pid)
		} else {
			f.exiting[pid] = p
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func (f *FakeProcesses) FindByName(ctx context.Context, name string) iter.Seq2[shell.Handle, error] {
	return func(yield func(shell.Handle, error) bool) {
		f.rec.record(OpFind, 0)

		f.mu.Lock()
		var err error
		if len(f.findErrs) > 0 {
			err = f.findErrs[0]
			f.findErrs = f.findErrs[1:]
		}
		pids := f.listedLocked(name)
		f.mu.Unlock()

		if err != nil {
			yield(shell.Handle{}, err)
			return
		}
		for _, pid := range pids {
			if !yield(shell.Handle{PID: pid, Name: name}, nil) {
				return
			}
		}
	}
}

func (f *FakeProcesses) Terminate(ctx context.Context, h shell.Handle) error {
	f.rec.record(OpTerminate, h.PID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.terminateErrs[h.PID]; err != nil {
		return err
	}
	if _, ok := f.exiting[h.PID]; ok {
		return nil
	}
	name, ok := f.procs[h.PID]
	if !ok {
		return fmt.Errorf("fake terminate %d: %w", h.PID, shell.ErrProcessNotFound)
	}
	delete(f.procs, h.PID)
	if f.Linger > 0 {
		f.exiting[h.PID] = exitingProcess{name: name, listings: f.Linger}
	}
	if f.AutoRelaunch && len(f.runningLocked(name)) == 0 {
		f.spawnLocked(name)
	}
	return nil
}

func (f *FakeProcesses) Relaunch(ctx context.Context, path string) error {
	f.rec.record(OpRelaunch, 0)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.relaunchErr != nil {
		return f.relaunchErr
	}
	f.spawnLocked(filepath.Base(strings.ReplaceAll(path, `\`, "/")))
	return nil
}

// WaitForReplacement polls the table without sleeping. It gives up after a
// fixed number of polls instead of honouring timeout.
func (f *FakeProcesses) WaitForReplacement(ctx context.Context, name string, old []int32, timeout time.Duration) (bool, error) {
	f.rec.record(OpWait, 0)

	f.mu.Lock()
	defer f.mu.Unlock()
	for poll := 0; poll < maxWaitPolls; poll++ {
		pids := f.listedLocked(name)
		if slices.ContainsFunc(pids, func(pid int32) bool { return slices.Contains(old, pid) }) {
			continue
		}
		return len(pids) > 0, nil
	}
	return false, nil
}

const maxWaitPolls = 20
