package remediate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/username/no-hidden-extensions/internal/flagstore"
	"github.com/username/no-hidden-extensions/internal/shell"
	"github.com/username/no-hidden-extensions/internal/testsupport"
	"go.uber.org/zap"
)

const shellName = "explorer.exe"

func newRemediator(store flagstore.Store, procs ProcessController) *Remediator {
	return New(store, procs, Options{
		ShellProcess:  shellName,
		ShellPath:     `C:\Windows\explorer.exe`,
		RelaunchWait:  10 * time.Millisecond,
		MaxAttempts:   3,
		RetryInterval: time.Millisecond,
	}, zap.NewNop())
}

func TestRunFixesFlagAndRestartsShell(t *testing.T) {
	rec := testsupport.NewRecorder()
	store := testsupport.NewFakeStore(rec, testsupport.Bool(false))
	procs := testsupport.NewFakeProcesses(rec)
	procs.AutoRelaunch = true
	old := []int32{procs.Spawn(shellName), procs.Spawn(shellName)}

	res, err := newRemediator(store, procs).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeSucceeded {
		t.Errorf("Outcome = %v, want succeeded", res.Outcome)
	}
	if !res.Changed || res.Found != 2 || res.Terminated != 2 {
		t.Errorf("Result = %+v, want changed with 2 found and 2 terminated", res)
	}
	if res.Relaunched {
		t.Error("Relaunched = true although the shell restarted on its own")
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}

	if shown, ok := store.Value(); !ok || !shown {
		t.Errorf("stored flag = %v (present %v), want true", shown, ok)
	}
	for _, pid := range old {
		if procs.Alive(pid) {
			t.Errorf("old shell pid %d still running", pid)
		}
	}
	if n := rec.Count(testsupport.OpRelaunch); n != 0 {
		t.Errorf("Relaunch called %d times, want 0", n)
	}
}

func TestRunWritesBeforeTerminating(t *testing.T) {
	rec := testsupport.NewRecorder()
	store := testsupport.NewFakeStore(rec, testsupport.Bool(false))
	procs := testsupport.NewFakeProcesses(rec)
	procs.Spawn(shellName)
	procs.Spawn(shellName)

	if _, err := newRemediator(store, procs).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	write, ok := rec.First(testsupport.OpWrite)
	if !ok {
		t.Fatal("no write recorded")
	}
	terminate, ok := rec.First(testsupport.OpTerminate)
	if !ok {
		t.Fatal("no terminate recorded")
	}
	if write.Seq >= terminate.Seq {
		t.Errorf("write at %d did not precede first terminate at %d", write.Seq, terminate.Seq)
	}
	find, _ := rec.First(testsupport.OpFind)
	if write.Seq >= find.Seq {
		t.Errorf("write at %d did not precede enumeration at %d", write.Seq, find.Seq)
	}
}

func TestRunWhenAlreadyCompliantKeepsFlag(t *testing.T) {
	store := testsupport.NewFakeStore(nil, testsupport.Bool(true))
	procs := testsupport.NewFakeProcesses(nil)
	procs.AutoRelaunch = true
	procs.Spawn(shellName)

	res, err := newRemediator(store, procs).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Changed {
		t.Error("Changed = true for an already compliant flag")
	}
	if shown, _ := store.Value(); !shown {
		t.Error("remediation toggled a compliant flag")
	}
	if n := len(procs.Running(shellName)); n != 1 {
		t.Errorf("%d shell processes running, want 1", n)
	}
}

func TestRunIgnoresConcurrentTrigger(t *testing.T) {
	rec := testsupport.NewRecorder()
	store := testsupport.NewFakeStore(rec, testsupport.Bool(false))
	store.WriteStarted = make(chan struct{}, 1)
	store.WriteGate = make(chan struct{})
	procs := testsupport.NewFakeProcesses(rec)
	procs.AutoRelaunch = true
	procs.Spawn(shellName)

	r := newRemediator(store, procs)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = r.Run(context.Background())
	}()

	<-store.WriteStarted
	if !r.Busy() {
		t.Error("Busy() = false while a run is in flight")
	}
	for i := 0; i < 3; i++ {
		if _, err := r.Run(context.Background()); !errors.Is(err, ErrBusy) {
			t.Errorf("concurrent Run() error = %v, want ErrBusy", err)
		}
	}
	close(store.WriteGate)
	wg.Wait()

	if firstErr != nil {
		t.Fatalf("first Run() error = %v", firstErr)
	}
	if n := rec.Count(testsupport.OpWrite); n != 1 {
		t.Errorf("Write called %d times, want 1", n)
	}
	if n := rec.Count(testsupport.OpTerminate); n != 1 {
		t.Errorf("Terminate called %d times, want 1", n)
	}
	if n := rec.Count(testsupport.OpRelaunch); n != 0 {
		t.Errorf("Relaunch called %d times, want 0", n)
	}
	if r.Busy() {
		t.Error("Busy() = true after the run finished")
	}
}

func TestRunPartialFailureOnPermissionDenied(t *testing.T) {
	rec := testsupport.NewRecorder()
	store := testsupport.NewFakeStore(rec, testsupport.Bool(false))
	procs := testsupport.NewFakeProcesses(rec)
	procs.AutoRelaunch = true
	procs.Spawn(shellName)
	denied := procs.Spawn(shellName)
	procs.FailTerminate(denied, fmt.Errorf("fake: %w", shell.ErrPermissionDenied))

	res, err := newRemediator(store, procs).Run(context.Background())
	if !errors.Is(err, ErrPartialFailure) {
		t.Fatalf("Run() error = %v, want ErrPartialFailure", err)
	}
	if !errors.Is(err, shell.ErrPermissionDenied) {
		t.Errorf("Run() error = %v, want it to wrap ErrPermissionDenied", err)
	}
	if res.Outcome != OutcomePartial {
		t.Errorf("Outcome = %v, want partial", res.Outcome)
	}
	if want := fmt.Sprintf("access denied terminating explorer.exe (pid %d)", denied); !strings.Contains(res.Message, want) {
		t.Errorf("Message = %q, want it to contain %q", res.Message, want)
	}
	if res.Found != 2 || res.Terminated != 1 {
		t.Errorf("Found/Terminated = %d/%d, want 2/1", res.Found, res.Terminated)
	}

	// permission errors are not retried
	terminates := 0
	for _, c := range rec.Calls() {
		if c.Op == testsupport.OpTerminate && c.PID == denied {
			terminates++
		}
	}
	if terminates != 1 {
		t.Errorf("denied pid terminated %d times, want 1", terminates)
	}

	shown, err := store.Read(context.Background())
	if err != nil || !shown {
		t.Errorf("re-read flag = %v, %v; want true, nil", shown, err)
	}
}

func TestRunWriteFailureTouchesNoProcess(t *testing.T) {
	tests := []struct {
		name        string
		errs        []error
		wantWrites  int
		wantMessage string
	}{
		{
			name:        "permission denied is not retried",
			errs:        []error{fmt.Errorf("fake: %w", flagstore.ErrPermissionDenied)},
			wantWrites:  1,
			wantMessage: "access was denied",
		},
		{
			name: "unavailable is retried up to the limit",
			errs: []error{
				fmt.Errorf("fake: %w", flagstore.ErrStoreUnavailable),
				fmt.Errorf("fake: %w", flagstore.ErrStoreUnavailable),
				fmt.Errorf("fake: %w", flagstore.ErrStoreUnavailable),
			},
			wantWrites:  3,
			wantMessage: "the registry is unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testsupport.NewRecorder()
			store := testsupport.NewFakeStore(rec, testsupport.Bool(false))
			store.FailWrites(tt.errs...)
			procs := testsupport.NewFakeProcesses(rec)
			procs.Spawn(shellName)

			res, err := newRemediator(store, procs).Run(context.Background())
			if err == nil {
				t.Fatal("Run() error = nil, want failure")
			}
			if res.Outcome != OutcomeFailed {
				t.Errorf("Outcome = %v, want failed", res.Outcome)
			}
			if !strings.Contains(res.Message, tt.wantMessage) {
				t.Errorf("Message = %q, want it to contain %q", res.Message, tt.wantMessage)
			}
			if n := rec.Count(testsupport.OpWrite); n != tt.wantWrites {
				t.Errorf("Write called %d times, want %d", n, tt.wantWrites)
			}
			for _, op := range []string{testsupport.OpFind, testsupport.OpTerminate, testsupport.OpRelaunch} {
				if n := rec.Count(op); n != 0 {
					t.Errorf("%s called %d times after a failed write", op, n)
				}
			}
			if shown, _ := store.Value(); shown {
				t.Error("flag changed although the write failed")
			}
		})
	}
}

func TestRunRetriesTransientWriteFailure(t *testing.T) {
	store := testsupport.NewFakeStore(nil, testsupport.Bool(false))
	store.FailWrites(fmt.Errorf("fake: %w", flagstore.ErrStoreUnavailable))
	procs := testsupport.NewFakeProcesses(nil)
	procs.AutoRelaunch = true
	procs.Spawn(shellName)

	res, err := newRemediator(store, procs).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeSucceeded {
		t.Errorf("Outcome = %v, want succeeded", res.Outcome)
	}
}

func TestRunRelaunchesWhenShellDoesNotComeBack(t *testing.T) {
	rec := testsupport.NewRecorder()
	store := testsupport.NewFakeStore(rec, testsupport.Bool(false))
	procs := testsupport.NewFakeProcesses(rec)
	old := procs.Spawn(shellName)

	res, err := newRemediator(store, procs).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Relaunched {
		t.Error("Relaunched = false, want true")
	}
	running := procs.Running(shellName)
	if len(running) != 1 || running[0] == old {
		t.Errorf("running shells = %v, want one new instance", running)
	}
}

func TestRunTreatsExitedProcessAsTerminated(t *testing.T) {
	store := testsupport.NewFakeStore(nil, testsupport.Bool(false))
	procs := testsupport.NewFakeProcesses(nil)
	procs.AutoRelaunch = true
	pid := procs.Spawn(shellName)
	procs.FailTerminate(pid, fmt.Errorf("fake: %w", shell.ErrProcessNotFound))

	res, err := newRemediator(store, procs).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Terminated != 1 {
		t.Errorf("Terminated = %d, want 1", res.Terminated)
	}
}

func TestRunReportsFailedRelaunch(t *testing.T) {
	store := testsupport.NewFakeStore(nil, testsupport.Bool(false))
	procs := testsupport.NewFakeProcesses(nil)
	procs.FailRelaunch(fmt.Errorf("fake: %w", shell.ErrLaunchFailed))

	res, err := newRemediator(store, procs).Run(context.Background())
	if !errors.Is(err, ErrPartialFailure) || !errors.Is(err, shell.ErrLaunchFailed) {
		t.Fatalf("Run() error = %v, want partial failure wrapping ErrLaunchFailed", err)
	}
	if res.Relaunched {
		t.Error("Relaunched = true after a failed launch")
	}
	if want := `could not start C:\Windows\explorer.exe`; !strings.Contains(res.Message, want) {
		t.Errorf("Message = %q, want it to contain %q", res.Message, want)
	}
	if shown, _ := store.Value(); !shown {
		t.Error("flag not fixed")
	}
}

func TestRunWaitsForTerminatedShellToExit(t *testing.T) {
	tests := []struct {
		name         string
		autoRelaunch bool
		wantRelaunch bool
	}{
		{"system restarts the shell", true, false},
		{"system does not restart the shell", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testsupport.NewRecorder()
			store := testsupport.NewFakeStore(rec, testsupport.Bool(false))
			procs := testsupport.NewFakeProcesses(rec)
			procs.AutoRelaunch = tt.autoRelaunch
			procs.Linger = 3
			old := procs.Spawn(shellName)

			res, err := newRemediator(store, procs).Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Relaunched != tt.wantRelaunch {
				t.Errorf("Relaunched = %v, want %v", res.Relaunched, tt.wantRelaunch)
			}
			wantCalls := 0
			if tt.wantRelaunch {
				wantCalls = 1
			}
			if n := rec.Count(testsupport.OpRelaunch); n != wantCalls {
				t.Errorf("Relaunch called %d times, want %d", n, wantCalls)
			}
			if procs.Alive(old) {
				t.Errorf("old shell pid %d still listed", old)
			}
			running := procs.Running(shellName)
			if len(running) != 1 || running[0] == old {
				t.Errorf("running shells = %v, want one new instance", running)
			}
		})
	}
}

func TestRunDoesNotRelaunchAfterFailedEnumeration(t *testing.T) {
	rec := testsupport.NewRecorder()
	store := testsupport.NewFakeStore(rec, testsupport.Bool(false))
	procs := testsupport.NewFakeProcesses(rec)
	procs.Spawn(shellName)
	procs.FailFind(errors.New("fake: snapshot failed"))

	res, err := newRemediator(store, procs).Run(context.Background())
	if !errors.Is(err, ErrPartialFailure) {
		t.Fatalf("Run() error = %v, want ErrPartialFailure", err)
	}
	if res.Outcome != OutcomePartial {
		t.Errorf("Outcome = %v, want partial", res.Outcome)
	}
	for _, op := range []string{testsupport.OpTerminate, testsupport.OpRelaunch, testsupport.OpWait} {
		if n := rec.Count(op); n != 0 {
			t.Errorf("%s called %d times after a failed enumeration", op, n)
		}
	}
	if want := "could not list running explorer.exe processes"; !strings.Contains(res.Message, want) {
		t.Errorf("Message = %q, want it to contain %q", res.Message, want)
	}
	if shown, _ := store.Value(); !shown {
		t.Error("flag not fixed")
	}
}
