package testsupport

import "sync"

// Operation names recorded by the fakes
const (
	OpRead      = "read"
	OpWrite     = "write"
	OpSubscribe = "subscribe"
	OpFind      = "find"
	OpTerminate = "terminate"
	OpRelaunch  = "relaunch"
	OpWait      = "wait"
)

// Call is one recorded operation. Seq is shared by every fake attached to the
// same Recorder, so it orders calls across stores and process controllers.
type Call struct {
	Seq int
	Op  string
	PID int32
}

// Recorder collects calls from the fakes in the order they happen
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// NewRecorder returns an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(op string, pid int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Seq: len(r.calls) + 1, Op: op, PID: pid})
}

// Calls returns a copy of every recorded call
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many times op was recorded
func (r *Recorder) Count(op string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// First returns the earliest call of op
func (r *Recorder) First(op string) (Call, bool) {
	for _, c := range r.Calls() {
		if c.Op == op {
			return c, true
		}
	}
	return Call{}, false
}
