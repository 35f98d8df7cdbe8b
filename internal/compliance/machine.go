package compliance

// State mirrors the stored flag for the UI
type State int

const (
	// StateUnknown is reported until the first confirmed read
	StateUnknown State = iota
	StateCompliant
	StateNonCompliant
)

// String returns the state as a string.
func (s State) String() string {
	switch s {
	case StateCompliant:
		return "compliant"
	case StateNonCompliant:
		return "non_compliant"
	default:
		return "unknown"
	}
}

// Intent tells the UI what a transition asks of it
type Intent int

const (
	IntentNone Intent = iota
	// IntentNotify asks the UI to reflect the new state only
	IntentNotify
	// IntentOfferRemediation asks the UI to notify and enable the fix action
	IntentOfferRemediation
)

// String returns the intent as a string.
func (i Intent) String() string {
	switch i {
	case IntentNotify:
		return "notify"
	case IntentOfferRemediation:
		return "offer_remediation"
	default:
		return "none"
	}
}

// Transition is produced for every confirmed read, including reads that
// confirm the state already held.
type Transition struct {
	From   State
	To     State
	Intent Intent
}

// Entered reports whether the transition moved into s from another state.
func (t Transition) Entered(s State) bool {
	return t.To == s && t.From != s
}

// Machine maps confirmed reads of the flag to UI states. It keeps no history
// beyond the current state. A Machine is owned by a single goroutine.
type Machine struct {
	current State
}

// NewMachine returns a machine in StateUnknown
func NewMachine() *Machine {
	return &Machine{}
}

// Current returns the state set by the last Observe
func (m *Machine) Current() State {
	return m.current
}

// Observe records a confirmed read of the flag.
func (m *Machine) Observe(shown bool) Transition {
	to := StateNonCompliant
	intent := IntentOfferRemediation
	if shown {
		to = StateCompliant
		intent = IntentNotify
	}

	tr := Transition{From: m.current, To: to, Intent: intent}
	m.current = to
	return tr
}
