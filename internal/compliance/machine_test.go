package compliance

import (
	"errors"
	"testing"
)

func TestMachineHasNoHysteresis(t *testing.T) {
	tests := []struct {
		name  string
		reads []bool
	}{
		{"steady compliant", []bool{true, true, true}},
		{"steady hidden", []bool{false, false}},
		{"toggle off", []bool{true, false}},
		{"flapping", []bool{true, false, true, false, false, true}},
		{"single hidden read", []bool{false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			prev := StateUnknown
			for i, shown := range tt.reads {
				tr := m.Observe(shown)

				want := StateNonCompliant
				if shown {
					want = StateCompliant
				}
				if tr.To != want {
					t.Errorf("read %d (%v): To = %v, want %v", i, shown, tr.To, want)
				}
				if tr.From != prev {
					t.Errorf("read %d: From = %v, want %v", i, tr.From, prev)
				}
				if m.Current() != want {
					t.Errorf("read %d: Current() = %v, want %v", i, m.Current(), want)
				}
				prev = want
			}
		})
	}
}

func TestMachineIntents(t *testing.T) {
	m := NewMachine()
	if m.Current() != StateUnknown {
		t.Fatalf("new machine state = %v, want unknown", m.Current())
	}

	if tr := m.Observe(false); tr.Intent != IntentOfferRemediation {
		t.Errorf("hidden read intent = %v, want %v", tr.Intent, IntentOfferRemediation)
	}
	// re-confirmation still asks for remediation
	if tr := m.Observe(false); tr.Intent != IntentOfferRemediation || tr.Entered(StateNonCompliant) {
		t.Errorf("re-confirmed hidden read = %+v", tr)
	}
	if tr := m.Observe(true); tr.Intent != IntentNotify || !tr.Entered(StateCompliant) {
		t.Errorf("shown read = %+v", tr)
	}
}

func TestPublisherKeepsLatestAndCoalescesWakeups(t *testing.T) {
	p := NewPublisher()
	if _, ok := p.Latest(); ok {
		t.Fatal("Latest() ok before any publication")
	}

	m := NewMachine()
	p.Publish(m.Observe(true))
	p.Publish(m.Observe(false))
	last := p.Publish(m.Observe(false))

	select {
	case <-p.Updates():
	default:
		t.Fatal("no wake-up after publishing")
	}
	select {
	case <-p.Updates():
		t.Fatal("wake-ups were not coalesced")
	default:
	}

	got, ok := p.Latest()
	if !ok {
		t.Fatal("Latest() not ok after publishing")
	}
	if got.Seq != 3 || got.Seq != last.Seq {
		t.Errorf("Latest().Seq = %d, want 3", got.Seq)
	}
	if got.State() != StateNonCompliant {
		t.Errorf("Latest().State() = %v, want non_compliant", got.State())
	}
}

func TestPublisherDegradedKeepsLastTransition(t *testing.T) {
	p := NewPublisher()
	m := NewMachine()
	p.Publish(m.Observe(true))

	cause := errors.New("registry unavailable")
	pub := p.PublishDegraded(cause)
	if !pub.Degraded || !errors.Is(pub.Err, cause) {
		t.Errorf("degraded publication = %+v", pub)
	}
	if pub.State() != StateCompliant {
		t.Errorf("degraded State() = %v, want last confirmed compliant", pub.State())
	}

	pub = p.Publish(m.Observe(true))
	if pub.Degraded || pub.Err != nil {
		t.Errorf("publication after recovery still degraded: %+v", pub)
	}
}

func TestPublisherRemembersLastEntryIntoHidden(t *testing.T) {
	p := NewPublisher()
	m := NewMachine()

	if pub := p.Publish(m.Observe(true)); pub.EnteredSeq != 0 {
		t.Errorf("EnteredSeq = %d before any hidden read, want 0", pub.EnteredSeq)
	}
	hidden := p.Publish(m.Observe(false))
	if hidden.EnteredSeq != hidden.Seq {
		t.Errorf("EnteredSeq = %d, want %d", hidden.EnteredSeq, hidden.Seq)
	}
	p.Publish(m.Observe(false))

	// the consumer only reads after the flag is shown again
	p.Publish(m.Observe(true))
	latest, _ := p.Latest()
	if latest.State() != StateCompliant {
		t.Fatalf("State() = %v, want compliant", latest.State())
	}
	if latest.EnteredSeq != hidden.Seq {
		t.Errorf("EnteredSeq = %d, want %d from the coalesced hidden read", latest.EnteredSeq, hidden.Seq)
	}

	if pub := p.PublishDegraded(errors.New("registry unavailable")); pub.EnteredSeq != hidden.Seq {
		t.Errorf("degraded EnteredSeq = %d, want %d", pub.EnteredSeq, hidden.Seq)
	}
}
