package daemon

import (
	"errors"

	"github.com/username/no-hidden-extensions/internal/compliance"
	"github.com/username/no-hidden-extensions/internal/remediate"
)

const appTitle = "no-hidden-extensions"

// IconVariant selects the tray icon
type IconVariant int

const (
	IconUnknown IconVariant = iota
	IconCompliant
	IconNonCompliant
	IconDegraded
)

// Notification is a passive message for the user
type Notification struct {
	Title   string
	Message string
	Warning bool
}

// View is everything the tray needs to render
type View struct {
	Icon         IconVariant
	Tooltip      string
	Status       string
	FixEnabled   bool
	Notification *Notification
}

// Presenter turns publications and remediation results into views. It is
// owned by the UI dispatch goroutine.
type Presenter struct {
	seq      uint64
	state    compliance.State
	degraded bool
	busy     bool
	// retry keeps the fix action available after a run that fixed the flag
	// but could not restart the shell
	retry    bool
	announce bool
	notify   bool
}

// NewPresenter creates a presenter. announce shows the state once on the
// first publication even when it is compliant; notify enables passive
// notifications.
func NewPresenter(announce, notify bool) *Presenter {
	return &Presenter{
		announce: announce,
		notify:   notify,
	}
}

// Publication applies a watcher publication. ok is false when pub is not
// newer than one already applied.
func (p *Presenter) Publication(pub compliance.Publication) (v View, ok bool) {
	if pub.Seq <= p.seq {
		return View{}, false
	}
	first := p.seq == 0
	missed := pub.EnteredSeq > p.seq
	p.seq = pub.Seq
	p.degraded = pub.Degraded

	// a degraded publication repeats the last confirmed transition
	state := p.state
	if !pub.Degraded {
		state = pub.State()
	}
	entered := p.state != compliance.StateNonCompliant && state == compliance.StateNonCompliant
	p.state = state

	var n *Notification
	switch {
	case entered || (missed && pub.State() == compliance.StateNonCompliant):
		n = &Notification{
			Title: "File extensions are hidden",
			Message: "Warning - file extensions are hidden in Windows Explorer. This means a higher risk " +
				"of falling for a phishing attack. Use \"Show file extensions\" from the tray icon to fix it.",
			Warning: true,
		}
	case missed:
		n = &Notification{
			Title: "File extensions were hidden",
			Message: "Something briefly hid file extensions in Windows Explorer. " +
				"They are visible again, but the setting may be changed by another program.",
			Warning: true,
		}
	case first && p.announce && !pub.Degraded && state == compliance.StateCompliant:
		n = &Notification{
			Title: appTitle,
			Message: "File extensions are visible in Windows Explorer, which is great! " +
				"It is harder for you to fall for a phishing attack.",
		}
	}

	v = p.view()
	if p.notify {
		v.Notification = n
	}
	return v, true
}

// BeginRemediation disables the fix action while a run is in flight. ok is
// false when a run is already in flight; the caller must not start another.
func (p *Presenter) BeginRemediation() (v View, ok bool) {
	if p.busy {
		return View{}, false
	}
	p.busy = true
	return p.view(), true
}

// FinishRemediation applies the outcome of a run
func (p *Presenter) FinishRemediation(res remediate.Result, err error) View {
	if errors.Is(err, remediate.ErrBusy) {
		return p.view()
	}
	p.busy = false
	p.retry = res.Outcome == remediate.OutcomePartial

	v := p.view()
	title := "File extensions are shown"
	switch res.Outcome {
	case remediate.OutcomePartial:
		title = "Explorer was not restarted"
	case remediate.OutcomeFailed:
		title = "Could not show file extensions"
	}
	// results are always reported, they answer a click
	v.Notification = &Notification{
		Title:   title,
		Message: res.Message,
		Warning: res.Outcome != remediate.OutcomeSucceeded,
	}
	return v
}

func (p *Presenter) view() View {
	v := View{
		FixEnabled: !p.busy && (p.state == compliance.StateNonCompliant || p.retry),
	}

	switch p.state {
	case compliance.StateCompliant:
		v.Icon = IconCompliant
		v.Status = "File extensions are shown"
	case compliance.StateNonCompliant:
		v.Icon = IconNonCompliant
		v.Status = "File extensions are hidden"
	default:
		v.Icon = IconUnknown
		v.Status = "Checking Explorer settings"
	}
	if p.degraded {
		v.Icon = IconDegraded
		v.Status = "Monitoring unavailable, retrying"
	}
	if p.busy {
		v.Status = "Showing file extensions..."
	}
	v.Tooltip = appTitle + ": " + v.Status
	return v
}

func stateText(s Status) string {
	switch s.State {
	case compliance.StateCompliant:
		return "shown"
	case compliance.StateNonCompliant:
		return "hidden"
	default:
		return "not checked yet"
	}
}

func monitoringText(s Status) string {
	if s.Degraded {
		return "unavailable, retrying"
	}
	return "active"
}
