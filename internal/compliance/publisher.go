package compliance

import (
	"sync"
	"time"
)

// Publication is the value handed from the watcher to the UI
type Publication struct {
	Seq        uint64
	Transition Transition
	// Degraded is set while the flag store cannot be read or watched. The
	// transition is then the last confirmed one.
	Degraded bool
	Err      error
	At       time.Time
	// EnteredSeq is the Seq of the latest publication that entered
	// StateNonCompliant. A consumer that last saw a lower Seq missed that
	// entry even if the state has changed back since.
	EnteredSeq uint64
}

// State returns the state carried by the publication
func (p Publication) State() State {
	return p.Transition.To
}

// Publisher passes publications from a single producer to a single consumer.
// Publish never blocks; the consumer is woken through Updates and always
// reads the latest value.
type Publisher struct {
	mu     sync.Mutex
	latest Publication
	has    bool
	wake   chan struct{}
	now    func() time.Time
}

// NewPublisher creates an empty publisher
func NewPublisher() *Publisher {
	return &Publisher{
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Publish records a confirmed transition and wakes the consumer.
func (p *Publisher) Publish(tr Transition) Publication {
	p.mu.Lock()
	seq := p.latest.Seq + 1
	entered := p.latest.EnteredSeq
	if tr.Entered(StateNonCompliant) {
		entered = seq
	}
	p.latest = Publication{
		Seq:        seq,
		Transition: tr,
		At:         p.now(),
		EnteredSeq: entered,
	}
	p.has = true
	pub := p.latest
	p.mu.Unlock()

	p.signal()
	return pub
}

// PublishDegraded marks monitoring as unavailable without changing the
// last confirmed transition.
func (p *Publisher) PublishDegraded(err error) Publication {
	p.mu.Lock()
	p.latest = Publication{
		Seq:        p.latest.Seq + 1,
		Transition: p.latest.Transition,
		Degraded:   true,
		Err:        err,
		At:         p.now(),
		EnteredSeq: p.latest.EnteredSeq,
	}
	p.has = true
	pub := p.latest
	p.mu.Unlock()

	p.signal()
	return pub
}

func (p *Publisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Updates receives a value whenever a publication newer than the last
// wake-up is available. Wake-ups coalesce.
func (p *Publisher) Updates() <-chan struct{} {
	return p.wake
}

// Latest returns the most recent publication. ok is false before the first.
func (p *Publisher) Latest() (pub Publication, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.has
}
