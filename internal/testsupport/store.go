package testsupport

import (
	"context"
	"fmt"
	"sync"

	"github.com/username/no-hidden-extensions/internal/flagstore"
)

// FakeStore is an in-memory flagstore.Store. Writes through the store and
// external changes made with SetExternal fire every armed subscription.
type FakeStore struct {
	mu            sync.Mutex
	value         *bool
	readErrs      []error
	subscribeErrs []error
	writeErrs     []error
	subs          map[*fakeSubscription]struct{}
	opened        int
	closed        int

	// WriteStarted, when set, receives once per Write before WriteGate is awaited.
	WriteStarted chan struct{}
	// WriteGate, when set, blocks Write until it is closed.
	WriteGate chan struct{}

	rec *Recorder
}

// NewFakeStore returns a store holding initial. A nil initial means the value
// is absent.
func NewFakeStore(rec *Recorder, initial *bool) *FakeStore {
	if rec == nil {
		rec = NewRecorder()
	}
	s := &FakeStore{
		subs: make(map[*fakeSubscription]struct{}),
		rec:  rec,
	}
	if initial != nil {
		v := *initial
		s.value = &v
	}
	return s
}

// Bool returns a pointer to b
func Bool(b bool) *bool {
	return &b
}

// FailReads queues errors returned by the next Read calls
func (s *FakeStore) FailReads(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErrs = append(s.readErrs, errs...)
}

// FailSubscribes queues errors returned by the next Subscribe calls
func (s *FakeStore) FailSubscribes(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErrs = append(s.subscribeErrs, errs...)
}

// FailWrites queues errors returned by the next Write calls
func (s *FakeStore) FailWrites(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErrs = append(s.writeErrs, errs...)
}

// SetExternal changes the value as another program would
func (s *FakeStore) SetExternal(shown bool) {
	s.mu.Lock()
	s.value = &shown
	s.mu.Unlock()
	s.fire()
}

// Value returns the stored value; ok is false when absent
func (s *FakeStore) Value() (shown bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value == nil {
		return false, false
	}
	return *s.value, true
}

// OpenSubscriptions returns the number of subscriptions not yet closed
func (s *FakeStore) OpenSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened - s.closed
}

// ArmedSubscriptions returns the number of subscriptions waiting for a change
func (s *FakeStore) ArmedSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *FakeStore) Read(ctx context.Context) (bool, error) {
	s.rec.record(OpRead, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readErrs) > 0 {
		err := s.readErrs[0]
		s.readErrs = s.readErrs[1:]
		return false, err
	}
	if s.value == nil {
		return false, fmt.Errorf("fake read: %w: %w", flagstore.ErrStoreUnavailable, flagstore.ErrValueAbsent)
	}
	return *s.value, nil
}

func (s *FakeStore) Write(ctx context.Context, shown bool) (bool, error) {
	s.rec.record(OpWrite, 0)

	if s.WriteStarted != nil {
		s.WriteStarted <- struct{}{}
	}
	if s.WriteGate != nil {
		select {
		case <-s.WriteGate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	s.mu.Lock()
	if len(s.writeErrs) > 0 {
		err := s.writeErrs[0]
		s.writeErrs = s.writeErrs[1:]
		s.mu.Unlock()
		return false, err
	}
	if s.value != nil && *s.value == shown {
		s.mu.Unlock()
		return false, nil
	}
	s.value = &shown
	s.mu.Unlock()

	s.fire()
	return true, nil
}

func (s *FakeStore) Subscribe(ctx context.Context) (flagstore.Subscription, error) {
	s.rec.record(OpSubscribe, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subscribeErrs) > 0 {
		err := s.subscribeErrs[0]
		s.subscribeErrs = s.subscribeErrs[1:]
		return nil, err
	}
	sub := &fakeSubscription{store: s, fired: make(chan struct{}, 1)}
	s.subs[sub] = struct{}{}
	s.opened++
	return sub, nil
}

// fire signals and disarms every subscription
func (s *FakeStore) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.fired <- struct{}{}
		delete(s.subs, sub)
	}
}

type fakeSubscription struct {
	store  *FakeStore
	fired  chan struct{}
	closed bool
}

func (f *fakeSubscription) Wait(ctx context.Context) error {
	select {
	case <-f.fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSubscription) Close() error {
	s := f.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	delete(s.subs, f)
	s.closed++
	return nil
}
