package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/username/no-hidden-extensions/internal/compliance"
	"github.com/username/no-hidden-extensions/internal/flagstore"
	"go.uber.org/zap"
)

// Watcher keeps the published compliance state in step with the flag store.
type Watcher struct {
	store     flagstore.Store
	machine   *compliance.Machine
	publisher *compliance.Publisher
	logger    *zap.Logger

	retryInitial time.Duration
	retryMax     time.Duration
}

// Option configures a Watcher
type Option func(*Watcher)

// WithRetry sets the first and the largest delay between attempts while the
// flag store is unavailable.
func WithRetry(initial, max time.Duration) Option {
	return func(w *Watcher) {
		w.retryInitial = initial
		w.retryMax = max
	}
}

// New creates a watcher publishing to publisher
func New(store flagstore.Store, publisher *compliance.Publisher, logger *zap.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		store:        store,
		machine:      compliance.NewMachine(),
		publisher:    publisher,
		logger:       logger,
		retryInitial: time.Second,
		retryMax:     time.Minute,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the store until ctx is cancelled. Store failures are retried
// forever with exponential backoff; Run only returns on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryInitial
	b.MaxInterval = w.retryMax
	b.MaxElapsedTime = 0
	b.Reset()

	w.logger.Info("Watcher started")
	defer w.logger.Info("Watcher stopped")

	attempt := 0
	for {
		err := w.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			attempt = 0
			b.Reset()
			continue
		}

		attempt++
		delay := b.NextBackOff()
		w.logger.Warn("Monitoring degraded, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay))
		w.publisher.PublishDegraded(err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// cycle arms a subscription, confirms the current value and waits for the
// next change. Subscribing before reading means a change that lands between
// the two still wakes the following Wait.
func (w *Watcher) cycle(ctx context.Context) error {
	sub, err := w.store.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			w.logger.Warn("Failed to release subscription", zap.Error(err))
		}
	}()

	if err := w.refresh(ctx); err != nil {
		return err
	}

	w.logger.Debug("Waiting for a change in the flag store")
	if err := sub.Wait(ctx); err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	w.logger.Debug("Flag store changed")
	return nil
}

func (w *Watcher) refresh(ctx context.Context) error {
	shown, err := w.store.Read(ctx)
	if errors.Is(err, flagstore.ErrValueAbsent) {
		// Explorer hides extensions when the value is missing
		w.logger.Warn("Flag value absent, treating extensions as hidden", zap.Error(err))
		shown, err = false, nil
	}
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	tr := w.machine.Observe(shown)
	pub := w.publisher.Publish(tr)

	fields := []zap.Field{
		zap.Stringer("from", tr.From),
		zap.Stringer("to", tr.To),
		zap.Stringer("intent", tr.Intent),
		zap.Uint64("seq", pub.Seq),
	}
	if tr.Entered(compliance.StateNonCompliant) {
		w.logger.Warn("File extensions are now hidden", fields...)
	} else {
		w.logger.Info("Flag state confirmed", fields...)
	}
	return nil
}
