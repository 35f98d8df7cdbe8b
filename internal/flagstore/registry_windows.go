//go:build windows

package flagstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

// REG_NOTIFY_THREAD_AGNOSTIC decouples the notification from the calling OS
// thread, which the Go scheduler does not pin.
const regNotifyThreadAgnostic = 0x10000000

// RegistryStore keeps the flag in a DWORD under HKEY_CURRENT_USER.
// A zero value means extensions are shown.
type RegistryStore struct {
	root   registry.Key
	path   string
	value  string
	logger *zap.Logger
}

// NewRegistryStore creates a store for value under the HKCU subkey path
func NewRegistryStore(path, value string, logger *zap.Logger) *RegistryStore {
	return &RegistryStore{
		root:   registry.CURRENT_USER,
		path:   path,
		value:  value,
		logger: logger,
	}
}

func openRegistry(opts Options, logger *zap.Logger) (Store, error) {
	if opts.RegistryKey == "" || opts.ValueName == "" {
		return nil, fmt.Errorf("registry backend requires a key path and value name")
	}
	return NewRegistryStore(opts.RegistryKey, opts.ValueName, logger), nil
}

// Read implements Store.
func (s *RegistryStore) Read(ctx context.Context) (bool, error) {
	k, err := registry.OpenKey(s.root, s.path, registry.QUERY_VALUE)
	if err != nil {
		return false, unavailable("open "+s.path, err)
	}
	defer k.Close()

	return s.readValue(k)
}

func (s *RegistryStore) readValue(k registry.Key) (bool, error) {
	data, _, err := k.GetIntegerValue(s.value)
	switch {
	case errors.Is(err, registry.ErrNotExist):
		return false, fmt.Errorf("read %s: %w: %w", s.value, ErrStoreUnavailable, ErrValueAbsent)
	case errors.Is(err, registry.ErrUnexpectedType):
		return false, fmt.Errorf("read %s: %w: %w", s.value, ErrStoreUnavailable, ErrValueMalformed)
	case err != nil:
		return false, unavailable("read "+s.value, err)
	}
	return data == 0, nil
}

// Write implements Store. A single DWORD set is atomic for other readers.
func (s *RegistryStore) Write(ctx context.Context, shown bool) (bool, error) {
	k, _, err := registry.CreateKey(s.root, s.path, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return false, s.writeError("open "+s.path, err)
	}
	defer k.Close()

	current, err := s.readValue(k)
	if err == nil && current == shown {
		s.logger.Debug("Registry value already matches",
			zap.String("value", s.value),
			zap.Bool("extensions_shown", shown))
		return false, nil
	}

	var data uint32 = 1
	if shown {
		data = 0
	}
	if err := k.SetDWordValue(s.value, data); err != nil {
		return false, s.writeError("set "+s.value, err)
	}

	s.logger.Info("Registry value updated",
		zap.String("key", s.path),
		zap.String("value", s.value),
		zap.Uint32("data", data))
	return true, nil
}

func (s *RegistryStore) writeError(op string, err error) error {
	if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
		return fmt.Errorf("%s: %w: %w", op, ErrPermissionDenied, err)
	}
	return unavailable(op, err)
}

// Subscribe implements Store using RegNotifyChangeKeyValue in asynchronous
// mode so that Wait can also be released by context cancellation.
func (s *RegistryStore) Subscribe(ctx context.Context) (Subscription, error) {
	k, err := registry.OpenKey(s.root, s.path, registry.NOTIFY)
	if err != nil {
		return nil, unavailable("open "+s.path, err)
	}

	changed, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		k.Close()
		return nil, unavailable("create change event", err)
	}

	filter := uint32(windows.REG_NOTIFY_CHANGE_LAST_SET | regNotifyThreadAgnostic)
	if err := windows.RegNotifyChangeKeyValue(windows.Handle(k), false, filter, changed, true); err != nil {
		windows.CloseHandle(changed)
		k.Close()
		return nil, unavailable("watch "+s.path, err)
	}

	return &registrySubscription{key: k, changed: changed}, nil
}

type registrySubscription struct {
	key     registry.Key
	changed windows.Handle
}

func (rs *registrySubscription) Wait(ctx context.Context) error {
	cancelled, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return unavailable("create cancel event", err)
	}
	defer windows.CloseHandle(cancelled)

	done := make(chan struct{})
	exited := make(chan struct{})
	defer func() {
		close(done)
		<-exited
	}()
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			windows.SetEvent(cancelled)
		case <-done:
		}
	}()

	idx, err := windows.WaitForMultipleObjects([]windows.Handle{rs.changed, cancelled}, false, windows.INFINITE)
	if err != nil {
		return unavailable("wait for change", err)
	}
	switch idx {
	case windows.WAIT_OBJECT_0:
		return nil
	case windows.WAIT_OBJECT_0 + 1:
		return ctx.Err()
	default:
		return unavailable("wait for change", fmt.Errorf("unexpected wait result %d", idx))
	}
}

func (rs *registrySubscription) Close() error {
	errEvent := windows.CloseHandle(rs.changed)
	errKey := rs.key.Close()
	return errors.Join(errEvent, errKey)
}
