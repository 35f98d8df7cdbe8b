package flagstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted by Open
const (
	BackendRegistry = "registry"
	BackendFile     = "file"
)

var (
	// ErrStoreUnavailable is returned when the container holding the flag
	// cannot be opened, read, written or watched.
	ErrStoreUnavailable = errors.New("flag store unavailable")

	// ErrPermissionDenied is returned when the caller may not write the flag.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrValueAbsent accompanies ErrStoreUnavailable when the container exists
	// but the value does not.
	ErrValueAbsent = errors.New("value absent")

	// ErrValueMalformed accompanies ErrStoreUnavailable when the value has an
	// unexpected type or encoding.
	ErrValueMalformed = errors.New("value malformed")
)

// Store reads, writes and watches the "file extensions are shown" flag.
type Store interface {
	// Read returns true when file extensions are shown.
	Read(ctx context.Context) (bool, error)

	// Write persists the flag. changed is false when the stored value already
	// matched and nothing was written.
	Write(ctx context.Context, shown bool) (changed bool, err error)

	// Subscribe arms a single-shot change notification on the flag's container.
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription fires at most once. After Wait returns the caller must Close it
// and Subscribe again to observe further changes.
type Subscription interface {
	// Wait blocks until the container changes or ctx is done.
	Wait(ctx context.Context) error
	Close() error
}

// Options select and configure a Store backend
type Options struct {
	Backend     string
	RegistryKey string
	ValueName   string
	FilePath    string
}

// Open builds the Store named by opts.Backend
func Open(opts Options, logger *zap.Logger) (Store, error) {
	switch opts.Backend {
	case BackendRegistry, "":
		return openRegistry(opts, logger)
	case BackendFile:
		if opts.FilePath == "" {
			return nil, fmt.Errorf("file backend requires a file path")
		}
		return NewFileStore(opts.FilePath, logger), nil
	default:
		return nil, fmt.Errorf("unknown flag store backend %q", opts.Backend)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
