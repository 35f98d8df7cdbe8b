//go:build windows

package startup

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/windows/registry"
)

// Registration manages the login entry for the current executable
type Registration struct {
	executable func() (string, error)
	logger     *zap.Logger
}

// NewRegistration creates a registration manager for the running executable
func NewRegistration(logger *zap.Logger) *Registration {
	return &Registration{
		executable: os.Executable,
		logger:     logger,
	}
}

// IsEnabled reports whether the login entry points at this executable
func (r *Registration) IsEnabled() (bool, error) {
	k, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.QUERY_VALUE)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", runKeyPath, err)
	}
	defer k.Close()

	registered, _, err := k.GetStringValue(ValueName)
	if errors.Is(err, registry.ErrNotExist) {
		r.logger.Debug("No startup registration found", zap.String("value", ValueName))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", ValueName, err)
	}

	exe, err := r.executable()
	if err != nil {
		return false, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return registered == exe, nil
}

// Enable registers this executable. It returns whether a change was made.
func (r *Registration) Enable() (bool, error) {
	exe, err := r.executable()
	if err != nil {
		return false, fmt.Errorf("failed to resolve executable: %w", err)
	}

	k, _, err := registry.CreateKey(registry.CURRENT_USER, runKeyPath, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", runKeyPath, err)
	}
	defer k.Close()

	if current, _, err := k.GetStringValue(ValueName); err == nil && current == exe {
		return false, nil
	}
	if err := k.SetStringValue(ValueName, exe); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", ValueName, err)
	}

	r.logger.Info("Registered to run at startup", zap.String("executable", exe))
	return true, nil
}

// Disable removes the registration if it points at this executable. It
// returns whether a change was made.
func (r *Registration) Disable() (bool, error) {
	enabled, err := r.IsEnabled()
	if err != nil {
		return false, err
	}
	if !enabled {
		r.logger.Debug("Executable already will not run at startup")
		return false, nil
	}

	k, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", runKeyPath, err)
	}
	defer k.Close()

	if err := k.DeleteValue(ValueName); err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", ValueName, err)
	}

	r.logger.Info("Removed startup registration")
	return true, nil
}
