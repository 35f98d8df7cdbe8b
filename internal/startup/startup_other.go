//go:build !windows

package startup

import "go.uber.org/zap"

// Registration is unavailable on this platform; every call returns
// ErrUnsupported.
type Registration struct {
	logger *zap.Logger
}

// NewRegistration creates a registration manager
func NewRegistration(logger *zap.Logger) *Registration {
	return &Registration{logger: logger}
}

// IsEnabled always fails with ErrUnsupported
func (r *Registration) IsEnabled() (bool, error) {
	return false, ErrUnsupported
}

// Enable always fails with ErrUnsupported
func (r *Registration) Enable() (bool, error) {
	return false, ErrUnsupported
}

// Disable always fails with ErrUnsupported
func (r *Registration) Disable() (bool, error) {
	return false, ErrUnsupported
}
