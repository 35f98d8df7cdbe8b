//go:build unix

package shell

import (
	"errors"
	"fmt"
	"syscall"
)

func terminate(pid int32) error {
	err := syscall.Kill(int(pid), syscall.SIGTERM)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH):
		return fmt.Errorf("%w: %w", ErrProcessNotFound, err)
	case errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	default:
		return err
	}
}
