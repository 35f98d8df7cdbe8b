//go:build !windows

package flagstore

import (
	"errors"

	"go.uber.org/zap"
)

func openRegistry(opts Options, logger *zap.Logger) (Store, error) {
	return nil, errors.New("registry backend is only supported on Windows")
}
