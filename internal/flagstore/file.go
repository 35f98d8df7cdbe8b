package flagstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// fileState is the on-disk representation used by FileStore
type fileState struct {
	ExtensionsShown *bool `json:"extensions_shown"`
}

// FileStore keeps the flag in a small JSON document. It lets the monitor run
// against a plain file where the Windows registry is not available.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore creates a store backed by the JSON file at path
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger,
	}
}

// Read implements Store.
func (s *FileStore) Read(ctx context.Context) (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("read %s: %w: %w", s.path, ErrStoreUnavailable, ErrValueAbsent)
		}
		return false, unavailable("read "+s.path, err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return false, fmt.Errorf("parse %s: %w: %w", s.path, ErrStoreUnavailable, ErrValueMalformed)
	}
	if state.ExtensionsShown == nil {
		return false, fmt.Errorf("read %s: %w: %w", s.path, ErrStoreUnavailable, ErrValueAbsent)
	}
	return *state.ExtensionsShown, nil
}

// Write implements Store. The document is written to a temporary file and
// renamed into place so readers never observe a partial value.
func (s *FileStore) Write(ctx context.Context, shown bool) (bool, error) {
	if current, err := s.Read(ctx); err == nil && current == shown {
		return false, nil
	}

	data, err := json.MarshalIndent(fileState{ExtensionsShown: &shown}, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return false, s.writeError("create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, s.writeError("write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return false, s.writeError("close temp file", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return false, s.writeError("replace "+s.path, err)
	}

	s.logger.Info("Flag file updated",
		zap.String("path", s.path),
		zap.Bool("extensions_shown", shown))
	return true, nil
}

func (s *FileStore) writeError(op string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%s: %w: %w", op, ErrPermissionDenied, err)
	}
	return unavailable(op, err)
}

// Subscribe implements Store. The parent directory is watched because the
// file itself is replaced on every write.
func (s *FileStore) Subscribe(ctx context.Context) (Subscription, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, unavailable("create watcher", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return nil, unavailable("watch "+filepath.Dir(s.path), err)
	}
	return &fileSubscription{watcher: w, name: filepath.Clean(s.path)}, nil
}

type fileSubscription struct {
	watcher *fsnotify.Watcher
	name    string
}

func (sub *fileSubscription) Wait(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.watcher.Events:
			if !ok {
				return unavailable("wait for change", errors.New("watcher closed"))
			}
			if filepath.Clean(ev.Name) != sub.name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				return nil
			}
		case err, ok := <-sub.watcher.Errors:
			if !ok {
				return unavailable("wait for change", errors.New("watcher closed"))
			}
			return unavailable("wait for change", err)
		}
	}
}

func (sub *fileSubscription) Close() error {
	return sub.watcher.Close()
}
