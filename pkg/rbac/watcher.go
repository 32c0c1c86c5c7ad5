package rbac

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a role seed file into a registry whenever it changes.
// A file that fails to parse leaves the previous snapshot in place.
type Watcher struct {
	path     string
	registry *Registry
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher loads path into registry and prepares to watch it.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func NewWatcher(path string, registry *Registry, logger *logrus.Logger) (*Watcher, error) {
	seed, err := LoadSeedFile(path)
	if err != nil {
		return nil, err
	}
	registry.Replace(seed)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	return &Watcher{
		path:     filepath.Clean(path),
		registry: registry,
		logger:   logger,
		watcher:  fw,
	}, nil
}

// Run processes file events until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("role seed watcher error")
		}
	}
}

func (w *Watcher) reload() {
	seed, err := LoadSeedFile(w.path)
	if err != nil {
		w.logger.WithError(err).WithField("path", w.path).Error("role seed reload rejected, keeping previous")
		return
	}
	w.registry.Replace(seed)
	w.logger.WithField("path", w.path).Info("role seed reloaded")
}
