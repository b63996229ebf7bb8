package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/utils"
)

// A Watcher re-reads a config file whenever it changes on disk and delivers every version that
// still validates.
type Watcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	configs   chan *Config
	logger    logging.Logger
	workers   utils.StoppableWorkers

	last []byte
}

// NewWatcher starts watching the file at path. The directory is watched rather than the file so
// editors that replace the file on save are still seen.
func NewWatcher(path string, logger logging.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %q", path)
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "watching %q", absPath), fsWatcher.Close())
	}

	//nolint:gosec
	last, _ := os.ReadFile(absPath)
	w := &Watcher{
		path:      absPath,
		fsWatcher: fsWatcher,
		configs:   make(chan *Config),
		logger:    logger,
		last:      last,
	}
	w.workers = utils.NewStoppableWorkers(w.watch)
	return w, nil
}

// Config returns a channel of newly read configs.
func (w *Watcher) Config() <-chan *Config {
	return w.configs
}

func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watcher error", "error", err)
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg := w.reread(ctx)
			if cfg == nil {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case w.configs <- cfg:
			}
		}
	}
}

// reread returns nil when the contents did not change or do not make a valid config.
func (w *Watcher) reread(ctx context.Context) *Config {
	//nolint:gosec
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Debugw("config file not readable", "path", w.path, "error", err)
		return nil
	}
	if bytes.Equal(data, w.last) {
		return nil
	}
	cfg, err := FromReader(ctx, w.path, bytes.NewReader(data), w.logger)
	if err != nil {
		w.logger.Warnw("ignoring invalid config change", "path", w.path, "error", err)
		return nil
	}
	w.last = data
	w.logger.Infow("config file changed", "path", w.path)
	return cfg
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.workers.Stop()
	return w.fsWatcher.Close()
}
