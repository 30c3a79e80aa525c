package phase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/logging"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Watcher reloads a phases file whenever it changes on disk and hands valid
// definitions to onChange. An invalid edit is logged and the previous
// definitions stay in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func([]Definition)
	logger   *logging.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for path. It does nothing until Start.
func NewWatcher(path string, onChange func([]Definition), logger *logging.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: phases file path is required", ErrInvalidDefinition)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		path:     abs,
		watcher:  w,
		onChange: onChange,
		logger:   logger,
		stop:     make(chan struct{}),
	}, nil
}

// Start watches the file's directory, so that editors which replace the
// file on save are followed too.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.wg.Add(1)
	go w.processEvents(ctx)
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "phases watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	defs, err := LoadDefinitions(w.path)
	if err != nil {
		w.logger.Warn(ctx, "phases file rejected, keeping previous definitions",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info(ctx, "phases reloaded", zap.String("path", w.path), zap.Int("phases", len(defs)))
	w.onChange(defs)
}
