package workflow

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Logger is the logging surface the watcher needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Watcher reloads an Engine when its definition file changes. A file that
// fails to load or validate is logged and the previous graphs stay live.
type Watcher struct {
	engine   *Engine
	loader   *FileLoader
	watcher  *fsnotify.Watcher
	logger   Logger
	debounce time.Duration

	// OnReload, if set, observes every reload attempt.
	OnReload func(err error)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewWatcher creates a watcher for loader's file.
func NewWatcher(engine *Engine, loader *FileLoader, logger Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		engine:   engine,
		loader:   loader,
		watcher:  fw,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}, nil
}

// SetDebounce overrides the quiet period before a reload.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching. The directory is watched because editors often
// replace files by rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.loader.Path)); err != nil {
		return err
	}
	w.running = true
	w.logger.Info("workflow_watcher_started", "path", w.loader.Path)

	go w.loop(ctx)
	return nil
}

// Stop stops watching and releases the OS watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isDefinitionFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("workflow_file_event", "op", event.Op.String(), "file", event.Name)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("workflow_watcher_error", "error", err.Error())

		case <-w.stopCh:
			w.logger.Info("workflow_watcher_stopped")
			return

		case <-ctx.Done():
			w.logger.Info("workflow_watcher_cancelled")
			return
		}
	}
}

func (w *Watcher) isDefinitionFile(name string) bool {
	eventPath, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	target, err := filepath.Abs(w.loader.Path)
	if err != nil {
		return false
	}
	return eventPath == target
}

func (w *Watcher) reload() {
	start := time.Now()
	err := w.engine.Reload(w.loader)
	if err != nil {
		w.logger.Error("workflow_reload_failed",
			"path", w.loader.Path,
			"error", err.Error(),
		)
	} else {
		w.logger.Info("workflow_reloaded",
			"path", w.loader.Path,
			"verbs", w.engine.Verbs(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
