package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/registry"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watcher owns the current permission engine and rebuilds it when the
// permissions file changes on disk. A reload that fails to parse or compile
// keeps the previous engine in place.
type Watcher struct {
	path     string
	registry *registry.Registry
	logger   *slog.Logger
	debounce time.Duration

	engine atomic.Pointer[Engine]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher loads the permissions file and builds the initial engine.
// Errors at this stage are fatal; only later reloads fall back to the
// previous engine.
func NewWatcher(path string, reg *registry.Registry, logger *slog.Logger) (*Watcher, error) {
	perms, err := config.LoadPermissions(path)
	if err != nil {
		return nil, err
	}
	engine, err := NewEngine(perms, reg)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     path,
		registry: reg,
		logger:   logger,
		debounce: defaultReloadDebounce,
	}
	w.engine.Store(engine)
	return w, nil
}

// Engine returns the current engine. Safe for concurrent use with reloads.
func (w *Watcher) Engine() *Engine {
	return w.engine.Load()
}

// Start begins watching the permissions file for changes. The parent
// directory is watched rather than the file itself; editors typically
// replace files by rename, which drops a watch held on the file.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = fw
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.watchLoop(watchCtx, fw)
	return nil
}

// Close stops the watch loop and waits for it to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fw != nil {
		_ = fw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("permissions watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	perms, err := config.LoadPermissions(w.path)
	if err != nil {
		w.logger.Error("permissions reload failed, keeping previous rules", "path", w.path, "error", err)
		return
	}
	engine, err := NewEngine(perms, w.registry)
	if err != nil {
		w.logger.Error("permissions reload failed, keeping previous rules", "path", w.path, "error", err)
		return
	}
	w.engine.Store(engine)
	w.logger.Info("permissions reloaded",
		"path", w.path,
		"rules", len(perms.Rules),
		"defaults", len(perms.Defaults))
}
