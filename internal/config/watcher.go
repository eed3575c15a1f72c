package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/logging"
)

// Watcher reloads the configuration file when its content changes on disk
// and hands every successfully parsed version to the registered callbacks.
// A file that fails to parse is logged and skipped; callbacks keep the last
// good config. Events that leave the content byte-identical are ignored.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	callbacks  []func(*Config)
	mu         sync.Mutex
	debounce   time.Duration
	timer      *time.Timer
	digest     uint64
	done       chan struct{}
}

// NewWatcher creates a watcher for configPath. The current content is taken
// as already applied; callers load the initial config themselves.
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:    fsWatcher,
		loader:     NewLoader(),
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		done:       make(chan struct{}),
	}
	if data, err := os.ReadFile(configPath); err == nil {
		w.digest = xxhash.Sum64(data)
	}
	return w, nil
}

// OnChange registers a callback for config changes
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. The directory is watched rather than the file so that
// editors replacing the file by rename are still observed.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

// schedule coalesces bursts of events into a single reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.Reload() })
}

// Reload re-reads the file and notifies callbacks when it parsed and its
// content differs from the last version handed out. It reports whether the
// callbacks ran.
func (w *Watcher) Reload() bool {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		logging.Error("failed to read config, keeping current", zap.String("path", w.configPath), zap.Error(err))
		return false
	}
	digest := xxhash.Sum64(data)

	w.mu.Lock()
	unchanged := digest == w.digest
	w.mu.Unlock()
	if unchanged {
		logging.Debug("config content unchanged, skipping reload", zap.String("path", w.configPath))
		return false
	}

	cfg, err := w.loader.Parse(data)
	if err != nil {
		logging.Error("failed to reload config, keeping current", zap.String("path", w.configPath), zap.Error(err))
		return false
	}

	w.mu.Lock()
	w.digest = digest
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("configuration changed", zap.String("path", w.configPath))
	for _, cb := range callbacks {
		cb(cfg)
	}
	return true
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	close(w.done)
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}
