package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Holder gives concurrent access to a configuration that can be reloaded
// from its file.
type Holder struct {
	mu       sync.RWMutex
	config   *Config
	path     string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHolder loads path and returns a holder for it.
func NewHolder(path string, logger *slog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{
		config: cfg,
		path:   absPath,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Get returns the current configuration. Callers must not modify it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Path returns the absolute path of the config file.
func (h *Holder) Path() string {
	return h.path
}

// Reload re-reads the file. On error the old configuration stays.
func (h *Holder) Reload() error {
	h.logger.Info("reloading configuration", "path", h.path)

	newCfg, err := Load(h.path)
	if err != nil {
		h.logger.Error("config reload failed, keeping old config", "error", err)
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	oldCfg := h.config
	h.config = newCfg
	callbacks := append([]func(*Config){}, h.onChange...)
	h.mu.Unlock()

	h.logChanges(oldCfg, newCfg)
	for _, fn := range callbacks {
		fn(newCfg)
	}
	return nil
}

// OnChange registers fn to run after every successful reload.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// WatchFile reloads the configuration whenever the file is written or
// replaced. The directory is watched so editors that save atomically are
// picked up.
func (h *Holder) WatchFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	h.mu.Lock()
	h.watcher = watcher
	h.mu.Unlock()

	go h.watchLoop(watcher)
	h.logger.Info("watching config file for changes", "path", h.path)
	return nil
}

// Stop ends file watching.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.watcher != nil {
			h.watcher.Close()
		}
	})
}

func (h *Holder) watchLoop(w *fsnotify.Watcher) {
	filename := filepath.Base(h.path)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filename {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				h.logger.Debug("config file changed", "event", ev.Op.String(), "file", ev.Name)
				if err := h.Reload(); err != nil {
					h.logger.Error("file watch reload failed", "error", err)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.Error("file watcher error", "error", err)
		case <-h.stopCh:
			return
		}
	}
}

func (h *Holder) logChanges(old, cur *Config) {
	if old.Log.Level != cur.Log.Level {
		h.logger.Info("log level changed", "old", old.Log.Level, "new", cur.Log.Level)
	}
	if old.Definitions != cur.Definitions {
		h.logger.Warn("definitions changed, restart to apply", "old", old.Definitions, "new", cur.Definitions)
	}
	if old.HTTP.Listen != cur.HTTP.Listen {
		h.logger.Warn("http.listen changed, restart to apply", "old", old.HTTP.Listen, "new", cur.HTTP.Listen)
	}
}
