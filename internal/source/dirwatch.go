package source

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DirWatcher calls a function after files in a directory change and then
// stay quiet for the debounce period. Bursts of events, such as an editor
// saving several files, produce one call.
type DirWatcher struct {
	dir      string
	exts     map[string]bool
	debounce time.Duration
	onChange func()
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewDirWatcher watches dir. When exts is non-empty only files with one of
// those extensions (".cue") count as changes.
func NewDirWatcher(dir string, exts []string, debounce time.Duration, onChange func(), logger *slog.Logger) (*DirWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[e] = true
	}
	return &DirWatcher{
		dir:      dir,
		exts:     set,
		debounce: debounce,
		onChange: onChange,
		watcher:  watcher,
		logger:   logger,
	}, nil
}

// Start watches until ctx is done.
func (w *DirWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching definitions", "dir", w.dir, "debounce", w.debounce)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod || !w.relevant(ev.Name) {
				continue
			}
			w.logger.Debug("definition change", "path", ev.Name, "op", ev.Op.String())
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "dir", w.dir, "error", err)
		}
	}
}

// Stop cancels a pending call and closes the watcher.
func (w *DirWatcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *DirWatcher) relevant(path string) bool {
	return len(w.exts) == 0 || w.exts[filepath.Ext(path)]
}

func (w *DirWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		w.onChange()
	})
}
