package source

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/rulegraph/internal/builtin"
	"github.com/roach88/rulegraph/internal/ir"
)

// Filesystem fires a core.file trigger on changes under a path. A
// directory path watches its direct entries.
type Filesystem struct {
	ruleID    string
	triggerID string
	path      string
	onOps     map[string]bool
	ignore    []string
	debounce  time.Duration
	watcher   *fsnotify.Watcher
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewFilesystem creates a filesystem source for cfg.
func NewFilesystem(ruleID, triggerID string, cfg builtin.FileConfig, logger *slog.Logger) (*Filesystem, error) {
	if logger == nil {
		logger = slog.Default()
	}
	onOps := make(map[string]bool, len(cfg.Events))
	for _, op := range cfg.Events {
		if _, ok := opNames[op]; !ok {
			return nil, fmt.Errorf("unknown file event %q", op)
		}
		onOps[op] = true
	}
	for _, pattern := range cfg.Ignore {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", pattern, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Filesystem{
		ruleID:    ruleID,
		triggerID: triggerID,
		path:      cfg.Path,
		onOps:     onOps,
		ignore:    cfg.Ignore,
		debounce:  cfg.Debounce,
		watcher:   watcher,
		logger:    logger,
		pending:   make(map[string]*time.Timer),
	}, nil
}

// opNames maps the names accepted in the events config to fsnotify ops.
var opNames = map[string]fsnotify.Op{
	"create": fsnotify.Create,
	"write":  fsnotify.Write,
	"remove": fsnotify.Remove,
	"rename": fsnotify.Rename,
	"chmod":  fsnotify.Chmod,
}

func (f *Filesystem) RuleID() string    { return f.ruleID }
func (f *Filesystem) TriggerID() string { return f.triggerID }

func (f *Filesystem) Start(ctx context.Context, events chan<- Event) error {
	if err := f.watcher.Add(f.path); err != nil {
		return fmt.Errorf("watch %s: %w", f.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return nil
			}
			f.handleEvent(ev, events)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("watch error", "rule_id", f.ruleID, "trigger_id", f.triggerID, "error", err)
		}
	}
}

// Stop cancels pending debounce timers and closes the watcher.
func (f *Filesystem) Stop() error {
	f.mu.Lock()
	for path, timer := range f.pending {
		timer.Stop()
		delete(f.pending, path)
	}
	f.mu.Unlock()

	return f.watcher.Close()
}

func (f *Filesystem) handleEvent(ev fsnotify.Event, events chan<- Event) {
	op := opName(ev.Op)
	if op == "" || !f.onOps[op] {
		return
	}

	name := filepath.Base(ev.Name)
	for _, pattern := range f.ignore {
		if matched, _ := filepath.Match(pattern, name); matched {
			return
		}
	}

	if f.debounce > 0 {
		f.debounceEvent(ev.Name, op, events)
		return
	}
	f.sendEvent(ev.Name, op, events)
}

// opName picks one name for an event. fsnotify may combine ops; the most
// significant wins.
func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	}
	return ""
}

// debounceEvent delays delivery until path has been quiet for the
// debounce period. The last op seen is the one reported.
func (f *Filesystem) debounceEvent(path, op string, events chan<- Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if timer, exists := f.pending[path]; exists {
		timer.Stop()
	}
	f.pending[path] = time.AfterFunc(f.debounce, func() {
		f.mu.Lock()
		delete(f.pending, path)
		f.mu.Unlock()
		f.sendEvent(path, op, events)
	})
}

func (f *Filesystem) sendEvent(path, op string, events chan<- Event) {
	ok := send(events, Event{
		RuleID:    f.ruleID,
		TriggerID: f.triggerID,
		Timestamp: time.Now(),
		Outputs: map[string]ir.Value{
			"path": ir.String(path),
			"op":   ir.String(op),
		},
	})
	if !ok {
		f.logger.Warn("event dropped", "rule_id", f.ruleID, "trigger_id", f.triggerID, "path", path)
	}
}
