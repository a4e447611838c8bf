package cli

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/rulegraph/internal/builtin"
	"github.com/roach88/rulegraph/internal/catalog"
	"github.com/roach88/rulegraph/internal/compiler"
	"github.com/roach88/rulegraph/internal/engine"
)

// ReloadObserver records reload outcomes. Implemented by metrics.Collector.
type ReloadObserver interface {
	ObserveReload(err error)
}

// ReloadReport summarises one reload of the definitions directory.
type ReloadReport struct {
	Submitted []string                        `json:"submitted"`
	Rejected  map[string][]compiler.Violation `json:"rejected,omitempty"`
	Retracted []string                        `json:"retracted,omitempty"`
}

// Reloader applies the definitions directory to a running engine.
//
// Each Reload registers the directory's types and templates, submits every
// rule, and retracts the rules that disappeared since the previous load.
// A rule rejected on reload keeps its previously installed version.
type Reloader struct {
	dir      string
	catalog  *catalog.Catalog
	engine   *engine.Engine
	observer ReloadObserver
	logger   *slog.Logger

	mu    sync.Mutex
	types map[string]bool // type UIDs registered from the directory
	rules map[string]bool // rule UIDs defined at the last load
}

// NewReloader creates a reloader for dir. observer may be nil.
func NewReloader(dir string, cat *catalog.Catalog, e *engine.Engine, observer ReloadObserver, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		dir:      dir,
		catalog:  cat,
		engine:   e,
		observer: observer,
		logger:   logger,
		types:    map[string]bool{},
		rules:    map[string]bool{},
	}
}

// Reload loads the directory and applies it. A load error leaves the
// engine untouched.
func (r *Reloader) Reload() (ReloadReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	loadResult, err := LoadDefinitions(r.dir)
	if err != nil {
		r.logger.Error("definitions reload failed, keeping installed rules", "dir", r.dir, "error", err)
		r.observe(err)
		return ReloadReport{}, err
	}
	defs := loadResult.Definitions

	types := make(map[string]bool, len(defs.Types))
	for _, t := range defs.Types {
		types[t.UID] = true
	}
	for uid := range r.types {
		if !types[uid] {
			r.removeType(uid)
		}
	}
	registerDefinitions(r.catalog, defs)
	r.types = types

	report := ReloadReport{Submitted: []string{}, Rejected: map[string][]compiler.Violation{}}
	rules := make(map[string]bool, len(defs.Rules))
	for _, rule := range selectRules(defs.Rules, "") {
		rules[rule.UID] = true
		if _, vs := r.engine.Submit(rule); len(vs) > 0 {
			report.Rejected[rule.UID] = vs
			for _, v := range vs {
				r.logger.Warn("rule violation", "rule_id", rule.UID, "code", v.Code, "violation", v.Error())
			}
			continue
		}
		report.Submitted = append(report.Submitted, rule.UID)
	}

	for uid := range r.rules {
		if !rules[uid] && r.engine.Retract(uid) {
			report.Retracted = append(report.Retracted, uid)
		}
	}
	sort.Strings(report.Retracted)
	r.rules = rules

	r.logger.Info("definitions loaded",
		"dir", r.dir,
		"submitted", len(report.Submitted),
		"rejected", len(report.Rejected),
		"retracted", len(report.Retracted),
	)
	r.observe(nil)
	return report, nil
}

// removeType drops a type that vanished from the directory. A built-in
// the directory had overridden comes back.
func (r *Reloader) removeType(uid string) {
	r.catalog.RemoveType(uid)
	for _, mt := range builtin.Types() {
		if mt.UID == uid {
			r.catalog.RegisterType(mt)
		}
	}
	r.logger.Info("module type removed", "type", uid)
}

func (r *Reloader) observe(err error) {
	if r.observer != nil {
		r.observer.ObserveReload(err)
	}
}
