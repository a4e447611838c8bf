package source

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/rulegraph/internal/builtin"
	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/ir"
)

// Firer is the part of *engine.Engine the manager needs.
type Firer interface {
	Fire(ruleID, triggerID string, outputs map[string]ir.Value) (*engine.Firing, error)
}

// Factory creates the source for one trigger node. It returns nil, nil
// for trigger types it does not handle.
type Factory func(ruleID string, n ir.Node, logger *slog.Logger) (Source, error)

// BuiltinFactory handles core.cron and core.file triggers.
func BuiltinFactory(ruleID string, n ir.Node, logger *slog.Logger) (Source, error) {
	switch n.Type {
	case builtin.Cron:
		cfg, err := builtin.DecodeCron(n.Config)
		if err != nil {
			return nil, err
		}
		return NewScheduled(ruleID, n.ID, cfg, logger)
	case builtin.File:
		cfg, err := builtin.DecodeFile(n.Config)
		if err != nil {
			return nil, err
		}
		return NewFilesystem(ruleID, n.ID, cfg, logger)
	}
	return nil, nil
}

// Manager keeps one running source per source-backed trigger of every
// installed rule, and forwards their events to the engine.
//
// Manager implements engine.Listener: an install or redefinition replaces
// the rule's sources, and a retract stops them.
type Manager struct {
	firer   Firer
	factory Factory
	logger  *slog.Logger
	events  chan Event

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	rules   map[string][]*running
	wg      sync.WaitGroup
	stopped bool
}

type running struct {
	src    Source
	cancel context.CancelFunc
	done   chan struct{}
}

var _ engine.Listener = (*Manager)(nil)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFactory replaces BuiltinFactory.
func WithFactory(f Factory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

// WithLogger sets the logger used by the manager and its sources.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithBuffer sets the capacity of the event channel. Sources drop events
// when it is full.
func WithBuffer(n int) ManagerOption {
	return func(m *Manager) { m.events = make(chan Event, n) }
}

// NewManager creates a manager that fires events through f. Sources for
// rules installed before Start begin running when Start is called.
func NewManager(f Firer, opts ...ManagerOption) *Manager {
	m := &Manager{
		firer:   f,
		factory: BuiltinFactory,
		logger:  slog.Default(),
		events:  make(chan Event, 64),
		rules:   make(map[string][]*running),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the dispatch loop and every source already registered.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil || m.stopped {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.dispatch()

	for _, rs := range m.rules {
		for _, r := range rs {
			m.launch(r)
		}
	}
}

// Stop stops every source and the dispatch loop.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	var all []*running
	for id, rs := range m.rules {
		all = append(all, rs...)
		delete(m.rules, id)
	}
	cancel := m.cancel
	m.mu.Unlock()

	var errs []error
	for _, r := range all {
		errs = append(errs, m.halt(r))
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	return errors.Join(errs...)
}

// RuleInstalled replaces the sources of g's rule.
func (m *Manager) RuleInstalled(g *ir.RuleGraph, _ ir.Rule) {
	var fresh []*running
	for _, n := range g.Triggers {
		src, err := m.factory(g.RuleID, n, m.logger)
		if err != nil {
			m.logger.Error("trigger source failed", "rule_id", g.RuleID, "trigger_id", n.ID, "type", n.Type, "error", err)
			continue
		}
		if src == nil {
			continue
		}
		fresh = append(fresh, &running{src: src, done: make(chan struct{})})
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		for _, r := range fresh {
			_ = r.src.Stop()
		}
		return
	}
	old := m.rules[g.RuleID]
	if len(fresh) > 0 {
		m.rules[g.RuleID] = fresh
	} else {
		delete(m.rules, g.RuleID)
	}
	m.mu.Unlock()

	for _, r := range old {
		m.logIfErr(r, m.halt(r))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.stopped {
		return
	}
	for _, r := range fresh {
		m.launch(r)
	}
}

// RuleRetracted stops the rule's sources.
func (m *Manager) RuleRetracted(ruleID string) {
	m.mu.Lock()
	old := m.rules[ruleID]
	delete(m.rules, ruleID)
	m.mu.Unlock()

	for _, r := range old {
		m.logIfErr(r, m.halt(r))
	}
}

// Triggers returns the trigger IDs with a registered source for ruleID.
func (m *Manager) Triggers(ruleID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rules[ruleID]))
	for _, r := range m.rules[ruleID] {
		out = append(out, r.src.TriggerID())
	}
	sort.Strings(out)
	return out
}

// launch starts r. Callers hold m.mu and have checked m.ctx.
func (m *Manager) launch(r *running) {
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	r.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		m.logger.Debug("trigger source starting", "rule_id", r.src.RuleID(), "trigger_id", r.src.TriggerID())
		err := r.src.Start(ctx, m.events)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("trigger source stopped", "rule_id", r.src.RuleID(), "trigger_id", r.src.TriggerID(), "error", err)
		}
	}()
}

// halt cancels r, waits for it to return and releases it.
func (m *Manager) halt(r *running) error {
	m.mu.Lock()
	cancel := r.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-r.done
	}
	return r.src.Stop()
}

func (m *Manager) logIfErr(r *running, err error) {
	if err != nil {
		m.logger.Warn("trigger source stop failed", "rule_id", r.src.RuleID(), "trigger_id", r.src.TriggerID(), "error", err)
	}
}

func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			if _, err := m.firer.Fire(ev.RuleID, ev.TriggerID, ev.Outputs); err != nil {
				m.logger.Warn("fire failed", "rule_id", ev.RuleID, "trigger_id", ev.TriggerID, "error", err)
			}
		}
	}
}
