package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/rulegraph/internal/catalog"
	"github.com/roach88/rulegraph/internal/compiler"
	"github.com/roach88/rulegraph/internal/handler"
	"github.com/roach88/rulegraph/internal/ir"
)

// DefaultActionTimeout bounds each action invocation.
const DefaultActionTimeout = 30 * time.Second

// Engine installs rules and fires them.
//
// Each installed rule owns one executor goroutine draining a FIFO queue,
// so firings of one rule never overlap while different rules run
// concurrently.
//
// Thread-safety model:
//   - Submit, Fire, Retract and the accessors are safe from any goroutine
//   - The registry lock is never held while a handler runs
//   - A firing runs on the graph snapshot current when it was dequeued
type Engine struct {
	types    compiler.Resolver
	handlers *handler.Registry

	ids       IDGenerator
	seq       *Sequence
	now       func() time.Time
	logger    *slog.Logger
	recorder  Recorder
	listeners []Listener
	metrics   Metrics

	actionTimeout time.Duration
	queueLimit    int
	maxDepth      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	rules    map[string]*ruleRuntime
	versions map[string]int64 // last version issued per rule ID, survives retract
	closed   bool
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithActionTimeout sets the per-action timeout. Non-positive values are ignored.
func WithActionTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.actionTimeout = d
		}
	}
}

// WithQueueLimit bounds pending firings per rule. Fire returns a
// QUEUE_FULL error beyond the limit. Zero means unbounded.
func WithQueueLimit(n int) EngineOption {
	return func(e *Engine) {
		e.queueLimit = n
	}
}

// WithMaxExpansionDepth overrides the composite nesting limit.
func WithMaxExpansionDepth(n int) EngineOption {
	return func(e *Engine) {
		e.maxDepth = n
	}
}

// WithRecorder attaches a history recorder.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithListener adds a lifecycle listener. May be given more than once.
func WithListener(l Listener) EngineOption {
	return func(e *Engine) {
		e.listeners = append(e.listeners, l)
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithIDGenerator sets the firing ID generator (default UUIDv7Generator).
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithSequence sets the firing sequence, e.g. resumed from history.
func WithSequence(s *Sequence) EngineOption {
	return func(e *Engine) {
		e.seq = s
	}
}

// WithTimeSource replaces time.Now for firing timestamps.
func WithTimeSource(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an engine resolving types and templates through types and
// building handlers from handlers.
//
// When types can produce a catalog.Snapshot, each Submit builds against a
// snapshot so concurrent registrations never change a rule mid-build.
func New(types compiler.Resolver, handlers *handler.Registry, opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		types:         types,
		handlers:      handlers,
		ids:           UUIDv7Generator{},
		seq:           NewSequence(),
		now:           time.Now,
		logger:        slog.Default(),
		metrics:       nopMetrics{},
		actionTimeout: DefaultActionTimeout,
		ctx:           ctx,
		cancel:        cancel,
		rules:         make(map[string]*ruleRuntime),
		versions:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.handlers == nil {
		e.handlers = handler.NewRegistry()
	}
	return e
}

type snapshotter interface {
	Snapshot() *catalog.Snapshot
}

func (e *Engine) resolver() compiler.Resolver {
	if s, ok := e.types.(snapshotter); ok {
		return s.Snapshot()
	}
	return e.types
}

// Submit builds def and installs it. It returns the installed graph, or
// the complete list of violations and installs nothing.
//
// Submitting an installed rule ID redefines it: the graph snapshot is
// swapped atomically and the version incremented. A firing already running
// finishes on the old snapshot. Resubmitting an identical definition
// returns the installed graph unchanged.
func (e *Engine) Submit(def ir.Rule) (*ir.RuleGraph, []compiler.Violation) {
	types := e.resolver()
	x := compiler.NewExpander(types)
	if e.maxDepth > 0 {
		x.MaxDepth = e.maxDepth
	}

	g, vs := compiler.BuildWith(x, def, types)
	var inst *installed
	if len(vs) == 0 {
		inst, vs = e.bind(g)
	}
	if len(vs) > 0 {
		e.metrics.CountSubmission(SubmitRejected)
		e.logger.Warn("rule rejected", "rule_id", def.UID, "violations", len(vs))
		return nil, vs
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, []compiler.Violation{compiler.NewViolation(compiler.InvalidRule, "", "", "engine is closed")}
	}

	result := SubmitInstalled
	rt, exists := e.rules[def.UID]
	if exists {
		cur := rt.current()
		if cur.graph.Hash == g.Hash {
			e.mu.Unlock()
			e.metrics.CountSubmission(SubmitUnchanged)
			e.logger.Debug("rule unchanged", "rule_id", def.UID, "version", cur.graph.Version)
			return cur.graph, nil
		}
		result = SubmitUpdated
	}

	version := e.versions[def.UID] + 1
	e.versions[def.UID] = version
	inst.graph = g.WithVersion(version)

	if exists {
		rt.swap(inst)
	} else {
		rt = newRuleRuntime(def.UID, inst)
		e.rules[def.UID] = rt
		e.wg.Add(1)
		go e.runRule(rt)
	}
	installedCount := len(e.rules)
	e.mu.Unlock()

	e.metrics.CountSubmission(result)
	e.metrics.SetRulesInstalled(installedCount)
	e.logger.Info("rule "+result,
		"rule_id", def.UID,
		"version", inst.graph.Version,
		"hash", inst.graph.Hash,
	)

	if e.recorder != nil {
		if err := e.recorder.RecordInstall(e.ctx, inst.graph, def); err != nil {
			e.logger.Error("record install failed", "rule_id", def.UID, "error", err)
		}
	}
	for _, l := range e.listeners {
		l.RuleInstalled(inst.graph, def)
	}
	return inst.graph, nil
}

// bind creates a handler for every condition and action node.
func (e *Engine) bind(g *ir.RuleGraph) (*installed, []compiler.Violation) {
	inst := &installed{
		graph:      g,
		conditions: make([]handler.Condition, len(g.Conditions)),
		actions:    make([]handler.Action, len(g.Actions)),
	}
	var vs []compiler.Violation
	for i, n := range g.Conditions {
		c, err := e.handlers.NewCondition(n.Type, n.Config)
		if err != nil {
			vs = append(vs, handlerViolation(n, err))
			continue
		}
		inst.conditions[i] = c
	}
	for i, n := range g.Actions {
		a, err := e.handlers.NewAction(n.Type, n.Config)
		if err != nil {
			vs = append(vs, handlerViolation(n, err))
			continue
		}
		inst.actions[i] = a
	}
	return inst, vs
}

func handlerViolation(n ir.Node, err error) compiler.Violation {
	if errors.Is(err, handler.ErrNoHandler) {
		v := compiler.NewViolation(compiler.MissingHandler, n.ID, "",
			fmt.Sprintf("no %s handler registered for type %q", n.Kind, n.Type))
		v.Expected = n.Type
		return v
	}
	return compiler.NewViolation(compiler.HandlerConfig, n.ID, "", err.Error())
}

// Fire queues a firing of triggerID on ruleID, seeded with the trigger's
// outputs. It returns as soon as the firing is queued.
func (e *Engine) Fire(ruleID, triggerID string, outputs map[string]ir.Value) (*Firing, error) {
	e.mu.RLock()
	closed := e.closed
	rt, ok := e.rules[ruleID]
	e.mu.RUnlock()

	if closed {
		return nil, NewEngineClosedError(ruleID)
	}
	if !ok {
		return nil, NewRuleNotFoundError(ruleID)
	}
	if _, ok := rt.current().graph.Trigger(triggerID); !ok {
		return nil, NewUnknownTriggerError(ruleID, triggerID)
	}

	f := newFiring(e.ids.Generate(), ruleID, triggerID, e.seq.Next(), ir.Object(outputs).Clone(), e.now())
	n, ok := rt.queue.EnqueueLimit(f, e.queueLimit)
	if !ok {
		if n < 0 {
			// Retracted between the lookup and the enqueue.
			return nil, NewRuleNotFoundError(ruleID)
		}
		e.logger.Warn("firing rejected", "rule_id", ruleID, "trigger_id", triggerID, "pending", n)
		return nil, NewQueueFullError(ruleID, n, e.queueLimit)
	}
	e.metrics.SetQueueDepth(ruleID, n)
	e.logger.Debug("firing queued", "rule_id", ruleID, "trigger_id", triggerID, "firing_id", f.ID, "seq", f.Seq)
	return f, nil
}

// Retract uninstalls ruleID. A firing already running finishes; queued
// firings are dropped with RULE_RETRACTED. Returns false when the rule
// was not installed.
func (e *Engine) Retract(ruleID string) bool {
	e.mu.Lock()
	rt, ok := e.rules[ruleID]
	if ok {
		delete(e.rules, ruleID)
	}
	installedCount := len(e.rules)
	e.mu.Unlock()
	if !ok {
		return false
	}

	rt.stop(ErrCodeRuleRetracted)
	e.metrics.SetRulesInstalled(installedCount)
	e.metrics.DeleteRule(ruleID)
	e.logger.Info("rule retracted", "rule_id", ruleID)

	if e.recorder != nil {
		if err := e.recorder.RecordRetract(e.ctx, ruleID); err != nil {
			e.logger.Error("record retract failed", "rule_id", ruleID, "error", err)
		}
	}
	for _, l := range e.listeners {
		l.RuleRetracted(ruleID)
	}
	return true
}

// Rule returns the installed graph for ruleID.
func (e *Engine) Rule(ruleID string) (*ir.RuleGraph, bool) {
	e.mu.RLock()
	rt, ok := e.rules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rt.current().graph, true
}

// Rules returns every installed graph sorted by rule ID.
func (e *Engine) Rules() []*ir.RuleGraph {
	e.mu.RLock()
	out := make([]*ir.RuleGraph, 0, len(e.rules))
	for _, rt := range e.rules {
		out = append(out, rt.current().graph)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// State reports whether ruleID is idle or firing.
func (e *Engine) State(ruleID string) (State, bool) {
	e.mu.RLock()
	rt, ok := e.rules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return "", false
	}
	return rt.state(), true
}

// QueueLen returns the number of pending firings for ruleID.
func (e *Engine) QueueLen(ruleID string) int {
	e.mu.RLock()
	rt, ok := e.rules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return 0
	}
	return rt.queue.Len()
}

// Shutdown stops accepting work and drops queued firings with
// ENGINE_CLOSED. Running firings are given until ctx is done to finish;
// after that their action contexts are cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	rts := make([]*ruleRuntime, 0, len(e.rules))
	for _, rt := range e.rules {
		rts = append(rts, rt)
	}
	e.rules = make(map[string]*ruleRuntime)
	e.mu.Unlock()

	for _, rt := range rts {
		rt.stop(ErrCodeEngineClosed)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		e.cancel()
		<-done
	}
	e.cancel()
	e.metrics.SetRulesInstalled(0)
	e.logger.Info("engine stopped", "rules", len(rts))
	return err
}

// Close is Shutdown without a deadline.
func (e *Engine) Close() error {
	return e.Shutdown(context.Background())
}
