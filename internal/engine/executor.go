package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/roach88/rulegraph/internal/handler"
	"github.com/roach88/rulegraph/internal/ir"
)

// State is a rule's execution state.
type State string

const (
	StateIdle   State = "idle"
	StateFiring State = "firing"
)

// installed is one immutable version of a rule: its graph plus the
// handlers bound to its nodes, index-aligned with the graph's lists.
type installed struct {
	graph      *ir.RuleGraph
	conditions []handler.Condition
	actions    []handler.Action
}

// ruleRuntime is the per-rule executor state.
type ruleRuntime struct {
	id       string
	snapshot atomic.Pointer[installed]
	queue    *firingQueue
	firing   atomic.Bool
	dropCode atomic.Value // RuntimeErrorCode used for firings dropped after stop
}

func newRuleRuntime(id string, inst *installed) *ruleRuntime {
	rt := &ruleRuntime{id: id, queue: newFiringQueue()}
	rt.snapshot.Store(inst)
	return rt
}

func (rt *ruleRuntime) current() *installed {
	return rt.snapshot.Load()
}

func (rt *ruleRuntime) swap(inst *installed) {
	rt.snapshot.Store(inst)
}

func (rt *ruleRuntime) state() State {
	if rt.firing.Load() {
		return StateFiring
	}
	return StateIdle
}

// stop closes the queue. Firings still queued are dropped with code.
func (rt *ruleRuntime) stop(code RuntimeErrorCode) {
	rt.dropCode.CompareAndSwap(nil, code)
	rt.queue.Close()
}

func (rt *ruleRuntime) stopCode() RuntimeErrorCode {
	if c, ok := rt.dropCode.Load().(RuntimeErrorCode); ok {
		return c
	}
	return ErrCodeEngineClosed
}

// runRule is the executor loop of one rule. It exits once the queue is
// closed and drained.
//
// ERROR HANDLING: a failed firing is logged and recorded, and the loop
// continues with the next one.
func (e *Engine) runRule(rt *ruleRuntime) {
	defer e.wg.Done()
	e.logger.Debug("executor starting", "rule_id", rt.id)

	for {
		f, ok := rt.queue.TryDequeue()
		if ok {
			e.metrics.SetQueueDepth(rt.id, rt.queue.Len())
			if rt.queue.Closed() {
				e.drop(rt, f)
				continue
			}
			inst := rt.current()
			rt.firing.Store(true)
			res := e.execute(e.ctx, inst, f)
			rt.firing.Store(false)
			e.complete(f, res)
			continue
		}

		select {
		case <-e.ctx.Done():
			for _, f := range rt.queue.Drain() {
				e.drop(rt, f)
			}
			return
		case <-rt.queue.Wait():
			// The signal channel is closed with the queue, which makes
			// this case fire immediately from then on.
			if rt.queue.Closed() && rt.queue.Len() == 0 {
				e.logger.Debug("executor stopping", "rule_id", rt.id)
				return
			}
		}
	}
}

func (e *Engine) drop(rt *ruleRuntime, f *Firing) {
	now := e.now()
	code := rt.stopCode()
	res := FiringResult{
		FiringID:   f.ID,
		RuleID:     f.RuleID,
		TriggerID:  f.TriggerID,
		Seq:        f.Seq,
		Trigger:    f.outputs,
		Outcome:    OutcomeDropped,
		Executed:   []string{},
		Context:    ir.Object{},
		StartedAt:  now,
		FinishedAt: now,
		Err: &RuntimeError{
			Code:     code,
			Message:  "firing dropped before it started",
			RuleID:   f.RuleID,
			FiringID: f.ID,
		},
	}
	if inst := rt.current(); inst != nil {
		res.RuleVersion = inst.graph.Version
		res.GraphHash = inst.graph.Hash
	}
	e.complete(f, res)
}

// complete records, measures and publishes a result.
func (e *Engine) complete(f *Firing, res FiringResult) {
	e.metrics.ObserveFiring(res.RuleID, res.Outcome, res.FinishedAt.Sub(res.StartedAt))

	attrs := []any{
		"rule_id", res.RuleID,
		"firing_id", res.FiringID,
		"trigger_id", res.TriggerID,
		"outcome", res.Outcome,
		"executed", len(res.Executed),
	}
	if res.Err != nil {
		attrs = append(attrs, "code", res.Err.Code, "module_id", res.Err.ModuleID, "error", res.Err.Message)
		e.logger.Warn("firing finished", attrs...)
	} else {
		e.logger.Info("firing finished", attrs...)
	}

	if e.recorder != nil {
		if err := e.recorder.RecordFiring(context.WithoutCancel(e.ctx), res); err != nil {
			e.logger.Error("record firing failed", "rule_id", res.RuleID, "firing_id", res.FiringID, "error", err)
		}
	}
	f.finish(res)
}

// execute runs one firing against inst:
//  1. Seed a fresh context with the trigger outputs
//  2. Evaluate conditions in order; any false or unresolvable one ends the firing
//  3. Run actions in order, merging each one's outputs into the context
func (e *Engine) execute(ctx context.Context, inst *installed, f *Firing) FiringResult {
	g := inst.graph
	res := FiringResult{
		FiringID:    f.ID,
		RuleID:      f.RuleID,
		RuleVersion: g.Version,
		GraphHash:   g.Hash,
		TriggerID:   f.TriggerID,
		Seq:         f.Seq,
		Trigger:     f.outputs,
		Executed:    []string{},
		StartedAt:   e.now(),
	}

	fctx := make(firingContext)
	finish := func(o Outcome, err *RuntimeError) FiringResult {
		res.Outcome = o
		res.Err = err
		res.Context = ir.Object(fctx).Clone()
		res.FinishedAt = e.now()
		return res
	}

	if _, ok := g.Trigger(f.TriggerID); !ok {
		// The rule was redefined without this trigger after Fire queued it.
		err := NewUnknownTriggerError(f.RuleID, f.TriggerID)
		err.FiringID = f.ID
		return finish(OutcomeFailed, err)
	}
	fctx.merge(f.TriggerID, f.outputs)

	for i, n := range g.Conditions {
		inputs, missing := fctx.resolve(n.Bindings, true)
		if missing != nil {
			e.logger.Debug("condition input unresolved",
				"rule_id", f.RuleID, "firing_id", f.ID, "module_id", n.ID, "key", missing.Key())
			return finish(OutcomeNotSatisfied, nil)
		}
		ok, err := e.evalCondition(ctx, inst.conditions[i], e.invocation(f, n, inputs, fctx))
		if err != nil {
			return finish(OutcomeFailed, err)
		}
		if !ok {
			return finish(OutcomeNotSatisfied, nil)
		}
	}

	for i, n := range g.Actions {
		inputs, missing := fctx.resolve(n.Bindings, false)
		if missing != nil {
			return finish(OutcomeFailed, &RuntimeError{
				Code:     ErrCodeUnresolvedInput,
				Message:  fmt.Sprintf("required input %s has no value for %s", missing.Input, missing.Key()),
				RuleID:   f.RuleID,
				FiringID: f.ID,
				ModuleID: n.ID,
				Details:  map[string]string{"input": missing.Input, "key": missing.Key()},
			})
		}

		start := e.now()
		out, err := e.runAction(ctx, inst.actions[i], e.invocation(f, n, inputs, fctx))
		elapsed := e.now().Sub(start)
		e.metrics.ObserveAction(f.RuleID, n.ID, elapsed)

		run := ActionRun{ModuleID: n.ID, Inputs: ir.Object(inputs), Duration: elapsed}
		if err != nil {
			run.Error = err.Error()
			res.Actions = append(res.Actions, run)
			if err.Code == ErrCodeActionTimeout {
				return finish(OutcomeTimedOut, err)
			}
			return finish(OutcomeFailed, err)
		}
		run.Outputs = ir.Object(out)
		res.Actions = append(res.Actions, run)

		fctx.merge(n.ID, out)
		res.Executed = append(res.Executed, n.ID)
	}

	return finish(OutcomeCompleted, nil)
}

func (e *Engine) invocation(f *Firing, n ir.Node, inputs map[string]ir.Value, fctx firingContext) handler.Invocation {
	return handler.Invocation{
		RuleID:   f.RuleID,
		FiringID: f.ID,
		ModuleID: n.ID,
		Config:   n.Config,
		Inputs:   inputs,
		Context:  fctx,
	}
}

func (e *Engine) evalCondition(ctx context.Context, c handler.Condition, inv handler.Invocation) (ok bool, rerr *RuntimeError) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
			rerr = panicError(inv, p)
		}
	}()
	return c.IsSatisfied(ctx, inv), nil
}

type actionReply struct {
	out      map[string]ir.Value
	err      error
	panicked any
}

// runAction executes a under the action timeout. The handler runs on its
// own goroutine so an action that ignores its context cannot stall the
// executor past the timeout.
func (e *Engine) runAction(ctx context.Context, a handler.Action, inv handler.Invocation) (map[string]ir.Value, *RuntimeError) {
	actx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	defer cancel()

	ch := make(chan actionReply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- actionReply{panicked: p}
			}
		}()
		out, err := a.Execute(actx, inv)
		ch <- actionReply{out: out, err: err}
	}()

	select {
	case r := <-ch:
		switch {
		case r.panicked != nil:
			return nil, panicError(inv, r.panicked)
		case r.err == nil:
			return r.out, nil
		case ctx.Err() != nil:
			return nil, e.abandoned(inv, r.err)
		case errors.Is(r.err, context.DeadlineExceeded) && errors.Is(actx.Err(), context.DeadlineExceeded):
			return nil, e.timedOut(inv)
		default:
			return nil, &RuntimeError{
				Code:     ErrCodeActionFailed,
				Message:  "action returned an error",
				RuleID:   inv.RuleID,
				FiringID: inv.FiringID,
				ModuleID: inv.ModuleID,
				Err:      r.err,
			}
		}
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, e.abandoned(inv, ctx.Err())
		}
		return nil, e.timedOut(inv)
	}
}

func (e *Engine) timedOut(inv handler.Invocation) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeActionTimeout,
		Message:  fmt.Sprintf("action exceeded %s", e.actionTimeout),
		RuleID:   inv.RuleID,
		FiringID: inv.FiringID,
		ModuleID: inv.ModuleID,
		Details:  map[string]string{"timeout": e.actionTimeout.String()},
	}
}

func (e *Engine) abandoned(inv handler.Invocation, err error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeEngineClosed,
		Message:  "engine shut down during action",
		RuleID:   inv.RuleID,
		FiringID: inv.FiringID,
		ModuleID: inv.ModuleID,
		Err:      err,
	}
}

func panicError(inv handler.Invocation, p any) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeHandlerPanic,
		Message:  fmt.Sprintf("handler panicked: %v", p),
		RuleID:   inv.RuleID,
		FiringID: inv.FiringID,
		ModuleID: inv.ModuleID,
	}
}
