package engine

import (
	"context"
	"sort"
	"time"

	"github.com/roach88/rulegraph/internal/ir"
)

// Outcome is how a firing ended.
type Outcome string

const (
	// OutcomeCompleted: every condition held and every action ran.
	OutcomeCompleted Outcome = "completed"
	// OutcomeNotSatisfied: a condition was false or could not be evaluated.
	OutcomeNotSatisfied Outcome = "not_satisfied"
	// OutcomeFailed: an action or handler failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeTimedOut: an action exceeded the action timeout.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeDropped: the firing never started.
	OutcomeDropped Outcome = "dropped"
)

// ActionRun records one action invocation within a firing.
type ActionRun struct {
	ModuleID string        `json:"module_id"`
	Inputs   ir.Object     `json:"inputs,omitempty"`
	Outputs  ir.Object     `json:"outputs,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// FiringResult is the observable outcome of one firing.
type FiringResult struct {
	FiringID    string        `json:"firing_id"`
	RuleID      string        `json:"rule_id"`
	RuleVersion int64         `json:"rule_version"`
	GraphHash   string        `json:"graph_hash,omitempty"`
	TriggerID   string        `json:"trigger_id"`
	Seq         int64         `json:"seq"`
	Trigger     ir.Object     `json:"trigger"`
	Outcome     Outcome       `json:"outcome"`
	Executed    []string      `json:"executed"`
	Actions     []ActionRun   `json:"actions,omitempty"`
	Context     ir.Object     `json:"context"`
	Err         *RuntimeError `json:"-"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Firing is a handle on one queued or running firing.
type Firing struct {
	ID        string
	RuleID    string
	TriggerID string
	Seq       int64

	outputs  ir.Object
	queuedAt time.Time
	done     chan struct{}
	result   FiringResult
}

func newFiring(id, ruleID, triggerID string, seq int64, outputs ir.Object, now time.Time) *Firing {
	return &Firing{
		ID:        id,
		RuleID:    ruleID,
		TriggerID: triggerID,
		Seq:       seq,
		outputs:   outputs,
		queuedAt:  now,
		done:      make(chan struct{}),
	}
}

// Done is closed once the firing has a result.
func (f *Firing) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the firing finishes or ctx is done.
func (f *Firing) Wait(ctx context.Context) (FiringResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return FiringResult{}, ctx.Err()
	}
}

// Result returns the result if the firing has finished.
func (f *Firing) Result() (FiringResult, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return FiringResult{}, false
	}
}

// finish publishes the result. Called exactly once by the executor.
func (f *Firing) finish(r FiringResult) {
	if r.Err != nil {
		r.Error = r.Err.Error()
	}
	f.result = r
	close(f.done)
}

// firingContext is the per-firing value map keyed by "instanceID.output".
// It is written only by the executor goroutine; handlers get it through
// the read-only ContextView methods.
type firingContext ir.Object

// Lookup implements handler.ContextView.
func (c firingContext) Lookup(key string) (ir.Value, bool) {
	v, ok := c[key]
	return v, ok
}

// Keys implements handler.ContextView.
func (c firingContext) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c firingContext) merge(moduleID string, outputs map[string]ir.Value) {
	for name, v := range outputs {
		c[moduleID+"."+name] = v
	}
}

// resolve looks up every binding and returns the first unresolved one as
// missing. When strict is false, unresolved optional inputs are omitted
// instead. Conditions resolve strictly: a binding whose source produced
// nothing in this firing leaves the condition unsatisfied.
func (c firingContext) resolve(bindings []ir.Binding, strict bool) (map[string]ir.Value, *ir.Binding) {
	inputs := make(map[string]ir.Value, len(bindings))
	for i, b := range bindings {
		v, ok := c[b.Key()]
		if !ok {
			if strict || b.Required {
				return nil, &bindings[i]
			}
			continue
		}
		inputs[b.Input] = v
	}
	return inputs, nil
}
