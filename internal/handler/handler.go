// Package handler defines the contracts between the engine and the code
// that evaluates conditions and runs actions.
//
// Handlers are created per module instance when a rule is submitted, so a
// factory sees the instance's resolved config once and can reject it early.
// Triggers have no handler: their outputs are supplied by whoever fires.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/rulegraph/internal/ir"
)

// Invocation is everything a handler sees for one call.
type Invocation struct {
	RuleID   string
	FiringID string
	ModuleID string
	Config   ir.Object
	// Inputs holds the resolved bindings by input name. Unresolved
	// optional inputs are absent.
	Inputs map[string]ir.Value
	// Context is the firing context at the time of the call.
	Context ContextView
}

// ContextView is a read-only view of a firing context, keyed by
// "instanceID.outputName".
type ContextView interface {
	Lookup(key string) (ir.Value, bool)
	Keys() []string
}

// Condition decides whether a firing proceeds to its actions.
type Condition interface {
	IsSatisfied(ctx context.Context, inv Invocation) bool
}

// Action performs work and returns named outputs. The returned map is
// merged into the firing context under the action's instance ID.
//
// Execute must honour ctx: the engine abandons an action whose context
// expires and aborts the rest of the firing.
type Action interface {
	Execute(ctx context.Context, inv Invocation) (map[string]ir.Value, error)
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(ctx context.Context, inv Invocation) bool

// IsSatisfied implements Condition.
func (f ConditionFunc) IsSatisfied(ctx context.Context, inv Invocation) bool {
	return f(ctx, inv)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, inv Invocation) (map[string]ir.Value, error)

// Execute implements Action.
func (f ActionFunc) Execute(ctx context.Context, inv Invocation) (map[string]ir.Value, error) {
	return f(ctx, inv)
}

// ConditionFactory builds a condition for one module instance.
type ConditionFactory func(config ir.Object) (Condition, error)

// ActionFactory builds an action for one module instance.
type ActionFactory func(config ir.Object) (Action, error)

// ErrNoHandler is returned when no factory is registered for a type.
var ErrNoHandler = errors.New("no handler registered")

// Registry maps module type UIDs to handler factories.
// Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	conditions map[string]ConditionFactory
	actions    map[string]ActionFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conditions: make(map[string]ConditionFactory),
		actions:    make(map[string]ActionFactory),
	}
}

// RegisterCondition sets the factory for a condition type, replacing any
// previous one.
func (r *Registry) RegisterCondition(typeUID string, f ConditionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[typeUID] = f
}

// RegisterAction sets the factory for an action type, replacing any
// previous one.
func (r *Registry) RegisterAction(typeUID string, f ActionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[typeUID] = f
}

// Condition is a convenience for registering a stateless condition.
func (r *Registry) Condition(typeUID string, c Condition) {
	r.RegisterCondition(typeUID, func(ir.Object) (Condition, error) { return c, nil })
}

// Action is a convenience for registering a stateless action.
func (r *Registry) Action(typeUID string, a Action) {
	r.RegisterAction(typeUID, func(ir.Object) (Action, error) { return a, nil })
}

// NewCondition builds the condition for an instance of typeUID.
// Returns an error wrapping ErrNoHandler when nothing is registered.
func (r *Registry) NewCondition(typeUID string, config ir.Object) (Condition, error) {
	r.mu.RLock()
	f, ok := r.conditions[typeUID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("condition %q: %w", typeUID, ErrNoHandler)
	}
	c, err := f(config)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("condition %q: factory returned nil", typeUID)
	}
	return c, nil
}

// NewAction builds the action for an instance of typeUID.
// Returns an error wrapping ErrNoHandler when nothing is registered.
func (r *Registry) NewAction(typeUID string, config ir.Object) (Action, error) {
	r.mu.RLock()
	f, ok := r.actions[typeUID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("action %q: %w", typeUID, ErrNoHandler)
	}
	a, err := f(config)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("action %q: factory returned nil", typeUID)
	}
	return a, nil
}

// Types returns every registered type UID, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conditions)+len(r.actions))
	for k := range r.conditions {
		out = append(out, k)
	}
	for k := range r.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
