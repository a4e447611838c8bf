package harness

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/store"
	"github.com/roach88/rulegraph/internal/testutil"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Rule     string
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("assertion %s failed: expected %s, got %s", e.Type, e.Expected, e.Actual)
	}
	return fmt.Sprintf("assertion %s on %s failed: expected %s, got %s", e.Type, e.Rule, e.Expected, e.Actual)
}

// AssertionContext holds everything assertions inspect.
type AssertionContext struct {
	Engine    *engine.Engine
	Store     *store.Store
	Recording *testutil.Recording
	Ctx       context.Context
}

// EvaluateAssertions runs every assertion and returns one message per failure.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertInstalled:
		return assertInstalled(a, actx, true)
	case AssertNotInstalled:
		return assertInstalled(a, actx, false)
	case AssertGraphActions:
		return assertGraphActions(a, actx)
	case AssertBinding:
		return assertBinding(a, actx)
	case AssertFiringCount:
		return assertFiringCount(a, actx)
	case AssertRecordedCount:
		return assertRecordedCount(a, actx)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertInstalled(a Assertion, actx *AssertionContext, want bool) error {
	_, got := actx.Engine.Rule(a.Rule)
	if got == want {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Rule:     a.Rule,
		Expected: fmt.Sprintf("installed=%t", want),
		Actual:   fmt.Sprintf("installed=%t", got),
	}
}

// assertGraphActions compares the flattened action IDs in order.
func assertGraphActions(a Assertion, actx *AssertionContext) error {
	g, ok := actx.Engine.Rule(a.Rule)
	if !ok {
		return &AssertionError{Type: a.Type, Rule: a.Rule, Expected: "installed rule", Actual: "not installed"}
	}
	ids := make([]string, len(g.Actions))
	for i, n := range g.Actions {
		ids[i] = n.ID
	}
	if slices.Equal(ids, a.Modules) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Rule:     a.Rule,
		Expected: fmt.Sprintf("%v", a.Modules),
		Actual:   fmt.Sprintf("%v", ids),
	}
}

// assertBinding checks that the flattened node's input reads Source.
func assertBinding(a Assertion, actx *AssertionContext) error {
	g, ok := actx.Engine.Rule(a.Rule)
	if !ok {
		return &AssertionError{Type: a.Type, Rule: a.Rule, Expected: "installed rule", Actual: "not installed"}
	}
	for _, n := range slices.Concat(g.Conditions, g.Actions) {
		if n.ID != a.Module {
			continue
		}
		for _, b := range n.Bindings {
			if b.Input != a.Input {
				continue
			}
			if b.Key() == a.Source {
				return nil
			}
			return &AssertionError{
				Type:     a.Type,
				Rule:     a.Rule,
				Expected: fmt.Sprintf("%s.%s <- %s", a.Module, a.Input, a.Source),
				Actual:   fmt.Sprintf("%s.%s <- %s", a.Module, a.Input, b.Key()),
			}
		}
		return &AssertionError{
			Type:     a.Type,
			Rule:     a.Rule,
			Expected: fmt.Sprintf("binding for %s.%s", a.Module, a.Input),
			Actual:   "input is unbound",
		}
	}
	return &AssertionError{
		Type:     a.Type,
		Rule:     a.Rule,
		Expected: fmt.Sprintf("module %s", a.Module),
		Actual:   "no such flattened module",
	}
}

// assertFiringCount counts the rule's firings in the history store.
func assertFiringCount(a Assertion, actx *AssertionContext) error {
	recs, err := actx.Store.ListFirings(actx.Ctx, a.Rule, 0)
	if err != nil {
		return fmt.Errorf("failed to list firings: %w", err)
	}
	if len(recs) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Rule:     a.Rule,
		Expected: fmt.Sprintf("%d firings", a.Count),
		Actual:   fmt.Sprintf("%d firings", len(recs)),
	}
}

// assertRecordedCount counts test.record calls, optionally for one module.
func assertRecordedCount(a Assertion, actx *AssertionContext) error {
	got := actx.Recording.Count(a.Module)
	if got == a.Count {
		return nil
	}
	what := "test.record calls"
	if a.Module != "" {
		what = fmt.Sprintf("test.record calls to %s", a.Module)
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%d %s", a.Count, what),
		Actual:   fmt.Sprintf("%d", got),
	}
}
