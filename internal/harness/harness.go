package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/rulegraph/internal/builtin"
	"github.com/roach88/rulegraph/internal/catalog"
	"github.com/roach88/rulegraph/internal/compiler"
	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/handler"
	"github.com/roach88/rulegraph/internal/ir"
	"github.com/roach88/rulegraph/internal/store"
	"github.com/roach88/rulegraph/internal/testutil"
)

// fireWait bounds how long a single fire step may take.
const fireWait = 10 * time.Second

// Harness is the test execution engine.
// It runs scenarios against a real engine with deterministic firing IDs
// and timestamps, recording history in an in-memory store.
type Harness struct {
	engine    *engine.Engine
	store     *store.Store
	recording *testutil.Recording
	rules     map[string]ir.Rule
	logger    *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh engine and in-memory database for
// isolation. Execution flow:
//  1. Compile the scenario's CUE definitions
//  2. Register builtin, test.record and scenario types into a new catalog
//  3. Execute steps, validating expect clauses
//  4. Evaluate assertions
//
// The returned error reports a broken scenario (bad CUE, unknown rule);
// failed expectations are reported through Result.
func Run(scenario *Scenario) (*Result, error) {
	defs, err := loadDefinitions(scenario)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cat := catalog.New()
	handlers := handler.NewRegistry()
	builtin.Register(cat, handlers, logger)
	rec := testutil.NewRecording()
	rec.Register(cat, handlers)
	for _, t := range defs.Types {
		cat.RegisterType(t)
	}
	for _, t := range defs.Templates {
		cat.RegisterTemplate(t)
	}

	clock := testutil.NewStepClock(testutil.Epoch, time.Millisecond)
	opts := []engine.EngineOption{
		engine.WithRecorder(st),
		engine.WithIDGenerator(testutil.NewSequentialIDs("firing")),
		engine.WithTimeSource(clock.Now),
		engine.WithLogger(logger),
		engine.WithQueueLimit(scenario.QueueLimit),
	}
	if scenario.ActionTimeout > 0 {
		opts = append(opts, engine.WithActionTimeout(scenario.ActionTimeout))
	}
	eng := engine.New(cat, handlers, opts...)
	defer eng.Close()

	h := &Harness{
		engine:    eng,
		store:     st,
		recording: rec,
		rules:     make(map[string]ir.Rule, len(defs.Rules)),
		logger:    logger,
	}
	for _, r := range defs.Rules {
		h.rules[r.UID] = r
	}

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	actx := &AssertionContext{
		Engine:    eng,
		Store:     st,
		Recording: rec,
		Ctx:       ctx,
	}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// loadDefinitions compiles the scenario's inline CUE unified with its files.
func loadDefinitions(s *Scenario) (*compiler.Definitions, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString("{}")
	if s.Definitions != "" {
		v = v.Unify(ctx.CompileString(s.Definitions, cue.Filename(s.Name+".cue")))
	}
	for _, f := range s.Files {
		path := s.resolve(f)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read definitions: %w", err)
		}
		v = v.Unify(ctx.CompileBytes(data, cue.Filename(path)))
	}

	defs, err := compiler.CompileDefinitions(v)
	if err != nil {
		return nil, fmt.Errorf("failed to compile definitions: %w", err)
	}
	return defs, nil
}

func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	switch step.Op() {
	case OpSubmit:
		return h.submit(i, step, result)
	case OpFire:
		return h.fire(ctx, i, step, result)
	case OpRetract:
		h.retract(i, step, result)
		return nil
	default:
		return fmt.Errorf("no operation")
	}
}

func (h *Harness) submit(i int, step Step, result *Result) error {
	def, ok := h.rules[step.Submit]
	if !ok {
		return fmt.Errorf("rule %q is not in the definitions", step.Submit)
	}

	prev, existed := h.engine.Rule(def.UID)
	g, vs := h.engine.Submit(def)

	ev := TraceEvent{Step: i, Op: OpSubmit, Rule: def.UID}
	switch {
	case len(vs) > 0:
		ev.Result = engine.SubmitRejected
		for _, v := range vs {
			ev.Violations = append(ev.Violations, violationLine(v))
		}
	case !existed:
		ev.Result = engine.SubmitInstalled
	case prev.Version == g.Version:
		ev.Result = engine.SubmitUnchanged
	default:
		ev.Result = engine.SubmitUpdated
	}
	if g != nil {
		ev.Version = g.Version
	}
	result.AddTrace(ev)

	h.logger.Info("submit step completed", "step", i, "rule_id", def.UID, "result", ev.Result)

	e := step.Expect
	if e == nil {
		return nil
	}
	if e.Installed != nil && *e.Installed != (g != nil) {
		result.AddError(fmt.Sprintf("step %d: submit %s: expected installed=%t, got %t (%d violations)",
			i, def.UID, *e.Installed, g != nil, len(vs)))
	}
	if e.Violations != nil {
		for _, msg := range matchViolations(e.Violations, vs) {
			result.AddError(fmt.Sprintf("step %d: submit %s: %s", i, def.UID, msg))
		}
	}
	if e.ErrorCode != "" {
		result.AddError(fmt.Sprintf("step %d: error_code is not checked for submit", i))
	}
	return nil
}

func (h *Harness) fire(ctx context.Context, i int, step Step, result *Result) error {
	outputs := make(map[string]ir.Value, len(step.Outputs))
	for k, raw := range step.Outputs {
		v, err := ir.FromNative(raw)
		if err != nil {
			return fmt.Errorf("output %q: %w", k, err)
		}
		outputs[k] = v
	}

	ev := TraceEvent{Step: i, Op: OpFire, Rule: step.Fire, Trigger: step.Trigger}

	f, err := h.engine.Fire(step.Fire, step.Trigger, outputs)
	if err != nil {
		var re *engine.RuntimeError
		if !errors.As(err, &re) {
			return err
		}
		ev.ErrorCode = string(re.Code)
		result.AddTrace(ev)
		h.checkFireRejected(i, step, ev, result)
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, fireWait)
	defer cancel()
	res, err := f.Wait(wctx)
	if err != nil {
		return fmt.Errorf("firing %s did not finish: %w", f.ID, err)
	}

	ev.FiringID = res.FiringID
	ev.Seq = res.Seq
	ev.Outcome = string(res.Outcome)
	ev.Executed = res.Executed
	if native, ok := ir.ToNative(res.Context).(map[string]any); ok && len(native) > 0 {
		ev.Context = native
	}
	if res.Err != nil {
		ev.ErrorCode = string(res.Err.Code)
	}
	result.AddTrace(ev)

	h.logger.Info("fire step completed", "step", i, "rule_id", step.Fire, "firing_id", res.FiringID, "outcome", res.Outcome)

	e := step.Expect
	if e == nil {
		return nil
	}
	prefix := fmt.Sprintf("step %d: fire %s/%s", i, step.Fire, step.Trigger)
	if e.Outcome != "" && e.Outcome != ev.Outcome {
		result.AddError(fmt.Sprintf("%s: expected outcome %q, got %q", prefix, e.Outcome, ev.Outcome))
	}
	if e.Executed != nil && !slices.Equal(e.Executed, res.Executed) {
		result.AddError(fmt.Sprintf("%s: expected executed %v, got %v", prefix, e.Executed, res.Executed))
	}
	if e.ErrorCode != "" && e.ErrorCode != ev.ErrorCode {
		result.AddError(fmt.Sprintf("%s: expected error code %q, got %q", prefix, e.ErrorCode, ev.ErrorCode))
	}
	for _, msg := range matchContext(e.Context, res.Context) {
		result.AddError(fmt.Sprintf("%s: %s", prefix, msg))
	}
	return nil
}

// checkFireRejected validates the expect clause of a fire step whose Fire
// call itself failed.
func (h *Harness) checkFireRejected(i int, step Step, ev TraceEvent, result *Result) {
	prefix := fmt.Sprintf("step %d: fire %s/%s", i, step.Fire, step.Trigger)
	e := step.Expect
	if e == nil || e.ErrorCode == "" {
		result.AddError(fmt.Sprintf("%s: fire rejected with %s", prefix, ev.ErrorCode))
		return
	}
	if e.ErrorCode != ev.ErrorCode {
		result.AddError(fmt.Sprintf("%s: expected error code %q, got %q", prefix, e.ErrorCode, ev.ErrorCode))
	}
	if e.Outcome != "" {
		result.AddError(fmt.Sprintf("%s: expected outcome %q, but fire was rejected", prefix, e.Outcome))
	}
}

func (h *Harness) retract(i int, step Step, result *Result) {
	removed := h.engine.Retract(step.Retract)
	result.AddTrace(TraceEvent{Step: i, Op: OpRetract, Rule: step.Retract, Removed: &removed})

	if e := step.Expect; e != nil && e.Installed != nil && *e.Installed != removed {
		result.AddError(fmt.Sprintf("step %d: retract %s: expected installed=%t, got %t",
			i, step.Retract, *e.Installed, removed))
	}
}

// violationLine is the stable trace form of a violation: code, kind and
// location without the message.
func violationLine(v compiler.Violation) string {
	parts := []string{v.Code, string(v.Kind)}
	if v.ModuleID != "" {
		parts = append(parts, v.ModuleID)
	}
	if v.Input != "" {
		parts = append(parts, v.Input)
	}
	return strings.Join(parts, " ")
}

// matchViolations checks want against got: counts must agree, and each
// expected entry must match a distinct violation.
func matchViolations(want []ExpectViolation, got []compiler.Violation) []string {
	var errs []string
	if len(want) != len(got) {
		errs = append(errs, fmt.Sprintf("expected %d violations, got %d: %v", len(want), len(got), got))
	}

	used := make([]bool, len(got))
	for _, w := range want {
		found := false
		for j, v := range got {
			if used[j] || string(v.Kind) != w.Kind {
				continue
			}
			if w.ModuleID != "" && w.ModuleID != v.ModuleID {
				continue
			}
			if w.Input != "" && w.Input != v.Input {
				continue
			}
			used[j] = true
			found = true
			break
		}
		if !found {
			errs = append(errs, fmt.Sprintf("no %s violation for module %q input %q", w.Kind, w.ModuleID, w.Input))
		}
	}
	return errs
}

// matchContext is a subset match of want against the firing context.
func matchContext(want map[string]any, got ir.Object) []string {
	var errs []string
	for _, k := range sortedKeys(want) {
		wv, err := ir.FromNative(want[k])
		if err != nil {
			errs = append(errs, fmt.Sprintf("context %s: %v", k, err))
			continue
		}
		gv, ok := got[k]
		if !ok {
			errs = append(errs, fmt.Sprintf("context %s: missing", k))
			continue
		}
		if !ir.Equal(wv, gv) {
			errs = append(errs, fmt.Sprintf("context %s: expected %v, got %v", k, ir.ToNative(wv), ir.ToNative(gv)))
		}
	}
	return errs
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
