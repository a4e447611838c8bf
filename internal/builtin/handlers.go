package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/rulegraph/internal/handler"
	"github.com/roach88/rulegraph/internal/ir"
)

// =============================================================================
// Conditions
// =============================================================================

func compareFactory(mt ir.ModuleType) handler.ConditionFactory {
	return func(cfg ir.Object) (handler.Condition, error) {
		var c compareConfig
		if err := decode(mt, cfg, &c); err != nil {
			return nil, err
		}
		test, err := comparator(c.Op)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", mt.UID, err)
		}
		return handler.ConditionFunc(func(_ context.Context, inv handler.Invocation) bool {
			v, ok := ir.Number(inv.Inputs["value"])
			return ok && test(v, c.Operand)
		}), nil
	}
}

func comparator(op string) (func(a, b float64) bool, error) {
	switch op {
	case "gt", ">":
		return func(a, b float64) bool { return a > b }, nil
	case "gte", ">=":
		return func(a, b float64) bool { return a >= b }, nil
	case "lt", "<":
		return func(a, b float64) bool { return a < b }, nil
	case "lte", "<=":
		return func(a, b float64) bool { return a <= b }, nil
	case "eq", "==":
		return func(a, b float64) bool { return a == b }, nil
	case "ne", "!=":
		return func(a, b float64) bool { return a != b }, nil
	}
	return nil, fmt.Errorf("unknown comparison operator %q", op)
}

func matchFactory(mt ir.ModuleType) handler.ConditionFactory {
	return func(cfg ir.Object) (handler.Condition, error) {
		var c matchConfig
		if err := decode(mt, cfg, &c); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: pattern: %w", mt.UID, err)
		}
		return handler.ConditionFunc(func(_ context.Context, inv handler.Invocation) bool {
			s, ok := inv.Inputs["text"].(ir.String)
			return ok && re.MatchString(string(s))
		}), nil
	}
}

// =============================================================================
// Actions
// =============================================================================

func echo(_ context.Context, inv handler.Invocation) (map[string]ir.Value, error) {
	return map[string]ir.Value{"value": inv.Inputs["value"]}, nil
}

func add(_ context.Context, inv handler.Invocation) (map[string]ir.Value, error) {
	a, ok := ir.Number(inv.Inputs["a"])
	if !ok {
		return nil, fmt.Errorf("input a: not a number")
	}
	b, ok := ir.Number(inv.Inputs["b"])
	if !ok {
		return nil, fmt.Errorf("input b: not a number")
	}
	// Keep integers integral so canonical output stays stable.
	if ai, aok := inv.Inputs["a"].(ir.Int); aok {
		if bi, bok := inv.Inputs["b"].(ir.Int); bok {
			return map[string]ir.Value{"sum": ai + bi}, nil
		}
	}
	return map[string]ir.Value{"sum": ir.Float(a + b)}, nil
}

func formatFactory(mt ir.ModuleType) handler.ActionFactory {
	return func(cfg ir.Object) (handler.Action, error) {
		var c formatConfig
		if err := decode(mt, cfg, &c); err != nil {
			return nil, err
		}
		return handler.ActionFunc(func(_ context.Context, inv handler.Invocation) (map[string]ir.Value, error) {
			r := strings.NewReplacer(
				"{value}", render(inv.Inputs["value"]),
				"{text}", render(inv.Inputs["text"]),
				"{rule}", inv.RuleID,
				"{module}", inv.ModuleID,
				"{firing}", inv.FiringID,
			)
			return map[string]ir.Value{"text": ir.String(r.Replace(c.Format))}, nil
		}), nil
	}
}

// render formats a value for text substitution. Absent values render empty.
func render(v ir.Value) string {
	switch val := v.(type) {
	case nil, ir.Null:
		return ""
	case ir.String:
		return string(val)
	case ir.Int:
		return strconv.FormatInt(int64(val), 10)
	case ir.Float:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case ir.Bool:
		return strconv.FormatBool(bool(val))
	default:
		b, err := ir.MarshalValue(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func logFactory(mt ir.ModuleType, logger *slog.Logger) handler.ActionFactory {
	return func(cfg ir.Object) (handler.Action, error) {
		var c logConfig
		if err := decode(mt, cfg, &c); err != nil {
			return nil, err
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, fmt.Errorf("%s: level: %w", mt.UID, err)
		}
		return handler.ActionFunc(func(ctx context.Context, inv handler.Invocation) (map[string]ir.Value, error) {
			attrs := []any{"rule_id", inv.RuleID, "firing_id", inv.FiringID, "module_id", inv.ModuleID}
			if text, ok := inv.Inputs["text"]; ok {
				attrs = append(attrs, "text", render(text))
			}
			logger.Log(ctx, level, c.Message, attrs...)
			return nil, nil
		}), nil
	}
}

func delayFactory(mt ir.ModuleType) handler.ActionFactory {
	return func(cfg ir.Object) (handler.Action, error) {
		var c delayConfig
		if err := decode(mt, cfg, &c); err != nil {
			return nil, err
		}
		if c.Duration < 0 {
			return nil, fmt.Errorf("%s: duration must not be negative", mt.UID)
		}
		return handler.ActionFunc(func(ctx context.Context, _ handler.Invocation) (map[string]ir.Value, error) {
			t := time.NewTimer(c.Duration)
			defer t.Stop()
			select {
			case <-t.C:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}), nil
	}
}
