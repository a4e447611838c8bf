package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/rulegraph/internal/catalog"
	"github.com/roach88/rulegraph/internal/ir"
)

// Resolver is what Build needs from a catalog: types and templates.
type Resolver interface {
	catalog.TypeResolver
	catalog.TemplateResolver
}

// Build instantiates, expands and validates rule, then freezes it into a
// RuleGraph. Either a graph or a non-empty violation list is returned,
// never both.
//
// Expansion errors are all collected; connection validation runs only once
// expansion succeeded, since it needs the flattened rule.
func Build(rule ir.Rule, types Resolver) (*ir.RuleGraph, []Violation) {
	return BuildWith(NewExpander(types), rule, types)
}

// BuildWith is Build with a caller-configured expander.
func BuildWith(x *Expander, rule ir.Rule, templates catalog.TemplateResolver) (*ir.RuleGraph, []Violation) {
	if strings.TrimSpace(rule.UID) == "" {
		return nil, []Violation{NewViolation(InvalidRule, "", "", "rule uid is required")}
	}

	inst, params, err := Instantiate(rule, templates)
	if err != nil {
		return nil, []Violation{ViolationFromError(err)}
	}

	flat, errs := x.Expand(inst, params)
	if len(errs) > 0 {
		out := make([]Violation, len(errs))
		for i, e := range errs {
			out[i] = ViolationFromError(e)
		}
		return nil, out
	}

	if vs := ValidateConnections(flat, x.Types); len(vs) > 0 {
		return nil, vs
	}

	g, err := Freeze(flat, x.Types)
	if err != nil {
		return nil, []Violation{NewViolation(InvalidRule, "", "", err.Error())}
	}
	return g, nil
}

// Freeze converts a flattened, validated rule into a RuleGraph with
// precomputed bindings. Bindings follow the declared input order of each
// module's type, so every firing resolves inputs the same way.
func Freeze(flat ir.Rule, types catalog.TypeResolver) (*ir.RuleGraph, error) {
	nodes := func(mods []ir.ModuleInstance, kind ir.ModuleKind) ([]ir.Node, error) {
		out := make([]ir.Node, 0, len(mods))
		for _, m := range mods {
			mt, ok := types.ResolveType(m.Type)
			if !ok {
				return nil, fmt.Errorf("module %s: unknown module type %q", m.ID, m.Type)
			}
			n := ir.Node{ID: m.ID, Type: m.Type, Kind: kind, Config: m.Config}
			for _, in := range mt.Inputs {
				c, ok := m.Connection(in.Name)
				if !ok {
					continue
				}
				n.Bindings = append(n.Bindings, ir.Binding{
					Input: in.Name, Source: c.Source, Output: c.Output, Required: in.Required,
				})
			}
			out = append(out, n)
		}
		return out, nil
	}

	triggers, err := nodes(flat.Triggers, ir.KindTrigger)
	if err != nil {
		return nil, err
	}
	conditions, err := nodes(flat.Conditions, ir.KindCondition)
	if err != nil {
		return nil, err
	}
	actions, err := nodes(flat.Actions, ir.KindAction)
	if err != nil {
		return nil, err
	}
	return ir.NewRuleGraph(flat.UID, flat.Name, triggers, conditions, actions)
}
