package compiler

import (
	"fmt"
	"regexp"

	"github.com/roach88/rulegraph/internal/catalog"
	"github.com/roach88/rulegraph/internal/ir"
)

// placeholderPattern matches a whole-string parameter reference.
var placeholderPattern = regexp.MustCompile(`^\$([A-Za-z_][A-Za-z0-9_]*)$`)

// Placeholder returns the parameter name when s is a "$name" reference.
func Placeholder(s string) (string, bool) {
	m := placeholderPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Params is one parameter scope: the values supplied by the instantiating
// rule, template instance or composite, plus the declared schema that
// provides defaults.
type Params struct {
	Values ir.Object
	Schema []ir.ConfigDescription
}

// NewParams builds a scope and rejects overrides of read-only parameters.
func NewParams(schema []ir.ConfigDescription, values ir.Object) (Params, error) {
	for _, d := range schema {
		if !d.ReadOnly {
			continue
		}
		v, ok := values[d.Name]
		if !ok {
			continue
		}
		if d.Default == nil || !ir.Equal(v, d.Default) {
			return Params{}, &ReadOnlyParameterError{Name: d.Name}
		}
	}
	return Params{Values: values, Schema: schema}, nil
}

// Lookup returns the bound value for name: the supplied value first, then
// the declared default.
func (p Params) Lookup(name string) (ir.Value, bool) {
	if v, ok := p.Values[name]; ok {
		return v, true
	}
	for _, d := range p.Schema {
		if d.Name == name && d.Default != nil {
			return d.Default, true
		}
	}
	return nil, false
}

// ResolveValue substitutes placeholders in v. Lists and objects are walked
// so nested placeholders resolve too, but a substituted value is never
// itself re-examined: "$a" bound to "$b" resolves to the literal "$b".
func ResolveValue(v ir.Value, p Params) (ir.Value, error) {
	switch val := v.(type) {
	case ir.String:
		name, ok := Placeholder(string(val))
		if !ok {
			return val, nil
		}
		bound, ok := p.Lookup(name)
		if !ok {
			return nil, &UnboundParameterError{Name: name}
		}
		return bound, nil
	case ir.List:
		out := make(ir.List, len(val))
		for i, elem := range val {
			r, err := ResolveValue(elem, p)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case ir.Object:
		out := make(ir.Object, len(val))
		for k, elem := range val {
			r, err := ResolveValue(elem, p)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveConfig resolves every entry of a module's config, collecting one
// error per failing key.
func resolveConfig(moduleID string, cfg ir.Object, p Params) (ir.Object, []error) {
	if cfg == nil {
		return nil, nil
	}
	var errs []error
	out := make(ir.Object, len(cfg))
	for _, k := range cfg.SortedKeys() {
		r, err := ResolveValue(cfg[k], p)
		if err != nil {
			errs = append(errs, annotate(err, moduleID, "config."+k))
			continue
		}
		out[k] = r
	}
	return out, errs
}

// resolveConnection resolves placeholders in a connection's source and
// output and normalizes it to split form.
func resolveConnection(moduleID string, c ir.Connection, p Params) (ir.Connection, error) {
	source, err := resolveRefPart(c.Source, p)
	if err != nil {
		return ir.Connection{}, annotate(err, moduleID, "inputs."+c.Input)
	}
	output, err := resolveRefPart(c.Output, p)
	if err != nil {
		return ir.Connection{}, annotate(err, moduleID, "inputs."+c.Input)
	}

	resolved := ir.Connection{Input: c.Input, Source: source, Output: output}
	ref, err := resolved.Ref()
	if err != nil {
		return ir.Connection{}, &InvalidReferenceError{
			ModuleID: moduleID, Input: c.Input, Reference: source, Reason: err.Error(),
		}
	}
	return ir.Connection{Input: c.Input, Source: ref.Module, Output: ref.Output}, nil
}

func resolveRefPart(s string, p Params) (string, error) {
	name, ok := Placeholder(s)
	if !ok {
		return s, nil
	}
	bound, ok := p.Lookup(name)
	if !ok {
		return "", &UnboundParameterError{Name: name}
	}
	str, ok := bound.(ir.String)
	if !ok {
		return "", fmt.Errorf("parameter $%s is %s, references need a String", name, ir.TypeTag(bound))
	}
	return string(str), nil
}

func annotate(err error, moduleID, field string) error {
	if ue, ok := err.(*UnboundParameterError); ok {
		return &UnboundParameterError{Name: ue.Name, ModuleID: moduleID, Field: field}
	}
	return fmt.Errorf("module %s %s: %w", moduleID, field, err)
}

// Instantiate turns a rule into its expandable form and parameter scope.
// A rule naming a template takes the template's module lists and schema,
// with the rule's Config supplying the parameter values.
func Instantiate(rule ir.Rule, templates catalog.TemplateResolver) (ir.Rule, Params, error) {
	if rule.Template == "" {
		p, err := NewParams(rule.Params, rule.Config)
		return rule, p, err
	}

	var tpl ir.Template
	ok := false
	if templates != nil {
		tpl, ok = templates.ResolveTemplate(rule.Template)
	}
	if !ok {
		return ir.Rule{}, Params{}, &UnknownTemplateError{RuleID: rule.UID, TemplateUID: rule.Template}
	}

	p, err := NewParams(tpl.Params, rule.Config)
	if err != nil {
		return ir.Rule{}, Params{}, err
	}

	out := rule
	out.Template = ""
	out.Params = tpl.Params
	out.Triggers = tpl.Triggers
	out.Conditions = tpl.Conditions
	out.Actions = tpl.Actions
	if out.Description == "" {
		out.Description = tpl.Description
	}
	return out, p, nil
}
