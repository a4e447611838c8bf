package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rulegraph/internal/catalog"
	"github.com/roach88/rulegraph/internal/ir"
)

// Definitions is everything compiled from one CUE instance.
type Definitions struct {
	Types     []ir.ModuleType
	Templates []ir.Template
	Rules     []ir.Rule
}

// Snapshot returns the compiled types and templates as a catalog snapshot.
func (d *Definitions) Snapshot() *catalog.Snapshot {
	return catalog.NewSnapshot(d.Types, d.Templates...)
}

// CompileDefinitions compiles the top-level "type", "template" and "rule"
// blocks of v. Each block is a struct keyed by UID. All three are optional.
func CompileDefinitions(v cue.Value) (*Definitions, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	defs := &Definitions{}

	if err := eachField(v, "type", func(uid string, fv cue.Value) error {
		t, err := CompileModuleType(uid, fv)
		if err != nil {
			return err
		}
		defs.Types = append(defs.Types, *t)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachField(v, "template", func(uid string, fv cue.Value) error {
		t, err := CompileTemplate(uid, fv)
		if err != nil {
			return err
		}
		defs.Templates = append(defs.Templates, *t)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachField(v, "rule", func(uid string, fv cue.Value) error {
		r, err := CompileRule(uid, fv)
		if err != nil {
			return err
		}
		defs.Rules = append(defs.Rules, *r)
		return nil
	}); err != nil {
		return nil, err
	}
	return defs, nil
}

func eachField(v cue.Value, path string, fn func(string, cue.Value) error) error {
	block := v.LookupPath(cue.ParsePath(path))
	if !block.Exists() {
		return nil
	}
	iter, err := block.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		if err := fn(iter.Selector().Unquoted(), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

// CompileModuleType compiles one module type definition.
//
//	type: "core.compare": {
//	    kind: "condition"
//	    inputs: [{name: "value", type: "Number", required: true}]
//	    config: [{name: "op", type: "String", default: ">"}]
//	}
func CompileModuleType(uid string, v cue.Value) (*ir.ModuleType, error) {
	mt := &ir.ModuleType{UID: uid}
	field := "type." + uid

	kind, err := requiredString(v, "kind", field)
	if err != nil {
		return nil, err
	}
	mt.Kind = ir.ModuleKind(kind)
	if !mt.Kind.Valid() {
		return nil, &CompileError{
			Field:   field + ".kind",
			Message: fmt.Sprintf("kind %q must be trigger, condition or action", kind),
			Pos:     v.LookupPath(cue.ParsePath("kind")).Pos(),
		}
	}
	if mt.Label, err = optionalString(v, "label"); err != nil {
		return nil, err
	}

	if err := eachElem(v, "inputs", func(i int, ev cue.Value) error {
		f := fmt.Sprintf("%s.inputs[%d]", field, i)
		name, err := requiredString(ev, "name", f)
		if err != nil {
			return err
		}
		typ, err := requiredString(ev, "type", f)
		if err != nil {
			return err
		}
		req, err := optionalBool(ev, "required")
		if err != nil {
			return err
		}
		mt.Inputs = append(mt.Inputs, ir.Input{Name: name, Type: typ, Required: req})
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachElem(v, "outputs", func(i int, ev cue.Value) error {
		f := fmt.Sprintf("%s.outputs[%d]", field, i)
		name, err := requiredString(ev, "name", f)
		if err != nil {
			return err
		}
		typ, err := requiredString(ev, "type", f)
		if err != nil {
			return err
		}
		out := ir.Output{Name: name, Type: typ}
		from, err := optionalString(ev, "from")
		if err != nil {
			return err
		}
		if from != "" {
			ref, err := ir.ParsePortRef(from)
			if err != nil {
				return &CompileError{Field: f + ".from", Message: err.Error(), Pos: ev.Pos()}
			}
			out.From = &ref
		}
		mt.Outputs = append(mt.Outputs, out)
		return nil
	}); err != nil {
		return nil, err
	}

	if mt.Config, err = compileConfigDescriptions(v, "config", field); err != nil {
		return nil, err
	}

	if err := eachElem(v, "children", func(i int, ev cue.Value) error {
		m, err := compileInstance(ev, fmt.Sprintf("%s.children[%d]", field, i))
		if err != nil {
			return err
		}
		mt.Children = append(mt.Children, m)
		return nil
	}); err != nil {
		return nil, err
	}
	return mt, nil
}

// CompileTemplate compiles one rule template.
func CompileTemplate(uid string, v cue.Value) (*ir.Template, error) {
	field := "template." + uid
	t := &ir.Template{UID: uid}
	var err error
	if t.Description, err = optionalString(v, "description"); err != nil {
		return nil, err
	}
	if t.Params, err = compileConfigDescriptions(v, "params", field); err != nil {
		return nil, err
	}
	if t.Triggers, err = compileInstances(v, "triggers", field); err != nil {
		return nil, err
	}
	if t.Conditions, err = compileInstances(v, "conditions", field); err != nil {
		return nil, err
	}
	if t.Actions, err = compileInstances(v, "actions", field); err != nil {
		return nil, err
	}
	return t, nil
}

// CompileRule compiles one rule. A rule either lists its own modules or
// names a template and supplies parameter values in config.
func CompileRule(uid string, v cue.Value) (*ir.Rule, error) {
	field := "rule." + uid
	r := &ir.Rule{UID: uid}
	var err error
	if r.Name, err = optionalString(v, "name"); err != nil {
		return nil, err
	}
	if r.Description, err = optionalString(v, "description"); err != nil {
		return nil, err
	}
	if r.Template, err = optionalString(v, "template"); err != nil {
		return nil, err
	}
	if r.Params, err = compileConfigDescriptions(v, "params", field); err != nil {
		return nil, err
	}
	if r.Config, err = optionalObject(v, "config", field); err != nil {
		return nil, err
	}
	if r.Triggers, err = compileInstances(v, "triggers", field); err != nil {
		return nil, err
	}
	if r.Conditions, err = compileInstances(v, "conditions", field); err != nil {
		return nil, err
	}
	if r.Actions, err = compileInstances(v, "actions", field); err != nil {
		return nil, err
	}

	if r.Template != "" && len(r.Triggers)+len(r.Conditions)+len(r.Actions) > 0 {
		return nil, &CompileError{
			Field:   field,
			Message: "a rule naming a template cannot list its own modules",
			Pos:     v.Pos(),
		}
	}
	return r, nil
}

func compileInstances(v cue.Value, path, field string) ([]ir.ModuleInstance, error) {
	var out []ir.ModuleInstance
	err := eachElem(v, path, func(i int, ev cue.Value) error {
		m, err := compileInstance(ev, fmt.Sprintf("%s.%s[%d]", field, path, i))
		if err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// compileInstance reads {id, type, label?, config?, inputs?}. Inputs map an
// input name to either "module.output" or {module: ..., output: ...}.
func compileInstance(v cue.Value, field string) (ir.ModuleInstance, error) {
	var m ir.ModuleInstance
	var err error
	if m.ID, err = requiredString(v, "id", field); err != nil {
		return m, err
	}
	if m.Type, err = requiredString(v, "type", field); err != nil {
		return m, err
	}
	if m.Label, err = optionalString(v, "label"); err != nil {
		return m, err
	}
	if m.Config, err = optionalObject(v, "config", field); err != nil {
		return m, err
	}

	inputs := v.LookupPath(cue.ParsePath("inputs"))
	if !inputs.Exists() {
		return m, nil
	}
	iter, err := inputs.Fields()
	if err != nil {
		return m, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		iv := iter.Value()
		conn := ir.Connection{Input: name}
		switch iv.Kind() {
		case cue.StringKind:
			s, err := iv.String()
			if err != nil {
				return m, formatCUEError(err)
			}
			conn.Source = s
		case cue.StructKind:
			f := field + ".inputs." + name
			if conn.Source, err = requiredString(iv, "module", f); err != nil {
				return m, err
			}
			if conn.Output, err = requiredString(iv, "output", f); err != nil {
				return m, err
			}
		default:
			return m, &CompileError{
				Field:   field + ".inputs." + name,
				Message: "connection must be \"module.output\" or {module, output}",
				Pos:     iv.Pos(),
			}
		}
		m.Inputs = append(m.Inputs, conn)
	}
	return m, nil
}

func compileConfigDescriptions(v cue.Value, path, field string) ([]ir.ConfigDescription, error) {
	var out []ir.ConfigDescription
	err := eachElem(v, path, func(i int, ev cue.Value) error {
		f := fmt.Sprintf("%s.%s[%d]", field, path, i)
		var d ir.ConfigDescription
		var err error
		if d.Name, err = requiredString(ev, "name", f); err != nil {
			return err
		}
		if d.Type, err = requiredString(ev, "type", f); err != nil {
			return err
		}
		if d.Required, err = optionalBool(ev, "required"); err != nil {
			return err
		}
		if d.ReadOnly, err = optionalBool(ev, "read_only"); err != nil {
			return err
		}
		if dv := ev.LookupPath(cue.ParsePath("default")); dv.Exists() {
			if d.Default, err = decodeValue(dv); err != nil {
				return err
			}
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

func eachElem(v cue.Value, path string, fn func(int, cue.Value) error) error {
	lv := v.LookupPath(cue.ParsePath(path))
	if !lv.Exists() {
		return nil
	}
	iter, err := lv.List()
	if err != nil {
		return formatCUEError(err)
	}
	for i := 0; iter.Next(); i++ {
		if err := fn(i, iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func requiredString(v cue.Value, path, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(path))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   field + "." + path,
			Message: path + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, path string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(path))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalBool(v cue.Value, path string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(path))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func optionalObject(v cue.Value, path, field string) (ir.Object, error) {
	fv := v.LookupPath(cue.ParsePath(path))
	if !fv.Exists() {
		return nil, nil
	}
	val, err := decodeValue(fv)
	if err != nil {
		return nil, err
	}
	obj, ok := val.(ir.Object)
	if !ok {
		return nil, &CompileError{
			Field:   field + "." + path,
			Message: fmt.Sprintf("must be a struct, got %s", ir.TypeTag(val)),
			Pos:     fv.Pos(),
		}
	}
	return obj, nil
}

// decodeValue converts a concrete CUE value through its JSON form, which
// keeps the integer/float distinction CUE already makes.
func decodeValue(v cue.Value) (ir.Value, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	return ir.DecodeJSON(data)
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Report the first error that carries a position.
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
