package ir

import (
	"fmt"
	"strings"
)

// Common type tags. Tags are compared with exact string equality; these
// constants only name the ones the builtin library uses.
const (
	TypeNumber  = "Number"
	TypeString  = "String"
	TypeBoolean = "Boolean"
	TypeList    = "List"
	TypeObject  = "Object"
)

// ModuleKind is the closed set of module kinds.
type ModuleKind string

const (
	KindTrigger   ModuleKind = "trigger"
	KindCondition ModuleKind = "condition"
	KindAction    ModuleKind = "action"
)

// Valid reports whether k is one of the three kinds.
func (k ModuleKind) Valid() bool {
	switch k {
	case KindTrigger, KindCondition, KindAction:
		return true
	}
	return false
}

// HasInputs reports whether modules of this kind consume connections.
func (k ModuleKind) HasInputs() bool {
	switch k {
	case KindCondition, KindAction:
		return true
	case KindTrigger:
		return false
	}
	return false
}

// HasOutputs reports whether modules of this kind produce context values.
func (k ModuleKind) HasOutputs() bool {
	switch k {
	case KindTrigger, KindAction:
		return true
	case KindCondition:
		return false
	}
	return false
}

// Input is a declared input port.
type Input struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// Output is a declared output port. From is only set on composite types
// and names the child output that produces the value.
type Output struct {
	Name string  `json:"name"`
	Type string  `json:"type"`
	From *PortRef `json:"from,omitempty"`
}

// PortRef addresses one output of one module instance.
type PortRef struct {
	Module string `json:"module"`
	Output string `json:"output"`
}

// String renders the ref as "module.output", the context key form.
func (r PortRef) String() string {
	return r.Module + "." + r.Output
}

// ParsePortRef splits "module.output" on the last dot. Module IDs of
// flattened composites contain dots themselves, output names never do.
func ParsePortRef(s string) (PortRef, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return PortRef{}, fmt.Errorf("invalid port reference %q: want module.output", s)
	}
	return PortRef{Module: s[:i], Output: s[i+1:]}, nil
}

// ConfigDescription declares one configuration parameter.
type ConfigDescription struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Default  Value  `json:"default,omitempty"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// ModuleType describes a capability: its kind, ports and config schema.
// A type with Children is a composite.
type ModuleType struct {
	UID      string              `json:"uid"`
	Kind     ModuleKind          `json:"kind"`
	Label    string              `json:"label,omitempty"`
	Inputs   []Input             `json:"inputs,omitempty"`
	Outputs  []Output            `json:"outputs,omitempty"`
	Config   []ConfigDescription `json:"config,omitempty"`
	Children []ModuleInstance    `json:"children,omitempty"`
}

// IsComposite reports whether the type packages child modules.
func (t ModuleType) IsComposite() bool {
	return len(t.Children) > 0
}

// Input returns the declared input with the given name.
func (t ModuleType) Input(name string) (Input, bool) {
	for _, in := range t.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}

// Output returns the declared output with the given name.
func (t ModuleType) Output(name string) (Output, bool) {
	for _, out := range t.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return Output{}, false
}

// BoundaryModule is the reserved source ID a composite's children use to
// read the composite's own inputs ("this.<input>").
const BoundaryModule = "this"

// Connection wires Input of the owning instance to Output of Source.
// Both Source and Output may hold $param placeholders. When Output is
// empty, Source carries a combined "module.output" reference.
type Connection struct {
	Input  string `json:"input"`
	Source string `json:"source"`
	Output string `json:"output,omitempty"`
}

// Ref returns the source port. It fails when a combined reference is malformed.
func (c Connection) Ref() (PortRef, error) {
	if c.Output == "" {
		return ParsePortRef(c.Source)
	}
	return PortRef{Module: c.Source, Output: c.Output}, nil
}

// ModuleInstance is one use of a ModuleType inside a rule, template or composite.
type ModuleInstance struct {
	ID     string       `json:"id"`
	Type   string       `json:"type"`
	Label  string       `json:"label,omitempty"`
	Config Object       `json:"config,omitempty"`
	Inputs []Connection `json:"inputs,omitempty"`
}

// Connection returns the connection feeding input, if any.
func (m ModuleInstance) Connection(input string) (Connection, bool) {
	for _, c := range m.Inputs {
		if c.Input == input {
			return c, true
		}
	}
	return Connection{}, false
}

// Rule is the authoring unit: triggers, conditions and actions in
// declaration order plus parameter values. A rule naming a Template takes
// its module lists from the template and binds Config as parameter values.
type Rule struct {
	UID         string              `json:"uid"`
	Name        string              `json:"name,omitempty"`
	Description string              `json:"description,omitempty"`
	Template    string              `json:"template,omitempty"`
	Params      []ConfigDescription `json:"params,omitempty"`
	Config      Object              `json:"config,omitempty"`
	Triggers    []ModuleInstance    `json:"triggers,omitempty"`
	Conditions  []ModuleInstance    `json:"conditions,omitempty"`
	Actions     []ModuleInstance    `json:"actions,omitempty"`
}

// Modules returns every instance in evaluation order: triggers, conditions, actions.
func (r Rule) Modules() []ModuleInstance {
	out := make([]ModuleInstance, 0, len(r.Triggers)+len(r.Conditions)+len(r.Actions))
	out = append(out, r.Triggers...)
	out = append(out, r.Conditions...)
	return append(out, r.Actions...)
}

// Template is a parameterized rule skeleton.
type Template struct {
	UID         string              `json:"uid"`
	Description string              `json:"description,omitempty"`
	Params      []ConfigDescription `json:"params,omitempty"`
	Triggers    []ModuleInstance    `json:"triggers,omitempty"`
	Conditions  []ModuleInstance    `json:"conditions,omitempty"`
	Actions     []ModuleInstance    `json:"actions,omitempty"`
}
