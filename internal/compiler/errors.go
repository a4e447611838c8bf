package compiler

import (
	"fmt"
	"strings"
)

// UnboundParameterError reports a $name placeholder with no supplied value
// and no declared default.
type UnboundParameterError struct {
	Name     string
	ModuleID string // instance whose config or connection referenced it
	Field    string // "config.<key>" or "inputs.<input>"
}

func (e *UnboundParameterError) Error() string {
	if e.ModuleID != "" {
		return fmt.Sprintf("unbound parameter $%s in %s of %s", e.Name, e.Field, e.ModuleID)
	}
	return fmt.Sprintf("unbound parameter $%s", e.Name)
}

// ReadOnlyParameterError reports an attempt to override a read-only
// parameter with a value other than its default.
type ReadOnlyParameterError struct {
	Name string
}

func (e *ReadOnlyParameterError) Error() string {
	return fmt.Sprintf("parameter %q is read-only", e.Name)
}

// UnknownModuleTypeError reports a module instance whose type UID is not
// in the catalog.
type UnknownModuleTypeError struct {
	ModuleID string
	TypeUID  string
}

func (e *UnknownModuleTypeError) Error() string {
	return fmt.Sprintf("module %s: unknown module type %q", e.ModuleID, e.TypeUID)
}

// UnknownTemplateError reports a rule naming a template that is not registered.
type UnknownTemplateError struct {
	RuleID      string
	TemplateUID string
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("rule %s: unknown template %q", e.RuleID, e.TemplateUID)
}

// ExpansionDepthExceededError reports composite nesting that cannot be
// expanded: either a composite type that contains itself, directly or
// through other composites (Cycle), or acyclic nesting deeper than the
// expander's limit.
type ExpansionDepthExceededError struct {
	ModuleID string
	TypeUID  string
	Limit    int
	Path     []string // composite type UIDs from the outermost inwards
	Cycle    bool
}

func (e *ExpansionDepthExceededError) Error() string {
	if e.Cycle {
		return fmt.Sprintf("module %s: composite type %s contains itself (%s)",
			e.ModuleID, e.TypeUID, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("module %s: composite expansion exceeded depth %d (%s)",
		e.ModuleID, e.Limit, strings.Join(e.Path, " -> "))
}

// InvalidReferenceError reports a connection reference that cannot be
// parsed or resolved into module.output form.
type InvalidReferenceError struct {
	ModuleID  string
	Input     string
	Reference string
	Reason    string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("module %s input %s: invalid reference %q: %s", e.ModuleID, e.Input, e.Reference, e.Reason)
}
