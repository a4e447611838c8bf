package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/rulegraph/internal/catalog"
	"github.com/roach88/rulegraph/internal/ir"
)

// ViolationKind names one class of definition problem.
type ViolationKind string

// Wiring violations found by ValidateConnections.
const (
	MissingConnection   ViolationKind = "MissingConnection"
	UnknownSourceModule ViolationKind = "UnknownSourceModule"
	UnknownSourceOutput ViolationKind = "UnknownSourceOutput"
	TypeMismatch        ViolationKind = "TypeMismatch"
	DuplicateModuleID   ViolationKind = "DuplicateModuleID"
	DuplicateConnection ViolationKind = "DuplicateConnection"
	UnknownInput        ViolationKind = "UnknownInput"
	KindMismatch        ViolationKind = "KindMismatch"
	UnexpandedComposite ViolationKind = "UnexpandedComposite"
)

// Expansion and submission violations, converted from typed errors.
const (
	UnknownModuleType      ViolationKind = "UnknownModuleType"
	UnboundParameter       ViolationKind = "UnboundParameter"
	ReadOnlyParameter      ViolationKind = "ReadOnlyParameter"
	ExpansionDepthExceeded ViolationKind = "ExpansionDepthExceeded"
	UnknownTemplate        ViolationKind = "UnknownTemplate"
	InvalidReference       ViolationKind = "InvalidReference"
	MissingHandler         ViolationKind = "MissingHandler"
	HandlerConfig          ViolationKind = "HandlerConfig"
	InvalidRule            ViolationKind = "InvalidRule"
)

// Violation error codes (E200-E299).
var violationCodes = map[ViolationKind]string{
	MissingConnection:      "E201",
	UnknownSourceModule:    "E202",
	UnknownSourceOutput:    "E203",
	TypeMismatch:           "E204",
	DuplicateModuleID:      "E205",
	DuplicateConnection:    "E206",
	UnknownInput:           "E207",
	KindMismatch:           "E208",
	UnexpandedComposite:    "E209",
	UnknownModuleType:      "E210",
	UnboundParameter:       "E211",
	ReadOnlyParameter:      "E212",
	ExpansionDepthExceeded: "E213",
	UnknownTemplate:        "E214",
	InvalidReference:       "E215",
	MissingHandler:         "E216",
	HandlerConfig:          "E217",
	InvalidRule:            "E218",
}

// CodeFor returns the error code of a violation kind.
func CodeFor(k ViolationKind) string {
	if c, ok := violationCodes[k]; ok {
		return c
	}
	return "E200"
}

// Violation is one definition problem. Violations are data: they are
// returned in lists, never raised one at a time.
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Code     string        `json:"code"`
	ModuleID string        `json:"module_id,omitempty"`
	Input    string        `json:"input,omitempty"`
	Source   string        `json:"source,omitempty"`
	Output   string        `json:"output,omitempty"`
	Expected string        `json:"expected,omitempty"`
	Actual   string        `json:"actual,omitempty"`
	Message  string        `json:"message"`
}

// Error implements the error interface.
func (v Violation) Error() string {
	var where []string
	if v.ModuleID != "" {
		where = append(where, v.ModuleID)
	}
	if v.Input != "" {
		where = append(where, "input "+v.Input)
	}
	if len(where) == 0 {
		return fmt.Sprintf("[%s] %s: %s", v.Code, v.Kind, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s: %s", v.Code, v.Kind, strings.Join(where, " "), v.Message)
}

func NewViolation(k ViolationKind, moduleID, input, msg string) Violation {
	return Violation{Kind: k, Code: CodeFor(k), ModuleID: moduleID, Input: input, Message: msg}
}

// ViolationFromError converts an expansion or instantiation error into
// its violation form. Unrecognized errors become InvalidRule.
func ViolationFromError(err error) Violation {
	var (
		unbound  *UnboundParameterError
		readOnly *ReadOnlyParameterError
		unknown  *UnknownModuleTypeError
		depth    *ExpansionDepthExceededError
		tpl      *UnknownTemplateError
		ref      *InvalidReferenceError
		v        Violation
	)
	switch {
	case errors.As(err, &unbound):
		out := NewViolation(UnboundParameter, unbound.ModuleID, "", err.Error())
		out.Expected = unbound.Name
		return out
	case errors.As(err, &readOnly):
		return NewViolation(ReadOnlyParameter, "", "", err.Error())
	case errors.As(err, &unknown):
		out := NewViolation(UnknownModuleType, unknown.ModuleID, "", err.Error())
		out.Expected = unknown.TypeUID
		return out
	case errors.As(err, &depth):
		return NewViolation(ExpansionDepthExceeded, depth.ModuleID, "", err.Error())
	case errors.As(err, &tpl):
		return NewViolation(UnknownTemplate, "", "", err.Error())
	case errors.As(err, &ref):
		out := NewViolation(InvalidReference, ref.ModuleID, ref.Input, err.Error())
		out.Source = ref.Reference
		return out
	case errors.As(err, &v):
		return v
	default:
		return NewViolation(InvalidRule, "", "", err.Error())
	}
}

// ValidateConnections checks a flattened rule's wiring and returns every
// violation found. An empty result means the rule is valid.
//
// Conditions are checked first, then actions, each in declaration order.
// Sources may be any trigger or any action of the rule, regardless of
// declaration order.
func ValidateConnections(rule ir.Rule, types catalog.TypeResolver) []Violation {
	var out []Violation

	seen := make(map[string]bool)
	resolved := make(map[string]ir.ModuleType)
	check := func(mods []ir.ModuleInstance, kind ir.ModuleKind) {
		for _, m := range mods {
			if seen[m.ID] {
				out = append(out, NewViolation(DuplicateModuleID, m.ID, "",
					fmt.Sprintf("module ID %q is used more than once", m.ID)))
				continue
			}
			seen[m.ID] = true

			mt, ok := types.ResolveType(m.Type)
			if !ok {
				v := NewViolation(UnknownModuleType, m.ID, "", fmt.Sprintf("unknown module type %q", m.Type))
				v.Expected = m.Type
				out = append(out, v)
				continue
			}
			if mt.Kind != kind {
				v := NewViolation(KindMismatch, m.ID, "",
					fmt.Sprintf("type %q is a %s but is listed among %ss", m.Type, mt.Kind, kind))
				v.Expected, v.Actual = string(kind), string(mt.Kind)
				out = append(out, v)
				continue
			}
			if mt.IsComposite() {
				out = append(out, NewViolation(UnexpandedComposite, m.ID, "",
					fmt.Sprintf("composite type %q must be expanded before validation", m.Type)))
				continue
			}
			resolved[m.ID] = mt
		}
	}
	check(rule.Triggers, ir.KindTrigger)
	check(rule.Conditions, ir.KindCondition)
	check(rule.Actions, ir.KindAction)

	// Sources: every trigger and every action, in any order.
	sources := make(map[string]ir.ModuleType)
	for _, m := range rule.Triggers {
		if mt, ok := resolved[m.ID]; ok {
			sources[m.ID] = mt
		}
	}
	for _, m := range rule.Actions {
		if mt, ok := resolved[m.ID]; ok {
			sources[m.ID] = mt
		}
	}
	// IDs that exist but whose type failed to resolve are still known
	// modules; their outputs just cannot be checked.
	known := func(id string) bool {
		for _, list := range [][]ir.ModuleInstance{rule.Triggers, rule.Actions} {
			for _, m := range list {
				if m.ID == id {
					return true
				}
			}
		}
		return false
	}

	for _, m := range rule.Triggers {
		for _, c := range m.Inputs {
			out = append(out, NewViolation(UnknownInput, m.ID, c.Input, "triggers take no inputs"))
		}
	}
	for _, list := range [][]ir.ModuleInstance{rule.Conditions, rule.Actions} {
		for _, m := range list {
			mt, ok := resolved[m.ID]
			if !ok {
				continue
			}
			out = append(out, validateModule(m, mt, sources, known)...)
		}
	}
	return out
}

func validateModule(m ir.ModuleInstance, mt ir.ModuleType, sources map[string]ir.ModuleType, known func(string) bool) []Violation {
	var out []Violation

	conns := make(map[string]ir.Connection, len(m.Inputs))
	for _, c := range m.Inputs {
		if _, dup := conns[c.Input]; dup {
			out = append(out, NewViolation(DuplicateConnection, m.ID, c.Input,
				"input is wired by more than one connection"))
			continue
		}
		conns[c.Input] = c
		if _, declared := mt.Input(c.Input); !declared {
			out = append(out, NewViolation(UnknownInput, m.ID, c.Input,
				fmt.Sprintf("type %q declares no input %q", mt.UID, c.Input)))
		}
	}

	for _, in := range mt.Inputs {
		c, ok := conns[in.Name]
		if !ok {
			if in.Required {
				out = append(out, NewViolation(MissingConnection, m.ID, in.Name,
					"required input has no connection"))
			}
			continue
		}

		src, ok := sources[c.Source]
		if !ok {
			if known(c.Source) {
				// The source exists but its type is unresolved; that
				// problem is already reported against the source.
				continue
			}
			v := NewViolation(UnknownSourceModule, m.ID, in.Name,
				fmt.Sprintf("source module %q is not a trigger or action of this rule", c.Source))
			v.Source = c.Source
			out = append(out, v)
			continue
		}

		o, ok := src.Output(c.Output)
		if !ok {
			v := NewViolation(UnknownSourceOutput, m.ID, in.Name,
				fmt.Sprintf("module %q (type %q) has no output %q", c.Source, src.UID, c.Output))
			v.Source, v.Output = c.Source, c.Output
			out = append(out, v)
			continue
		}

		if o.Type != in.Type {
			v := NewViolation(TypeMismatch, m.ID, in.Name,
				fmt.Sprintf("input expects %s but %s.%s produces %s", in.Type, c.Source, c.Output, o.Type))
			v.Source, v.Output = c.Source, c.Output
			v.Expected, v.Actual = in.Type, o.Type
			out = append(out, v)
		}
	}
	return out
}

// Type definition error codes (E100-E199).
const (
	ErrTypeUIDEmpty          = "E101"
	ErrTypeInvalidKind       = "E102"
	ErrTypeDuplicatePort     = "E103"
	ErrTypePortNotAllowed    = "E104"
	ErrTypeEmptyTag          = "E105"
	ErrTypeCompositeOutput   = "E106"
	ErrTypeDuplicateChild    = "E107"
	ErrTypeDuplicateParam    = "E108"
	ErrTypeOutputWithoutFrom = "E109"
)

// ValidationError is a structural problem in a module type definition.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidateType checks a module type definition on its own.
// Returns all errors found (does not fail fast).
func ValidateType(mt ir.ModuleType) []ValidationError {
	var errs []ValidationError
	field := func(f string) string { return "type." + mt.UID + "." + f }

	if strings.TrimSpace(mt.UID) == "" {
		errs = append(errs, ValidationError{Field: "type", Message: "uid is required", Code: ErrTypeUIDEmpty})
	}
	if !mt.Kind.Valid() {
		errs = append(errs, ValidationError{
			Field:   field("kind"),
			Message: fmt.Sprintf("kind %q must be trigger, condition or action", mt.Kind),
			Code:    ErrTypeInvalidKind,
		})
	}
	if len(mt.Inputs) > 0 && mt.Kind.Valid() && !mt.Kind.HasInputs() {
		errs = append(errs, ValidationError{Field: field("inputs"), Message: "triggers cannot declare inputs", Code: ErrTypePortNotAllowed})
	}
	if len(mt.Outputs) > 0 && mt.Kind.Valid() && !mt.Kind.HasOutputs() {
		errs = append(errs, ValidationError{Field: field("outputs"), Message: "conditions cannot declare outputs", Code: ErrTypePortNotAllowed})
	}

	names := make(map[string]bool)
	for i, in := range mt.Inputs {
		f := field(fmt.Sprintf("inputs[%d]", i))
		if names["in:"+in.Name] {
			errs = append(errs, ValidationError{Field: f, Message: fmt.Sprintf("duplicate input %q", in.Name), Code: ErrTypeDuplicatePort})
		}
		names["in:"+in.Name] = true
		if in.Type == "" {
			errs = append(errs, ValidationError{Field: f, Message: fmt.Sprintf("input %q has no type tag", in.Name), Code: ErrTypeEmptyTag})
		}
	}
	for i, o := range mt.Outputs {
		f := field(fmt.Sprintf("outputs[%d]", i))
		if names["out:"+o.Name] {
			errs = append(errs, ValidationError{Field: f, Message: fmt.Sprintf("duplicate output %q", o.Name), Code: ErrTypeDuplicatePort})
		}
		names["out:"+o.Name] = true
		if o.Type == "" {
			errs = append(errs, ValidationError{Field: f, Message: fmt.Sprintf("output %q has no type tag", o.Name), Code: ErrTypeEmptyTag})
		}
		if o.From != nil && !mt.IsComposite() {
			errs = append(errs, ValidationError{Field: f, Message: "only composite outputs may name a source", Code: ErrTypeCompositeOutput})
		}
		if o.From == nil && mt.IsComposite() {
			errs = append(errs, ValidationError{Field: f, Message: fmt.Sprintf("composite output %q must name the child output it exposes", o.Name), Code: ErrTypeOutputWithoutFrom})
		}
	}

	params := make(map[string]bool)
	for i, d := range mt.Config {
		if params[d.Name] {
			errs = append(errs, ValidationError{
				Field:   field(fmt.Sprintf("config[%d]", i)),
				Message: fmt.Sprintf("duplicate config parameter %q", d.Name),
				Code:    ErrTypeDuplicateParam,
			})
		}
		params[d.Name] = true
	}

	children := make(map[string]bool)
	for i, c := range mt.Children {
		if children[c.ID] || c.ID == ir.BoundaryModule {
			errs = append(errs, ValidationError{
				Field:   field(fmt.Sprintf("children[%d]", i)),
				Message: fmt.Sprintf("child ID %q is duplicated or reserved", c.ID),
				Code:    ErrTypeDuplicateChild,
			})
		}
		children[c.ID] = true
	}
	return errs
}
