package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/rulegraph/internal/catalog"
	"github.com/roach88/rulegraph/internal/ir"
)

// DefaultMaxExpansionDepth bounds acyclic composite nesting. A composite
// type that contains itself is reported as soon as its UID repeats on the
// expansion path, whatever the limit.
const DefaultMaxExpansionDepth = 32

// Expander flattens composite module instances into primitives.
//
// Types is treated as read-only. Pass a catalog.Snapshot to make expansion
// a pure function of the rule and the snapshot.
type Expander struct {
	Types    catalog.TypeResolver
	MaxDepth int
}

// NewExpander returns an expander with the default depth limit.
func NewExpander(types catalog.TypeResolver) *Expander {
	return &Expander{Types: types, MaxDepth: DefaultMaxExpansionDepth}
}

// expansion carries state shared by every scope of one Expand call.
type expansion struct {
	x    *Expander
	errs []error
	// aliases maps a composite output key ("C.out") to the port that
	// actually produces it. Values may themselves be alias keys when
	// composites nest; they are chased in the final rewrite.
	aliases map[string]ir.PortRef
	// cycles holds the type cycles already reported, so sibling instances
	// of the same self-containing type add a single error.
	cycles map[string]bool
}

// scope is one level of nesting: the rule itself or one composite instance.
type scope struct {
	prefix string
	params Params
	// boundary holds the enclosing connections into the composite, keyed by
	// the composite's input name. Nil at rule level.
	boundary map[string]ir.Connection
	depth    int
	path     []string
}

// Expand flattens rule under params. The result holds only primitive
// instances, with every config value and connection resolved, and every
// connection in split Source/Output form.
//
// All errors are collected: an unknown type in one module does not stop
// the expansion of the others. When errors are returned the rule must not
// be used.
func (x *Expander) Expand(rule ir.Rule, params Params) (ir.Rule, []error) {
	e := &expansion{x: x, aliases: make(map[string]ir.PortRef), cycles: make(map[string]bool)}
	root := scope{params: params}

	out := rule
	out.Triggers = e.expandList(rule.Triggers, root)
	out.Conditions = e.expandList(rule.Conditions, root)
	out.Actions = e.expandList(rule.Actions, root)

	for _, list := range [][]ir.ModuleInstance{out.Triggers, out.Conditions, out.Actions} {
		e.rewriteAliases(list)
	}
	if len(e.errs) > 0 {
		return ir.Rule{}, e.errs
	}
	return out, nil
}

func (e *expansion) maxDepth() int {
	if e.x.MaxDepth > 0 {
		return e.x.MaxDepth
	}
	return DefaultMaxExpansionDepth
}

func (e *expansion) expandList(mods []ir.ModuleInstance, sc scope) []ir.ModuleInstance {
	if mods == nil {
		return nil
	}
	out := make([]ir.ModuleInstance, 0, len(mods))
	for _, m := range mods {
		out = append(out, e.expandModule(m, sc)...)
	}
	return out
}

func (e *expansion) expandModule(m ir.ModuleInstance, sc scope) []ir.ModuleInstance {
	id := sc.prefix + m.ID

	cfg, cfgErrs := resolveConfig(id, m.Config, sc.params)
	e.errs = append(e.errs, cfgErrs...)

	var inputs []ir.Connection
	if m.Inputs != nil {
		inputs = make([]ir.Connection, 0, len(m.Inputs))
	}
	for _, c := range m.Inputs {
		rc, err := resolveConnection(id, c, sc.params)
		if err != nil {
			e.errs = append(e.errs, err)
			continue
		}
		if rc, ok := e.rebase(rc, sc); ok {
			inputs = append(inputs, rc)
		}
	}

	mt, ok := e.x.Types.ResolveType(m.Type)
	if !ok {
		e.errs = append(e.errs, &UnknownModuleTypeError{ModuleID: id, TypeUID: m.Type})
		return nil
	}

	if !mt.IsComposite() {
		if len(cfgErrs) > 0 {
			return nil
		}
		return []ir.ModuleInstance{{ID: id, Type: m.Type, Label: m.Label, Config: cfg, Inputs: inputs}}
	}

	path := append(append([]string(nil), sc.path...), mt.UID)
	if i := slices.Index(sc.path, mt.UID); i >= 0 {
		cycle := path[i:]
		if key := strings.Join(cycle, "\x00"); !e.cycles[key] {
			e.cycles[key] = true
			e.errs = append(e.errs, &ExpansionDepthExceededError{
				ModuleID: id, TypeUID: mt.UID, Limit: e.maxDepth(), Path: cycle, Cycle: true,
			})
		}
		return nil
	}
	if sc.depth+1 > e.maxDepth() {
		e.errs = append(e.errs, &ExpansionDepthExceededError{
			ModuleID: id, TypeUID: mt.UID, Limit: e.maxDepth(), Path: path,
		})
		return nil
	}
	if len(cfgErrs) > 0 {
		// Children would only report the same unbound parameters again.
		return nil
	}

	childParams, err := NewParams(mt.Config, cfg)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("module %s: %w", id, err))
		return nil
	}

	boundary := make(map[string]ir.Connection, len(inputs))
	for _, c := range inputs {
		boundary[c.Input] = c
	}
	child := scope{
		prefix:   id + ".",
		params:   childParams,
		boundary: boundary,
		depth:    sc.depth + 1,
		path:     path,
	}
	children := e.expandList(mt.Children, child)

	for _, o := range mt.Outputs {
		if o.From == nil {
			continue
		}
		key := id + "." + o.Name
		if o.From.Module == ir.BoundaryModule {
			if c, ok := boundary[o.From.Output]; ok {
				e.aliases[key] = ir.PortRef{Module: c.Source, Output: c.Output}
			}
			continue
		}
		e.aliases[key] = ir.PortRef{Module: child.prefix + o.From.Module, Output: o.From.Output}
	}
	return children
}

// rebase maps a resolved connection into the flattened ID space. Inside a
// composite, "this.<in>" becomes whatever the enclosing rule wired to the
// composite's input, and sibling references gain the composite prefix.
// A boundary input left unwired by the enclosing rule drops the connection.
func (e *expansion) rebase(c ir.Connection, sc scope) (ir.Connection, bool) {
	if sc.boundary == nil {
		return c, true
	}
	if c.Source == ir.BoundaryModule {
		outer, ok := sc.boundary[c.Output]
		if !ok {
			return ir.Connection{}, false
		}
		return ir.Connection{Input: c.Input, Source: outer.Source, Output: outer.Output}, true
	}
	return ir.Connection{Input: c.Input, Source: sc.prefix + c.Source, Output: c.Output}, true
}

// rewriteAliases points every connection that names a composite output at
// the concrete port behind it, following chains through nested composites.
func (e *expansion) rewriteAliases(mods []ir.ModuleInstance) {
	if len(e.aliases) == 0 {
		return
	}
	for i := range mods {
		for j, c := range mods[i].Inputs {
			ref := ir.PortRef{Module: c.Source, Output: c.Output}
			resolved, ok := e.chase(ref)
			if !ok {
				e.errs = append(e.errs, &InvalidReferenceError{
					ModuleID: mods[i].ID, Input: c.Input, Reference: ref.String(),
					Reason: "composite outputs refer to each other in a loop",
				})
				continue
			}
			mods[i].Inputs[j].Source = resolved.Module
			mods[i].Inputs[j].Output = resolved.Output
		}
	}
}

func (e *expansion) chase(ref ir.PortRef) (ir.PortRef, bool) {
	for range len(e.aliases) + 1 {
		next, ok := e.aliases[ref.String()]
		if !ok {
			return ref, true
		}
		ref = next
	}
	return ref, false
}
