package cli

import (
	"log/slog"

	"github.com/roach88/rulegraph/internal/builtin"
	"github.com/roach88/rulegraph/internal/catalog"
	"github.com/roach88/rulegraph/internal/compiler"
	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/handler"
	"github.com/roach88/rulegraph/internal/ir"
)

// session is the catalog, handler registry and engine a command fires
// rules through.
type session struct {
	catalog  *catalog.Catalog
	handlers *handler.Registry
	engine   *engine.Engine
}

// newSession registers the built-in modules and the types and templates of
// defs, then creates an engine over them. Rules are not submitted.
func newSession(defs *compiler.Definitions, logger *slog.Logger, opts ...engine.EngineOption) *session {
	cat := catalog.New()
	handlers := handler.NewRegistry()
	builtin.Register(cat, handlers, logger)
	registerDefinitions(cat, defs)

	opts = append([]engine.EngineOption{engine.WithLogger(logger)}, opts...)
	return &session{
		catalog:  cat,
		handlers: handlers,
		engine:   engine.New(cat, handlers, opts...),
	}
}

// registerDefinitions adds the compiled types and templates to cat. A
// definition with the UID of a built-in replaces it.
func registerDefinitions(cat *catalog.Catalog, defs *compiler.Definitions) {
	for _, t := range defs.Types {
		cat.RegisterType(t)
	}
	for _, t := range defs.Templates {
		cat.RegisterTemplate(t)
	}
}

// submitAll submits every rule of defs. The returned map holds the
// violations of rejected rules by rule UID.
func (s *session) submitAll(defs *compiler.Definitions) map[string][]compiler.Violation {
	rejected := make(map[string][]compiler.Violation)
	for _, rule := range defs.Rules {
		if _, vs := s.engine.Submit(rule); len(vs) > 0 {
			rejected[rule.UID] = vs
		}
	}
	return rejected
}

// flatten instantiates and expands rule without validating or installing
// it. Only the first expansion error is returned; Submit reports them all.
func (s *session) flatten(rule ir.Rule) (ir.Rule, error) {
	inst, params, err := compiler.Instantiate(rule, s.catalog)
	if err != nil {
		return ir.Rule{}, err
	}
	flat, errs := compiler.NewExpander(s.catalog).Expand(inst, params)
	if len(errs) > 0 {
		return ir.Rule{}, errs[0]
	}
	return flat, nil
}
