package ir

// Binding is one precomputed input lookup: the context key
// Source.Output feeds Input.
type Binding struct {
	Input    string `json:"input"`
	Source   string `json:"source"`
	Output   string `json:"output"`
	Required bool   `json:"required,omitempty"`
}

// Key returns the firing-context key this binding reads.
func (b Binding) Key() string {
	return b.Source + "." + b.Output
}

// Node is a flattened primitive module together with its bindings.
type Node struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Kind     ModuleKind `json:"kind"`
	Config   Object     `json:"config,omitempty"`
	Bindings []Binding  `json:"bindings,omitempty"`
}

// RuleGraph is the validated, flattened and immutable executable form of
// a rule. Callers must not mutate any slice or map reachable from it.
type RuleGraph struct {
	RuleID     string `json:"rule_id"`
	Name       string `json:"name,omitempty"`
	Version    int64  `json:"version"`
	Hash       string `json:"hash"`
	Triggers   []Node `json:"triggers"`
	Conditions []Node `json:"conditions"`
	Actions    []Node `json:"actions"`

	triggerIndex map[string]int
}

// NewRuleGraph freezes the given nodes into a graph and computes its hash.
// Version is assigned by the engine when the graph is installed.
func NewRuleGraph(ruleID, name string, triggers, conditions, actions []Node) (*RuleGraph, error) {
	g := &RuleGraph{
		RuleID:       ruleID,
		Name:         name,
		Triggers:     triggers,
		Conditions:   conditions,
		Actions:      actions,
		triggerIndex: make(map[string]int, len(triggers)),
	}
	for i, t := range triggers {
		g.triggerIndex[t.ID] = i
	}
	hash, err := GraphHash(g)
	if err != nil {
		return nil, err
	}
	g.Hash = hash
	return g, nil
}

// Trigger returns the trigger node with the given instance ID.
func (g *RuleGraph) Trigger(id string) (Node, bool) {
	i, ok := g.triggerIndex[id]
	if !ok {
		return Node{}, false
	}
	return g.Triggers[i], true
}

// WithVersion returns a copy of g carrying version v. The node slices are
// shared, which is safe because graphs are never mutated.
func (g *RuleGraph) WithVersion(v int64) *RuleGraph {
	cp := *g
	cp.Version = v
	return &cp
}

// Node returns any node by instance ID.
func (g *RuleGraph) Node(id string) (Node, bool) {
	for _, list := range [][]Node{g.Triggers, g.Conditions, g.Actions} {
		for _, n := range list {
			if n.ID == id {
				return n, true
			}
		}
	}
	return Node{}, false
}
