package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/rulegraph/internal/ir"
)

// Warning is an advisory finding. Warnings never block a rule.
type Warning struct {
	Kind    string   `json:"kind"`
	Path    []string `json:"path,omitempty"`
	Message string   `json:"message"`
	Level   string   `json:"level"`
}

// Warning kinds.
const (
	WarnCompositeCycle   = "CompositeCycle"
	WarnForwardReference = "ForwardReference"
)

// AnalyzeCompositeCycles finds composite types that contain themselves,
// directly or through other composites. Expansion of such a type always
// fails with ExpansionDepthExceededError; this reports the loop by name
// before any rule uses it.
//
// The algorithm:
//  1. Build a type -> child type graph from composite children
//  2. Find strongly connected components with Tarjan's algorithm
//  3. Report each component of size > 1, and each self-loop
func AnalyzeCompositeCycles(types []ir.ModuleType) []Warning {
	graph := make(typeGraph)
	for _, t := range types {
		if graph[t.UID] == nil {
			graph[t.UID] = []string{}
		}
		for _, c := range t.Children {
			graph[t.UID] = append(graph[t.UID], c.Type)
		}
	}

	var warnings []Warning
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || graph.hasSelfLoop(scc[0]) {
			path := graph.cyclePath(scc)
			warnings = append(warnings, Warning{
				Kind:    WarnCompositeCycle,
				Path:    path,
				Message: fmt.Sprintf("composite types contain themselves: %s", strings.Join(path, " -> ")),
				Level:   "warning",
			})
		}
	}
	sort.Slice(warnings, func(i, j int) bool { return warnings[i].Path[0] < warnings[j].Path[0] })
	return warnings
}

// ForwardReferences reports actions that read the output of an action
// declared after them. Such wiring is accepted, but the value can never be
// in the context when the reader runs: a required input fails the firing,
// an optional one is always absent.
func ForwardReferences(flat ir.Rule) []Warning {
	position := make(map[string]int, len(flat.Actions))
	for i, a := range flat.Actions {
		position[a.ID] = i
	}

	var warnings []Warning
	for i, a := range flat.Actions {
		for _, c := range a.Inputs {
			j, ok := position[c.Source]
			if !ok || j < i {
				continue
			}
			warnings = append(warnings, Warning{
				Kind:    WarnForwardReference,
				Path:    []string{a.ID, c.Source},
				Message: fmt.Sprintf("action %s input %s reads %s.%s, which runs later", a.ID, c.Input, c.Source, c.Output),
				Level:   "info",
			})
		}
	}
	return warnings
}

// typeGraph maps a type UID to the UIDs of its children's types.
type typeGraph map[string][]string

func (g typeGraph) hasSelfLoop(node string) bool {
	for _, n := range g[node] {
		if n == node {
			return true
		}
	}
	return false
}

// tarjanSCC returns strongly connected components. Nodes are visited in
// sorted order so results are deterministic.
func tarjanSCC(graph typeGraph) [][]string {
	var (
		index   int
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sort.Strings(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

// cyclePath walks edges inside the component from its first member until
// it returns to the start.
func (g typeGraph) cyclePath(scc []string) []string {
	start := scc[0]
	if len(scc) == 1 {
		return []string{start, start}
	}
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}

	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, n := range g[current] {
			if members[n] && (!visited[n] || n == start) {
				next = n
				break
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		current = next
	}
}
