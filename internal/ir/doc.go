// Package ir holds the data model shared by every other package: module
// types, module instances, connections, rules, templates, values and the
// flattened RuleGraph.
//
// ir imports nothing internal, so compiler, engine and store can all
// depend on it without cycles.
//
// Conventions:
//   - JSON tags use snake_case
//   - Object iteration goes through SortedKeys for determinism
//   - RuleGraph values are immutable once built
package ir
