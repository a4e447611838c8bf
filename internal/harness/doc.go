// Package harness provides conformance testing for rule definitions.
//
// The harness compiles CUE definitions, drives a real engine through a
// scripted sequence of submit, fire and retract steps, and checks both the
// per-step answers and the final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	definitions: |
//	  rule: r1: {
//	    triggers: [{id: "t1", type: "core.event"}]
//	    actions: [{id: "a1", type: "core.echo", inputs: {value: "t1.value"}}]
//	  }
//	files:
//	  - defs/extra.cue
//	action_timeout: 100ms
//	steps:
//	  - submit: r1
//	    expect:
//	      installed: true
//	  - fire: r1
//	    trigger: t1
//	    outputs: { value: 3 }
//	    expect:
//	      outcome: completed
//	      executed: [a1]
//	      context: { a1.value: 3 }
//	  - retract: r1
//	assertions:
//	  - type: not_installed
//	    rule: r1
//	  - type: firing_count
//	    rule: r1
//	    count: 1
//
// # Assertion Types
//
//   - installed, not_installed: Rule presence in the engine
//   - graph_actions: Flattened action IDs in execution order
//   - binding: A flattened input reads module.output
//   - firing_count: Firings recorded in the history store
//   - recorded_count: Calls received by the test.record action
//
// # Deterministic Testing
//
// Firing IDs come from testutil.SequentialIDs ("firing-0001", ...) and
// timestamps from a testutil.StepClock, so traces are identical across
// runs and can be compared against golden files with RunWithGolden.
package harness
