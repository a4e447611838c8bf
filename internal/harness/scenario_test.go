package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalDefinitions = `
definitions: |
  rule: r1: {
  	triggers: [{id: "t1", type: "core.event"}]
  	actions: [{id: "a1", type: "core.echo", inputs: {value: "t1.value"}}]
  }
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, t.TempDir(), `
name: test_scenario
description: "Test scenario for validation"
action_timeout: 250ms
queue_limit: 4
`+minimalDefinitions+`
steps:
  - submit: r1
    expect:
      installed: true
  - fire: r1
    trigger: t1
    outputs: { value: 2 }
    expect:
      outcome: completed
      executed: [a1]
  - retract: r1
assertions:
  - type: not_installed
    rule: r1
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", s.Name)
	assert.Equal(t, 250*time.Millisecond, s.ActionTimeout)
	assert.Equal(t, 4, s.QueueLimit)
	require.Len(t, s.Steps, 3)
	assert.Equal(t, OpSubmit, s.Steps[0].Op())
	assert.Equal(t, OpFire, s.Steps[1].Op())
	assert.Equal(t, OpRetract, s.Steps[2].Op())
	assert.Equal(t, "r1", s.Steps[2].Rule())
	assert.Equal(t, 2, s.Steps[1].Outputs["value"])
	require.NotNil(t, s.Steps[0].Expect.Installed)
	assert.True(t, *s.Steps[0].Expect.Installed)
	assert.Len(t, s.Assertions, 1)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, t.TempDir(), `
name: typo
description: "assertion instead of assertions"
`+minimalDefinitions+`
steps:
  - submit: r1
assertion:
  - type: installed
    rule: r1
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_FilesResolveRelativeToScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "defs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "defs", "r.cue"), []byte(`rule: r1: {}`), 0o644))

	path := writeScenario(t, dir, `
name: files
description: "definitions from a file"
files: [defs/r.cue]
steps:
  - submit: r1
`)
	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "defs", "r.cue"), s.resolve("defs/r.cue"))

	path = writeScenario(t, dir, `
name: files
description: "definitions file missing"
files: [defs/missing.cue]
steps:
  - submit: r1
`)
	_, err = LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitions file not found")
}

// =============================================================================
// Validation
// =============================================================================

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: d\n" + minimalDefinitions + "steps:\n  - submit: r1\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: n\n" + minimalDefinitions + "steps:\n  - submit: r1\n",
			wantErr: "description is required",
		},
		{
			name:    "no definitions",
			content: "name: n\ndescription: d\nsteps:\n  - submit: r1\n",
			wantErr: "definitions or files is required",
		},
		{
			name:    "no steps",
			content: "name: n\ndescription: d\n" + minimalDefinitions,
			wantErr: "steps list is required",
		},
		{
			name:    "two operations",
			content: "name: n\ndescription: d\n" + minimalDefinitions + "steps:\n  - submit: r1\n    retract: r1\n",
			wantErr: "exactly one of submit, fire or retract",
		},
		{
			name:    "fire without trigger",
			content: "name: n\ndescription: d\n" + minimalDefinitions + "steps:\n  - fire: r1\n",
			wantErr: "trigger is required for fire",
		},
		{
			name:    "outputs on submit",
			content: "name: n\ndescription: d\n" + minimalDefinitions + "steps:\n  - submit: r1\n    outputs: {value: 1}\n",
			wantErr: "only valid for fire",
		},
		{
			name:    "outcome on submit",
			content: "name: n\ndescription: d\n" + minimalDefinitions + "steps:\n  - submit: r1\n    expect:\n      outcome: completed\n",
			wantErr: "outcome, executed and context are only valid for fire",
		},
		{
			name:    "violations on fire",
			content: "name: n\ndescription: d\n" + minimalDefinitions + "steps:\n  - fire: r1\n    trigger: t1\n    expect:\n      violations: [{kind: MissingConnection}]\n",
			wantErr: "violations are only valid for submit",
		},
		{
			name:    "violation without kind",
			content: "name: n\ndescription: d\n" + minimalDefinitions + "steps:\n  - submit: r1\n    expect:\n      violations: [{module_id: a1}]\n",
			wantErr: "kind is required",
		},
		{
			name:    "unknown assertion",
			content: "name: n\ndescription: d\n" + minimalDefinitions + "steps:\n  - submit: r1\nassertions:\n  - type: trace_contains\n",
			wantErr: `unknown assertion type "trace_contains"`,
		},
		{
			name:    "binding without source",
			content: "name: n\ndescription: d\n" + minimalDefinitions + "steps:\n  - submit: r1\nassertions:\n  - type: binding\n    rule: r1\n    module: a1\n    input: value\n",
			wantErr: "source are required for binding",
		},
		{
			name:    "negative count",
			content: "name: n\ndescription: d\n" + minimalDefinitions + "steps:\n  - submit: r1\nassertions:\n  - type: recorded_count\n    count: -1\n",
			wantErr: "count must be non-negative",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_TestdataScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, p := range paths {
		t.Run(filepath.Base(p), func(t *testing.T) {
			_, err := LoadScenario(p)
			require.NoError(t, err)
		})
	}
}
