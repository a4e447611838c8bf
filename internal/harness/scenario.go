package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
// A scenario installs rules from CUE definitions, fires triggers and
// checks the engine's answers step by step, then asserts on the final
// state of the engine and its history.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Definitions is inline CUE with type, template and rule blocks.
	Definitions string `yaml:"definitions,omitempty"`

	// Files lists CUE files unified with Definitions.
	// Paths are relative to the scenario file location.
	Files []string `yaml:"files,omitempty"`

	// ActionTimeout overrides the engine's action timeout.
	ActionTimeout time.Duration `yaml:"action_timeout,omitempty"`

	// QueueLimit bounds pending firings per rule. Zero means unbounded.
	QueueLimit int `yaml:"queue_limit,omitempty"`

	// Steps run in order. Each one is exactly one of submit, fire or retract.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final engine and history state.
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// dir is the directory of the scenario file, used for Files.
	dir string
}

// Step is one operation against the engine.
type Step struct {
	// Submit names a rule from the definitions to install.
	Submit string `yaml:"submit,omitempty"`

	// Fire names the rule to fire. Trigger and Outputs complete the request.
	Fire    string         `yaml:"fire,omitempty"`
	Trigger string         `yaml:"trigger,omitempty"`
	Outputs map[string]any `yaml:"outputs,omitempty"`

	// Retract names the rule to remove.
	Retract string `yaml:"retract,omitempty"`

	// Expect validates the step's result. Nil means no validation.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Op returns the step's operation name.
func (s Step) Op() string {
	switch {
	case s.Submit != "":
		return OpSubmit
	case s.Fire != "":
		return OpFire
	case s.Retract != "":
		return OpRetract
	default:
		return ""
	}
}

// Rule returns the rule the step operates on.
func (s Step) Rule() string {
	switch s.Op() {
	case OpSubmit:
		return s.Submit
	case OpFire:
		return s.Fire
	default:
		return s.Retract
	}
}

// Step operations.
const (
	OpSubmit  = "submit"
	OpFire    = "fire"
	OpRetract = "retract"
)

// Expect specifies expected step behavior. Every field is optional and
// only the fields given are checked.
type Expect struct {
	// Installed is checked for submit and retract steps. For retract it
	// means "was installed before the retract".
	Installed *bool `yaml:"installed,omitempty"`

	// Violations must match the submission's violations exactly in count.
	// Each entry is a subset match on kind, module_id and input.
	Violations []ExpectViolation `yaml:"violations,omitempty"`

	// Outcome is the firing outcome (completed, not_satisfied, failed, ...).
	Outcome string `yaml:"outcome,omitempty"`

	// Executed lists action IDs in execution order.
	Executed []string `yaml:"executed,omitempty"`

	// Context is a subset match on the final firing context.
	Context map[string]any `yaml:"context,omitempty"`

	// ErrorCode is the runtime error code of a failed firing, or the code
	// Fire itself returned.
	ErrorCode string `yaml:"error_code,omitempty"`
}

// ExpectViolation matches one violation.
type ExpectViolation struct {
	Kind     string `yaml:"kind"`
	ModuleID string `yaml:"module_id,omitempty"`
	Input    string `yaml:"input,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "installed": Rule is installed
	// - "not_installed": Rule is not installed
	// - "graph_actions": Rule's flattened action IDs, in order
	// - "binding": A flattened input reads a given source
	// - "firing_count": Recorded firings of a rule
	// - "recorded_count": Calls the test.record action received
	Type string `yaml:"type"`

	// Rule is the rule ID (all types except recorded_count).
	Rule string `yaml:"rule,omitempty"`

	// Modules is the expected action order (graph_actions).
	Modules []string `yaml:"modules,omitempty"`

	// Module and Input select a binding; Source is "module.output" (binding).
	// Module alone filters recorded_count.
	Module string `yaml:"module,omitempty"`
	Input  string `yaml:"input,omitempty"`
	Source string `yaml:"source,omitempty"`

	// Count is the expected number (firing_count, recorded_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertInstalled     = "installed"
	AssertNotInstalled  = "not_installed"
	AssertGraphActions  = "graph_actions"
	AssertBinding       = "binding"
	AssertFiringCount   = "firing_count"
	AssertRecordedCount = "recorded_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	s.dir = filepath.Dir(path)

	for _, f := range s.Files {
		if _, err := os.Stat(s.resolve(f)); err != nil {
			return nil, fmt.Errorf("invalid scenario: definitions file not found: %s", f)
		}
	}
	return s, nil
}

// ParseScenario parses scenario YAML. Relative Files resolve against the
// working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func (s *Scenario) resolve(path string) string {
	if filepath.IsAbs(path) || s.dir == "" {
		return path
	}
	return filepath.Join(s.dir, path)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Definitions == "" && len(s.Files) == 0 {
		return fmt.Errorf("definitions or files is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.ActionTimeout < 0 {
		return fmt.Errorf("action_timeout must be non-negative")
	}
	if s.QueueLimit < 0 {
		return fmt.Errorf("queue_limit must be non-negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	ops := 0
	for _, v := range []string{step.Submit, step.Fire, step.Retract} {
		if v != "" {
			ops++
		}
	}
	if ops != 1 {
		return fmt.Errorf("steps[%d]: exactly one of submit, fire or retract is required", index)
	}

	if step.Op() == OpFire {
		if step.Trigger == "" {
			return fmt.Errorf("steps[%d]: trigger is required for fire", index)
		}
	} else if step.Trigger != "" || step.Outputs != nil {
		return fmt.Errorf("steps[%d]: trigger and outputs are only valid for fire", index)
	}

	if e := step.Expect; e != nil {
		firing := e.Outcome != "" || e.Executed != nil || e.Context != nil
		if firing && step.Op() != OpFire {
			return fmt.Errorf("steps[%d].expect: outcome, executed and context are only valid for fire", index)
		}
		if len(e.Violations) > 0 && step.Op() != OpSubmit {
			return fmt.Errorf("steps[%d].expect: violations are only valid for submit", index)
		}
		for j, v := range e.Violations {
			if v.Kind == "" {
				return fmt.Errorf("steps[%d].expect.violations[%d]: kind is required", index, j)
			}
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertInstalled, AssertNotInstalled, AssertFiringCount:
		if a.Rule == "" {
			return fmt.Errorf("assertions[%d]: rule is required for %s", index, a.Type)
		}
	case AssertGraphActions:
		if a.Rule == "" {
			return fmt.Errorf("assertions[%d]: rule is required for graph_actions", index)
		}
		if a.Modules == nil {
			return fmt.Errorf("assertions[%d]: modules list is required for graph_actions", index)
		}
	case AssertBinding:
		if a.Rule == "" || a.Module == "" || a.Input == "" || a.Source == "" {
			return fmt.Errorf("assertions[%d]: rule, module, input and source are required for binding", index)
		}
	case AssertRecordedCount:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
