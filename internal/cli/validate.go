package cli

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/rulegraph/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool                       `json:"valid"`
	Rules      []RuleValidation           `json:"rules"`
	TypeErrors []compiler.ValidationError `json:"type_errors,omitempty"`
	Warnings   []compiler.Warning         `json:"warnings,omitempty"`
}

// RuleValidation is the outcome of building one rule.
type RuleValidation struct {
	RuleID     string               `json:"rule_id"`
	Valid      bool                 `json:"valid"`
	Hash       string               `json:"hash,omitempty"`
	Violations []compiler.Violation `json:"violations,omitempty"`
	Warnings   []compiler.Warning   `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate definitions and build every rule",
		Long: `Load the CUE definitions in a directory and build every rule.

Reports all violations of every rule, structural errors in module types,
composite types that contain themselves, and actions that read outputs of
later actions.

Exit codes:
  0 - All rules valid
  1 - One or more violations
  2 - Command error (invalid paths, malformed CUE, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	loadResult, err := LoadDefinitions(dir)
	if err != nil {
		return formatter.loadFailure(err)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, dir)

	result := validateDefinitions(loadResult.Definitions, opts.Logger())

	if formatter.JSON() {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		writeValidationText(formatter.Writer, result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

// validateDefinitions runs every check against defs. Rules are submitted
// to a throwaway engine, so handler violations are reported too.
func validateDefinitions(defs *compiler.Definitions, logger *slog.Logger) ValidationResult {
	s := newSession(defs, logger)
	defer s.engine.Close()

	result := ValidationResult{Valid: true, Rules: []RuleValidation{}}

	for _, t := range defs.Types {
		result.TypeErrors = append(result.TypeErrors, compiler.ValidateType(t)...)
	}
	result.Warnings = compiler.AnalyzeCompositeCycles(s.catalog.Snapshot().Types())

	rules := append(defs.Rules[:0:0], defs.Rules...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].UID < rules[j].UID })

	for _, rule := range rules {
		rv := RuleValidation{RuleID: rule.UID}
		g, vs := s.engine.Submit(rule)
		if len(vs) > 0 {
			rv.Violations = vs
		} else {
			rv.Valid = true
			rv.Hash = g.Hash
			if flat, err := s.flatten(rule); err == nil {
				rv.Warnings = compiler.ForwardReferences(flat)
			}
		}
		if !rv.Valid {
			result.Valid = false
		}
		result.Rules = append(result.Rules, rv)
	}

	if len(result.TypeErrors) > 0 {
		result.Valid = false
	}
	return result
}

func writeValidationText(w io.Writer, r ValidationResult) {
	for _, e := range r.TypeErrors {
		fmt.Fprintf(w, "type error: %s\n", e.Error())
	}
	for _, wn := range r.Warnings {
		fmt.Fprintf(w, "warning: %s: %s\n", wn.Kind, wn.Message)
	}
	for _, rv := range r.Rules {
		if rv.Valid {
			fmt.Fprintf(w, "rule %s: ok (%s)\n", rv.RuleID, shortHash(rv.Hash))
		} else {
			fmt.Fprintf(w, "rule %s: %d violation(s)\n", rv.RuleID, len(rv.Violations))
		}
		for _, v := range rv.Violations {
			fmt.Fprintf(w, "  %s\n", v.Error())
		}
		for _, wn := range rv.Warnings {
			fmt.Fprintf(w, "  warning: %s: %s\n", wn.Kind, wn.Message)
		}
	}

	if r.Valid {
		fmt.Fprintf(w, "Validation passed: %d rule(s)\n", len(r.Rules))
		return
	}
	fmt.Fprintln(w, "Validation failed")
}

// shortHash trims a graph hash for display.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
