package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/rulegraph/internal/compiler"
	"github.com/roach88/rulegraph/internal/ir"
)

// ExpandOptions holds flags for the expand command.
type ExpandOptions struct {
	*RootOptions
	OutputDir string
}

// ExpandedGraph is one flattened rule graph in canonical form.
type ExpandedGraph struct {
	RuleID string          `json:"rule_id"`
	Hash   string          `json:"hash"`
	Graph  json.RawMessage `json:"graph"`
	Path   string          `json:"path,omitempty"` // set when written with -o
}

// NewExpandCommand creates the expand command.
func NewExpandCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExpandOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "expand <dir> [rule]",
		Short: "Print flattened rule graphs",
		Long: `Instantiate templates and expand composite modules, then print each
rule's flattened graph as canonical JSON.

With -o, each graph is written to <dir>/<rule>.json instead.

Examples:
  rulegraph expand ./rules
  rulegraph expand ./rules threshold
  rulegraph expand ./rules -o ./out`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleID := ""
			if len(args) == 2 {
				ruleID = args[1]
			}
			return runExpand(opts, args[0], ruleID, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.OutputDir, "output", "o", "", "write each graph to this directory")

	return cmd
}

func runExpand(opts *ExpandOptions, dir, ruleID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	loadResult, err := LoadDefinitions(dir)
	if err != nil {
		return formatter.loadFailure(err)
	}
	defs := loadResult.Definitions

	rules := selectRules(defs.Rules, ruleID)
	if len(rules) == 0 {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("rule %q not found in %s", ruleID, dir), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("rule %q not found", ruleID))
	}

	s := newSession(defs, opts.Logger())
	defer s.engine.Close()

	var (
		graphs     []ExpandedGraph
		violations = map[string][]compiler.Violation{}
	)
	for _, rule := range rules {
		g, vs := compiler.Build(rule, s.catalog)
		if len(vs) > 0 {
			violations[rule.UID] = vs
			continue
		}
		data, err := ir.MarshalCanonical(ir.GraphObject(g))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to encode graph", err)
		}
		graphs = append(graphs, ExpandedGraph{RuleID: g.RuleID, Hash: g.Hash, Graph: data})
	}

	if len(violations) > 0 {
		_ = formatter.Error(ErrCodeRejected, fmt.Sprintf("%d rule(s) rejected", len(violations)), violations)
		if !formatter.JSON() {
			writeViolations(formatter, violations)
		}
		return NewExitError(ExitFailure, "expansion failed")
	}

	if opts.OutputDir != "" {
		if err := writeGraphs(opts.OutputDir, graphs); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to write graphs", err)
		}
	}

	if formatter.JSON() {
		return formatter.Success(graphs)
	}
	for _, g := range graphs {
		if g.Path != "" {
			fmt.Fprintf(formatter.Writer, "wrote %s\n", g.Path)
		} else {
			fmt.Fprintln(formatter.Writer, string(g.Graph))
		}
	}
	return nil
}

// selectRules returns the rules sorted by UID, or only ruleID when set.
func selectRules(all []ir.Rule, ruleID string) []ir.Rule {
	var out []ir.Rule
	for _, r := range all {
		if ruleID == "" || r.UID == ruleID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func writeGraphs(dir string, graphs []ExpandedGraph) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for i := range graphs {
		path := filepath.Join(dir, graphs[i].RuleID+".json")
		if err := os.WriteFile(path, append(graphs[i].Graph, '\n'), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		graphs[i].Path = path
	}
	return nil
}

// writeViolations lists violations by rule in text mode.
func writeViolations(f *OutputFormatter, byRule map[string][]compiler.Violation) {
	ids := make([]string, 0, len(byRule))
	for id := range byRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(f.Writer, "rule %s:\n", id)
		for _, v := range byRule[id] {
			fmt.Fprintf(f.Writer, "  %s\n", v.Error())
		}
	}
}
