package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rulegraph/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	FiringID string
	Limit    int
	Rules    bool
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <db> [rule]",
		Short: "Show recorded firings",
		Long: `List the firings recorded in a history database, oldest first.

With a rule ID only that rule's firings are listed. --firing shows one
firing with its action runs, and --rules lists recorded rule installs.

Examples:
  rulegraph history ./history.db
  rulegraph history ./history.db threshold --limit 20
  rulegraph history ./history.db --firing 0190a5b2-...
  rulegraph history ./history.db --rules`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleID := ""
			if len(args) == 2 {
				ruleID = args[1]
			}
			return runHistory(opts, args[0], ruleID, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.FiringID, "firing", "", "show a single firing")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "show only the most recent N firings (0 = all)")
	cmd.Flags().BoolVar(&opts.Rules, "rules", false, "list recorded rules instead of firings")

	return cmd
}

func runHistory(opts *HistoryOptions, dbPath, ruleID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := openExistingStore(dbPath)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := commandContext(cmd)

	switch {
	case opts.FiringID != "":
		rec, err := st.GetFiring(ctx, opts.FiringID)
		if errors.Is(err, sql.ErrNoRows) {
			_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("firing %s not found", opts.FiringID), nil)
			return NewExitError(ExitCommandError, "firing not found")
		}
		if err != nil {
			_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read firing", err)
		}
		if formatter.JSON() {
			return formatter.SuccessFiring(rec.FiringID, rec)
		}
		writeFiringText(formatter.Writer, rec.FiringResult)
		for _, run := range rec.Actions {
			fmt.Fprintf(formatter.Writer, "action %s (%s)", run.ModuleID, run.Duration)
			if run.Error != "" {
				fmt.Fprintf(formatter.Writer, ": %s", run.Error)
			}
			fmt.Fprintln(formatter.Writer)
		}
		return nil

	case opts.Rules:
		rules, err := st.ListRules(ctx)
		if err != nil {
			_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to list rules", err)
		}
		if formatter.JSON() {
			return formatter.Success(rules)
		}
		writeRulesText(formatter.Writer, rules)
		return nil
	}

	firings, err := st.ListFirings(ctx, ruleID, opts.Limit)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list firings", err)
	}
	if formatter.JSON() {
		return formatter.Success(firings)
	}
	if len(firings) == 0 {
		fmt.Fprintln(formatter.Writer, "No firings recorded.")
		return nil
	}
	for _, f := range firings {
		line := fmt.Sprintf("%6d  %s  %s/%s  %s", f.Seq, f.FiringID, f.RuleID, f.TriggerID, f.Outcome)
		if f.ErrorCode != "" {
			line += "  " + f.ErrorCode
		}
		fmt.Fprintln(formatter.Writer, line)
	}
	return nil
}

// openExistingStore opens a history database that must already exist.
// store.Open alone would create an empty one.
func openExistingStore(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found: %s", path)
	}
	return store.Open(path)
}

func writeRulesText(w io.Writer, rules []store.RuleRecord) {
	if len(rules) == 0 {
		fmt.Fprintln(w, "No rules recorded.")
		return
	}
	for _, r := range rules {
		state := "installed"
		if r.RetractedAt != nil {
			state = "retracted"
		}
		fmt.Fprintf(w, "%s  v%d  %s  %s\n", r.RuleID, r.Version, shortHash(r.GraphHash), state)
	}
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 20))
	fmt.Fprintf(w, "%d rule(s)\n", len(rules))
}
