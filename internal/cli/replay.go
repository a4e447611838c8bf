package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rulegraph/internal/compiler"
	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Wait time.Duration

	// IDGenerator allows overriding the firing ID generator (for testing).
	IDGenerator engine.IDGenerator
}

// ReplayResult is the replay report with a match flag for JSON output.
type ReplayResult struct {
	store.ReplayReport
	Match bool `json:"match"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <db> <dir> <firing-id>",
		Short: "Re-fire a recorded firing against the current definitions",
		Long: `Re-fire the trigger outputs recorded for a firing against the rule as
currently defined, and compare the outcome, executed actions, error code
and final context with the recorded firing.

The replayed firing is not written to the database.

Exit codes:
  0 - The replay reproduced the recorded firing
  1 - The replay differs, or the rule is now rejected
  2 - Command error (database not found, unknown firing, etc.)

Examples:
  rulegraph replay ./history.db ./rules 0190a5b2-...
  rulegraph replay ./history.db ./rules 0190a5b2-... --format json`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], args[1], args[2], cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Wait, "wait", time.Minute, "how long to wait for the replayed firing")

	return cmd
}

func runReplay(opts *ReplayOptions, dbPath, dir, firingID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := openExistingStore(dbPath)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(commandContext(cmd), opts.Wait)
	defer cancel()

	orig, err := st.GetFiring(ctx, firingID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("firing %s not found", firingID), nil)
		return NewExitError(ExitCommandError, "firing not found")
	}
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read firing", err)
	}

	loadResult, err := LoadDefinitions(dir)
	if err != nil {
		return formatter.loadFailure(err)
	}
	defs := loadResult.Definitions

	rules := selectRules(defs.Rules, orig.RuleID)
	if len(rules) == 0 {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("rule %q is no longer defined in %s", orig.RuleID, dir), nil)
		return NewExitError(ExitFailure, "rule no longer defined")
	}

	cfg := opts.Config()
	engineOpts := []engine.EngineOption{engine.WithActionTimeout(cfg.ActionTimeout)}
	if opts.IDGenerator != nil {
		engineOpts = append(engineOpts, engine.WithIDGenerator(opts.IDGenerator))
	}
	s := newSession(defs, opts.Logger(), engineOpts...)
	defer s.engine.Close()

	if _, vs := s.engine.Submit(rules[0]); len(vs) > 0 {
		_ = formatter.Error(ErrCodeRejected, fmt.Sprintf("rule %s rejected", orig.RuleID), vs)
		if !formatter.JSON() {
			writeViolations(formatter, map[string][]compiler.Violation{orig.RuleID: vs})
		}
		return NewExitError(ExitFailure, "rule rejected")
	}

	formatter.VerboseLog("Replaying firing %s of rule %s (trigger %s)", firingID, orig.RuleID, orig.TriggerID)

	report, err := st.Replay(ctx, s.engine, firingID)
	if err != nil {
		_ = formatter.Error(ErrCodeFireFailed, err.Error(), nil)
		return WrapExitError(ExitFailure, "replay failed", err)
	}

	if formatter.JSON() {
		if err := formatter.SuccessFiring(firingID, ReplayResult{ReplayReport: report, Match: report.Match()}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(formatter.Writer, "recorded: %s  replayed: %s\n", report.Original.Outcome, report.Replayed.Outcome)
		if report.Match() {
			fmt.Fprintln(formatter.Writer, "Replay matches the recorded firing")
		} else {
			for _, d := range report.Differences {
				fmt.Fprintf(formatter.Writer, "  %s\n", d)
			}
			fmt.Fprintf(formatter.Writer, "Replay differs: %d difference(s)\n", len(report.Differences))
		}
	}

	if !report.Match() {
		return NewExitError(ExitFailure, "replay differs from the recorded firing")
	}
	return nil
}
