package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rulegraph/internal/compiler"
	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/ir"
	"github.com/roach88/rulegraph/internal/store"
)

// FireOptions holds flags for the fire command.
type FireOptions struct {
	*RootOptions
	Database string
	Wait     time.Duration

	// IDGenerator allows overriding the firing ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator engine.IDGenerator
}

// NewFireCommand creates the fire command.
func NewFireCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FireOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fire <dir> <rule> <trigger> [json-outputs]",
		Short: "Fire one trigger of a rule and print the result",
		Long: `Build a rule from the definitions in a directory, fire one of its
triggers with the given outputs, and wait for the firing to finish.

The trigger outputs are a JSON object. With --db the install and the
firing are recorded in a history database.

Exit codes:
  0 - Firing completed or conditions were not satisfied
  1 - Rule rejected, fire refused, or firing failed or timed out
  2 - Command error (invalid paths, malformed JSON, etc.)

Examples:
  rulegraph fire ./rules threshold t1 '{"value": 15}'
  rulegraph fire ./rules threshold t1 '{"value": 15}' --db ./history.db`,
		Args:          cobra.RangeArgs(3, 4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := "{}"
			if len(args) == 4 {
				raw = args[3]
			}
			return runFire(opts, args[0], args[1], args[2], raw, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "record history in this SQLite database")
	cmd.Flags().DurationVar(&opts.Wait, "wait", time.Minute, "how long to wait for the firing")

	return cmd
}

func runFire(opts *FireOptions, dir, ruleID, triggerID, raw string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	outputs, err := parseOutputs(raw)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid trigger outputs", err)
	}

	loadResult, err := LoadDefinitions(dir)
	if err != nil {
		return formatter.loadFailure(err)
	}
	defs := loadResult.Definitions

	rules := selectRules(defs.Rules, ruleID)
	if ruleID == "" || len(rules) == 0 {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("rule %q not found in %s", ruleID, dir), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("rule %q not found", ruleID))
	}

	cfg := opts.Config()
	engineOpts := []engine.EngineOption{
		engine.WithActionTimeout(cfg.ActionTimeout),
		engine.WithQueueLimit(cfg.QueueLimit),
	}
	if opts.IDGenerator != nil {
		engineOpts = append(engineOpts, engine.WithIDGenerator(opts.IDGenerator))
	}

	db := opts.Database
	if db == "" {
		db = cfg.Database
	}
	if db != "" {
		st, seq, err := openHistory(cmd.Context(), db)
		if err != nil {
			_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer st.Close()
		engineOpts = append(engineOpts, engine.WithRecorder(st), engine.WithSequence(seq))
	}

	s := newSession(defs, opts.Logger(), engineOpts...)
	defer s.engine.Close()

	if _, vs := s.engine.Submit(rules[0]); len(vs) > 0 {
		_ = formatter.Error(ErrCodeRejected, fmt.Sprintf("rule %s rejected", ruleID), vs)
		if !formatter.JSON() {
			writeViolations(formatter, map[string][]compiler.Violation{ruleID: vs})
		}
		return NewExitError(ExitFailure, "rule rejected")
	}

	firing, err := s.engine.Fire(ruleID, triggerID, outputs)
	if err != nil {
		_ = formatter.Error(ErrCodeFireFailed, err.Error(), map[string]string{"runtime_code": runtimeCode(err)})
		return WrapExitError(ExitFailure, "fire refused", err)
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), opts.Wait)
	defer cancel()
	res, err := firing.Wait(ctx)
	if err != nil {
		_ = formatter.Error(ErrCodeFireFailed, fmt.Sprintf("waiting for firing %s: %v", firing.ID, err), nil)
		return WrapExitError(ExitFailure, "firing did not finish", err)
	}

	if formatter.JSON() {
		if err := formatter.SuccessFiring(res.FiringID, res); err != nil {
			return err
		}
	} else {
		writeFiringText(formatter.Writer, res)
	}

	if res.Outcome == engine.OutcomeFailed || res.Outcome == engine.OutcomeTimedOut {
		return NewExitError(ExitFailure, fmt.Sprintf("firing %s", res.Outcome))
	}
	return nil
}

// parseOutputs decodes trigger outputs given on the command line.
func parseOutputs(raw string) (ir.Object, error) {
	if strings.TrimSpace(raw) == "" {
		return ir.Object{}, nil
	}
	var obj ir.Object
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("trigger outputs must be a JSON object: %w", err)
	}
	if obj == nil {
		obj = ir.Object{}
	}
	return obj, nil
}

// openHistory opens the history database and a sequence resumed after its
// highest recorded firing.
func openHistory(ctx context.Context, path string) (*store.Store, *engine.Sequence, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	last, err := st.MaxSeq(contextOrBackground(ctx))
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("read last sequence: %w", err)
	}
	return st, engine.NewSequenceAt(last), nil
}

func writeFiringText(w io.Writer, r engine.FiringResult) {
	fmt.Fprintf(w, "firing %s (rule %s v%d, trigger %s, seq %d): %s\n",
		r.FiringID, r.RuleID, r.RuleVersion, r.TriggerID, r.Seq, r.Outcome)
	if len(r.Executed) > 0 {
		fmt.Fprintf(w, "executed: %s\n", strings.Join(r.Executed, ", "))
	}
	keys := make([]string, 0, len(r.Context))
	for k := range r.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", k, renderValue(r.Context[k]))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error: %s\n", r.Error)
	}
}

func renderValue(v ir.Value) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	return contextOrBackground(cmd.Context())
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// runtimeCode extracts the runtime error code of err, if any.
func runtimeCode(err error) string {
	var re *engine.RuntimeError
	if errors.As(err, &re) {
		return string(re.Code)
	}
	return ""
}
