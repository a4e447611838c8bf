package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/rulegraph/internal/config"
	"github.com/roach88/rulegraph/internal/logging"
)

// RootOptions holds global flags for all commands, and the configuration
// and logger they resolve to before a command runs.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	holder *config.Holder // nil without --config
	level  *slog.LevelVar
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Config returns the loaded configuration, or the defaults when no
// --config was given.
func (o *RootOptions) Config() *config.Config {
	if o.holder != nil {
		return o.holder.Get()
	}
	return config.Default()
}

// Logger returns the logger installed by the root command.
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}

// NewRootCommand creates the root command for the rulegraph CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rulegraph",
		Short: "rulegraph - composable rule engine",
		Long: `Compose rules from triggers, conditions and actions, flatten
composite modules into validated rule graphs, and execute firings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.setup(cmd)
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML configuration file")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewExpandCommand(opts))
	cmd.AddCommand(NewFireCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// setup loads --config and installs the process logger. Logs go to the
// command's stderr so JSON output on stdout stays parseable.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	o.level = new(slog.LevelVar)
	if o.ConfigPath != "" {
		h, err := config.NewHolder(o.ConfigPath, nil)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		o.holder = h
	}
	cfg := o.Config()

	lvl, _ := logging.ParseLevel(cfg.Log.Level)
	if o.Verbose {
		lvl = slog.LevelDebug
	}
	o.level.Set(lvl)
	o.logger = logging.NewWithLevel(cfg.Log.Format, o.level, cmd.ErrOrStderr())
	slog.SetDefault(o.logger)
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
