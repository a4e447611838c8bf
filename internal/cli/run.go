package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rulegraph/internal/compiler"
	"github.com/roach88/rulegraph/internal/config"
	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/ir"
	"github.com/roach88/rulegraph/internal/logging"
	"github.com/roach88/rulegraph/internal/metrics"
	"github.com/roach88/rulegraph/internal/server"
	"github.com/roach88/rulegraph/internal/source"
	"github.com/roach88/rulegraph/internal/store"
)

// shutdownTimeout bounds how long run waits for HTTP requests and running
// firings on exit.
const shutdownTimeout = 10 * time.Second

// RunOptions holds flags for the run command. Flags override the
// configuration file.
type RunOptions struct {
	*RootOptions
	Database      string
	Listen        string
	Watch         bool
	ActionTimeout time.Duration
	QueueLimit    int

	// IDGenerator allows overriding the firing ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator engine.IDGenerator

	// Ready, when set, receives the HTTP address once the server listens.
	Ready chan<- string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [dir]",
		Short: "Run the engine with trigger sources and HTTP ingress",
		Long: `Install every rule in a definitions directory and run until interrupted.

Cron and file triggers start their sources, webhook and event triggers are
fired over HTTP, firings are recorded when a database is set, and with
--watch the directory is reloaded whenever a .cue file changes.

The directory defaults to "definitions" from --config.

Example:
  rulegraph run ./rules --db ./history.db --listen :8080 --watch
  rulegraph run --config ./rulegraph.yaml`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runEngine(opts, dir, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite history database")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (e.g. :8080)")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload definitions when files change")
	cmd.Flags().DurationVar(&opts.ActionTimeout, "action-timeout", 0, "per-action timeout")
	cmd.Flags().IntVar(&opts.QueueLimit, "queue-limit", 0, "pending firings allowed per rule (0 = unbounded)")

	return cmd
}

// effectiveConfig applies explicitly set flags over the loaded config.
func (o *RunOptions) effectiveConfig(cmd *cobra.Command, dir string) (config.Config, error) {
	cfg := *o.Config()
	flags := cmd.Flags()
	if dir != "" {
		cfg.Definitions = dir
	}
	if flags.Changed("db") {
		cfg.Database = o.Database
	}
	if flags.Changed("listen") {
		cfg.HTTP.Listen = o.Listen
	}
	if flags.Changed("watch") {
		cfg.Watch.Enabled = o.Watch
	}
	if flags.Changed("action-timeout") {
		cfg.ActionTimeout = o.ActionTimeout
	}
	if flags.Changed("queue-limit") {
		cfg.QueueLimit = o.QueueLimit
	}
	if cfg.Definitions == "" {
		return cfg, errors.New("no definitions directory: pass one or set definitions in --config")
	}
	return cfg, cfg.Validate()
}

// lateFirer forwards to an engine created after the trigger source manager,
// which the engine needs as a listener.
type lateFirer struct {
	engine *engine.Engine
}

func (f *lateFirer) Fire(ruleID, triggerID string, outputs map[string]ir.Value) (*engine.Firing, error) {
	return f.engine.Fire(ruleID, triggerID, outputs)
}

func runEngine(opts *RunOptions, dir string, cmd *cobra.Command) error {
	cfg, err := opts.effectiveConfig(cmd, dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger := opts.Logger()

	parent := commandContext(cmd)
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	firer := &lateFirer{}
	sources := source.NewManager(firer, source.WithLogger(logger))

	engineOpts := []engine.EngineOption{
		engine.WithActionTimeout(cfg.ActionTimeout),
		engine.WithQueueLimit(cfg.QueueLimit),
		engine.WithMetrics(m),
		engine.WithListener(sources),
	}
	if opts.IDGenerator != nil {
		engineOpts = append(engineOpts, engine.WithIDGenerator(opts.IDGenerator))
	}

	var history *store.Store
	if cfg.Database != "" {
		logger.Info("opening database", "path", cfg.Database)
		st, seq, err := openHistory(ctx, cfg.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		history = st
		engineOpts = append(engineOpts, engine.WithRecorder(st), engine.WithSequence(seq))
	}

	s := newSession(&compiler.Definitions{}, logger, engineOpts...)
	firer.engine = s.engine

	reloader := NewReloader(cfg.Definitions, s.catalog, s.engine, m, logger)
	report, err := reloader.Reload()
	if err != nil {
		s.engine.Close()
		return WrapExitError(ExitCommandError, "failed to load definitions", err)
	}

	sources.Start(ctx)

	if opts.holder != nil {
		opts.holder.OnChange(func(c *config.Config) {
			if lvl, err := logging.ParseLevel(c.Log.Level); err == nil {
				opts.level.Set(lvl)
			}
		})
		if err := opts.holder.WatchFile(); err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
		defer opts.holder.Stop()
	}

	var watcher *source.DirWatcher
	if cfg.Watch.Enabled {
		watcher, err = source.NewDirWatcher(cfg.Definitions, []string{".cue"}, cfg.Watch.Debounce, func() {
			_, _ = reloader.Reload()
		}, logger)
		if err != nil {
			logger.Warn("definitions watch disabled", "error", err)
		} else {
			go func() {
				if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("definitions watch stopped", "error", err)
				}
			}()
		}
	}

	var httpSrv *http.Server
	serveErr := make(chan error, 1)
	if cfg.HTTP.Listen != "" {
		srvOpts := []server.Option{server.WithMetrics(m.Handler()), server.WithLogger(logger)}
		if history != nil {
			srvOpts = append(srvOpts, server.WithHistory(history))
		}
		ln, err := net.Listen("tcp", cfg.HTTP.Listen)
		if err != nil {
			shutdown(logger, nil, watcher, sources, s.engine)
			return WrapExitError(ExitCommandError, "failed to listen", err)
		}
		httpSrv = &http.Server{
			Handler:           server.New(s.engine, srvOpts...).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info("http server listening", "addr", ln.Addr().String())
		if opts.Ready != nil {
			opts.Ready <- ln.Addr().String()
		}
		go func() {
			if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	} else if opts.Ready != nil {
		opts.Ready <- ""
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Engine started: %d rule(s) installed, %d rejected.\n", len(report.Submitted), len(report.Rejected))
	fmt.Fprintln(out, "Press Ctrl-C to stop.")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		runErr = WrapExitError(ExitFailure, "http server error", err)
	}

	shutdown(logger, httpSrv, watcher, sources, s.engine)
	logger.Info("engine stopped gracefully")
	return runErr
}

// shutdown stops ingress first so no new firings arrive, then lets the
// engine finish running firings.
func shutdown(logger *slog.Logger, httpSrv *http.Server, watcher *source.DirWatcher, sources *source.Manager, e *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error("definitions watch stop", "error", err)
		}
	}
	if err := sources.Stop(); err != nil {
		logger.Error("trigger sources stop", "error", err)
	}
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("engine shutdown", "error", err)
	}
}
