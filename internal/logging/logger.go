// Package logging builds the slog loggers used by the CLI and the long
// running server.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a structured logger. format is "json" or "text"; unknown
// levels fall back to info.
func New(format, level string, w io.Writer) *slog.Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	v := new(slog.LevelVar)
	v.Set(lvl)
	return NewWithLevel(format, v, w)
}

// NewWithLevel creates a logger whose level follows v, so a config reload
// can change verbosity without rebuilding loggers held elsewhere.
func NewWithLevel(format string, v *slog.LevelVar, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: v}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel parses debug, info, warn or error. The empty string is info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// WithRule returns a logger with the rule ID attached.
func WithRule(logger *slog.Logger, ruleID string) *slog.Logger {
	return logger.With("rule_id", ruleID)
}
