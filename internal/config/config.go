// Package config loads the rulegraph YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/roach88/rulegraph/internal/logging"
)

// Config is the runtime configuration of `rulegraph run` and the one-shot
// commands. Zero values are replaced by defaults on load.
type Config struct {
	Definitions   string        `mapstructure:"definitions"`
	Database      string        `mapstructure:"database"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
	QueueLimit    int           `mapstructure:"queue_limit"`
	Log           Log           `mapstructure:"log"`
	HTTP          HTTP          `mapstructure:"http"`
	Watch         Watch         `mapstructure:"watch"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTP struct {
	// Listen is the address of the webhook and metrics server. Empty
	// disables the server.
	Listen string `mapstructure:"listen"`
}

// Watch controls hot reload of the definitions directory.
type Watch struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Defaults.
const (
	DefaultActionTimeout = 30 * time.Second
	DefaultWatchDebounce = 500 * time.Millisecond
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
)

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration. Unknown keys are rejected so typos
// surface instead of silently keeping a default.
func Parse(data []byte) (*Config, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg := &Config{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = DefaultWatchDebounce
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ActionTimeout < 0 {
		errs = append(errs, fmt.Errorf("action_timeout: must be positive, got %s", c.ActionTimeout))
	}
	if c.QueueLimit < 0 {
		errs = append(errs, fmt.Errorf("queue_limit: must not be negative, got %d", c.QueueLimit))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, fmt.Errorf("watch.debounce: must not be negative, got %s", c.Watch.Debounce))
	}
	if c.Watch.Enabled && c.Definitions == "" {
		errs = append(errs, errors.New("watch.enabled: requires definitions"))
	}
	return errors.Join(errs...)
}

// ReloadableFields lists the settings a running server applies on reload.
// Everything else needs a restart.
func ReloadableFields() []string {
	return []string{"log.level"}
}
