package builtin

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/roach88/rulegraph/internal/ir"
)

// CronConfig configures a core.cron trigger.
type CronConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// FileConfig configures a core.file trigger.
type FileConfig struct {
	Path     string        `mapstructure:"path"`
	Events   []string      `mapstructure:"events"`
	Ignore   []string      `mapstructure:"ignore"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type compareConfig struct {
	Op      string  `mapstructure:"op"`
	Operand float64 `mapstructure:"operand"`
}

type matchConfig struct {
	Pattern string `mapstructure:"pattern"`
}

type formatConfig struct {
	Format string `mapstructure:"format"`
}

type logConfig struct {
	Message string `mapstructure:"message"`
	Level   string `mapstructure:"level"`
}

type delayConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

// DecodeCron decodes a core.cron instance config.
func DecodeCron(cfg ir.Object) (CronConfig, error) {
	var c CronConfig
	err := decode(typeByUID(Cron), cfg, &c)
	return c, err
}

// DecodeFile decodes a core.file instance config.
func DecodeFile(cfg ir.Object) (FileConfig, error) {
	var c FileConfig
	err := decode(typeByUID(File), cfg, &c)
	return c, err
}

func typeByUID(uid string) ir.ModuleType {
	for _, mt := range Types() {
		if mt.UID == uid {
			return mt
		}
	}
	return ir.ModuleType{UID: uid}
}

// decode fills declared defaults into cfg, checks required entries and
// decodes the result into out. Unknown keys are an error.
func decode(mt ir.ModuleType, cfg ir.Object, out any) error {
	merged := make(ir.Object, len(mt.Config)+len(cfg))
	for _, d := range mt.Config {
		if d.Default != nil {
			merged[d.Name] = d.Default
		}
	}
	for k, v := range cfg {
		merged[k] = v
	}
	for _, d := range mt.Config {
		if _, ok := merged[d.Name]; d.Required && !ok {
			return fmt.Errorf("%s: config %q is required", mt.UID, d.Name)
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(ir.ToNative(merged)); err != nil {
		return fmt.Errorf("%s: %w", mt.UID, err)
	}
	return nil
}
