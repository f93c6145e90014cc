// Package logging builds zap loggers from named presets or custom
// JSON configuration files.
package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/wgfwd/wgfwd-go/jsonhelper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewZapLogger returns a new [*zap.Logger] for the given preset and
// log level.
//
// Presets:
//
//   - "console" (default): single-line colored console output.
//   - "console-nocolor": "console" without color.
//   - "console-notime": "console" without timestamps.
//   - "systemd": "console" without color or timestamps, since the
//     journal adds both.
//   - "production": zap's built-in production preset.
//   - "development": zap's built-in development preset.
//
// Anything else is treated as a path to a JSON file holding a
// [zap.Config]. The level argument only applies to the console and
// systemd presets.
func NewZapLogger(preset string, level zapcore.Level) (*zap.Logger, error) {
	switch preset {
	case "console":
		return NewProductionConsoleZapLogger(level, false, false, false), nil
	case "console-nocolor":
		return NewProductionConsoleZapLogger(level, true, false, false), nil
	case "console-notime":
		return NewProductionConsoleZapLogger(level, false, true, false), nil
	case "systemd":
		return NewProductionConsoleZapLogger(level, true, true, false), nil
	}

	var cfg zap.Config
	switch preset {
	case "production":
		cfg = zap.NewProductionConfig()
	case "development":
		cfg = zap.NewDevelopmentConfig()
	default:
		if err := jsonhelper.OpenAndDecodeDisallowUnknownFields(preset, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load zap logger config from file %q: %w", preset, err)
		}
	}
	return cfg.Build()
}

// NewProductionConsoleZapLogger creates a [*zap.Logger] that writes
// single-line messages to stderr.
func NewProductionConsoleZapLogger(level zapcore.Level, noColor, noTime, addCaller bool) *zap.Logger {
	cfg := NewProductionConsoleEncoderConfig(noColor, noTime)
	enc := zapcore.NewConsoleEncoder(cfg)
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	var opts []zap.Option
	if noTime {
		// The sampler requires a real clock.
		opts = append(opts, zap.WithClock(fakeClock{}))
	}
	if addCaller {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(core, opts...)
}

// NewProductionConsoleEncoderConfig returns the encoder configuration
// behind the console presets.
func NewProductionConsoleEncoderConfig(noColor, noTime bool) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		TimeKey:          "T",
		LevelKey:         "L",
		NameKey:          "N",
		CallerKey:        "C",
		FunctionKey:      zapcore.OmitKey,
		MessageKey:       "M",
		StacktraceKey:    "S",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalColorLevelEncoder,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	}

	if noColor {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	if noTime {
		ec.TimeKey = zapcore.OmitKey
		ec.EncodeTime = nil
	}

	return ec
}

// fakeClock always reports the zero time, suppressing timestamps.
type fakeClock struct{}

func (fakeClock) Now() time.Time {
	return time.Time{}
}

func (fakeClock) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}
