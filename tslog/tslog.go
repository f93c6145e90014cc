// Package tslog is a thin slog frontend that writes tinted structured
// log messages.
package tslog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Config is a set of options for a [*Logger].
type Config struct {
	// Level is the minimum level of log messages to write.
	Level slog.Level `json:"level"`

	// NoColor disables color in log messages.
	NoColor bool `json:"no_color"`

	// NoTime disables timestamps in log messages.
	NoTime bool `json:"no_time"`

	// UseTextHandler selects [*slog.TextHandler] over the default tint handler.
	UseTextHandler bool `json:"use_text_handler"`

	// UseJSONHandler selects [*slog.JSONHandler] over the default tint handler.
	UseJSONHandler bool `json:"use_json_handler"`
}

// NewLogger creates a new [*Logger] that writes to w.
func (c *Config) NewLogger(w io.Writer) *Logger {
	return &Logger{
		level:   c.Level,
		noTime:  c.NoTime,
		handler: c.newHandler(w),
	}
}

func (c *Config) newHandler(w io.Writer) slog.Handler {
	switch {
	case c.UseTextHandler:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.Level})
	case c.UseJSONHandler:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.Level})
	default:
		return tint.NewHandler(w, &tint.Options{
			Level:   c.Level,
			NoColor: c.NoColor,
		})
	}
}

// Logger writes structured log messages to its handler.
type Logger struct {
	level   slog.Level
	noTime  bool
	handler slog.Handler
}

// Handler returns the logger's handler.
func (l *Logger) Handler() slog.Handler {
	return l.handler
}

// WithAttrs returns a new [*Logger] that includes the given attributes
// in every log message.
func (l *Logger) WithAttrs(attrs ...slog.Attr) *Logger {
	return &Logger{
		level:   l.level,
		noTime:  l.noTime,
		handler: l.handler.WithAttrs(attrs),
	}
}

// Debug logs the given message at [slog.LevelDebug].
func (l *Logger) Debug(msg string, attrs ...slog.Attr) {
	l.Log(slog.LevelDebug, msg, attrs...)
}

// Info logs the given message at [slog.LevelInfo].
func (l *Logger) Info(msg string, attrs ...slog.Attr) {
	l.Log(slog.LevelInfo, msg, attrs...)
}

// Warn logs the given message at [slog.LevelWarn].
func (l *Logger) Warn(msg string, attrs ...slog.Attr) {
	l.Log(slog.LevelWarn, msg, attrs...)
}

// Error logs the given message at [slog.LevelError].
func (l *Logger) Error(msg string, attrs ...slog.Attr) {
	l.Log(slog.LevelError, msg, attrs...)
}

// Enabled returns whether logging at the given level is enabled.
func (l *Logger) Enabled(level slog.Level) bool {
	return level >= l.level
}

// Log logs the given message at the given level.
func (l *Logger) Log(level slog.Level, msg string, attrs ...slog.Attr) {
	if !l.Enabled(level) {
		return
	}
	l.log(level, msg, attrs...)
}

// log is split out of the exported methods to keep them eligible for
// mid-stack inlining.
func (l *Logger) log(level slog.Level, msg string, attrs ...slog.Attr) {
	var t time.Time
	if !l.noTime {
		t = time.Now()
	}
	r := slog.NewRecord(t, level, msg, 0)
	r.AddAttrs(attrs...)
	if err := l.handler.Handle(context.Background(), r); err != nil {
		fmt.Fprintf(os.Stderr, "tslog: failed to write log message: %v\n", err)
	}
}

// Err is a convenience wrapper for [tint.Err].
func Err(err error) slog.Attr {
	return tint.Err(err)
}
