// Package tslogtest routes [tslog] output through a test's log methods.
package tslogtest

import "github.com/wgfwd/wgfwd-go/tslog"

// Config is [tslog.Config] for use in tests.
type Config tslog.Config

// NewTestLogger creates a new [*tslog.Logger] that writes through t.
func (c Config) NewTestLogger(t testingLogger) *tslog.Logger {
	cc := tslog.Config(c)
	return cc.NewLogger(testingWriter{t})
}

type testingLogger interface {
	Logf(format string, args ...any)
}

type testingWriter struct {
	t testingLogger
}

func (w testingWriter) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
