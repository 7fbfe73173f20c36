// Package monitoring sets up process-wide logging.
package monitoring

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a text logger writing to out at info level, or debug
// level when verbose is set.
func NewLogger(out io.Writer, verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Logf is the package-level diagnostic logger used by components that only
// need printf-style output (migrations, the admin console). SetLogger
// redirects it.
var Logf func(format string, v ...interface{}) = logrus.StandardLogger().Infof

// SetLogger replaces Logf. Passing nil installs a no-op.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
