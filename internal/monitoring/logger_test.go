package monitoring

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, false)
	l.Debug("hidden")
	l.WithField("address", "AA").Info("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug output should be suppressed when not verbose")
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "address=AA") {
		t.Errorf("unexpected output %q", out)
	}

	buf.Reset()
	NewLogger(&buf, true).Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("verbose logger should emit debug output")
	}
}

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	if !called {
		t.Error("custom logger was not called")
	}

	SetLogger(nil)
	Logf("test message")
}
