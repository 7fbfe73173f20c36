package version

import "testing"

func TestGet(t *testing.T) {
	old := Version
	Version = "1.2.3"
	defer func() { Version = old }()

	if got := Get().Version; got != "1.2.3" {
		t.Errorf("Get().Version = %q", got)
	}
	if got := String(); got != "rris 1.2.3 (unknown, built unknown)" {
		t.Errorf("String() = %q", got)
	}
}
