package session

import (
	"errors"
	"testing"
)

func TestRegistryAddDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(New("A", Options{})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := r.Add(New("A", Options{}))
	var dup *DuplicateAddressError
	if !errors.As(err, &dup) || dup.Address != "A" {
		t.Fatalf("err = %v, want DuplicateAddressError for A", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	s := New("A", Options{})
	r.Add(s)
	if got := r.Remove("A"); got != s {
		t.Errorf("Remove returned %v", got)
	}
	if r.Remove("A") != nil {
		t.Error("second Remove should return nil")
	}
	if err := r.Add(New("A", Options{})); err != nil {
		t.Errorf("re-adding a removed address: %v", err)
	}
}

func registryWith(states ...State) *Registry {
	r := NewRegistry()
	for i, st := range states {
		s := New(string(rune('A'+i)), Options{})
		s.state = st
		r.Add(s)
	}
	return r
}

func TestRegistryAggregateConnection(t *testing.T) {
	tests := []struct {
		name   string
		states []State
		want   State
	}{
		{"empty", nil, Disconnected},
		{"all connected", []State{Connected, Connected}, Connected},
		{"one connecting", []State{Connecting, Connected, Connected}, Connecting},
		{"any disconnected", []State{Connected, Disconnected, Connecting}, Disconnected},
		{"all connecting", []State{Connecting, Connecting}, Connecting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := registryWith(tt.states...).AggregateConnection(); got != tt.want {
				t.Errorf("AggregateConnection() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistryAggregateCalibration(t *testing.T) {
	r := NewRegistry()
	if r.AggregateCalibration() {
		t.Error("empty registry should not be calibrated")
	}
	a, b := New("A", Options{}), New("B", Options{})
	r.Add(a)
	r.Add(b)
	for _, s := range []*Session{a, b} {
		s.Calibration().CaptureMin([]float64{1})
		s.Calibration().CaptureMax([]float64{2})
		s.Calibration().SetTruthValue(0, 0)
		s.Calibration().SetTruthValue(1, 90)
	}
	a.Derive()
	if r.AggregateCalibration() {
		t.Error("one uncalibrated session should make the aggregate false")
	}
	b.Derive()
	if !r.AggregateCalibration() {
		t.Error("all sessions calibrated should make the aggregate true")
	}
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry()
	var connected []string
	err := r.BroadcastConnect([]string{"A", "B", "A"}, func(addr string) error {
		s := New(addr, Options{})
		if err := r.Add(s); err != nil {
			return err
		}
		connected = append(connected, addr)
		return nil
	})
	var dup *DuplicateAddressError
	if !errors.As(err, &dup) {
		t.Errorf("BroadcastConnect err = %v, want joined DuplicateAddressError", err)
	}
	if len(connected) != 2 {
		t.Errorf("connected %v, want A and B", connected)
	}

	r.BroadcastDisconnect()
	for _, s := range r.Sessions() {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			t.Errorf("%s not asked to disconnect", s.Address())
		}
	}
}

func TestStateTextRoundTrip(t *testing.T) {
	for _, st := range []State{Disconnected, Connecting, Connected} {
		text, err := st.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", st, err)
		}
		var got State
		if err := got.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", text, err)
		}
		if got != st {
			t.Errorf("round trip of %v = %v", st, got)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("Sleeping")); err == nil {
		t.Error("UnmarshalText accepted an unknown state")
	}
}
