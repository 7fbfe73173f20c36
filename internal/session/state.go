// Package session owns the lifecycle of each connected sensor (connect,
// configure, stream, disconnect), its calibration and its sample buffer, and
// the registry that aggregates status across sensors.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/rris/internal/protocol"
)

// State is a session's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Disconnected":
		*s = Disconnected
	case "Connecting":
		*s = Connecting
	case "Connected":
		*s = Connected
	default:
		return fmt.Errorf("unknown connection state %q", text)
	}
	return nil
}

// StatusNotifier is told about connection state changes.
type StatusNotifier interface {
	ConnectionChanged(address string, state State)
}

// CalibrationNotifier is told when a session's calibration changes.
type CalibrationNotifier interface {
	CalibrationChanged(address string, calibrated bool)
}

// ActivityNotifier receives the human-readable log line a session shows next
// to its device, and capture results.
type ActivityNotifier interface {
	SessionLog(address, message string)
	RecordingChanged(address string, recording bool)
	CaptureFinished(address string, bound string, value float64)
}

// FrequencySelector holds the operator's sampling rate choice. Sessions wait
// on it before configuring a freshly connected device.
type FrequencySelector struct {
	mu    sync.Mutex
	hz    int
	ready chan struct{}
}

// NewFrequencySelector returns a selector with no frequency chosen.
func NewFrequencySelector() *FrequencySelector {
	return &FrequencySelector{ready: make(chan struct{})}
}

// Set chooses hz, which must be one of protocol.FrequencyChoices. Devices
// already configured keep their rate until they reconnect.
func (f *FrequencySelector) Set(hz int) error {
	if !protocol.ValidFrequency(hz) {
		return fmt.Errorf("%w: %d Hz (choices %v)", protocol.ErrUnsupportedFrequency, hz, protocol.FrequencyChoices)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hz == 0 {
		close(f.ready)
	}
	f.hz = hz
	return nil
}

// Get returns the chosen frequency, if any.
func (f *FrequencySelector) Get() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hz, f.hz != 0
}

// Wait blocks until a frequency has been chosen or ctx is done.
func (f *FrequencySelector) Wait(ctx context.Context) (int, error) {
	select {
	case <-f.ready:
		hz, _ := f.Get()
		return hz, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
