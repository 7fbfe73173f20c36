// Package events carries state changes from device sessions to the parts of
// the system that react to them (live views, publishers, the coordinator).
package events

import (
	"sync"
	"time"
)

// Kind identifies what changed.
type Kind string

const (
	KindConnection  Kind = "connection"
	KindCalibration Kind = "calibration"
	KindRecording   Kind = "recording"
	KindCapture     Kind = "capture"
	KindLog         Kind = "log"
	KindRemoved     Kind = "removed"
)

// Event is a single state change for one device. Fields not relevant to the
// Kind are left at their zero value.
type Event struct {
	Kind       Kind      `json:"kind"`
	Address    string    `json:"address"`
	Time       time.Time `json:"time"`
	State      string    `json:"state,omitempty"`
	Calibrated bool      `json:"calibrated,omitempty"`
	Recording  bool      `json:"recording,omitempty"`
	Value      float64   `json:"value,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Bus fans events out to every subscriber. Publish never blocks: a
// subscriber whose buffer is full misses that event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	now         func() time.Time
}

// New returns a ready-to-use Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[chan Event]struct{}), now: time.Now}
}

// Subscribe returns a channel receiving every future event and a function
// that detaches and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to all subscribers. A zero Time is filled in.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close detaches every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
