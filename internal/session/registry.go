package session

import (
	"errors"
	"fmt"
	"sort"
)

// DuplicateAddressError is returned when adding an address that is already
// registered.
type DuplicateAddressError struct {
	Address string
}

func (e *DuplicateAddressError) Error() string {
	return fmt.Sprintf("device %s is already registered", e.Address)
}

// Registry is the set of active sessions keyed by address. It is owned by a
// single coordinating goroutine and is not safe for concurrent use.
type Registry struct {
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s.
func (r *Registry) Add(s *Session) error {
	if _, ok := r.sessions[s.Address()]; ok {
		return &DuplicateAddressError{Address: s.Address()}
	}
	r.sessions[s.Address()] = s
	return nil
}

// Remove drops address and returns the session that was registered, if any.
func (r *Registry) Remove(address string) *Session {
	s := r.sessions[address]
	delete(r.sessions, address)
	return s
}

// Get returns the session for address.
func (r *Registry) Get(address string) (*Session, bool) {
	s, ok := r.sessions[address]
	return s, ok
}

// Len returns the number of sessions.
func (r *Registry) Len() int { return len(r.sessions) }

// Sessions returns a snapshot of the sessions ordered by address.
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// AggregateConnection is Connected when every session is connected,
// Disconnected when any session is disconnected and Connecting otherwise. An
// empty registry reports Disconnected.
func (r *Registry) AggregateConnection() State {
	if len(r.sessions) == 0 {
		return Disconnected
	}
	all := true
	for _, s := range r.sessions {
		switch s.State() {
		case Disconnected:
			return Disconnected
		case Connecting:
			all = false
		}
	}
	if all {
		return Connected
	}
	return Connecting
}

// AggregateCalibration reports whether every session is calibrated. An
// empty registry is not calibrated.
func (r *Registry) AggregateCalibration() bool {
	if len(r.sessions) == 0 {
		return false
	}
	for _, s := range r.sessions {
		if !s.Calibration().IsCalibrated() {
			return false
		}
	}
	return true
}

// BroadcastConnect calls connect for every address and joins the failures.
func (r *Registry) BroadcastConnect(addresses []string, connect func(address string) error) error {
	var errs []error
	for _, addr := range addresses {
		if err := connect(addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BroadcastDisconnect asks every session to disconnect. Sessions leave the
// registry once their worker reports completion, so it iterates a snapshot.
func (r *Registry) BroadcastDisconnect() {
	for _, s := range r.Sessions() {
		s.Disconnect()
	}
}
