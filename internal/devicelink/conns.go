package devicelink

import (
	"strings"
	"sync"
)

// connTable routes adapter connection events to open handles by address.
type connTable struct {
	mu    sync.Mutex
	conns map[string]*connEntry
}

type connEntry struct {
	drop func()
}

func connKey(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// track registers drop to run when address disconnects and returns a
// function that unregisters it. A later track for the same address replaces
// the earlier entry; the earlier untrack then does nothing.
func (t *connTable) track(address string, drop func()) (untrack func()) {
	key := connKey(address)
	e := &connEntry{drop: drop}
	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*connEntry)
	}
	t.conns[key] = e
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		if t.conns[key] == e {
			delete(t.conns, key)
		}
		t.mu.Unlock()
	}
}

// dropped runs and unregisters the handler for address. It reports whether
// one was registered.
func (t *connTable) dropped(address string) bool {
	key := connKey(address)
	t.mu.Lock()
	e, ok := t.conns[key]
	if ok {
		delete(t.conns, key)
	}
	t.mu.Unlock()
	if ok {
		e.drop()
	}
	return ok
}

func (t *connTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}
