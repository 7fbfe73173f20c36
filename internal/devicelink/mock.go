package devicelink

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockLink is a Link with scripted devices for tests.
type MockLink struct {
	mu      sync.Mutex
	devices map[string]*MockDevice

	// Found is returned by Scan.
	Found []Device
	// ScanErr is returned by Scan if set.
	ScanErr error
}

// NewMockLink returns an empty MockLink. Devices are created on first use.
func NewMockLink() *MockLink {
	return &MockLink{devices: make(map[string]*MockDevice)}
}

// Device returns the scripted device for address, creating it if needed.
func (l *MockLink) Device(address string) *MockDevice {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.devices[address]
	if !ok {
		d = &MockDevice{Address: address, subs: make(map[string]NotifyFunc)}
		l.devices[address] = d
	}
	return d
}

func (l *MockLink) Connect(ctx context.Context, address string) (Handle, error) {
	d := l.Device(address)

	d.mu.Lock()
	d.connects++
	gate, err := d.ConnectGate, d.ConnectErr
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, linkErr("connect", address, ctx.Err())
		}
	}
	if err != nil {
		return nil, linkErr("connect", address, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = make(chan struct{})
	d.connected = true
	return &mockHandle{dev: d, done: d.done}, nil
}

func (l *MockLink) Scan(ctx context.Context, timeout time.Duration) ([]Device, error) {
	if l.ScanErr != nil {
		return nil, l.ScanErr
	}
	var out []Device
	for _, d := range l.Found {
		if d.Name != "" {
			out = append(out, d)
		}
	}
	return out, nil
}

// MockWrite records one characteristic write.
type MockWrite struct {
	UUID string
	Data []byte
}

// MockDevice is the scripted peer behind a MockLink connection.
type MockDevice struct {
	Address string

	mu sync.Mutex
	// ConnectErr, WriteErr and SubscribeErr fail the matching operation.
	ConnectErr   error
	WriteErr     error
	SubscribeErr error
	// ConnectGate, when non-nil, holds Connect until it is closed or the
	// caller's context ends.
	ConnectGate chan struct{}

	connects  int
	closes    int
	connected bool
	writes    []MockWrite
	subs      map[string]NotifyFunc
	done      chan struct{}
}

// SetErrors configures failures under the device lock.
func (d *MockDevice) SetErrors(connect, write, subscribe error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ConnectErr, d.WriteErr, d.SubscribeErr = connect, write, subscribe
}

// Gate makes the next Connect block until the returned function is called.
func (d *MockDevice) Gate() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.ConnectGate = ch
	d.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Notify delivers payload to the subscriber of uuid. It reports false if
// nothing is subscribed.
func (d *MockDevice) Notify(uuid string, payload []byte) bool {
	d.mu.Lock()
	fn := d.subs[strings.ToLower(uuid)]
	d.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(payload)
	return true
}

// Drop simulates the peripheral going out of range.
func (d *MockDevice) Drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		d.connected = false
		d.subs = make(map[string]NotifyFunc)
		close(d.done)
	}
}

func (d *MockDevice) Writes() []MockWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MockWrite(nil), d.writes...)
}

func (d *MockDevice) Subscribed(uuid string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs[strings.ToLower(uuid)] != nil
}

func (d *MockDevice) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func (d *MockDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

func (d *MockDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

type mockHandle struct {
	dev  *MockDevice
	done chan struct{}
	once sync.Once
}

func (h *mockHandle) Write(ctx context.Context, uuid string, data []byte) error {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return linkErr("write", d.Address, ErrClosed)
	}
	if d.WriteErr != nil {
		return linkErr("write", d.Address, d.WriteErr)
	}
	d.writes = append(d.writes, MockWrite{UUID: uuid, Data: append([]byte(nil), data...)})
	return nil
}

func (h *mockHandle) Subscribe(ctx context.Context, uuid string, fn NotifyFunc) error {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return linkErr("subscribe", d.Address, ErrClosed)
	}
	if d.SubscribeErr != nil {
		return linkErr("subscribe", d.Address, d.SubscribeErr)
	}
	d.subs[strings.ToLower(uuid)] = fn
	return nil
}

func (h *mockHandle) Unsubscribe(ctx context.Context, uuid string) error {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, strings.ToLower(uuid))
	return nil
}

func (h *mockHandle) Done() <-chan struct{} { return h.done }

func (h *mockHandle) Close() error {
	h.once.Do(func() {
		d := h.dev
		d.mu.Lock()
		defer d.mu.Unlock()
		d.closes++
		if d.connected && d.done == h.done {
			d.connected = false
			d.subs = make(map[string]NotifyFunc)
			close(d.done)
		}
	})
	return nil
}
