// Package devicelink abstracts the wireless transport used to reach a sensor:
// connect by address, write a characteristic, subscribe to notifications and
// disconnect. Implementations exist for a serial BLE bridge, the host's own
// Bluetooth adapter, an in-process simulator and a test double.
package devicelink

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NotifyFunc receives the raw payload of one characteristic notification. It
// is called from the link's own goroutine and must not block for long.
type NotifyFunc func(payload []byte)

// Link opens connections to devices.
type Link interface {
	Connect(ctx context.Context, address string) (Handle, error)
}

// Handle is one open device connection. Close must be safe to call more than
// once and from any state.
type Handle interface {
	Write(ctx context.Context, uuid string, data []byte) error
	Subscribe(ctx context.Context, uuid string, fn NotifyFunc) error
	Unsubscribe(ctx context.Context, uuid string) error
	// Done is closed when the remote side drops the connection.
	Done() <-chan struct{}
	Close() error
}

// Device is a discovered peripheral.
type Device struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Scanner is implemented by links that can discover nearby devices. Only
// devices advertising a name are returned.
type Scanner interface {
	Scan(ctx context.Context, timeout time.Duration) ([]Device, error)
}

// DefaultScanTimeout bounds a discovery pass.
const DefaultScanTimeout = 10 * time.Second

// ErrClosed is returned by operations on a closed handle.
var ErrClosed = errors.New("device link closed")

// LinkError wraps a transport failure with the operation and device it
// affected.
type LinkError struct {
	Op      string
	Address string
	Err     error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

func linkErr(op, address string, err error) error {
	if err == nil {
		return nil
	}
	var le *LinkError
	if errors.As(err, &le) {
		return err
	}
	return &LinkError{Op: op, Address: address, Err: err}
}
