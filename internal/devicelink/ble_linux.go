//go:build linux

package devicelink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// BLELink talks to sensors through the host's Bluetooth adapter via BlueZ.
type BLELink struct {
	adapter    *bluetooth.Adapter
	enableOnce sync.Once
	enableErr  error
	// BlueZ handles one outgoing connection attempt at a time reliably.
	connectMu sync.Mutex
	conns     connTable
}

// NewBLELink returns a link on the default adapter. The adapter is enabled
// on first use.
func NewBLELink() *BLELink {
	return &BLELink{adapter: bluetooth.DefaultAdapter}
}

func (l *BLELink) enable() error {
	l.enableOnce.Do(func() {
		l.adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
			if !connected {
				l.conns.dropped(dev.Address.String())
			}
		})
		l.enableErr = l.adapter.Enable()
	})
	return l.enableErr
}

type bleConnectResult struct {
	chars      map[string]bluetooth.DeviceCharacteristic
	disconnect func() error
	err        error
}

func (l *BLELink) Connect(ctx context.Context, address string) (Handle, error) {
	if err := l.enable(); err != nil {
		return nil, linkErr("connect", address, fmt.Errorf("enable adapter: %w", err))
	}
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, linkErr("connect", address, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	ch := make(chan bleConnectResult, 1)
	go func() {
		l.connectMu.Lock()
		defer l.connectMu.Unlock()
		dev, err := l.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			ch <- bleConnectResult{err: err}
			return
		}
		res := bleConnectResult{
			chars:      make(map[string]bluetooth.DeviceCharacteristic),
			disconnect: dev.Disconnect,
		}
		services, err := dev.DiscoverServices(nil)
		if err != nil {
			dev.Disconnect()
			ch <- bleConnectResult{err: fmt.Errorf("discover services: %w", err)}
			return
		}
		for _, svc := range services {
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				continue
			}
			for _, c := range chars {
				res.chars[strings.ToLower(c.UUID().String())] = c
			}
		}
		ch <- res
	}()

	select {
	case <-ctx.Done():
		// release the connection if the attempt completes after we gave up
		go func() {
			if r := <-ch; r.err == nil {
				r.disconnect()
			}
		}()
		return nil, linkErr("connect", address, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, linkErr("connect", address, r.err)
		}
		h := &bleHandle{
			address:    address,
			chars:      r.chars,
			disconnect: r.disconnect,
			done:       make(chan struct{}),
		}
		h.untrack = l.conns.track(address, h.lost)
		return h, nil
	}
}

func (l *BLELink) Scan(ctx context.Context, timeout time.Duration) ([]Device, error) {
	if err := l.enable(); err != nil {
		return nil, linkErr("scan", "", err)
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	var (
		mu    sync.Mutex
		found []Device
		seen  = make(map[string]bool)
	)
	errc := make(chan error, 1)
	go func() {
		errc <- l.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			name := r.LocalName()
			if name == "" {
				return
			}
			addr := r.Address.String()
			mu.Lock()
			defer mu.Unlock()
			if seen[addr] {
				return
			}
			seen[addr] = true
			found = append(found, Device{Address: addr, Name: name})
		})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		if err != nil {
			return nil, linkErr("scan", "", err)
		}
	case <-ctx.Done():
		l.adapter.StopScan()
		<-errc
	case <-timer.C:
		l.adapter.StopScan()
		<-errc
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]Device(nil), found...), ctx.Err()
}

type bleHandle struct {
	address    string
	chars      map[string]bluetooth.DeviceCharacteristic
	disconnect func() error
	untrack    func()
	done       chan struct{}
	once       sync.Once
}

func (h *bleHandle) characteristic(op, uuid string) (bluetooth.DeviceCharacteristic, error) {
	c, ok := h.chars[strings.ToLower(uuid)]
	if !ok {
		return c, linkErr(op, h.address, fmt.Errorf("characteristic %s not found", uuid))
	}
	return c, nil
}

func (h *bleHandle) Write(ctx context.Context, uuid string, data []byte) error {
	c, err := h.characteristic("write", uuid)
	if err != nil {
		return err
	}
	_, err = c.WriteWithoutResponse(data)
	return linkErr("write", h.address, err)
}

func (h *bleHandle) Subscribe(ctx context.Context, uuid string, fn NotifyFunc) error {
	c, err := h.characteristic("subscribe", uuid)
	if err != nil {
		return err
	}
	return linkErr("subscribe", h.address, c.EnableNotifications(func(buf []byte) {
		fn(append([]byte(nil), buf...))
	}))
}

func (h *bleHandle) Unsubscribe(ctx context.Context, uuid string) error {
	c, err := h.characteristic("unsubscribe", uuid)
	if err != nil {
		return err
	}
	return linkErr("unsubscribe", h.address, c.EnableNotifications(nil))
}

func (h *bleHandle) Done() <-chan struct{} { return h.done }

// lost marks the handle done after the adapter reports the device gone.
func (h *bleHandle) lost() {
	h.once.Do(func() { close(h.done) })
}

func (h *bleHandle) Close() error {
	if h.untrack != nil {
		h.untrack()
	}
	var err error
	h.once.Do(func() {
		err = h.disconnect()
		close(h.done)
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		return linkErr("disconnect", h.address, err)
	}
	return nil
}
