package devicelink

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// The BLE bridge is a microcontroller attached over serial that owns the
// radio. It speaks a line protocol:
//
//	host   -> bridge: CONNECT <addr> | DISCONNECT <addr> | WRITE <addr> <uuid> <hex>
//	                  SUB <addr> <uuid> | UNSUB <addr> <uuid> | SCAN <seconds>
//	bridge -> host:   OK <verb> <addr> | ERR <verb> <addr> <message>
//	                  NOTIFY <addr> <uuid> <hex> | LOST <addr>
//	                  DEV <addr> <name> | SCANDONE

// DefaultCommandTimeout bounds the wait for a bridge acknowledgement.
const DefaultCommandTimeout = 5 * time.Second

type bridgeLine struct {
	verb    string
	address string
	args    []string
}

func parseBridgeLine(line string) (bridgeLine, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return bridgeLine{}, false
	}
	if line == "SCANDONE" {
		return bridgeLine{verb: line}, true
	}
	verb, rest, ok := strings.Cut(line, " ")
	if !ok {
		return bridgeLine{}, false
	}
	switch verb {
	case "OK":
		f := strings.Fields(rest)
		if len(f) < 2 {
			return bridgeLine{}, false
		}
		return bridgeLine{verb: verb, address: f[1], args: []string{f[0]}}, true
	case "ERR":
		f := strings.SplitN(rest, " ", 3)
		if len(f) < 2 {
			return bridgeLine{}, false
		}
		msg := "bridge error"
		if len(f) == 3 {
			msg = f[2]
		}
		return bridgeLine{verb: verb, address: f[1], args: []string{f[0], msg}}, true
	case "NOTIFY":
		f := strings.Fields(rest)
		if len(f) != 3 {
			return bridgeLine{}, false
		}
		return bridgeLine{verb: verb, address: f[0], args: f[1:]}, true
	case "LOST":
		return bridgeLine{verb: verb, address: strings.TrimSpace(rest)}, true
	case "DEV":
		addr, name, _ := strings.Cut(rest, " ")
		return bridgeLine{verb: verb, address: addr, args: []string{strings.TrimSpace(name)}}, true
	}
	return bridgeLine{}, false
}

// BridgeLink is a Link backed by a serial BLE bridge.
type BridgeLink[T Port] struct {
	mux     *Mux[T]
	Timeout time.Duration
}

// NewBridgeLink wraps an open port.
func NewBridgeLink[T Port](port T) *BridgeLink[T] {
	return &BridgeLink[T]{mux: NewMux(port, DefaultSubscriberBuffer), Timeout: DefaultCommandTimeout}
}

// Mux exposes the underlying multiplexer, e.g. for admin routes.
func (l *BridgeLink[T]) Mux() *Mux[T] { return l.mux }

// Run pumps bridge output until ctx is done.
func (l *BridgeLink[T]) Run(ctx context.Context) error {
	return l.mux.Monitor(ctx)
}

// Close closes the serial port.
func (l *BridgeLink[T]) Close() error { return l.mux.Close() }

func (l *BridgeLink[T]) Connect(ctx context.Context, address string) (Handle, error) {
	id, lines := l.mux.Subscribe()
	h := &bridgeHandle[T]{
		link:    l,
		address: address,
		subID:   id,
		lines:   lines,
		notify:  make(map[string]NotifyFunc),
		replies: make(chan bridgeLine, 4),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go h.loop()

	if err := h.request(ctx, "CONNECT", "CONNECT "+address); err != nil {
		h.shutdown()
		return nil, linkErr("connect", address, err)
	}
	return h, nil
}

// Scan asks the bridge for nearby named devices.
func (l *BridgeLink[T]) Scan(ctx context.Context, timeout time.Duration) ([]Device, error) {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	id, lines := l.mux.Subscribe()
	defer l.mux.Unsubscribe(id)

	secs := int((timeout + time.Second - 1) / time.Second)
	if err := l.mux.SendCommand(fmt.Sprintf("SCAN %d", secs)); err != nil {
		return nil, linkErr("scan", "", err)
	}

	deadline := time.NewTimer(timeout + l.Timeout)
	defer deadline.Stop()
	seen := make(map[string]bool)
	var found []Device
	for {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		case <-deadline.C:
			return found, nil
		case line, ok := <-lines:
			if !ok {
				return found, linkErr("scan", "", ErrClosed)
			}
			bl, ok := parseBridgeLine(line)
			if !ok {
				continue
			}
			switch bl.verb {
			case "SCANDONE":
				return found, nil
			case "DEV":
				if bl.args[0] == "" || seen[bl.address] {
					continue
				}
				seen[bl.address] = true
				found = append(found, Device{Address: bl.address, Name: bl.args[0]})
			}
		}
	}
}

type bridgeHandle[T Port] struct {
	link    *BridgeLink[T]
	address string
	subID   string
	lines   <-chan string

	mu     sync.Mutex
	notify map[string]NotifyFunc

	replies   chan bridgeLine
	done      chan struct{}
	doneOnce  sync.Once
	stop      chan struct{}
	closeOnce sync.Once
}

func (h *bridgeHandle[T]) loop() {
	for {
		select {
		case <-h.stop:
			return
		case line, ok := <-h.lines:
			if !ok {
				h.markDone()
				return
			}
			bl, ok := parseBridgeLine(line)
			if !ok || !strings.EqualFold(bl.address, h.address) {
				continue
			}
			switch bl.verb {
			case "NOTIFY":
				h.mu.Lock()
				fn := h.notify[strings.ToLower(bl.args[0])]
				h.mu.Unlock()
				if fn == nil {
					continue
				}
				payload, err := hex.DecodeString(bl.args[1])
				if err != nil {
					continue
				}
				fn(payload)
			case "OK", "ERR":
				select {
				case h.replies <- bl:
				default:
				}
			case "LOST":
				h.markDone()
			}
		}
	}
}

func (h *bridgeHandle[T]) markDone() {
	h.doneOnce.Do(func() { close(h.done) })
}

// request sends a command and waits for the matching acknowledgement.
func (h *bridgeHandle[T]) request(ctx context.Context, verb, command string) error {
drain:
	for {
		select {
		case <-h.replies:
		default:
			break drain
		}
	}
	if err := h.link.mux.SendCommand(command); err != nil {
		return err
	}
	timeout := time.NewTimer(h.link.Timeout)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("timed out waiting for %s acknowledgement", verb)
		case <-h.done:
			return errors.New("connection lost")
		case r := <-h.replies:
			if r.args[0] != verb {
				continue
			}
			if r.verb == "ERR" {
				return errors.New(r.args[1])
			}
			return nil
		}
	}
}

func (h *bridgeHandle[T]) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *bridgeHandle[T]) Write(ctx context.Context, uuid string, data []byte) error {
	if h.isDone() {
		return linkErr("write", h.address, ErrClosed)
	}
	cmd := fmt.Sprintf("WRITE %s %s %s", h.address, uuid, hex.EncodeToString(data))
	return linkErr("write", h.address, h.request(ctx, "WRITE", cmd))
}

func (h *bridgeHandle[T]) Subscribe(ctx context.Context, uuid string, fn NotifyFunc) error {
	if h.isDone() {
		return linkErr("subscribe", h.address, ErrClosed)
	}
	h.mu.Lock()
	h.notify[strings.ToLower(uuid)] = fn
	h.mu.Unlock()
	if err := h.request(ctx, "SUB", fmt.Sprintf("SUB %s %s", h.address, uuid)); err != nil {
		h.mu.Lock()
		delete(h.notify, strings.ToLower(uuid))
		h.mu.Unlock()
		return linkErr("subscribe", h.address, err)
	}
	return nil
}

func (h *bridgeHandle[T]) Unsubscribe(ctx context.Context, uuid string) error {
	h.mu.Lock()
	delete(h.notify, strings.ToLower(uuid))
	h.mu.Unlock()
	if h.isDone() {
		return nil
	}
	return linkErr("unsubscribe", h.address, h.request(ctx, "UNSUB", fmt.Sprintf("UNSUB %s %s", h.address, uuid)))
}

func (h *bridgeHandle[T]) Done() <-chan struct{} { return h.done }

// Close asks the bridge to drop the connection and releases the
// subscription. It never fails on an already lost connection.
func (h *bridgeHandle[T]) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if !h.isDone() {
			ctx, cancel := context.WithTimeout(context.Background(), h.link.Timeout)
			err = linkErr("disconnect", h.address, h.request(ctx, "DISCONNECT", "DISCONNECT "+h.address))
			cancel()
		}
		h.shutdown()
	})
	return err
}

func (h *bridgeHandle[T]) shutdown() {
	close(h.stop)
	h.markDone()
	h.link.mux.Unsubscribe(h.subID)
}
