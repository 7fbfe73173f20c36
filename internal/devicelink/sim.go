package devicelink

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/rris/internal/protocol"
	"github.com/banshee-data/rris/internal/timeutil"
)

// SimLink is an in-process Link that fabricates knee flexion data. It lets
// the rest of the system run without hardware.
type SimLink struct {
	Variant protocol.Variant
	Clock   timeutil.Clock
	devices []Device
}

// NewSimLink returns a simulator advertising count devices.
func NewSimLink(variant protocol.Variant, count int) *SimLink {
	devs := make([]Device, count)
	for i := range devs {
		devs[i] = Device{
			Address: fmt.Sprintf("SI:MU:LA:TE:00:%02X", i+1),
			Name:    fmt.Sprintf("RRIS-SIM-%d", i+1),
		}
	}
	return &SimLink{Variant: variant, Clock: timeutil.RealClock{}, devices: devs}
}

func (l *SimLink) Scan(ctx context.Context, timeout time.Duration) ([]Device, error) {
	return append([]Device(nil), l.devices...), nil
}

func (l *SimLink) Connect(ctx context.Context, address string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, linkErr("connect", address, err)
	}
	var seed int64
	for _, c := range address {
		seed = seed*31 + int64(c)
	}
	return &simHandle{
		link:    l,
		address: address,
		period:  100 * time.Millisecond,
		start:   l.Clock.Now(),
		rng:     rand.New(rand.NewSource(seed)),
		done:    make(chan struct{}),
	}, nil
}

type simHandle struct {
	link    *SimLink
	address string
	start   time.Time

	mu      sync.Mutex
	period  time.Duration
	rng     *rand.Rand
	cancel  context.CancelFunc
	done    chan struct{}
	closeMu sync.Once
}

func (h *simHandle) Write(ctx context.Context, uuid string, data []byte) error {
	if !strings.EqualFold(uuid, protocol.FrequencyUUID) {
		return nil
	}
	if len(data) < 2 {
		return linkErr("write", h.address, fmt.Errorf("frequency payload too short"))
	}
	ms := binary.LittleEndian.Uint16(data)
	if ms == 0 {
		ms = 1
	}
	h.mu.Lock()
	h.period = time.Duration(ms) * time.Millisecond
	h.mu.Unlock()
	return nil
}

func (h *simHandle) Subscribe(ctx context.Context, uuid string, fn NotifyFunc) error {
	if !strings.EqualFold(uuid, protocol.ResistanceUUID) {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return linkErr("subscribe", h.address, ErrClosed)
	default:
	}
	if h.cancel != nil {
		h.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.stream(runCtx, h.period, fn)
	return nil
}

func (h *simHandle) stream(ctx context.Context, period time.Duration, fn NotifyFunc) {
	ticker := h.link.Clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case now := <-ticker.C():
			elapsed := now.Sub(h.start)
			h.mu.Lock()
			noise := h.rng.NormFloat64() * 2
			h.mu.Unlock()
			// slow flex/extend cycle between roughly 100 and 500 ohms
			value := 300 + 200*math.Sin(2*math.Pi*elapsed.Seconds()/4) + noise
			fn(protocol.Encode(h.link.Variant, protocol.Sample{
				Value:     value,
				Timestamp: float64(elapsed.Milliseconds()),
			}))
		}
	}
}

func (h *simHandle) Unsubscribe(ctx context.Context, uuid string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil && strings.EqualFold(uuid, protocol.ResistanceUUID) {
		h.cancel()
		h.cancel = nil
	}
	return nil
}

func (h *simHandle) Done() <-chan struct{} { return h.done }

func (h *simHandle) Close() error {
	h.closeMu.Do(func() {
		h.mu.Lock()
		if h.cancel != nil {
			h.cancel()
		}
		h.mu.Unlock()
		close(h.done)
	})
	return nil
}
