package devicelink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/rris/internal/protocol"
	"github.com/banshee-data/rris/internal/timeutil"
)

func TestMockLinkLifecycle(t *testing.T) {
	link := NewMockLink()
	ctx := context.Background()
	h, err := link.Connect(ctx, "AA")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dev := link.Device("AA")
	if !dev.Connected() {
		t.Fatal("device should be connected")
	}

	if err := h.Write(ctx, protocol.FrequencyUUID, []byte{1, 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var got []byte
	if err := h.Subscribe(ctx, protocol.ResistanceUUID, func(p []byte) { got = p }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !dev.Notify(protocol.ResistanceUUID, []byte{9}) || len(got) != 1 {
		t.Error("notification not delivered")
	}

	h.Close()
	h.Close()
	if dev.Connected() || dev.Closes() != 1 {
		t.Errorf("connected=%v closes=%d after Close", dev.Connected(), dev.Closes())
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done should be closed after Close")
	}
	if err := h.Write(ctx, protocol.FrequencyUUID, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close err = %v", err)
	}
}

func TestMockLinkGateHonoursContext(t *testing.T) {
	link := NewMockLink()
	release := link.Device("AA").Gate()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := link.Connect(ctx, "AA"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestMockLinkScanFiltersUnnamed(t *testing.T) {
	link := NewMockLink()
	link.Found = []Device{{Address: "A", Name: "RRIS"}, {Address: "B"}}
	devs, err := link.Scan(context.Background(), time.Second)
	if err != nil || len(devs) != 1 || devs[0].Address != "A" {
		t.Errorf("Scan = %v, %v", devs, err)
	}
}

func TestSimLinkStreamsAtConfiguredRate(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	link := NewSimLink(protocol.VariantLite, 2)
	link.Clock = clock

	devs, _ := link.Scan(context.Background(), 0)
	if len(devs) != 2 {
		t.Fatalf("Scan returned %d devices, want 2", len(devs))
	}

	ctx := context.Background()
	h, err := link.Connect(ctx, devs[0].Address)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	payload, _ := protocol.FrequencyPayload(50)
	if err := h.Write(ctx, protocol.FrequencyUUID, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	samples := make(chan protocol.Sample, 4)
	err = h.Subscribe(ctx, protocol.ResistanceUUID, func(p []byte) {
		s, err := protocol.Decode(protocol.VariantLite, p)
		if err == nil {
			samples <- s
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var ticker *timeutil.MockTicker
	deadline := time.Now().Add(2 * time.Second)
	for ticker == nil && time.Now().Before(deadline) {
		if ts := clock.Tickers(); len(ts) > 0 {
			ticker = ts[0]
		}
		time.Sleep(time.Millisecond)
	}
	if ticker == nil {
		t.Fatal("simulator never started its ticker")
	}
	if ticker.Interval() != 20*time.Millisecond {
		t.Errorf("ticker interval = %v, want 20ms", ticker.Interval())
	}

	clock.Advance(20 * time.Millisecond)
	select {
	case s := <-samples:
		if s.Timestamp != 20 {
			t.Errorf("timestamp = %v, want 20", s.Timestamp)
		}
		if s.Value < 50 || s.Value > 550 {
			t.Errorf("value %v outside simulated range", s.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sample after advancing the clock")
	}
}
