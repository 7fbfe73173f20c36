package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rris/internal/buffer"
	"github.com/banshee-data/rris/internal/events"
	"github.com/banshee-data/rris/internal/monitoring"
	"github.com/banshee-data/rris/internal/scheduler"
	"github.com/banshee-data/rris/internal/session"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(LoggingMiddleware(monitoring.Discard(), http.HandlerFunc(h.HandleWebSocket)))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) liveMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m liveMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestHubStreamsFrames(t *testing.T) {
	h := NewHub(monitoring.Discard(), 2)
	assert.Equal(t, "websocket", h.Name())

	// Without clients a frame is dropped silently.
	require.NoError(t, h.Consume(context.Background(), scheduler.Frame{}))

	conn := dialHub(t, h)
	frame := scheduler.Frame{
		Time:       time.Unix(10, 0).UTC(),
		Connection: session.Connected,
		Devices: []scheduler.DeviceFrame{{
			Status: session.Status{Address: "AA", State: session.Connected},
			Data:   buffer.Snapshot{Time: []float64{0, 100, 200}, Raw: []float64{1, 2, 3}},
		}},
	}
	require.NoError(t, h.Consume(context.Background(), frame))

	m := readMessage(t, conn)
	assert.Equal(t, "frame", m.Type)
	require.NotNil(t, m.Frame)
	require.Len(t, m.Frame.Devices, 1)
	if diff := cmp.Diff(buffer.Snapshot{Time: []float64{100, 200}, Raw: []float64{2, 3}}, m.Frame.Devices[0].Data); diff != "" {
		t.Errorf("streamed snapshot mismatch (-want +got):\n%s", diff)
	}
	// The caller's frame is left untouched.
	assert.Len(t, frame.Devices[0].Data.Raw, 3)
}

func TestHubForwardsEvents(t *testing.T) {
	h := NewHub(monitoring.Discard(), 0)
	conn := dialHub(t, h)

	bus := events.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ForwardEvents(ctx, bus) }()

	// Publish until the forwarder has subscribed and the first event lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(events.Event{Kind: events.KindCalibration, Address: "AA", Calibrated: true})
			}
		}
	}()

	m := readMessage(t, conn)
	assert.Equal(t, "event", m.Type)
	require.NotNil(t, m.Event)
	assert.Equal(t, "AA", m.Event.Address)
	assert.True(t, m.Event.Calibrated)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ForwardEvents did not return")
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	h := NewHub(monitoring.Discard(), 0)
	conn := dialHub(t, h)
	h.Close()
	assert.Equal(t, 0, h.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestTail(t *testing.T) {
	s := buffer.Snapshot{Time: []float64{0, 1, 2, 3}, Raw: []float64{4, 5, 6, 7}, Calibrated: []float64{8, 9, 10, 11}}
	tests := []struct {
		n    int
		want buffer.Snapshot
	}{
		{10, s},
		{4, s},
		{1, buffer.Snapshot{Time: []float64{3}, Raw: []float64{7}, Calibrated: []float64{11}}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, tail(s, tt.n)); diff != "" {
			t.Errorf("tail(%d) mismatch (-want +got):\n%s", tt.n, diff)
		}
	}
	raw := buffer.Snapshot{Time: []float64{0, 1}, Raw: []float64{4, 5}}
	if got := tail(raw, 1); got.Calibrated != nil {
		t.Errorf("tail kept calibrated = %v, want nil", got.Calibrated)
	}
}
