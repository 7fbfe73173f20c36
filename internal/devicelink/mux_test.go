package devicelink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// testPort serves canned input and then reports EOF.
type testPort struct {
	mu       sync.Mutex
	input    *strings.Reader
	written  bytes.Buffer
	writeErr error
	short    bool
	closed   bool
}

func newTestPort(input string) *testPort {
	return &testPort{input: strings.NewReader(input)}
}

func (p *testPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	return p.input.Read(buf)
}

func (p *testPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	if p.short {
		return p.written.Write(data[:len(data)-1])
	}
	return p.written.Write(data)
}

func (p *testPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *testPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func TestMux_SubscribeUnique(t *testing.T) {
	mux := NewMux(newTestPort(""), 0)
	id1, _ := mux.Subscribe()
	id2, _ := mux.Subscribe()
	if id1 == "" || id1 == id2 {
		t.Errorf("subscription IDs %q and %q should be unique and non-empty", id1, id2)
	}
	if mux.buffer != DefaultSubscriberBuffer {
		t.Errorf("buffer = %d, want default %d", mux.buffer, DefaultSubscriberBuffer)
	}
}

func TestMux_MonitorFansOutLines(t *testing.T) {
	mux := NewMux(newTestPort("OK CONNECT A\nLOST A\n"), 8)
	_, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	if err := mux.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor returned %v at EOF", err)
	}
	for i, ch := range []<-chan string{ch1, ch2} {
		var got []string
		for len(ch) > 0 {
			got = append(got, <-ch)
		}
		if strings.Join(got, "|") != "OK CONNECT A|LOST A" {
			t.Errorf("subscriber %d got %q", i, got)
		}
	}
}

func TestMux_MonitorCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	mux := NewMux(struct {
		io.Reader
		io.Writer
		io.Closer
	}{r, io.Discard, r}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- mux.Monitor(ctx) }()
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestMux_SendCommand(t *testing.T) {
	port := newTestPort("")
	mux := NewMux(port, 1)
	if err := mux.SendCommand("SCAN 10"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := mux.SendCommand("LIST\n"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got := port.Written(); got != "SCAN 10\nLIST\n" {
		t.Errorf("written = %q", got)
	}

	port.short = true
	if err := mux.SendCommand("X"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("short write err = %v, want ErrWriteFailed", err)
	}
	port.short = false
	port.writeErr = errors.New("boom")
	if err := mux.SendCommand("X"); err == nil {
		t.Error("expected write error")
	}
}

func TestMux_CloseClosesSubscribers(t *testing.T) {
	port := newTestPort("")
	mux := NewMux(port, 1)
	id, ch := mux.Subscribe()
	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	mux.Unsubscribe(id)
	if err := mux.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	_, late := mux.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribing after Close should yield a closed channel")
	}
	if !port.closed {
		t.Error("port not closed")
	}
}

func TestMux_AdminSendCommand(t *testing.T) {
	port := newTestPort("")
	mux := NewMux(port, 1)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	form := url.Values{"command": {"SCAN 5"}}
	req := httptest.NewRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if got := port.Written(); got != "SCAN 5\n" {
		t.Errorf("written = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/debug/send-command-api", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}
