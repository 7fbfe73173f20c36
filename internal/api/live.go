package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/rris/internal/buffer"
	"github.com/banshee-data/rris/internal/events"
	"github.com/banshee-data/rris/internal/export"
	"github.com/banshee-data/rris/internal/httputil"
	"github.com/banshee-data/rris/internal/scheduler"
)

const (
	// DefaultLiveWindow is how many trailing samples per device the live
	// stream and chart carry.
	DefaultLiveWindow = 500

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 64
	liveChartID    = "rris_live"
)

// liveMessage is what websocket clients receive.
type liveMessage struct {
	Type  string           `json:"type"`
	Frame *scheduler.Frame `json:"frame,omitempty"`
	Event *events.Event    `json:"event,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub streams scheduler frames and session events to websocket clients. It
// is a scheduler.Sink.
type Hub struct {
	log      *logrus.Entry
	window   int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub returns a hub that trims every device to its last window samples.
func NewHub(logger *logrus.Logger, window int) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if window <= 0 {
		window = DefaultLiveWindow
	}
	return &Hub{
		log:     logger.WithField("component", "websocket"),
		window:  window,
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Consume broadcasts a trimmed copy of f.
func (h *Hub) Consume(_ context.Context, f scheduler.Frame) error {
	if h.Clients() == 0 {
		return nil
	}
	f = trimFrame(f, h.window)
	data, err := json.Marshal(liveMessage{Type: "frame", Frame: &f})
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	h.broadcast(data)
	return nil
}

// ForwardEvents relays bus events to clients until ctx is done.
func (h *Hub) ForwardEvents(ctx context.Context, bus *events.Bus) error {
	ch, cancel := bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(liveMessage{Type: "event", Event: &e})
			if err != nil {
				h.log.WithError(err).Warn("failed to encode event")
				continue
			}
			h.broadcast(data)
		}
	}
}

// broadcast queues data for every client. Clients that cannot keep up are
// dropped.
func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping slow websocket client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// HandleWebSocket upgrades the request and streams to it until the client
// goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientSendSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.WithField("remote", r.RemoteAddr).Info("websocket client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client messages and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Warn("websocket read failed")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trimFrame keeps the last n samples of every device.
func trimFrame(f scheduler.Frame, n int) scheduler.Frame {
	devices := make([]scheduler.DeviceFrame, len(f.Devices))
	for i, d := range f.Devices {
		d.Data = tail(d.Data, n)
		devices[i] = d
	}
	f.Devices = devices
	return f
}

func tail(s buffer.Snapshot, n int) buffer.Snapshot {
	if s.Len() <= n {
		return s
	}
	start := s.Len() - n
	out := buffer.Snapshot{Time: s.Time[start:], Raw: s.Raw[start:]}
	if len(s.Calibrated) > 0 {
		out.Calibrated = s.Calibrated[start:]
	}
	return out
}

func lineData(t, y []float64) []opts.LineData {
	data := make([]opts.LineData, 0, len(y))
	for i := range y {
		if i >= len(t) {
			break
		}
		data = append(data, opts.LineData{Value: []interface{}{t[i] / 1000, y[i]}})
	}
	return data
}

type liveScriptData struct {
	ChartID template.JS
	Mode    string
}

// liveScript patches the rendered chart from the websocket stream.
var liveScript = template.Must(template.New("live").Parse(`<script>
(function () {
  if (typeof goecharts_{{.ChartID}} === "undefined") { return; }
  const chart = goecharts_{{.ChartID}};
  const mode = {{.Mode}};
  const proto = location.protocol === "https:" ? "wss://" : "ws://";
  const ws = new WebSocket(proto + location.host + "/ws");
  ws.onmessage = function (msg) {
    const m = JSON.parse(msg.data);
    if (m.type !== "frame") { return; }
    const series = [];
    for (const d of m.frame.devices || []) {
      const t = d.data.time || [];
      const pts = function (ys) { return ys.map(function (y, i) { return [t[i] / 1000, y]; }); };
      if (mode !== "calibrated") { series.push({name: d.status.address + " raw", type: "line", showSymbol: false, data: pts(d.data.raw || [])}); }
      if (mode !== "raw") { series.push({name: d.status.address + " angle", type: "line", showSymbol: false, data: pts(d.data.calibrated || [])}); }
    }
    chart.setOption({series: series}, {replaceMerge: ["series"]});
  };
})();
</script>
`))

func (s *Server) showLiveChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	mode, err := export.ParsePlotMode(r.URL.Query().Get("mode"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	frame, err := s.sched.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if mode.NeedsCalibration() && !(frame.AllCalibrated && len(frame.Devices) > 0) {
		mode = export.PlotRaw
	}
	frame = trimFrame(frame, DefaultLiveWindow)

	yName := "Resistance"
	switch mode {
	case export.PlotCalibrated:
		yName = "Angle (deg)"
	case export.PlotBoth:
		yName = "Resistance / Angle"
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "RRIS Live", Theme: "dark", Width: "100%", Height: "640px", ChartID: liveChartID}),
		charts.WithTitleOpts(opts.Title{Title: "Live sensor data", Subtitle: fmt.Sprintf("connection=%s devices=%d mode=%s", frame.Connection, len(frame.Devices), mode)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: yName}),
	)
	for _, d := range frame.Devices {
		if mode != export.PlotCalibrated {
			line.AddSeries(d.Status.Address+" raw", lineData(d.Data.Time, d.Data.Raw))
		}
		if mode != export.PlotRaw {
			line.AddSeries(d.Status.Address+" angle", lineData(d.Data.Time, d.Data.Calibrated))
		}
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	if s.hub != nil {
		if err := liveScript.Execute(&buf, liveScriptData{ChartID: template.JS(liveChartID), Mode: string(mode)}); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
