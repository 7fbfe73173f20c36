package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/rris/internal/calibration"
	"github.com/banshee-data/rris/internal/catalog"
	"github.com/banshee-data/rris/internal/db"
	"github.com/banshee-data/rris/internal/devicelink"
	"github.com/banshee-data/rris/internal/export"
	"github.com/banshee-data/rris/internal/httputil"
	"github.com/banshee-data/rris/internal/protocol"
	"github.com/banshee-data/rris/internal/scheduler"
	"github.com/banshee-data/rris/internal/security"
	"github.com/banshee-data/rris/internal/session"
	"github.com/banshee-data/rris/internal/timeutil"
	"github.com/banshee-data/rris/internal/upload"
	"github.com/banshee-data/rris/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Uploader sends a saved recording to remote storage.
type Uploader interface {
	Upload(ctx context.Context, path, key string, tags []string) (upload.Result, error)
}

// Config wires a Server. Archive, Uploader and Hub are optional.
type Config struct {
	Scheduler  *scheduler.Scheduler
	Link       devicelink.Link
	Recordings *export.Writer
	Catalog    *catalog.Catalog
	Archive    *db.DB
	Uploader   Uploader
	Hub        *Hub
	Clock      timeutil.Clock
	Logger     *logrus.Logger
}

type Server struct {
	sched    *scheduler.Scheduler
	link     devicelink.Link
	files    *export.Writer
	catalog  *catalog.Catalog
	archive  *db.DB
	uploader Uploader
	hub      *Hub
	clock    timeutil.Clock
	log      *logrus.Entry
}

func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Server{
		sched:    cfg.Scheduler,
		link:     cfg.Link,
		files:    cfg.Recordings,
		catalog:  cfg.Catalog,
		archive:  cfg.Archive,
		uploader: cfg.Uploader,
		hub:      cfg.Hub,
		clock:    cfg.Clock,
		log:      cfg.Logger.WithField("component", "api"),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logger.Infof(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/scan", s.scanDevices)
	mux.HandleFunc("/api/connect", s.connectDevices)
	mux.HandleFunc("/api/disconnect", s.disconnectDevices)
	mux.HandleFunc("/api/frequency", s.handleFrequency)

	mux.HandleFunc("/api/calibration/capture", s.captureBound)
	mux.HandleFunc("/api/calibration/truth", s.setTruth)
	mux.HandleFunc("/api/calibration/derive", s.deriveCalibration)

	mux.HandleFunc("/api/record/start", s.startRecording)
	mux.HandleFunc("/api/record/stop", s.stopRecording)
	mux.HandleFunc("/api/clip", s.clipBuffers)
	mux.HandleFunc("/api/clip/restore", s.restoreBuffers)
	mux.HandleFunc("/api/clip/commit", s.commitBuffers)
	mux.HandleFunc("/api/clear", s.clearBuffers)
	mux.HandleFunc("/api/plot_modes", s.listPlotModes)
	mux.HandleFunc("/api/preview", s.previewLive)

	mux.HandleFunc("/api/recordings", s.listRecordings)
	mux.HandleFunc("/api/recordings/save", s.saveRecording)
	mux.HandleFunc("/api/recordings/notes", s.setNotes)
	mux.HandleFunc("/api/recordings/delete", s.deleteRecording)
	mux.HandleFunc("/api/recordings/upload", s.uploadRecording)
	mux.HandleFunc("/api/recordings/preview", s.previewRecording)
	mux.HandleFunc("/api/recordings/archive", s.listArchive)

	mux.HandleFunc("/live", s.showLiveChart)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	}
	return mux
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		calErr   *calibration.CalibrationError
		inputErr *calibration.InputError
		dupErr   *session.DuplicateAddressError
	)
	switch {
	case errors.Is(err, scheduler.ErrUnknownDevice),
		errors.Is(err, catalog.ErrUnknownFile),
		errors.Is(err, db.ErrNotFound),
		errors.Is(err, os.ErrNotExist):
		httputil.NotFound(w, err.Error())
	case errors.As(err, &calErr),
		errors.As(err, &inputErr),
		errors.Is(err, calibration.ErrNotCalibrated),
		errors.Is(err, calibration.ErrEmptyCapture),
		errors.Is(err, protocol.ErrUnsupportedFrequency),
		errors.Is(err, catalog.ErrUnknownTag),
		errors.Is(err, security.ErrPathEscape):
		httputil.BadRequest(w, err.Error())
	case errors.As(err, &dupErr),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrCaptureInProgress),
		errors.Is(err, scheduler.ErrNoDevices):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.WithError(err).Warn("request failed")
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

type statusResponse struct {
	scheduler.Overview
	FrequencyChoices []int `json:"frequency_choices"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	o, err := s.sched.Overview(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if o.Devices == nil {
		o.Devices = []session.Status{}
	}
	httputil.WriteJSONOK(w, statusResponse{Overview: o, FrequencyChoices: protocol.FrequencyChoices})
}
