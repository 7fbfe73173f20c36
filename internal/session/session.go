package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/rris/internal/buffer"
	"github.com/banshee-data/rris/internal/calibration"
	"github.com/banshee-data/rris/internal/devicelink"
	"github.com/banshee-data/rris/internal/protocol"
	"github.com/banshee-data/rris/internal/timeutil"
)

var (
	// ErrNotConnected is returned for operations that need a live device.
	ErrNotConnected = errors.New("device not connected")
	// ErrCaptureInProgress is returned when a capture is already running on
	// the session.
	ErrCaptureInProgress = errors.New("calibration capture already in progress")
	// ErrAlreadyStarted is returned when Run is called on a session that has
	// already been run. Reconnecting uses a new session.
	ErrAlreadyStarted = errors.New("session already started")
)

// Options configures a Session. Zero values select sensible defaults.
type Options struct {
	Variant   protocol.Variant
	Frequency *FrequencySelector
	Clock     timeutil.Clock
	Logger    *logrus.Logger

	Status      StatusNotifier
	Calibration CalibrationNotifier
	Activity    ActivityNotifier

	// RequireCalibration gates StartRecording on a derived calibration.
	RequireCalibration bool
	// CaptureWindow is how long a calibration capture samples.
	CaptureWindow time.Duration
	// ConnectTimeout bounds link connection and configuration.
	ConnectTimeout time.Duration
}

// Session is one device's connection, calibration and recorded samples.
type Session struct {
	address string
	opts    Options
	log     *logrus.Entry
	cal     *calibration.Model
	buf     *buffer.Buffer

	mu          sync.Mutex
	state       State
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	recording   bool
	capturing   bool
	current     float64
	currentTime float64
	hasCurrent  bool
	frequency   int
	lastLog     string
	jobs        chan func(context.Context)
	done        chan struct{}
}

// New creates a disconnected session for address.
func New(address string, opts Options) *Session {
	if opts.Variant == "" {
		opts.Variant = protocol.VariantFull
	}
	if opts.Frequency == nil {
		opts.Frequency = NewFrequencySelector()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.CaptureWindow <= 0 {
		opts.CaptureWindow = calibration.DefaultWindow
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	return &Session{
		address: address,
		opts:    opts,
		log:     opts.Logger.WithField("address", address),
		cal:     calibration.New(),
		buf:     buffer.New(),
		jobs:    make(chan func(context.Context)),
		done:    make(chan struct{}),
	}
}

func (s *Session) Address() string                  { return s.address }
func (s *Session) Calibration() *calibration.Model { return s.cal }
func (s *Session) Buffer() *buffer.Buffer           { return s.buf }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed && s.opts.Status != nil {
		s.opts.Status.ConnectionChanged(s.address, st)
	}
}

// note records the session's user-facing log line.
func (s *Session) note(level logrus.Level, msg string) {
	s.mu.Lock()
	s.lastLog = msg
	s.mu.Unlock()
	s.log.Log(level, msg)
	if s.opts.Activity != nil {
		s.opts.Activity.SessionLog(s.address, msg)
	}
}

// Run connects to the device, configures it, streams notifications and
// tears the connection down when ctx is cancelled, Disconnect is called or
// the link drops. Link failures are logged and returned; the session always
// ends Disconnected with the link released.
func (s *Session) Run(ctx context.Context, link devicelink.Link) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	if s.stopped {
		s.mu.Unlock()
		close(s.done)
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	defer close(s.done)
	defer cancel()
	defer func() {
		s.mu.Lock()
		s.recording = false
		s.mu.Unlock()
		s.setState(Disconnected)
	}()

	s.setState(Connecting)
	handle, err := s.connect(ctx, link)
	if err != nil {
		if ctx.Err() != nil {
			s.note(logrus.InfoLevel, "Connection cancelled")
			return nil
		}
		s.note(logrus.ErrorLevel, err.Error())
		return err
	}
	defer s.release(handle)

	s.setState(Connected)
	s.note(logrus.InfoLevel, "Connection Successful")

	for {
		select {
		case <-ctx.Done():
			s.note(logrus.InfoLevel, "Disconnected")
			return nil
		case <-handle.Done():
			err := &devicelink.LinkError{Op: "stream", Address: s.address, Err: errors.New("connection lost")}
			s.note(logrus.WarnLevel, err.Error())
			return err
		case job := <-s.jobs:
			job(ctx)
		}
	}
}

// connect opens the link, waits for a frequency, writes it and subscribes.
// On any failure the partially opened handle is closed.
func (s *Session) connect(ctx context.Context, link devicelink.Link) (devicelink.Handle, error) {
	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	handle, err := link.Connect(connectCtx, s.address)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			handle.Close()
		}
	}()

	hz, err := s.opts.Frequency.Wait(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := protocol.FrequencyPayload(hz)
	if err != nil {
		return nil, err
	}
	if err := handle.Write(connectCtx, protocol.FrequencyUUID, payload); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.frequency = hz
	s.mu.Unlock()
	s.note(logrus.InfoLevel, "Frequency Written!")

	if err := handle.Subscribe(connectCtx, protocol.ResistanceUUID, s.onNotify); err != nil {
		return nil, err
	}
	ok = true
	return handle, nil
}

func (s *Session) release(handle devicelink.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-handle.Done():
	default:
		if err := handle.Unsubscribe(ctx, protocol.ResistanceUUID); err != nil {
			s.log.WithError(err).Debug("unsubscribe failed")
		}
	}
	if err := handle.Close(); err != nil {
		s.log.WithError(err).Warn("closing device link")
	}
}

// onNotify runs on the link's delivery goroutine.
func (s *Session) onNotify(payload []byte) {
	sample, err := protocol.Decode(s.opts.Variant, payload)
	if err != nil {
		s.log.WithError(err).Debug("dropping notification")
		return
	}
	s.mu.Lock()
	s.current = sample.Value
	s.currentTime = sample.Timestamp
	s.hasCurrent = true
	recording := s.recording
	s.mu.Unlock()

	if recording {
		s.buf.Append(sample.Value, sample.Timestamp, s.cal)
	}
}

// Current returns the latest sample regardless of recording state.
func (s *Session) Current() (value, deviceTime float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.currentTime, s.hasCurrent
}

func (s *Session) currentRaw() (float64, bool) {
	v, _, ok := s.Current()
	return v, ok
}

// Disconnect stops the session. It is safe in any state and returns
// immediately; Done is closed once the link has been released.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// do runs fn on the session's worker goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func(context.Context)) error {
	finished := make(chan struct{})
	job := func(runCtx context.Context) {
		defer close(finished)
		fn(runCtx)
	}
	select {
	case s.jobs <- job:
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Capture samples the live value for the capture window on the session's
// worker and stores the window's min or max as the raw calibration point.
// Only one capture may run per session at a time.
func (s *Session) Capture(ctx context.Context, bound calibration.Bound) (float64, error) {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	if s.capturing {
		s.mu.Unlock()
		return 0, ErrCaptureInProgress
	}
	s.capturing = true
	hz := s.frequency
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.capturing = false
		s.mu.Unlock()
	}()

	var (
		value float64
		err   error
	)
	runErr := s.do(ctx, func(runCtx context.Context) {
		interval := s.opts.CaptureWindow
		if hz > 0 {
			interval = time.Second / time.Duration(hz)
		}
		var values []float64
		values, err = calibration.SampleWindow(runCtx, s.opts.Clock, interval, s.opts.CaptureWindow, s.currentRaw)
		if err != nil {
			return
		}
		was := s.cal.IsCalibrated()
		value, err = s.cal.Capture(bound, values)
		s.calibrationLost(was)
	})
	if runErr != nil {
		return 0, runErr
	}
	if err != nil {
		s.note(logrus.WarnLevel, fmt.Sprintf("%s capture failed: %v", bound, err))
		return 0, err
	}
	s.note(logrus.InfoLevel, fmt.Sprintf("Captured %s raw value %.4f", bound, value))
	if s.opts.Activity != nil {
		s.opts.Activity.CaptureFinished(s.address, bound.String(), value)
	}
	return value, nil
}

// SetTruth records an operator-entered truth value.
func (s *Session) SetTruth(bound calibration.Bound, input string) error {
	was := s.cal.IsCalibrated()
	err := s.cal.SetTruth(bound, input)
	s.calibrationLost(was)
	return err
}

// calibrationLost announces a formula dropped by a changed input.
func (s *Session) calibrationLost(was bool) {
	if !was || s.cal.IsCalibrated() {
		return
	}
	s.note(logrus.InfoLevel, "Calibration inputs changed; derive again")
	if s.opts.Calibration != nil {
		s.opts.Calibration.CalibrationChanged(s.address, false)
	}
}

// Derive computes the calibration formula and announces the result.
func (s *Session) Derive() error {
	if err := s.cal.Derive(); err != nil {
		s.note(logrus.WarnLevel, err.Error())
		return err
	}
	slope, intercept, _ := s.cal.Formula()
	s.note(logrus.InfoLevel, fmt.Sprintf("Calibrated: angle = %.6g * raw + %.6g", slope, intercept))
	if s.opts.Calibration != nil {
		s.opts.Calibration.CalibrationChanged(s.address, true)
	}
	return nil
}

// StartRecording clears the buffer and begins appending samples. Unless the
// calibration gate is relaxed, the session must be calibrated first.
func (s *Session) StartRecording() error {
	if s.opts.RequireCalibration && !s.cal.IsCalibrated() {
		return fmt.Errorf("cannot record %s: %w", s.address, calibration.ErrNotCalibrated)
	}
	s.buf.Clear()
	s.mu.Lock()
	s.recording = true
	s.mu.Unlock()
	if s.opts.Activity != nil {
		s.opts.Activity.RecordingChanged(s.address, true)
	}
	return nil
}

// StopRecording stops appending samples and keeps what was recorded.
func (s *Session) StopRecording() {
	s.mu.Lock()
	was := s.recording
	s.recording = false
	s.mu.Unlock()
	if was && s.opts.Activity != nil {
		s.opts.Activity.RecordingChanged(s.address, false)
	}
}

func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Status is a JSON-friendly view of a session.
type Status struct {
	Address     string            `json:"address"`
	State       State             `json:"state"`
	Recording   bool              `json:"recording"`
	Capturing   bool              `json:"capturing"`
	Frequency   int               `json:"frequency_hz,omitempty"`
	Current     *float64          `json:"current,omitempty"`
	CurrentTime *float64          `json:"current_time,omitempty"`
	Samples     int               `json:"samples"`
	Clipped     bool              `json:"clipped"`
	LastLog     string            `json:"log,omitempty"`
	Calibration calibration.State `json:"calibration"`
}

// Status snapshots the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Address:   s.address,
		State:     s.state,
		Recording: s.recording,
		Capturing: s.capturing,
		Frequency: s.frequency,
		LastLog:   s.lastLog,
	}
	if s.hasCurrent {
		v, t := s.current, s.currentTime
		st.Current, st.CurrentTime = &v, &t
	}
	s.mu.Unlock()
	st.Samples = s.buf.Len()
	st.Clipped = s.buf.Clipped()
	st.Calibration = s.cal.Snapshot()
	return st
}
