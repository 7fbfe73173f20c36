// Package scheduler runs one worker goroutine per device session, a single
// coordinator goroutine that owns the session registry and a periodic tick
// that hands buffer snapshots to sinks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/rris/internal/buffer"
	"github.com/banshee-data/rris/internal/devicelink"
	"github.com/banshee-data/rris/internal/events"
	"github.com/banshee-data/rris/internal/session"
	"github.com/banshee-data/rris/internal/timeutil"
)

// Tick rate bounds, in Hz.
const (
	MinTickRate     = 1.0
	MaxTickRate     = 20.0
	DefaultTickRate = 10.0
)

// ErrStopped is returned for requests made after the scheduler has exited.
var ErrStopped = errors.New("scheduler stopped")

// ErrUnknownDevice is returned for an address that is not registered.
var ErrUnknownDevice = errors.New("unknown device")

// ErrNoDevices is returned when recording is requested with no sessions.
var ErrNoDevices = errors.New("no devices connected")

// DeviceFrame is one device's state at a tick.
type DeviceFrame struct {
	Status session.Status  `json:"status"`
	Data   buffer.Snapshot `json:"data"`
}

// Frame is what sinks receive on every tick.
type Frame struct {
	Time          time.Time     `json:"time"`
	Connection    session.State `json:"connection"`
	AllCalibrated bool          `json:"all_calibrated"`
	Devices       []DeviceFrame `json:"devices"`
}

// Sink consumes frames on the tick goroutine. A slow sink delays later ticks
// but never ingestion.
type Sink interface {
	Name() string
	Consume(ctx context.Context, f Frame) error
}

// Config wires a Scheduler.
type Config struct {
	Link devicelink.Link
	// Session is the template for new sessions. Its notifiers are replaced
	// by ones that publish on Bus.
	Session  session.Options
	TickRate float64
	Clock    timeutil.Clock
	Logger   *logrus.Logger
	Bus      *events.Bus
	Sinks    []Sink
}

type request struct {
	fn   func(*session.Registry) error
	errc chan error
}

type removal struct {
	s   *session.Session
	err error
}

// Scheduler coordinates device sessions.
type Scheduler struct {
	cfg      Config
	log      *logrus.Entry
	registry *session.Registry
	requests chan request
	removals chan removal
	done     chan struct{}

	// owned by the coordinator goroutine
	runCtx       context.Context
	recordingGen int
	recording    bool
}

// New validates cfg and returns a Scheduler ready to Run.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Link == nil {
		return nil, errors.New("scheduler requires a device link")
	}
	if cfg.TickRate == 0 {
		cfg.TickRate = DefaultTickRate
	}
	if cfg.TickRate < MinTickRate || cfg.TickRate > MaxTickRate {
		return nil, fmt.Errorf("tick rate %.1f Hz outside %.0f-%.0f Hz", cfg.TickRate, MinTickRate, MaxTickRate)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.New()
	}
	if cfg.Session.Frequency == nil {
		cfg.Session.Frequency = session.NewFrequencySelector()
	}
	cfg.Session.Clock = cfg.Clock
	cfg.Session.Logger = cfg.Logger
	n := busNotifier{bus: cfg.Bus}
	cfg.Session.Status, cfg.Session.Calibration, cfg.Session.Activity = n, n, n

	return &Scheduler{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "scheduler"),
		registry: session.NewRegistry(),
		requests: make(chan request),
		removals: make(chan removal),
		done:     make(chan struct{}),
	}, nil
}

// Bus returns the event bus sessions publish on.
func (s *Scheduler) Bus() *events.Bus { return s.cfg.Bus }

// Frequency returns the shared sampling rate selector.
func (s *Scheduler) Frequency() *session.FrequencySelector { return s.cfg.Session.Frequency }

// Run starts the coordinator and the tick and blocks until ctx is done.
// Every session is disconnected and its link released before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.coordinate(gctx) })
	g.Go(func() error { return s.tick(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Scheduler) coordinate(ctx context.Context) error {
	defer close(s.done)
	s.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			s.registry.BroadcastDisconnect()
			for s.registry.Len() > 0 {
				s.handleRemoval(<-s.removals)
			}
			return ctx.Err()
		case req := <-s.requests:
			req.errc <- req.fn(s.registry)
		case r := <-s.removals:
			s.handleRemoval(r)
		}
	}
}

func (s *Scheduler) handleRemoval(r removal) {
	addr := r.s.Address()
	if cur, ok := s.registry.Get(addr); ok && cur == r.s {
		s.registry.Remove(addr)
	}
	entry := s.log.WithField("address", addr)
	if r.err != nil {
		entry.WithError(r.err).Warn("device session ended with error")
	} else {
		entry.Info("device session ended")
	}
	msg := ""
	if r.err != nil {
		msg = r.err.Error()
	}
	s.cfg.Bus.Publish(events.Event{Kind: events.KindRemoved, Address: addr, Message: msg})
}

// Do runs fn on the coordinator goroutine, which owns the registry.
func (s *Scheduler) Do(ctx context.Context, fn func(*session.Registry) error) error {
	req := request{fn: fn, errc: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.errc
}

// startWorker registers a session for address and runs it on its own
// goroutine. Must be called on the coordinator.
func (s *Scheduler) startWorker(address string) error {
	sess := session.New(address, s.cfg.Session)
	if err := s.registry.Add(sess); err != nil {
		return err
	}
	ctx := s.runCtx
	go func() {
		err := sess.Run(ctx, s.cfg.Link)
		s.removals <- removal{s: sess, err: err}
	}()
	return nil
}

// Connect starts a session for each address. Addresses already connected
// are reported as *session.DuplicateAddressError.
func (s *Scheduler) Connect(ctx context.Context, addresses ...string) error {
	return s.Do(ctx, func(r *session.Registry) error {
		return r.BroadcastConnect(addresses, s.startWorker)
	})
}

// Disconnect asks one session to disconnect. It returns once the request is
// delivered; the session leaves the registry when its worker finishes.
func (s *Scheduler) Disconnect(ctx context.Context, address string) error {
	return s.Do(ctx, func(r *session.Registry) error {
		sess, ok := r.Get(address)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, address)
		}
		sess.Disconnect()
		return nil
	})
}

// DisconnectAll asks every session to disconnect.
func (s *Scheduler) DisconnectAll(ctx context.Context) error {
	return s.Do(ctx, func(r *session.Registry) error {
		r.BroadcastDisconnect()
		return nil
	})
}

// Session looks up a registered session.
func (s *Scheduler) Session(ctx context.Context, address string) (*session.Session, error) {
	var out *session.Session
	err := s.Do(ctx, func(r *session.Registry) error {
		sess, ok := r.Get(address)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, address)
		}
		out = sess
		return nil
	})
	return out, err
}

// Sessions returns the registered sessions ordered by address.
func (s *Scheduler) Sessions(ctx context.Context) ([]*session.Session, error) {
	var out []*session.Session
	err := s.Do(ctx, func(r *session.Registry) error {
		out = r.Sessions()
		return nil
	})
	return out, err
}

// Overview summarises every session.
type Overview struct {
	Connection    session.State    `json:"connection"`
	AllCalibrated bool             `json:"all_calibrated"`
	Recording     bool             `json:"recording"`
	Frequency     int              `json:"frequency_hz,omitempty"`
	Devices       []session.Status `json:"devices"`
}

// Overview reports aggregate and per-device status.
func (s *Scheduler) Overview(ctx context.Context) (Overview, error) {
	var o Overview
	err := s.Do(ctx, func(r *session.Registry) error {
		o.Connection = r.AggregateConnection()
		o.AllCalibrated = r.AggregateCalibration()
		o.Recording = s.recording
		for _, sess := range r.Sessions() {
			o.Devices = append(o.Devices, sess.Status())
		}
		return nil
	})
	o.Frequency, _ = s.Frequency().Get()
	return o, err
}

// StartRecording starts recording on every session. With a positive
// duration recording stops automatically once it elapses. If any session
// refuses, the ones already started are stopped again.
func (s *Scheduler) StartRecording(ctx context.Context, duration time.Duration) error {
	var gen int
	err := s.Do(ctx, func(r *session.Registry) error {
		sessions := r.Sessions()
		if len(sessions) == 0 {
			return ErrNoDevices
		}
		for i, sess := range sessions {
			if err := sess.StartRecording(); err != nil {
				for _, started := range sessions[:i] {
					started.StopRecording()
				}
				return err
			}
		}
		s.recordingGen++
		s.recording = true
		gen = s.recordingGen
		return nil
	})
	if err != nil || duration <= 0 {
		return err
	}

	go func() {
		if err := s.cfg.Clock.Sleep(s.runCtx, duration); err != nil {
			return
		}
		stopErr := s.Do(context.Background(), func(r *session.Registry) error {
			if s.recordingGen != gen || !s.recording {
				return nil
			}
			s.stopRecording(r)
			return nil
		})
		if stopErr != nil && !errors.Is(stopErr, ErrStopped) {
			s.log.WithError(stopErr).Warn("stopping timed recording")
		}
	}()
	return nil
}

// StopRecording stops recording on every session.
func (s *Scheduler) StopRecording(ctx context.Context) error {
	return s.Do(ctx, func(r *session.Registry) error {
		s.stopRecording(r)
		return nil
	})
}

func (s *Scheduler) stopRecording(r *session.Registry) {
	for _, sess := range r.Sessions() {
		sess.StopRecording()
	}
	s.recording = false
}

// Snapshot builds a frame from the current buffers.
func (s *Scheduler) Snapshot(ctx context.Context) (Frame, error) {
	f := Frame{Time: s.cfg.Clock.Now()}
	err := s.Do(ctx, func(r *session.Registry) error {
		f.Connection = r.AggregateConnection()
		f.AllCalibrated = r.AggregateCalibration()
		for _, sess := range r.Sessions() {
			f.Devices = append(f.Devices, DeviceFrame{
				Status: sess.Status(),
				Data:   sess.Buffer().Snapshot(),
			})
		}
		return nil
	})
	return f, err
}

func (s *Scheduler) tick(ctx context.Context) error {
	if len(s.cfg.Sinks) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	period := time.Duration(float64(time.Second) / s.cfg.TickRate)
	ticker := s.cfg.Clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			f, err := s.Snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.WithError(err).Warn("building frame")
				continue
			}
			for _, sink := range s.cfg.Sinks {
				if err := sink.Consume(ctx, f); err != nil {
					s.log.WithError(err).WithField("sink", sink.Name()).Warn("sink failed")
				}
			}
		}
	}
}

type busNotifier struct{ bus *events.Bus }

func (n busNotifier) ConnectionChanged(address string, st session.State) {
	n.bus.Publish(events.Event{Kind: events.KindConnection, Address: address, State: st.String()})
}

func (n busNotifier) CalibrationChanged(address string, calibrated bool) {
	n.bus.Publish(events.Event{Kind: events.KindCalibration, Address: address, Calibrated: calibrated})
}

func (n busNotifier) SessionLog(address, message string) {
	n.bus.Publish(events.Event{Kind: events.KindLog, Address: address, Message: message})
}

func (n busNotifier) RecordingChanged(address string, recording bool) {
	n.bus.Publish(events.Event{Kind: events.KindRecording, Address: address, Recording: recording})
}

func (n busNotifier) CaptureFinished(address, bound string, value float64) {
	n.bus.Publish(events.Event{Kind: events.KindCapture, Address: address, Message: bound, Value: value})
}
