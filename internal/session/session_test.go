package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rris/internal/calibration"
	"github.com/banshee-data/rris/internal/devicelink"
	"github.com/banshee-data/rris/internal/protocol"
	"github.com/banshee-data/rris/internal/timeutil"
)

type recorder struct {
	mu         sync.Mutex
	states     []State
	calibrated []bool
	logs       []string
	recording  []bool
	captures   []float64
}

func (r *recorder) ConnectionChanged(_ string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) CalibrationChanged(_ string, c bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calibrated = append(r.calibrated, c)
}

func (r *recorder) SessionLog(_ string, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, msg)
}

func (r *recorder) RecordingChanged(_ string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = append(r.recording, on)
}

func (r *recorder) CaptureFinished(_ string, _ string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures = append(r.captures, v)
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

const addr = "AA:BB:CC:DD:EE:01"

type harness struct {
	link *devicelink.MockLink
	dev  *devicelink.MockDevice
	freq *FrequencySelector
	rec  *recorder
	s    *Session
	errc chan error
	stop context.CancelFunc
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		link: devicelink.NewMockLink(),
		freq: NewFrequencySelector(),
		rec:  &recorder{},
		errc: make(chan error, 1),
	}
	h.dev = h.link.Device(addr)
	opts := Options{
		Variant:     protocol.VariantFull,
		Frequency:   h.freq,
		Clock:       timeutil.NewMockClock(time.Unix(0, 0)),
		Status:      h.rec,
		Calibration: h.rec,
		Activity:    h.rec,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.s = New(addr, opts)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go func() { h.errc <- h.s.Run(ctx, h.link) }()
	t.Cleanup(func() {
		cancel()
		<-h.s.Done()
	})
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func notify(t *testing.T, dev *devicelink.MockDevice, value, ts float64) {
	t.Helper()
	payload := protocol.Encode(protocol.VariantFull, protocol.Sample{Value: value, Timestamp: ts})
	if !dev.Notify(protocol.ResistanceUUID, payload) {
		t.Fatal("no subscriber for resistance notifications")
	}
}

func TestSessionConnectConfiguresAndStreams(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.freq.Set(10))
	h.run(t)
	waitState(t, h.s, Connected)

	want := []devicelink.MockWrite{{UUID: protocol.FrequencyUUID, Data: []byte{0x64, 0x00}}}
	if diff := cmp.Diff(want, h.dev.Writes()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, h.dev.Subscribed(protocol.ResistanceUUID))

	notify(t, h.dev, 7, 500)
	v, ts, ok := h.s.Current()
	assert.True(t, ok)
	assert.Equal(t, 7.0, v)
	assert.Equal(t, 500.0, ts)
	assert.Equal(t, 0, h.s.Buffer().Len(), "samples must not be buffered while not recording")

	require.NoError(t, h.s.StartRecording())
	notify(t, h.dev, 10, 1000)
	notify(t, h.dev, 12, 1100)
	notify(t, h.dev, 8, 1300)
	snap := h.s.Buffer().Snapshot()
	assert.Equal(t, []float64{0, 100, 300}, snap.Time)
	assert.Equal(t, []float64{10, 12, 8}, snap.Raw)

	h.s.StopRecording()
	notify(t, h.dev, 9, 1400)
	assert.Equal(t, 3, h.s.Buffer().Len(), "StopRecording keeps data and stops appending")

	h.s.Disconnect()
	require.NoError(t, h.wait(t))
	assert.Equal(t, Disconnected, h.s.State())
	assert.Equal(t, []State{Connecting, Connected, Disconnected}, h.rec.States())
	assert.Equal(t, 1, h.dev.Closes())
	assert.False(t, h.s.Recording())
}

func TestSessionWaitsForFrequency(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	waitState(t, h.s, Connecting)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, h.dev.Writes())
	assert.Equal(t, Connecting, h.s.State())

	require.NoError(t, h.freq.Set(50))
	waitState(t, h.s, Connected)
	assert.Equal(t, []byte{20, 0}, h.dev.Writes()[0].Data)
	assert.Equal(t, 50, h.s.Status().Frequency)
}

func TestSessionConnectFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.freq.Set(10)
	h.dev.SetErrors(errors.New("no route"), nil, nil)
	h.run(t)

	err := h.wait(t)
	var le *devicelink.LinkError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "connect", le.Op)
	assert.Equal(t, Disconnected, h.s.State())
	assert.Equal(t, []State{Connecting, Disconnected}, h.rec.States())
	assert.Contains(t, h.s.Status().LastLog, "no route")
}

func TestSessionWriteFailureReleasesLink(t *testing.T) {
	h := newHarness(t, nil)
	h.freq.Set(10)
	h.dev.SetErrors(nil, errors.New("gatt 133"), nil)
	h.run(t)

	require.Error(t, h.wait(t))
	assert.Equal(t, 1, h.dev.Closes())
	assert.False(t, h.dev.Connected())
}

func TestSessionSubscribeFailureReleasesLink(t *testing.T) {
	h := newHarness(t, nil)
	h.freq.Set(10)
	h.dev.SetErrors(nil, nil, errors.New("notify refused"))
	h.run(t)

	require.Error(t, h.wait(t))
	assert.Equal(t, 1, h.dev.Closes())
}

func TestSessionDisconnectMidConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.freq.Set(10)
	release := h.dev.Gate()
	defer release()
	h.run(t)
	waitState(t, h.s, Connecting)

	h.s.Disconnect()
	require.NoError(t, h.wait(t))
	<-h.s.Done()
	assert.Equal(t, Disconnected, h.s.State())
	assert.False(t, h.dev.Connected())
}

func TestSessionDisconnectWhileWaitingForFrequency(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	waitState(t, h.s, Connecting)
	h.s.Disconnect()
	require.NoError(t, h.wait(t))
	assert.Equal(t, 1, h.dev.Closes(), "link opened before the frequency wait must be released")
}

func TestSessionDisconnectBeforeRun(t *testing.T) {
	h := newHarness(t, nil)
	h.s.Disconnect()
	h.run(t)
	require.NoError(t, h.wait(t))
	assert.Equal(t, 0, h.dev.Connects())
}

func TestSessionRunTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.s.Disconnect()
	h.run(t)
	h.wait(t)
	assert.ErrorIs(t, h.s.Run(context.Background(), h.link), ErrAlreadyStarted)
}

func TestSessionLinkDrop(t *testing.T) {
	h := newHarness(t, nil)
	h.freq.Set(10)
	h.run(t)
	waitState(t, h.s, Connected)
	require.NoError(t, h.s.StartRecording())

	h.dev.Drop()
	err := h.wait(t)
	var le *devicelink.LinkError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, Disconnected, h.s.State())
	assert.False(t, h.s.Recording())
}

func TestSessionRecordingGate(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RequireCalibration = true })
	h.freq.Set(10)
	h.run(t)
	waitState(t, h.s, Connected)

	assert.ErrorIs(t, h.s.StartRecording(), calibration.ErrNotCalibrated)

	cal := h.s.Calibration()
	cal.CaptureMin([]float64{100})
	cal.CaptureMax([]float64{500})
	require.NoError(t, h.s.SetTruth(calibration.Min, "0"))
	require.NoError(t, h.s.SetTruth(calibration.Max, "90"))
	require.NoError(t, h.s.Derive())
	assert.Equal(t, []bool{true}, h.rec.calibrated)

	require.NoError(t, h.s.StartRecording())
	notify(t, h.dev, 300, 0)
	assert.Equal(t, []float64{45}, h.s.Buffer().Snapshot().Calibrated)
}

func TestSessionChangedInputDropsCalibration(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.RequireCalibration = true
		o.CaptureWindow = 2 * time.Second
	})
	h.freq.Set(10)
	h.run(t)
	waitState(t, h.s, Connected)

	cal := h.s.Calibration()
	cal.CaptureMin([]float64{100})
	cal.CaptureMax([]float64{500})
	require.NoError(t, h.s.SetTruth(calibration.Min, "0"))
	require.NoError(t, h.s.SetTruth(calibration.Max, "90"))
	require.NoError(t, h.s.Derive())

	var inErr *calibration.InputError
	require.ErrorAs(t, h.s.SetTruth(calibration.Max, "abc"), &inErr)
	assert.False(t, cal.IsCalibrated())
	assert.Equal(t, []bool{true, false}, h.rec.calibrated)
	assert.ErrorIs(t, h.s.StartRecording(), calibration.ErrNotCalibrated)

	require.NoError(t, h.s.SetTruth(calibration.Max, "90"))
	require.NoError(t, h.s.Derive())
	notify(t, h.dev, 100, 1)
	got, err := h.s.Capture(context.Background(), calibration.Max)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got)
	assert.False(t, cal.IsCalibrated())
	assert.Equal(t, []bool{true, false, true, false}, h.rec.calibrated)
}

func TestSessionCaptureMin(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CaptureWindow = 2 * time.Second })
	h.freq.Set(10)
	h.run(t)
	waitState(t, h.s, Connected)

	notify(t, h.dev, 5.05004, 1)
	got, err := h.s.Capture(context.Background(), calibration.Min)
	require.NoError(t, err)
	assert.Equal(t, 5.05, got)
	assert.Equal(t, 5.05, *h.s.Calibration().Snapshot().RawMin)
	assert.Equal(t, []float64{5.05}, h.rec.captures)
	assert.Equal(t, 0, h.s.Buffer().Len(), "capture must not require or start recording")
}

func TestSessionCaptureWithoutSamples(t *testing.T) {
	h := newHarness(t, nil)
	h.freq.Set(10)
	h.run(t)
	waitState(t, h.s, Connected)
	_, err := h.s.Capture(context.Background(), calibration.Max)
	assert.ErrorIs(t, err, calibration.ErrEmptyCapture)
}

func TestSessionCaptureExclusive(t *testing.T) {
	h := newHarness(t, nil)
	h.freq.Set(10)
	h.run(t)
	waitState(t, h.s, Connected)

	h.s.mu.Lock()
	h.s.capturing = true
	h.s.mu.Unlock()
	_, err := h.s.Capture(context.Background(), calibration.Max)
	assert.ErrorIs(t, err, ErrCaptureInProgress)
}

func TestSessionCaptureNotConnected(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.s.Capture(context.Background(), calibration.Min)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionLiteVariant(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Variant = protocol.VariantLite })
	h.freq.Set(10)
	h.run(t)
	waitState(t, h.s, Connected)
	h.s.StartRecording()

	h.dev.Notify(protocol.ResistanceUUID, []byte{0x00, 0x3E, 0x00, 0x01, 0x00})
	h.dev.Notify(protocol.ResistanceUUID, []byte{0x00, 0x3E})
	snap := h.s.Buffer().Snapshot()
	assert.Equal(t, []float64{1.5}, snap.Raw)
	ref, _ := h.s.Buffer().ReferenceTime()
	assert.Equal(t, 256.0, ref)
}

func TestFrequencySelector(t *testing.T) {
	f := NewFrequencySelector()
	_, ok := f.Get()
	assert.False(t, ok)
	assert.ErrorIs(t, f.Set(7), protocol.ErrUnsupportedFrequency)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, f.Set(100))
	require.NoError(t, f.Set(250))
	hz, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 250, hz)
}
