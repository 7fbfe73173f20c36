package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/rris/internal/events"
	"github.com/banshee-data/rris/internal/scheduler"
	"github.com/banshee-data/rris/internal/session"
)

// DeviceState is the per-device payload published each tick.
type DeviceState struct {
	Address     string        `json:"address"`
	State       session.State `json:"state"`
	Recording   bool          `json:"recording"`
	Calibrated  bool          `json:"calibrated"`
	Raw         *float64      `json:"raw,omitempty"`
	Angle       *float64      `json:"angle,omitempty"`
	DeviceTime  *float64      `json:"device_time,omitempty"`
	Samples     int           `json:"samples"`
	FrequencyHz int           `json:"frequency_hz,omitempty"`
}

// Summary is the aggregate payload published each tick.
type Summary struct {
	Connection    session.State `json:"connection"`
	AllCalibrated bool          `json:"all_calibrated"`
	Devices       int           `json:"devices"`
}

// Sink publishes each scheduler frame under Prefix.
type Sink struct {
	Prefix string
	Pub    Publisher
	Log    *logrus.Entry
}

func (s *Sink) Name() string { return "mqtt" }

func (s *Sink) topic(parts ...string) string {
	return strings.Join(append([]string{s.Prefix}, parts...), "/")
}

// Consume publishes the aggregate summary, retained, and one state message
// per device.
func (s *Sink) Consume(_ context.Context, f scheduler.Frame) error {
	summary, err := json.Marshal(Summary{
		Connection:    f.Connection,
		AllCalibrated: f.AllCalibrated,
		Devices:       len(f.Devices),
	})
	if err != nil {
		return err
	}
	if err := s.Pub.Publish(s.topic("status"), summary, true); err != nil {
		return err
	}
	for _, d := range f.Devices {
		payload, err := json.Marshal(deviceState(d.Status))
		if err != nil {
			return err
		}
		if err := s.Pub.Publish(s.topic(d.Status.Address, "state"), payload, false); err != nil {
			return fmt.Errorf("device %s: %w", d.Status.Address, err)
		}
	}
	return nil
}

func deviceState(st session.Status) DeviceState {
	out := DeviceState{
		Address:     st.Address,
		State:       st.State,
		Recording:   st.Recording,
		Calibrated:  st.Calibration.Calibrated,
		Raw:         st.Current,
		DeviceTime:  st.CurrentTime,
		Samples:     st.Samples,
		FrequencyHz: st.Frequency,
	}
	cal := st.Calibration
	if st.Current != nil && cal.Calibrated && cal.Slope != nil && cal.Intercept != nil {
		angle := *cal.Slope**st.Current + *cal.Intercept
		out.Angle = &angle
	}
	return out
}

// ForwardEvents publishes every bus event to {prefix}/{address}/events until
// ctx is done.
func (s *Sink) ForwardEvents(ctx context.Context, bus *events.Bus) error {
	ch, cancel := bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := s.Pub.Publish(s.topic(e.Address, "events"), payload, false); err != nil && s.Log != nil {
				s.Log.WithError(err).Warn("failed to forward event")
			}
		}
	}
}
