// Package calibration implements the two-point linear transform that maps a
// sensor's raw resistance onto a physical angle.
package calibration

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
)

// Bound selects one end of the calibration range.
type Bound int

const (
	Min Bound = iota
	Max
)

func (b Bound) String() string {
	if b == Max {
		return "max"
	}
	return "min"
}

// ParseBound accepts "min" or "max".
func ParseBound(s string) (Bound, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	}
	return Min, fmt.Errorf("unknown calibration bound %q", s)
}

// CapturePrecision is the number of decimals kept for captured extrema.
const CapturePrecision = 4

// ErrNotCalibrated is returned by Apply before a successful Derive.
var ErrNotCalibrated = errors.New("calibration not derived")

// ErrEmptyCapture is returned when a capture window produced no samples.
var ErrEmptyCapture = errors.New("capture window contained no samples")

// CalibrationError reports why Derive could not produce a formula.
type CalibrationError struct {
	Reason string
}

func (e *CalibrationError) Error() string {
	return "calibration failed: " + e.Reason
}

// InputError reports a truth value that could not be parsed as a number.
type InputError struct {
	Bound Bound
	Input string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s truth value %q: not a number", e.Bound, e.Input)
}

type point struct {
	value float64
	set   bool
}

type truth struct {
	point
	input   string
	invalid bool
}

// Model holds the captured raw extrema, the operator's truth values and the
// derived slope and intercept. It is safe for concurrent use.
type Model struct {
	mu        sync.RWMutex
	raw       [2]point
	truth     [2]truth
	slope     float64
	intercept float64
	derived   bool
}

// New returns an empty model.
func New() *Model {
	return &Model{}
}

// CaptureMin stores the minimum of a capture window, rounded to
// CapturePrecision decimals, replacing any earlier value.
func (m *Model) CaptureMin(values []float64) (float64, error) {
	return m.capture(Min, values)
}

// CaptureMax stores the maximum of a capture window.
func (m *Model) CaptureMax(values []float64) (float64, error) {
	return m.capture(Max, values)
}

// Capture dispatches to CaptureMin or CaptureMax.
func (m *Model) Capture(b Bound, values []float64) (float64, error) {
	return m.capture(b, values)
}

func (m *Model) capture(b Bound, values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmptyCapture
	}
	v := Extremum(b, values)
	m.mu.Lock()
	if m.raw[b] != (point{value: v, set: true}) {
		m.derived = false
	}
	m.raw[b] = point{value: v, set: true}
	m.mu.Unlock()
	return v, nil
}

// Extremum returns min or max of values rounded to CapturePrecision. values
// must not be empty.
func Extremum(b Bound, values []float64) float64 {
	var v float64
	if b == Max {
		v = floats.Max(values)
	} else {
		v = floats.Min(values)
	}
	return scalar.Round(v, CapturePrecision)
}

// SetTruth records the operator's ground-truth value for a bound. Input that
// does not parse as a number is still stored, the bound is flagged invalid and
// an *InputError is returned. The other bound is left untouched. Any change to
// a value the formula was derived from drops the formula.
func (m *Model) SetTruth(b Bound, input string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
	if err != nil {
		m.setTruth(b, truth{input: input, invalid: true})
		return &InputError{Bound: b, Input: input}
	}
	m.setTruth(b, truth{point: point{value: v, set: true}, input: input})
	return nil
}

// SetTruthValue records a numeric truth value.
func (m *Model) SetTruthValue(b Bound, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setTruth(b, truth{point: point{value: v, set: true}, input: strconv.FormatFloat(v, 'f', -1, 64)})
}

func (m *Model) setTruth(b Bound, t truth) {
	if t.invalid || m.truth[b].point != t.point {
		m.derived = false
	}
	m.truth[b] = t
}

// Derive computes slope and intercept from the two calibration points.
func (m *Model) Derive() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range []Bound{Min, Max} {
		if m.truth[b].invalid {
			return &CalibrationError{Reason: fmt.Sprintf("%s truth value %q is not a number", b, m.truth[b].input)}
		}
		if !m.truth[b].set {
			return &CalibrationError{Reason: fmt.Sprintf("%s truth value not set", b)}
		}
		if !m.raw[b].set {
			return &CalibrationError{Reason: fmt.Sprintf("%s raw value not captured", b)}
		}
	}

	rmin, rmax := m.raw[Min].value, m.raw[Max].value
	tmin, tmax := m.truth[Min].value, m.truth[Max].value
	if rmax == rmin {
		return &CalibrationError{Reason: fmt.Sprintf("raw min and max are both %v", rmin)}
	}
	if tmax == tmin {
		return &CalibrationError{Reason: fmt.Sprintf("truth min and max are both %v", tmin)}
	}

	m.slope = (tmax - tmin) / (rmax - rmin)
	m.intercept = tmax - m.slope*rmax
	m.derived = true
	return nil
}

// IsCalibrated reports whether Derive has succeeded and no input has changed
// since.
func (m *Model) IsCalibrated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.derived
}

// Apply maps a raw value through the derived formula.
func (m *Model) Apply(raw float64) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.derived {
		return 0, ErrNotCalibrated
	}
	return m.slope*raw + m.intercept, nil
}

// Formula returns the derived slope and intercept.
func (m *Model) Formula() (slope, intercept float64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.derived {
		return 0, 0, ErrNotCalibrated
	}
	return m.slope, m.intercept, nil
}

// State is a point-in-time copy of the model suitable for JSON encoding.
// Unset values are nil.
type State struct {
	RawMin       *float64 `json:"raw_min"`
	RawMax       *float64 `json:"raw_max"`
	TruthMin     *float64 `json:"truth_min"`
	TruthMax     *float64 `json:"truth_max"`
	TruthMinText string   `json:"truth_min_input,omitempty"`
	TruthMaxText string   `json:"truth_max_input,omitempty"`
	InvalidMin   bool     `json:"truth_min_invalid,omitempty"`
	InvalidMax   bool     `json:"truth_max_invalid,omitempty"`
	Slope        *float64 `json:"slope"`
	Intercept    *float64 `json:"intercept"`
	Calibrated   bool     `json:"calibrated"`
}

// Snapshot copies the model state.
func (m *Model) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	opt := func(p point) *float64 {
		if !p.set {
			return nil
		}
		v := p.value
		return &v
	}
	s := State{
		RawMin:       opt(m.raw[Min]),
		RawMax:       opt(m.raw[Max]),
		TruthMin:     opt(m.truth[Min].point),
		TruthMax:     opt(m.truth[Max].point),
		TruthMinText: m.truth[Min].input,
		TruthMaxText: m.truth[Max].input,
		InvalidMin:   m.truth[Min].invalid,
		InvalidMax:   m.truth[Max].invalid,
		Calibrated:   m.derived,
	}
	if m.derived {
		slope, intercept := m.slope, m.intercept
		s.Slope, s.Intercept = &slope, &intercept
	}
	return s
}
