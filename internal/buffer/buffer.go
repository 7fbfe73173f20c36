// Package buffer holds the per-device time series captured while recording
// and the reversible clip used to trim a recording before it is saved.
package buffer

import (
	"sync"
)

// Calibrator converts a raw value to a calibrated one. Implementations report
// whether a formula is currently active.
type Calibrator interface {
	IsCalibrated() bool
	Apply(raw float64) (float64, error)
}

// Snapshot is an aligned copy of a buffer. Raw and Time always have the same
// length. Calibrated is either empty or the same length as Raw.
type Snapshot struct {
	Time       []float64 `json:"time"`
	Raw        []float64 `json:"raw"`
	Calibrated []float64 `json:"calibrated,omitempty"`
}

// Len returns the number of aligned samples.
func (s Snapshot) Len() int { return len(s.Raw) }

type series struct {
	raw        []float64
	time       []float64
	calibrated []float64
}

func (s series) copy() series {
	return series{
		raw:        append([]float64(nil), s.raw...),
		time:       append([]float64(nil), s.time...),
		calibrated: append([]float64(nil), s.calibrated...),
	}
}

// Buffer is one device's sample series. A single writer appends while other
// goroutines read snapshots; the lock is held only for slice bookkeeping.
type Buffer struct {
	mu      sync.RWMutex
	live    series
	full    series
	clipped bool
	ref     float64
	hasRef  bool
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append adds one sample. The first sample fixes the reference time and every
// stored time is relative to it. When cal is non-nil and calibrated the
// calibrated value is appended too; otherwise the calibrated series is left
// unchanged for this sample.
func (b *Buffer) Append(raw, deviceTimestamp float64, cal Calibrator) {
	var (
		calibrated float64
		haveCal    bool
	)
	if cal != nil && cal.IsCalibrated() {
		if v, err := cal.Apply(raw); err == nil {
			calibrated, haveCal = v, true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasRef {
		b.ref = deviceTimestamp
		b.hasRef = true
	}
	b.live.raw = append(b.live.raw, raw)
	b.live.time = append(b.live.time, deviceTimestamp-b.ref)
	if haveCal {
		b.live.calibrated = append(b.live.calibrated, calibrated)
	}
}

// ReferenceTime returns the device timestamp of the first sample.
func (b *Buffer) ReferenceTime() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ref, b.hasRef
}

// Len returns the number of raw samples, which can exceed the aligned
// snapshot length while the calibrated series lags.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.live.raw)
}

// Snapshot returns a copy of the first n samples where n is the shortest of
// the raw and time series and, when any calibrated value exists, the
// calibrated series.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := min(len(b.live.raw), len(b.live.time))
	if c := len(b.live.calibrated); c > 0 {
		n = min(n, c)
	}
	s := Snapshot{
		Raw:  append([]float64(nil), b.live.raw[:n]...),
		Time: append([]float64(nil), b.live.time[:n]...),
	}
	if len(b.live.calibrated) > 0 {
		s.Calibrated = append([]float64(nil), b.live.calibrated[:n]...)
	}
	return s
}

// searchIndex returns the first index whose time is >= t, 0 when t is at or
// before the first sample and len(times) when t is at or after the last.
func searchIndex(times []float64, t float64) int {
	if len(times) == 0 || t <= times[0] {
		return 0
	}
	if t >= times[len(times)-1] {
		return len(times)
	}
	for i, v := range times {
		if v >= t {
			return i
		}
	}
	return len(times)
}

// Clip restricts the live series to samples with tMin <= time <= tMax. The
// pre-clip series are kept so Restore can undo the clip. An empty or inverted
// range leaves the buffer untouched and reports false. Clipping an already
// clipped buffer narrows the view further; Restore returns to the original.
func (b *Buffer) Clip(tMin, tMax float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	times := b.live.time
	start := searchIndex(times, tMin)
	end := searchIndex(times, tMax)
	if end < len(times) && times[end] == tMax {
		end++
	}
	if start >= end || start >= len(times) {
		return false
	}

	if !b.clipped {
		b.full = b.live.copy()
		b.clipped = true
	}
	cut := func(s []float64) []float64 {
		if start >= len(s) {
			return nil
		}
		return append([]float64(nil), s[start:min(end, len(s))]...)
	}
	b.live = series{raw: cut(b.live.raw), time: cut(b.live.time), calibrated: cut(b.live.calibrated)}
	return true
}

// Clipped reports whether a clip can be restored.
func (b *Buffer) Clipped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.clipped
}

// Restore undoes an uncommitted clip. It is a no-op when no clip is held.
func (b *Buffer) Restore() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.clipped {
		return false
	}
	b.live = b.full
	b.full = series{}
	b.clipped = false
	return true
}

// CommitClip makes the current clip the new baseline.
func (b *Buffer) CommitClip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.full = series{}
	b.clipped = false
}

// Clear drops every sample, any held clip and the reference time.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live = series{}
	b.full = series{}
	b.clipped = false
	b.ref = 0
	b.hasRef = false
}
