package calibration

import (
	"context"
	"time"

	"github.com/banshee-data/rris/internal/timeutil"
)

// DefaultWindow is how long a capture samples the live value.
const DefaultWindow = 2000 * time.Millisecond

// SampleWindow polls read every interval for the given duration and returns
// the values it observed. read reports false while no live value exists yet;
// those polls are skipped. The window stops early if ctx is done.
func SampleWindow(ctx context.Context, clock timeutil.Clock, interval, duration time.Duration, read func() (float64, bool)) ([]float64, error) {
	if interval <= 0 {
		interval = duration
	}
	n := int(duration / interval)
	if n < 1 {
		n = 1
	}
	values := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if v, ok := read(); ok {
			values = append(values, v)
		}
		if err := clock.Sleep(ctx, interval); err != nil {
			return values, err
		}
	}
	return values, nil
}
