package export

import (
	"bytes"
	"image/png"
	"testing"
)

func TestRenderPreview(t *testing.T) {
	for _, mode := range []PlotMode{PlotRaw, PlotCalibrated, PlotBoth} {
		t.Run(string(mode), func(t *testing.T) {
			var buf bytes.Buffer
			if err := RenderPreview(&buf, "trial", sampleSeries(), mode); err != nil {
				t.Fatalf("RenderPreview: %v", err)
			}
			if _, err := png.Decode(&buf); err != nil {
				t.Errorf("output is not a PNG: %v", err)
			}
		})
	}
}

func TestRenderPreviewEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderPreview(&buf, "empty", nil, PlotRaw); err == nil {
		t.Error("expected error for no series")
	}
}

func TestParsePlotMode(t *testing.T) {
	tests := []struct {
		in      string
		want    PlotMode
		wantErr bool
	}{
		{"", PlotRaw, false},
		{"Raw", PlotRaw, false},
		{"CALIBRATED", PlotCalibrated, false},
		{" both ", PlotBoth, false},
		{"neither", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePlotMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePlotMode(%q) = %q, %v", tt.in, got, err)
		}
	}
	if PlotRaw.NeedsCalibration() || !PlotBoth.NeedsCalibration() {
		t.Error("NeedsCalibration mismatch")
	}
}
