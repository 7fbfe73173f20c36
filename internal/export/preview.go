package export

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotMode selects which series a plot shows.
type PlotMode string

const (
	PlotRaw        PlotMode = "raw"
	PlotCalibrated PlotMode = "calibrated"
	PlotBoth       PlotMode = "both"
)

// ParsePlotMode accepts raw, calibrated or both in any case.
func ParsePlotMode(s string) (PlotMode, error) {
	switch m := PlotMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", PlotRaw:
		return PlotRaw, nil
	case PlotCalibrated, PlotBoth:
		return m, nil
	default:
		return "", fmt.Errorf("unknown plot mode %q", s)
	}
}

// NeedsCalibration reports whether the mode shows calibrated values.
func (m PlotMode) NeedsCalibration() bool { return m == PlotCalibrated || m == PlotBoth }

var palette = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 255, G: 127, B: 14, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
	color.RGBA{R: 148, G: 103, B: 189, A: 255},
}

// Preview image size.
const (
	PreviewWidth  = 10 * vg.Inch
	PreviewHeight = 4 * vg.Inch
)

// RenderPreview draws series against time in seconds and writes a PNG.
func RenderPreview(w io.Writer, title string, series []Series, mode PlotMode) error {
	if len(series) == 0 {
		return errors.New("nothing to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	switch mode {
	case PlotCalibrated:
		p.Y.Label.Text = "Angle (deg)"
	case PlotBoth:
		p.Y.Label.Text = "Resistance / Angle"
	default:
		p.Y.Label.Text = "Resistance"
	}
	p.Legend.Top = true

	for i, s := range series {
		c := palette[i%len(palette)]
		if mode == PlotRaw || mode == PlotBoth {
			if err := addLine(p, s.Address+" raw", s.Data.Time, s.Data.Raw, c, false); err != nil {
				return err
			}
		}
		if mode.NeedsCalibration() && len(s.Data.Calibrated) > 0 {
			if err := addLine(p, s.Address+" angle", s.Data.Time, s.Data.Calibrated, c, mode == PlotBoth); err != nil {
				return err
			}
		}
	}

	wt, err := p.WriterTo(PreviewWidth, PreviewHeight, "png")
	if err != nil {
		return fmt.Errorf("failed to render preview: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

func addLine(p *plot.Plot, label string, t, y []float64, c color.Color, dashed bool) error {
	n := min(len(t), len(y))
	pts := make(plotter.XYs, n)
	for i := 0; i < n; i++ {
		pts[i] = plotter.XY{X: t[i] / 1000, Y: y[i]}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to create line for %s: %w", label, err)
	}
	line.Color = c
	line.Width = vg.Points(1)
	if dashed {
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	}
	p.Add(line)
	p.Legend.Add(label, line)
	return nil
}
