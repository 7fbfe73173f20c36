// Package export writes recorded sessions to CSV and renders previews.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/rris/internal/buffer"
	"github.com/banshee-data/rris/internal/security"
)

// Column suffixes appended to a device address in the CSV header.
const (
	TimeSuffix       = "_time (s)"
	RawSuffix        = "_raw_resistance"
	CalibratedSuffix = "_calibrated_angle"
)

// DateLayout is the date prefix of default recording names.
const DateLayout = "2006-01-02"

// Series is one device's recording.
type Series struct {
	Address string
	Data    buffer.Snapshot
}

// ExportError reports a failure writing a recording to Path.
type ExportError struct {
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s: %v", e.Path, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// WriteCSV writes one column group per series: time in seconds, raw
// resistance and, when the series has any calibrated values, the calibrated
// angle. Rows run to the longest column; shorter columns are padded with
// empty cells.
func WriteCSV(w io.Writer, series []Series) error {
	var header []string
	var cols [][]string
	for _, s := range series {
		header = append(header, s.Address+TimeSuffix, s.Address+RawSuffix)
		cols = append(cols, formatColumn(s.Data.Time, 1000), formatColumn(s.Data.Raw, 1))
		if len(s.Data.Calibrated) > 0 {
			header = append(header, s.Address+CalibratedSuffix)
			cols = append(cols, formatColumn(s.Data.Calibrated, 1))
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	rows := 0
	for _, c := range cols {
		rows = max(rows, len(c))
	}
	row := make([]string, len(cols))
	for i := 0; i < rows; i++ {
		for j, c := range cols {
			row[j] = ""
			if i < len(c) {
				row[j] = c[i]
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatColumn(values []float64, divisor float64) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strconv.FormatFloat(v/divisor, 'f', -1, 64)
	}
	return out
}

// ReadCSV parses a file written by WriteCSV. Times are returned in the
// buffer's millisecond units.
func ReadCSV(r io.Reader) ([]Series, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV data: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("CSV has no header")
	}

	var out []Series
	index := map[string]int{}
	type target struct {
		series int
		field  string
	}
	targets := make([]target, len(records[0]))
	for i, name := range records[0] {
		var addr, field string
		switch {
		case strings.HasSuffix(name, TimeSuffix):
			addr, field = strings.TrimSuffix(name, TimeSuffix), "time"
		case strings.HasSuffix(name, RawSuffix):
			addr, field = strings.TrimSuffix(name, RawSuffix), "raw"
		case strings.HasSuffix(name, CalibratedSuffix):
			addr, field = strings.TrimSuffix(name, CalibratedSuffix), "calibrated"
		default:
			return nil, fmt.Errorf("unknown column %q", name)
		}
		n, ok := index[addr]
		if !ok {
			n = len(out)
			index[addr] = n
			out = append(out, Series{Address: addr})
		}
		targets[i] = target{series: n, field: field}
	}

	for line, rec := range records[1:] {
		for i, cell := range rec {
			if cell == "" || i >= len(targets) {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid value at line %d column %d: %w", line+2, i+1, err)
			}
			s := &out[targets[i].series].Data
			switch targets[i].field {
			case "time":
				s.Time = append(s.Time, v*1000)
			case "raw":
				s.Raw = append(s.Raw, v)
			case "calibrated":
				s.Calibrated = append(s.Calibrated, v)
			}
		}
	}
	return out, nil
}

// EnsureCSV gives name a .csv suffix, replacing any other extension.
func EnsureCSV(name string) string {
	if strings.Contains(name, ".csv") {
		return name
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[:i]
	}
	return name + ".csv"
}

// DefaultFilename names the next recording of day:
// {date}_{n+1}_{devices}_Devices.csv, where n is the highest index among
// existing names for that day.
func DefaultFilename(day time.Time, existing []string, devices int) string {
	date := day.Format(DateLayout)
	n := 0
	for _, name := range existing {
		parts := strings.Split(name, "_")
		if len(parts) < 2 || parts[0] != date {
			continue
		}
		if idx, err := strconv.Atoi(parts[1]); err == nil && idx > n {
			n = idx
		}
	}
	return fmt.Sprintf("%s_%d_%d_Devices.csv", date, n+1, devices)
}

// Writer saves recordings into Dir.
type Writer struct {
	Dir string
}

// Save writes series to name inside the writer's directory and returns the
// file's absolute path. The file appears atomically.
func (w *Writer) Save(name string, series []Series) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", &ExportError{Path: name, Err: errors.New("empty file name")}
	}
	name = EnsureCSV(filepath.Base(name))
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", &ExportError{Path: w.Dir, Err: err}
	}
	path, err := security.ResolveWithin(w.Dir, name)
	if err != nil {
		return "", &ExportError{Path: name, Err: err}
	}

	tmp, err := os.CreateTemp(w.Dir, ".rris-*.csv")
	if err != nil {
		return "", &ExportError{Path: path, Err: err}
	}
	defer os.Remove(tmp.Name())
	if err := WriteCSV(tmp, series); err != nil {
		tmp.Close()
		return "", &ExportError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &ExportError{Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", &ExportError{Path: path, Err: err}
	}
	return path, nil
}

// Load reads a saved recording by name.
func (w *Writer) Load(name string) ([]Series, error) {
	path, err := security.ResolveWithin(w.Dir, filepath.Base(name))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

// List returns the CSV files in the writer's directory, sorted.
func (w *Writer) List() ([]string, error) {
	entries, err := os.ReadDir(w.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".csv") && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes a saved recording.
func (w *Writer) Remove(name string) error {
	path, err := security.ResolveWithin(w.Dir, filepath.Base(name))
	if err != nil {
		return err
	}
	return os.Remove(path)
}
