package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/rris/internal/catalog"
	"github.com/banshee-data/rris/internal/db"
	"github.com/banshee-data/rris/internal/export"
	"github.com/banshee-data/rris/internal/httputil"
	"github.com/banshee-data/rris/internal/scheduler"
	"github.com/banshee-data/rris/internal/security"
)

type saveRequest struct {
	Name string `json:"name"`
}

type saveResponse struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Devices     []string `json:"devices"`
	RecordingID string   `json:"recording_id,omitempty"`
}

type notesRequest struct {
	Name  string   `json:"name"`
	Tags  []string `json:"tags"`
	Notes string   `json:"notes"`
}

type nameRequest struct {
	Name string `json:"name"`
}

type recordingsResponse struct {
	SessionID string          `json:"session_id"`
	Tags      []string        `json:"tags"`
	Entries   []catalog.Entry `json:"entries"`
}

// fileName cleans a client-supplied recording name down to a base name.
func fileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name is required")
	}
	if filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %s", security.ErrPathEscape, name)
	}
	return export.EnsureCSV(name), nil
}

func (s *Server) listRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	files, err := s.files.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.catalog.Sync(files)
	if err != nil {
		s.writeError(w, err)
		return
	}
	day, err := s.catalog.Today()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	httputil.WriteJSONOK(w, recordingsResponse{SessionID: day.SessionID, Tags: catalog.Tags, Entries: entries})
}

func (s *Server) saveRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req saveRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.sched.Sessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(sessions) == 0 {
		s.writeError(w, scheduler.ErrNoDevices)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		existing, err := s.files.List()
		if err != nil {
			s.writeError(w, err)
			return
		}
		name = export.DefaultFilename(s.clock.Now(), existing, len(sessions))
	}
	if name, err = fileName(name); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	series := make([]export.Series, 0, len(sessions))
	channels := make([]db.Channel, 0, len(sessions))
	devices := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		data := sess.Buffer().Snapshot()
		cal := sess.Calibration().Snapshot()
		series = append(series, export.Series{Address: sess.Address(), Data: data})
		channels = append(channels, db.Channel{
			Address:   sess.Address(),
			Slope:     cal.Slope,
			Intercept: cal.Intercept,
			Data:      data,
		})
		devices = append(devices, sess.Address())
	}

	path, err := s.files.Save(name, series)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := saveResponse{Name: name, Path: path, Devices: devices}
	if err := s.catalog.Register(name, devices); err != nil {
		s.writeError(w, err)
		return
	}
	if s.archive != nil {
		hz, _ := s.sched.Frequency().Get()
		rec, err := s.archive.SaveRecording(r.Context(), name, hz, s.clock.Now(), channels)
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.RecordingID = rec.ID
	}
	s.log.WithField("file", name).WithField("devices", len(devices)).Info("recording saved")
	httputil.WriteJSON(w, http.StatusCreated, resp)
}

func (s *Server) setNotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req notesRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	name, err := fileName(req.Name)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	entry, err := s.catalog.SetNotes(name, req.Tags, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, entry)
}

func (s *Server) deleteRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		httputil.MethodNotAllowed(w)
		return
	}
	var req nameRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	name, err := fileName(req.Name)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.files.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.writeError(w, err)
		return
	}
	if err := s.catalog.Delete(name); err != nil {
		s.writeError(w, err)
		return
	}
	if s.archive != nil {
		if err := s.deleteArchived(r.Context(), name); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.log.WithField("file", name).Info("recording deleted")
	httputil.WriteJSONOK(w, map[string]string{"deleted": name})
}

// deleteArchived removes every archived copy saved under name.
func (s *Server) deleteArchived(ctx context.Context, name string) error {
	for {
		rec, err := s.archive.LatestByName(ctx, name)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.archive.DeleteRecording(ctx, rec.ID); err != nil {
			return err
		}
	}
}

func (s *Server) uploadRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.uploader == nil {
		httputil.WriteJSONError(w, http.StatusNotImplemented, "upload is not configured")
		return
	}
	var req nameRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	name, err := fileName(req.Name)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	path, err := security.ResolveWithin(s.files.Dir, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		s.writeError(w, err)
		return
	}
	var tags []string
	if entry, err := s.catalog.Get(name); err == nil {
		tags = entry.Tags
	}

	res, err := s.uploader.Upload(r.Context(), path, name, tags)
	if res.Uploaded {
		if markErr := s.catalog.MarkUploaded(name); markErr != nil {
			s.log.WithError(markErr).WithField("file", name).Warn("failed to mark upload in catalog")
		}
	}
	if err != nil {
		s.log.WithError(err).WithField("file", name).Warn("upload failed")
		httputil.WriteJSON(w, http.StatusBadGateway, map[string]interface{}{"error": err.Error(), "result": res})
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) listArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.WriteJSONError(w, http.StatusNotImplemented, "recording archive is not configured")
		return
	}
	recs, err := s.archive.Recordings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []db.Recording{}
	}
	httputil.WriteJSONOK(w, recs)
}

// plotModes lists the modes on offer. Calibrated views need every device
// calibrated.
func plotModes(allCalibrated bool) []export.PlotMode {
	if allCalibrated {
		return []export.PlotMode{export.PlotRaw, export.PlotCalibrated, export.PlotBoth}
	}
	return []export.PlotMode{export.PlotRaw}
}

func (s *Server) listPlotModes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	o, err := s.sched.Overview(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, plotModes(o.AllCalibrated && len(o.Devices) > 0))
}

func (s *Server) writePNG(w http.ResponseWriter, title string, series []export.Series, mode export.PlotMode) {
	var buf bytes.Buffer
	if err := export.RenderPreview(&buf, title, series, mode); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render preview: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) previewLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	mode, err := export.ParsePlotMode(r.URL.Query().Get("mode"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	frame, err := s.sched.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(frame.Devices) == 0 {
		s.writeError(w, scheduler.ErrNoDevices)
		return
	}
	if mode.NeedsCalibration() && !frame.AllCalibrated {
		httputil.BadRequest(w, fmt.Sprintf("plot mode %q needs every device calibrated", mode))
		return
	}
	series := make([]export.Series, 0, len(frame.Devices))
	for _, d := range frame.Devices {
		series = append(series, export.Series{Address: d.Status.Address, Data: d.Data})
	}
	s.writePNG(w, "Live", series, mode)
}

func (s *Server) previewRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	name, err := fileName(r.URL.Query().Get("name"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	mode, err := export.ParsePlotMode(r.URL.Query().Get("mode"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	series, err := s.files.Load(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if mode.NeedsCalibration() && !allCalibrated(series) {
		httputil.BadRequest(w, fmt.Sprintf("plot mode %q needs a calibrated column for every device", mode))
		return
	}
	s.writePNG(w, strings.TrimSuffix(name, ".csv"), series, mode)
}

func allCalibrated(series []export.Series) bool {
	if len(series) == 0 {
		return false
	}
	for _, sr := range series {
		if len(sr.Data.Calibrated) == 0 {
			return false
		}
	}
	return true
}
