package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/rris/internal/calibration"
	"github.com/banshee-data/rris/internal/devicelink"
	"github.com/banshee-data/rris/internal/httputil"
	"github.com/banshee-data/rris/internal/protocol"
	"github.com/banshee-data/rris/internal/scheduler"
	"github.com/banshee-data/rris/internal/session"
)

// MaxRecordDuration caps a fixed-duration recording.
const MaxRecordDuration = time.Hour

type addressRequest struct {
	Address string `json:"address"`
}

type connectRequest struct {
	Addresses []string `json:"addresses"`
}

type frequencyRequest struct {
	FrequencyHz int `json:"frequency_hz"`
}

type frequencyResponse struct {
	FrequencyHz int   `json:"frequency_hz,omitempty"`
	Choices     []int `json:"choices"`
}

type captureRequest struct {
	Address string `json:"address"`
	Bound   string `json:"bound"`
}

type truthRequest struct {
	Address string `json:"address"`
	Bound   string `json:"bound"`
	Value   string `json:"value"`
}

type recordRequest struct {
	DurationSeconds float64 `json:"duration_s"`
}

type clipRequest struct {
	Address string   `json:"address"`
	Start   *float64 `json:"start"`
	End     *float64 `json:"end"`
}

type clipResult struct {
	Address string `json:"address"`
	Changed bool   `json:"changed"`
	Samples int    `json:"samples"`
	Clipped bool   `json:"clipped"`
}

// targets resolves an optional address to the sessions an operation applies
// to. An empty address selects every session.
func (s *Server) targets(ctx context.Context, address string) ([]*session.Session, error) {
	if address == "" {
		return s.sched.Sessions(ctx)
	}
	sess, err := s.sched.Session(ctx, address)
	if err != nil {
		return nil, err
	}
	return []*session.Session{sess}, nil
}

func (s *Server) scanDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	scanner, ok := s.link.(devicelink.Scanner)
	if !ok {
		httputil.WriteJSONError(w, http.StatusNotImplemented, "device link does not support scanning")
		return
	}
	devices, err := scanner.Scan(r.Context(), devicelink.DefaultScanTimeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if devices == nil {
		devices = []devicelink.Device{}
	}
	httputil.WriteJSONOK(w, devices)
}

func (s *Server) connectDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req connectRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var addresses []string
	for _, a := range req.Addresses {
		if a = strings.TrimSpace(a); a != "" {
			addresses = append(addresses, a)
		}
	}
	if len(addresses) == 0 {
		httputil.BadRequest(w, "at least one address is required")
		return
	}
	if err := s.sched.Connect(r.Context(), addresses...); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string][]string{"connecting": addresses})
}

func (s *Server) disconnectDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req addressRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var err error
	if req.Address == "" {
		err = s.sched.DisconnectAll(r.Context())
	} else {
		err = s.sched.Disconnect(r.Context(), req.Address)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "disconnecting"})
}

func (s *Server) handleFrequency(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req frequencyRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.sched.Frequency().Set(req.FrequencyHz); err != nil {
			s.writeError(w, err)
			return
		}
		s.log.WithField("frequency_hz", req.FrequencyHz).Info("sampling frequency selected")
	default:
		httputil.MethodNotAllowed(w)
		return
	}
	hz, _ := s.sched.Frequency().Get()
	httputil.WriteJSONOK(w, frequencyResponse{FrequencyHz: hz, Choices: protocol.FrequencyChoices})
}

func (s *Server) captureBound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req captureRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	bound, err := calibration.ParseBound(req.Bound)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sess, err := s.sched.Session(r.Context(), req.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	value, err := sess.Capture(r.Context(), bound)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"address":     sess.Address(),
		"bound":       bound.String(),
		"value":       value,
		"calibration": sess.Calibration().Snapshot(),
	})
}

func (s *Server) setTruth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req truthRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	bound, err := calibration.ParseBound(req.Bound)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.targets(r.Context(), req.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, sess := range sessions {
		if err := sess.SetTruth(bound, req.Value); err != nil {
			s.writeError(w, fmt.Errorf("%s: %w", sess.Address(), err))
			return
		}
	}
	httputil.WriteJSONOK(w, calibrationStates(sessions))
}

func (s *Server) deriveCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req addressRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.targets(r.Context(), req.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(sessions) == 0 {
		s.writeError(w, scheduler.ErrNoDevices)
		return
	}
	var errs []error
	for _, sess := range sessions {
		if err := sess.Derive(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sess.Address(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, calibrationStates(sessions))
}

func calibrationStates(sessions []*session.Session) map[string]calibration.State {
	out := make(map[string]calibration.State, len(sessions))
	for _, sess := range sessions {
		out[sess.Address()] = sess.Calibration().Snapshot()
	}
	return out
}

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req recordRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	duration := time.Duration(req.DurationSeconds * float64(time.Second))
	if duration < 0 || duration > MaxRecordDuration {
		httputil.BadRequest(w, fmt.Sprintf("duration must be between 0 and %s", MaxRecordDuration))
		return
	}
	if err := s.sched.StartRecording(r.Context(), duration); err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]interface{}{"recording": true}
	if duration > 0 {
		resp["duration_s"] = duration.Seconds()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.sched.StopRecording(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"recording": false})
}

// bufferTargets decodes a buffer edit request and resolves its sessions.
func (s *Server) bufferTargets(w http.ResponseWriter, r *http.Request) (clipRequest, []*session.Session, bool) {
	var req clipRequest
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return req, nil, false
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return req, nil, false
	}
	sessions, err := s.targets(r.Context(), req.Address)
	if err != nil {
		s.writeError(w, err)
		return req, nil, false
	}
	return req, sessions, true
}

func writeClipResults(w http.ResponseWriter, sessions []*session.Session, op func(*session.Session) bool) {
	results := make([]clipResult, 0, len(sessions))
	for _, sess := range sessions {
		changed := op(sess)
		buf := sess.Buffer()
		results = append(results, clipResult{
			Address: sess.Address(),
			Changed: changed,
			Samples: buf.Len(),
			Clipped: buf.Clipped(),
		})
	}
	httputil.WriteJSONOK(w, results)
}

func (s *Server) clipBuffers(w http.ResponseWriter, r *http.Request) {
	req, sessions, ok := s.bufferTargets(w, r)
	if !ok {
		return
	}
	if req.Start == nil || req.End == nil {
		httputil.BadRequest(w, "start and end are required")
		return
	}
	writeClipResults(w, sessions, func(sess *session.Session) bool {
		return sess.Buffer().Clip(*req.Start, *req.End)
	})
}

func (s *Server) restoreBuffers(w http.ResponseWriter, r *http.Request) {
	_, sessions, ok := s.bufferTargets(w, r)
	if !ok {
		return
	}
	writeClipResults(w, sessions, func(sess *session.Session) bool {
		return sess.Buffer().Restore()
	})
}

func (s *Server) commitBuffers(w http.ResponseWriter, r *http.Request) {
	_, sessions, ok := s.bufferTargets(w, r)
	if !ok {
		return
	}
	writeClipResults(w, sessions, func(sess *session.Session) bool {
		clipped := sess.Buffer().Clipped()
		sess.Buffer().CommitClip()
		return clipped
	})
}

func (s *Server) clearBuffers(w http.ResponseWriter, r *http.Request) {
	_, sessions, ok := s.bufferTargets(w, r)
	if !ok {
		return
	}
	writeClipResults(w, sessions, func(sess *session.Session) bool {
		had := sess.Buffer().Len() > 0
		sess.Buffer().Clear()
		return had
	})
}
