// Package server exposes the call driver over HTTP. It is the control
// surface a front end uses to start and end calls, toggle the microphone and
// the avatar output, and read the current state and call history.
//
//	POST /call/start    start a call; body {"prompt", "voiceId"} is optional
//	POST /call/end      end the active call, if any
//	POST /call/mute     body {"muted": bool}; microphone uplink only
//	POST /call/avatar/mute  body {"muted": bool}; the avatar's speech
//	POST /call/video    body {"off": bool}
//	GET  /call/status   current [call.Snapshot]
//	GET  /call/history  recent calls, newest first
//	GET  /call/history/{callID}  transitions of one call
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Jubbery/simli-facetime-app/internal/call"
	"github.com/Jubbery/simli-facetime-app/internal/calllog"
	"github.com/Jubbery/simli-facetime-app/internal/observe"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Controller is the subset of [call.Driver] the server drives.
type Controller interface {
	Start(ctx context.Context, req call.StartRequest) error
	End()
	SetMuted(muted bool) error
	SetAvatarMuted(muted bool) error
	SetVideoOff(off bool) error
	Snapshot() call.Snapshot
}

// History reads past calls.
type History interface {
	Recent(ctx context.Context, limit int) ([]calllog.Call, error)
	Events(ctx context.Context, callID string) ([]call.Event, error)
}

// Server routes control requests to a [Controller].
type Server struct {
	ctrl    Controller
	history History
	mux     *http.ServeMux
	metrics *observe.Metrics
}

// Option configures a [Server].
type Option func(*Server)

// WithHistory enables the /call/history routes.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithMetrics records request metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRoutes lets the caller mount extra handlers (health, metrics) on the
// same mux.
func WithRoutes(register func(mux *http.ServeMux)) Option {
	return func(s *Server) { register(s.mux) }
}

// New creates a [Server] for ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, mux: http.NewServeMux()}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.mux.HandleFunc("POST /call/start", s.handleStart)
	s.mux.HandleFunc("POST /call/end", s.handleEnd)
	s.mux.HandleFunc("POST /call/mute", s.handleMute)
	s.mux.HandleFunc("POST /call/avatar/mute", s.handleAvatarMute)
	s.mux.HandleFunc("POST /call/video", s.handleVideo)
	s.mux.HandleFunc("GET /call/status", s.handleStatus)
	if s.history != nil {
		s.mux.HandleFunc("GET /call/history", s.handleHistory)
		s.mux.HandleFunc("GET /call/history/{callID}", s.handleCallEvents)
	}
	return s
}

// Handler returns the routed handler wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.metrics)(s.mux)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// handleStart handles POST /call/start. It answers 202 because setup
// continues in the background; poll /call/status for progress.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req call.StartRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.ctrl.Start(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
	case errors.Is(err, call.ErrCallActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, call.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, call.ErrNotInitialized), errors.Is(err, call.ErrDriverClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		observe.Logger(r.Context()).Error("server: start call", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to start call")
	}
}

// handleEnd handles POST /call/end. It blocks until teardown finishes.
func (s *Server) handleEnd(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.End()
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

// handleMute handles POST /call/mute.
func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if err := decodeOptional(r, &req); err != nil || req.Muted == nil {
		writeError(w, http.StatusBadRequest, "muted is required")
		return
	}
	if err := s.ctrl.SetMuted(*req.Muted); err != nil {
		observe.Logger(r.Context()).Warn("server: set muted", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleAvatarMute handles POST /call/avatar/mute.
func (s *Server) handleAvatarMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if err := decodeOptional(r, &req); err != nil || req.Muted == nil {
		writeError(w, http.StatusBadRequest, "muted is required")
		return
	}
	if err := s.ctrl.SetAvatarMuted(*req.Muted); err != nil {
		observe.Logger(r.Context()).Warn("server: set avatar muted", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

type videoRequest struct {
	Off *bool `json:"off"`
}

// handleVideo handles POST /call/video.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	if err := decodeOptional(r, &req); err != nil || req.Off == nil {
		writeError(w, http.StatusBadRequest, "off is required")
		return
	}
	if err := s.ctrl.SetVideoOff(*req.Off); err != nil {
		observe.Logger(r.Context()).Warn("server: set video", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleHistory handles GET /call/history?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	calls, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("server: read history", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if calls == nil {
		calls = []calllog.Call{}
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleCallEvents handles GET /call/history/{callID}.
func (s *Server) handleCallEvents(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callID")
	events, err := s.history.Events(r.Context(), callID)
	if err != nil {
		observe.Logger(r.Context()).Error("server: read call events", "call_id", callID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read call events")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// decodeOptional decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
