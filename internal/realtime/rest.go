package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"devrun/internal/protocol"
	"devrun/internal/session"
)

type stoppedResponse struct {
	Stopped bool `json:"stopped"`
}

type logsStartedResponse struct {
	Generation uint64 `json:"generation"`
}

type logsResponse struct {
	Status session.Status        `json:"status"`
	Events []session.OutputEvent `json:"events"`
}

type runResponse struct {
	Run   session.Run `json:"run"`
	Error string      `json:"error,omitempty"`
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNilTargets(s.mgr.Targets(r.Context())))
}

func (s *Server) handleListSchemes(w http.ResponseWriter, r *http.Request) {
	schemes, err := s.mgr.Schemes(r.Context())
	if err != nil {
		writeError(w, statusFor(err), errorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, protocol.SchemesPayload{Schemes: schemes})
}

// handleStartBuild blocks until the build finishes. A failed build is still a
// 200 carrying the result.
func (s *Server) handleStartBuild(w http.ResponseWriter, r *http.Request) {
	var req protocol.BuildStartPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if req.TargetID == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "targetId is required")
		return
	}

	res, err := s.mgr.Build(r.Context(), buildParams(req.TargetID, req.Scheme, req.Clean))
	if err != nil {
		writeError(w, statusFor(err), errorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resultPayload("", res))
}

func (s *Server) handleStopBuild(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stoppedResponse{Stopped: s.mgr.StopBuild()})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req protocol.RunStartPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if req.TargetID == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "targetId is required")
		return
	}

	run, err := s.mgr.Run(r.Context(), runParams(req))
	if err != nil {
		if run.ID == "" {
			writeError(w, statusFor(err), errorCode(err), err.Error())
			return
		}
		writeJSON(w, statusFor(err), runResponse{Run: run, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run})
}

func (s *Server) handleStopApp(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.StopApp(r.Context()); err != nil {
		writeError(w, statusFor(err), errorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stoppedResponse{Stopped: true})
}

func (s *Server) handleStartLogs(w http.ResponseWriter, r *http.Request) {
	var req protocol.LogsStartPayload
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
			return
		}
	}

	gen, err := s.mgr.StartLogs(r.Context(), logParams(req))
	if err != nil {
		writeError(w, statusFor(err), errorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logsStartedResponse{Generation: gen})
}

func (s *Server) handleStopLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stoppedResponse{Stopped: s.mgr.StopLogs()})
}

// handleLogs returns the stream status and recorded log events, optionally
// only those after ?since=<RFC 3339 time>.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "since must be an RFC 3339 time")
			return
		}
		since = t
	}

	events := s.mgr.History(since, session.EventLogOutput, session.EventLogError, session.EventLogClosed)
	if events == nil {
		events = []session.OutputEvent{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Status: s.mgr.Status(), Events: events})
}

// statusFor maps manager errors to HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, session.ErrNoTarget) {
		return http.StatusBadRequest
	}
	switch errorCode(err) {
	case protocol.ErrTargetNotFound:
		return http.StatusNotFound
	case protocol.ErrSchemeRequired, protocol.ErrNoBundleID, protocol.ErrInvalidMessage:
		return http.StatusBadRequest
	case protocol.ErrBuildFailed:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, session.ErrStreamFailed) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorPayload{Code: code, Message: message})
}
