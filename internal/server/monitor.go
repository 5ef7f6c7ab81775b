package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/horace42/tranzy-stats/internal/monitor"
	"github.com/horace42/tranzy-stats/internal/store"
)

const outcomeLogCapacity = 500

// OutcomeRecord is one entry of GET /api/monitor/log
type OutcomeRecord struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// OutcomeLog is a fixed-capacity ring of the most recent outcomes
type OutcomeLog struct {
	mu      sync.Mutex
	records []OutcomeRecord
	next    int
	full    bool
}

// NewOutcomeLog creates a ring holding the last capacity outcomes
func NewOutcomeLog(capacity int) *OutcomeLog {
	return &OutcomeLog{records: make([]OutcomeRecord, capacity)}
}

// Append adds an outcome, evicting the oldest once the ring is full
func (l *OutcomeLog) Append(o monitor.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[l.next] = OutcomeRecord{Time: o.Time, Kind: o.Kind.String(), Message: o.Message}
	l.next++
	if l.next == len(l.records) {
		l.next = 0
		l.full = true
	}
}

// Records returns the buffered outcomes, oldest first
func (l *OutcomeLog) Records() []OutcomeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]OutcomeRecord, l.next)
		copy(out, l.records[:l.next])
		return out
	}
	out := make([]OutcomeRecord, 0, len(l.records))
	out = append(out, l.records[l.next:]...)
	out = append(out, l.records[:l.next]...)
	return out
}

// StartRequest is the JSON body of POST /api/monitor/start. Either
// durationMinutes or a startTime/endTime timeframe selects the schedule.
type StartRequest struct {
	TripIDs         []string   `json:"tripIds"`
	DurationMinutes int        `json:"durationMinutes,omitempty"`
	StartTime       *time.Time `json:"startTime,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
}

// StatusResponse is the JSON body of GET /api/monitor/status
type StatusResponse struct {
	State     string     `json:"state"`
	SessionID string     `json:"sessionId,omitempty"`
	TripIDs   []string   `json:"tripIds,omitempty"`
	StartsAt  *time.Time `json:"startsAt,omitempty"`
	EndsAt    *time.Time `json:"endsAt,omitempty"`
}

// handleMonitorStart handles POST /api/monitor/start
func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.TripIDs) == 0 {
		writeError(w, http.StatusBadRequest, "tripIds is required")
		return
	}

	cfg := monitor.StartConfig{
		TripIDs:  req.TripIDs,
		Duration: time.Duration(req.DurationMinutes) * time.Minute,
	}
	if req.StartTime != nil {
		cfg.StartTime = *req.StartTime
		if req.EndTime != nil {
			cfg.EndTime = *req.EndTime
		}
	}

	if err := s.controller.Start(cfg); err != nil {
		switch {
		case errors.Is(err, monitor.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse(s.controller.Status()))
}

// handleMonitorStop handles POST /api/monitor/stop
func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	s.controller.Stop()
	writeJSON(w, http.StatusOK, statusResponse(s.controller.Status()))
}

// handleMonitorStatus handles GET /api/monitor/status
func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse(s.controller.Status()))
}

// handleMonitorLog handles GET /api/monitor/log
func (s *Server) handleMonitorLog(w http.ResponseWriter, r *http.Request) {
	records := s.outcomes.Records()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": records,
		"count":   len(records),
	})
}

func statusResponse(info monitor.SessionInfo) StatusResponse {
	resp := StatusResponse{State: info.State.String()}
	if info.State == monitor.Idle {
		return resp
	}
	resp.SessionID = info.SessionID
	resp.TripIDs = info.TripIDs
	resp.StartsAt = &info.StartsAt
	resp.EndsAt = &info.EndsAt
	return resp
}
