// Package server exposes the control API: monitoring session lifecycle, trip
// configuration, statistics and CSV export.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/horace42/tranzy-stats/internal/metrics"
	"github.com/horace42/tranzy-stats/internal/monitor"
	"github.com/horace42/tranzy-stats/internal/stats"
	"github.com/horace42/tranzy-stats/internal/store"
)

// ErrorResponse is the JSON error envelope for all endpoints
type ErrorResponse struct {
	Error string `json:"error"`
}

// SessionController is the slice of the monitor controller the API drives
type SessionController interface {
	Start(cfg monitor.StartConfig) error
	Stop()
	Status() monitor.SessionInfo
}

// TripConfigurator runs the trip configuration workflow
type TripConfigurator interface {
	ConfigureTrip(ctx context.Context, lineNumber string, direction, startSeq, endSeq int) (*store.MonitorConfig, error)
}

// Server wires the control API handlers to the monitoring core
type Server struct {
	controller   SessionController
	configurator TripConfigurator
	store        store.Store
	stats        *stats.Calculator
	collector    *metrics.Collector
	outcomes     *OutcomeLog
	corsOrigin   string
}

// New creates the server. collector may be nil, in which case /metrics is not
// mounted.
func New(controller SessionController, configurator TripConfigurator, st store.Store, collector *metrics.Collector, corsOrigin string) *Server {
	return &Server{
		controller:   controller,
		configurator: configurator,
		store:        st,
		stats:        stats.NewCalculator(st),
		collector:    collector,
		outcomes:     NewOutcomeLog(outcomeLogCapacity),
		corsOrigin:   corsOrigin,
	}
}

// SetController wires the monitor controller after construction. The
// controller is built with the server's Sink, so the two cannot be
// constructed in one step.
func (s *Server) SetController(c SessionController) {
	s.controller = c
}

// Sink records an outcome for GET /api/monitor/log. Pass it to the controller
// as its outcome sink.
func (s *Server) Sink(o monitor.Outcome) {
	s.outcomes.Append(o)
}

// Router builds the chi router with all control API routes
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.corsOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", s.handleHealth)
	if s.collector != nil {
		r.Handle("/metrics", s.collector.Handler())
	}

	r.Post("/api/monitor/start", s.handleMonitorStart)
	r.Post("/api/monitor/stop", s.handleMonitorStop)
	r.Get("/api/monitor/status", s.handleMonitorStatus)
	r.Get("/api/monitor/log", s.handleMonitorLog)

	r.Get("/api/trips", s.handleListTrips)
	r.Post("/api/trips", s.handleConfigureTrip)
	r.Put("/api/trips/{tripID}/segment", s.handleUpdateSegment)
	r.Delete("/api/trips/{tripID}", s.handleDeleteTrip)
	r.Get("/api/trips/{tripID}/stats", s.handleTripStats)
	r.Get("/api/trips/{tripID}/export", s.handleTripExport)

	return r
}

// handleHealth reports database connectivity
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.store.ListMonitoredTrips(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "error",
			"database":  "disconnected",
			"timestamp": time.Now().UTC(),
			"error":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
