package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/horace42/tranzy-stats/internal/export"
	"github.com/horace42/tranzy-stats/internal/stats"
	"github.com/horace42/tranzy-stats/internal/store"
)

// TripResponse is one configured trip in GET /api/trips
type TripResponse struct {
	TripID         string `json:"tripId"`
	RouteShortName string `json:"route"`
	RouteLongName  string `json:"routeName"`
	TripHeadsign   string `json:"headsign"`
	Monitored      bool   `json:"monitored"`
}

// ConfigureTripRequest is the JSON body of POST /api/trips
type ConfigureTripRequest struct {
	LineNumber string `json:"lineNumber"`
	Direction  int    `json:"direction"`
	StartSeq   int    `json:"startSeq"`
	EndSeq     int    `json:"endSeq"`
}

// SegmentRequest is the JSON body of PUT /api/trips/{tripID}/segment
type SegmentRequest struct {
	StartSeq int `json:"startSeq"`
	EndSeq   int `json:"endSeq"`
}

// handleListTrips handles GET /api/trips
func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	trips, err := s.store.ListMonitoredTrips(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list trips")
		return
	}

	out := make([]TripResponse, len(trips))
	for i, t := range trips {
		out[i] = TripResponse{
			TripID:         t.TripID,
			RouteShortName: t.RouteShortName,
			RouteLongName:  t.RouteLongName,
			TripHeadsign:   t.TripHeadsign,
			Monitored:      t.Monitored,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": out, "count": len(out)})
}

// handleConfigureTrip handles POST /api/trips: the full configuration
// workflow against the provider API
func (s *Server) handleConfigureTrip(w http.ResponseWriter, r *http.Request) {
	var req ConfigureTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LineNumber == "" {
		writeError(w, http.StatusBadRequest, "lineNumber is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	cfg, err := s.configurator.ConfigureTrip(ctx, req.LineNumber, req.Direction, req.StartSeq, req.EndSeq)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tripId":   cfg.Trip.TripID,
		"route":    cfg.Trip.RouteShortName,
		"startSeq": cfg.StartSeq,
		"endSeq":   cfg.EndSeq,
		"stops":    len(cfg.Stops),
	})
}

// handleUpdateSegment handles PUT /api/trips/{tripID}/segment
func (s *Server) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripID")

	var req SegmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StartSeq >= req.EndSeq {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid segment: first stop %d must come before last stop %d", req.StartSeq, req.EndSeq))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.UpdateMonitoredSegment(ctx, tripID, req.StartSeq, req.EndSeq); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trip not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update segment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tripId":   tripID,
		"startSeq": req.StartSeq,
		"endSeq":   req.EndSeq,
	})
}

// handleDeleteTrip handles DELETE /api/trips/{tripID}
func (s *Server) handleDeleteTrip(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripID")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.DeleteTrip(ctx, tripID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trip not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete trip")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PairResponse is one travel-time pair in GET /api/trips/{tripID}/stats
type PairResponse struct {
	VehicleNo         string     `json:"vehicleNo"`
	Departure         time.Time  `json:"departure"`
	Arrival           *time.Time `json:"arrival,omitempty"`
	TravelTimeSeconds int        `json:"travelTimeSeconds,omitempty"`
	Rendered          string     `json:"rendered"`
}

// handleTripStats handles GET /api/trips/{tripID}/stats: travel times
// between the first and last stop of the monitored segment
func (s *Server) handleTripStats(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripID")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	cfg, err := s.store.ResolveMonitorConfig(ctx, tripID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trip not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve trip")
		return
	}
	if len(cfg.Stops) < 2 {
		writeError(w, http.StatusConflict, "monitored segment has fewer than two stops")
		return
	}

	depStop := cfg.Stops[0]
	arrStop := cfg.Stops[len(cfg.Stops)-1]
	summary, err := s.stats.TravelTimes(ctx, cfg.Trip.Idx, depStop.Idx, arrStop.Idx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute travel times")
		return
	}

	pairs := make([]PairResponse, len(summary.Pairs))
	for i, p := range summary.Pairs {
		pairs[i] = renderPair(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tripId":        tripID,
		"fromStop":      depStop.StopName,
		"toStop":        arrStop.StopName,
		"pairs":         pairs,
		"matched":       summary.Matched,
		"meanSeconds":   int(summary.Mean.Seconds()),
		"stddevSeconds": int(summary.StdDev.Seconds()),
	})
}

func renderPair(p stats.Pair) PairResponse {
	out := PairResponse{
		VehicleNo: p.VehicleNo,
		Departure: p.Departure,
		Rendered:  p.String(),
	}
	if p.Matched() {
		arrival := p.Arrival
		out.Arrival = &arrival
		out.TravelTimeSeconds = int(p.TravelTime.Seconds())
	}
	return out
}

// handleTripExport handles GET /api/trips/{tripID}/export: the trip's logged
// positions as a CSV download
func (s *Server) handleTripExport(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripID")

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	cfg, err := s.store.ResolveMonitorConfig(ctx, tripID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trip not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve trip")
		return
	}

	rows, err := s.store.TripExportRows(ctx, tripID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read positions")
		return
	}

	filename := export.Filename(cfg.Trip.RouteShortName, tripID, time.Now())
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := export.WriteCSV(w, rows); err != nil {
		// headers already sent, the truncated body is all the client gets
		log.Printf("export for %s failed mid-stream: %v", tripID, err)
	}
}
