package monitor

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/horace42/tranzy-stats/internal/geo"
	"github.com/horace42/tranzy-stats/internal/metrics"
	"github.com/horace42/tranzy-stats/internal/store"
	"github.com/horace42/tranzy-stats/internal/tranzy"
)

// VehicleSource is the slice of the API client the pipeline depends on
type VehicleSource interface {
	Vehicles(ctx context.Context, tripIDs map[string]bool) []tranzy.Vehicle
}

// PositionWriter is the slice of the store the pipeline depends on
type PositionWriter interface {
	InsertPosition(ctx context.Context, p store.Position) error
}

// Pipeline transforms one raw batch of vehicle reports into persisted
// position rows and one outcome per report
type Pipeline struct {
	source VehicleSource
	writer PositionWriter

	maxDistToStop float64
	timeTolerance time.Duration

	collector *metrics.Collector
	now       func() time.Time
}

// NewPipeline creates a pipeline. collector may be nil.
func NewPipeline(source VehicleSource, writer PositionWriter, maxDistToStop float64, timeTolerance time.Duration, collector *metrics.Collector) *Pipeline {
	return &Pipeline{
		source:        source,
		writer:        writer,
		maxDistToStop: maxDistToStop,
		timeTolerance: timeTolerance,
		collector:     collector,
		now:           time.Now,
	}
}

// Tick runs one poll cycle: fetch vehicles for the monitored trips, route
// each report to its own trip's segment, validate, match and persist.
// Outcomes are returned in the order the provider returned vehicles.
func (p *Pipeline) Tick(ctx context.Context, segments map[string]*store.MonitorConfig) []Outcome {
	start := p.now()
	if p.collector != nil {
		p.collector.TicksTotal.Inc()
		defer func() {
			p.collector.TickDuration.Observe(time.Since(start).Seconds())
		}()
	}

	tripIDs := make(map[string]bool, len(segments))
	for id := range segments {
		tripIDs[id] = true
	}

	vehicles := p.source.Vehicles(ctx, tripIDs)
	if len(vehicles) == 0 {
		return []Outcome{{Kind: SkippedPosition, Time: p.now(), Message: "no vehicles on route"}}
	}

	outcomes := make([]Outcome, 0, len(vehicles))
	for _, v := range vehicles {
		if v.TripID == nil {
			continue
		}
		cfg, ok := segments[*v.TripID]
		if !ok {
			// the client filters by trip id, so this should not occur
			continue
		}
		outcomes = append(outcomes, p.processVehicle(ctx, v, cfg))
	}
	if len(outcomes) == 0 {
		// every report was dropped by the trip filter; the tick still
		// leaves a log line
		return []Outcome{{Kind: SkippedPosition, Time: p.now(), Message: "no vehicles on route"}}
	}
	return outcomes
}

// processVehicle applies the acceptance rules to one report. Failures are
// contained: a bad report rejects only itself, never the batch.
func (p *Pipeline) processVehicle(ctx context.Context, v tranzy.Vehicle, cfg *store.MonitorConfig) Outcome {
	if p.collector != nil {
		p.collector.VehiclesObserved.Inc()
	}

	ts, err := time.Parse(time.RFC3339, v.Timestamp)
	if err != nil {
		return p.skip(metrics.ReasonBadTime,
			fmt.Sprintf("%s skipped - bad datetime: %s", v.Label, v.Timestamp))
	}

	now := p.now()
	if ts.Before(now.Add(-p.timeTolerance)) || ts.After(now.Add(p.timeTolerance)) {
		return p.skip(metrics.ReasonBadTime,
			fmt.Sprintf("%s skipped - bad datetime: %s", v.Label, ts.Local().Format("2006-01-02 15:04:05")))
	}

	candidates := make([]geo.Point, len(cfg.Stops))
	for i, s := range cfg.Stops {
		candidates[i] = geo.Point{Lat: s.StopLat, Lon: s.StopLon}
	}
	nearestIdx, dist, err := geo.Nearest(geo.Point{Lat: v.Latitude, Lon: v.Longitude}, candidates)
	if err != nil {
		// segments always contain at least one stop by construction
		log.Printf("Pipeline: no candidate stops for trip %s: %v", cfg.Trip.TripID, err)
		return p.skip(metrics.ReasonOutOfRange,
			fmt.Sprintf("%s outside monitored segment", v.Label))
	}

	distMeters := int(math.Round(dist))
	if float64(distMeters) > p.maxDistToStop {
		return p.skip(metrics.ReasonOutOfRange,
			fmt.Sprintf("%s outside monitored segment", v.Label))
	}

	closest := cfg.Stops[nearestIdx]
	err = p.writer.InsertPosition(ctx, store.Position{
		VehicleNo:    v.Label,
		Latitude:     v.Latitude,
		Longitude:    v.Longitude,
		Timestamp:    ts.UTC(),
		Speed:        v.Speed,
		StopDistance: distMeters,
		TripIdx:      cfg.Trip.Idx,
		StopIdx:      closest.Idx,
	})
	if err != nil {
		log.Printf("Pipeline: failed to save position for %s: %v", v.Label, err)
		return p.skip(metrics.ReasonWriteError,
			fmt.Sprintf("%s position not saved", v.Label))
	}

	if p.collector != nil {
		p.collector.PositionsLogged.Inc()
	}
	return Outcome{
		Kind: LoggedPosition,
		Time: p.now(),
		Message: fmt.Sprintf("%s, %s, %s at %d meters",
			v.Label, ts.Local().Format("15:04:05"), closest.StopName, distMeters),
	}
}

func (p *Pipeline) skip(reason, message string) Outcome {
	if p.collector != nil {
		p.collector.PositionsSkipped.WithLabelValues(reason).Inc()
	}
	return Outcome{Kind: SkippedPosition, Time: p.now(), Message: message}
}
