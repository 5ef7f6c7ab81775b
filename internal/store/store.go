package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a trip or monitor configuration does not exist
var ErrNotFound = errors.New("store: not found")

// Trip is one directional trip of a route configured for monitoring
type Trip struct {
	Idx            int64
	AgencyID       int
	RouteID        int
	TripID         string // provider trip id, e.g. "12_0"
	ShapeID        string
	RouteShortName string
	RouteLongName  string
	TripHeadsign   string
	Monitored      bool
}

// Stop is one provider stop, refreshed by catalog sync
type Stop struct {
	Idx      int64
	StopID   int // provider stop id
	StopName string
	StopLat  float64
	StopLon  float64
}

// StopSeq links a provider stop id to its sequence number on a trip
type StopSeq struct {
	StopID   int
	Sequence int
}

// Position is one accepted vehicle observation. Append-only: the pipeline
// never updates or deletes rows.
type Position struct {
	Idx          int64
	VehicleNo    string
	Latitude     float64
	Longitude    float64
	Timestamp    time.Time // provider-reported, UTC
	Speed        int
	StopDistance int // meters to the matched stop, rounded
	TripIdx      int64
	StopIdx      int64
}

// MonitorConfig is everything the pipeline needs for one monitored trip,
// resolved once at session start
type MonitorConfig struct {
	Trip     Trip
	Stops    []Stop // ordered by stop sequence, restricted to [StartSeq, EndSeq]
	StartSeq int
	EndSeq   int
}

// ExportRow is one flattened trip+position+stop row for CSV export
type ExportRow struct {
	RouteShortName string
	TripID         string
	VehicleNo      string
	Timestamp      time.Time
	Latitude       float64
	Longitude      float64
	Speed          int
	StopDistance   int
	StopSequence   int
	StopName       string
}

// Store is the persistence contract shared by the SQLite and Postgres
// backends
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error

	// Stop catalog sync: insert stops whose provider id is not yet known,
	// refresh the rest. Returns the number of newly inserted stops.
	UpsertStops(ctx context.Context, stops []Stop) (int, error)

	// Trip configuration workflow
	SaveTrip(ctx context.Context, trip Trip, order []StopSeq, startSeq, endSeq int) (int64, error)
	UpdateMonitoredSegment(ctx context.Context, tripID string, startSeq, endSeq int) error
	DeleteTrip(ctx context.Context, tripID string) error

	// Read paths the pipeline depends on
	ListMonitoredTrips(ctx context.Context) ([]Trip, error)
	ResolveMonitorConfig(ctx context.Context, tripID string) (*MonitorConfig, error)

	// Pipeline write target: one row, committed immediately
	InsertPosition(ctx context.Context, p Position) error

	// Read paths for statistics and export
	StopPositions(ctx context.Context, tripIdx, stopIdx int64) ([]Position, error)
	TripExportRows(ctx context.Context, tripID string) ([]ExportRow, error)

	// Monitoring session audit trail
	CreateMonitorSession(ctx context.Context, sessionID string, tripIDs []string, startedAt time.Time) error
	CloseMonitorSession(ctx context.Context, sessionID string, endedAt time.Time) error
}
