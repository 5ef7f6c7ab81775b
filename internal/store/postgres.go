package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgresStore is the Postgres Store backend, selected when DATABASE_URL
// is configured
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pgx pool to the given database URL
func OpenPostgres(databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Connected to Postgres database")
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// EnsureSchema creates tables if they don't exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// UpsertStops syncs the stop catalog. Returns the number of newly inserted
// stops.
func (s *PostgresStore) UpsertStops(ctx context.Context, stops []Stop) (int, error) {
	if len(stops) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, st := range stops {
		var wasInsert bool
		err := tx.QueryRow(ctx, `
			INSERT INTO stop (stop_id, stop_name, stop_lat, stop_lon)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (stop_id) DO UPDATE SET
				stop_name = excluded.stop_name,
				stop_lat = excluded.stop_lat,
				stop_lon = excluded.stop_lon
			RETURNING (xmax = 0)
		`, st.StopID, st.StopName, st.StopLat, st.StopLon).Scan(&wasInsert)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert stop %d: %w", st.StopID, err)
		}
		if wasInsert {
			inserted++
		}
	}

	return inserted, tx.Commit(ctx)
}

// SaveTrip persists a configured trip together with its stop order and
// monitored segment, in one transaction
func (s *PostgresStore) SaveTrip(ctx context.Context, trip Trip, order []StopSeq, startSeq, endSeq int) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var tripIdx int64
	err = tx.QueryRow(ctx, `
		INSERT INTO trip (agency_id, route_id, trip_id, shape_id,
			route_short_name, route_long_name, trip_headsign, monitored)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING idx
	`, trip.AgencyID, trip.RouteID, trip.TripID, trip.ShapeID,
		trip.RouteShortName, trip.RouteLongName, trip.TripHeadsign, trip.Monitored).Scan(&tripIdx)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trip %s: %w", trip.TripID, err)
	}

	for _, o := range order {
		tag, err := tx.Exec(ctx, `
			INSERT INTO stop_order (stop_order, trip_idx, stop_idx)
			SELECT $1, $2, idx FROM stop WHERE stop_id = $3
		`, o.Sequence, tripIdx, o.StopID)
		if err != nil {
			return 0, fmt.Errorf("failed to insert stop order %d: %w", o.Sequence, err)
		}
		if tag.RowsAffected() == 0 {
			log.Printf("Store: stop %d not found in catalog, skipping order entry", o.StopID)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO monitored_stops (start_stop, end_stop, trip_idx)
		VALUES ($1, $2, $3)
	`, startSeq, endSeq, tripIdx)
	if err != nil {
		return 0, fmt.Errorf("failed to insert monitored segment: %w", err)
	}

	return tripIdx, tx.Commit(ctx)
}

// UpdateMonitoredSegment replaces the monitored stop range of a trip
func (s *PostgresStore) UpdateMonitoredSegment(ctx context.Context, tripID string, startSeq, endSeq int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE monitored_stops SET start_stop = $1, end_stop = $2
		WHERE trip_idx = (SELECT idx FROM trip WHERE trip_id = $3)
	`, startSeq, endSeq, tripID)
	if err != nil {
		return fmt.Errorf("failed to update monitored segment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTrip removes a trip and its dependent rows via cascading keys
func (s *PostgresStore) DeleteTrip(ctx context.Context, tripID string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM trip WHERE trip_id = $1", tripID)
	if err != nil {
		return fmt.Errorf("failed to delete trip %s: %w", tripID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMonitoredTrips returns all configured trips ordered by line number
func (s *PostgresStore) ListMonitoredTrips(ctx context.Context) ([]Trip, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT idx, agency_id, route_id, trip_id, shape_id,
			route_short_name, route_long_name, trip_headsign, monitored
		FROM trip
		ORDER BY route_short_name, trip_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips: %w", err)
	}
	defer rows.Close()

	var trips []Trip
	for rows.Next() {
		var t Trip
		if err := rows.Scan(&t.Idx, &t.AgencyID, &t.RouteID, &t.TripID, &t.ShapeID,
			&t.RouteShortName, &t.RouteLongName, &t.TripHeadsign, &t.Monitored); err != nil {
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// ResolveMonitorConfig loads the trip, its monitored segment bounds and the
// ordered stops inside that segment
func (s *PostgresStore) ResolveMonitorConfig(ctx context.Context, tripID string) (*MonitorConfig, error) {
	cfg := &MonitorConfig{}
	err := s.pool.QueryRow(ctx, `
		SELECT t.idx, t.agency_id, t.route_id, t.trip_id, t.shape_id,
			t.route_short_name, t.route_long_name, t.trip_headsign, t.monitored,
			m.start_stop, m.end_stop
		FROM trip t
		JOIN monitored_stops m ON m.trip_idx = t.idx
		WHERE t.trip_id = $1
	`, tripID).Scan(&cfg.Trip.Idx, &cfg.Trip.AgencyID, &cfg.Trip.RouteID, &cfg.Trip.TripID,
		&cfg.Trip.ShapeID, &cfg.Trip.RouteShortName, &cfg.Trip.RouteLongName,
		&cfg.Trip.TripHeadsign, &cfg.Trip.Monitored, &cfg.StartSeq, &cfg.EndSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query monitor config for %s: %w", tripID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT s.idx, s.stop_id, s.stop_name, s.stop_lat, s.stop_lon
		FROM stop_order o
		JOIN stop s ON s.idx = o.stop_idx
		WHERE o.trip_idx = $1 AND o.stop_order BETWEEN $2 AND $3
		ORDER BY o.stop_order
	`, cfg.Trip.Idx, cfg.StartSeq, cfg.EndSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitored stops for %s: %w", tripID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var st Stop
		if err := rows.Scan(&st.Idx, &st.StopID, &st.StopName, &st.StopLat, &st.StopLon); err != nil {
			return nil, fmt.Errorf("failed to scan stop: %w", err)
		}
		cfg.Stops = append(cfg.Stops, st)
	}
	return cfg, rows.Err()
}

// InsertPosition appends one accepted observation, committed immediately
func (s *PostgresStore) InsertPosition(ctx context.Context, p Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO position (vehicle_no, latitude, longitude, timestamp_utc,
			speed, stop_distance, trip_idx, stop_idx)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.VehicleNo, p.Latitude, p.Longitude, p.Timestamp.UTC(),
		p.Speed, p.StopDistance, p.TripIdx, p.StopIdx)
	if err != nil {
		return fmt.Errorf("failed to insert position for %s: %w", p.VehicleNo, err)
	}
	return nil
}

// StopPositions returns the positions logged for one stop of a trip, oldest
// first
func (s *PostgresStore) StopPositions(ctx context.Context, tripIdx, stopIdx int64) ([]Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT idx, vehicle_no, latitude, longitude, timestamp_utc,
			speed, stop_distance, trip_idx, stop_idx
		FROM position
		WHERE trip_idx = $1 AND stop_idx = $2
		ORDER BY timestamp_utc
	`, tripIdx, stopIdx)
	if err != nil {
		return nil, fmt.Errorf("failed to query stop positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Idx, &p.VehicleNo, &p.Latitude, &p.Longitude, &p.Timestamp,
			&p.Speed, &p.StopDistance, &p.TripIdx, &p.StopIdx); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// TripExportRows flattens trip+position+stop for CSV export, oldest first
func (s *PostgresStore) TripExportRows(ctx context.Context, tripID string) ([]ExportRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.route_short_name, t.trip_id, p.vehicle_no, p.timestamp_utc,
			p.latitude, p.longitude, p.speed, p.stop_distance,
			o.stop_order, s.stop_name
		FROM position p
		JOIN trip t ON t.idx = p.trip_idx
		JOIN stop s ON s.idx = p.stop_idx
		JOIN stop_order o ON o.trip_idx = p.trip_idx AND o.stop_idx = p.stop_idx
		WHERE t.trip_id = $1
		ORDER BY p.timestamp_utc
	`, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to query export rows: %w", err)
	}
	defer rows.Close()

	var out []ExportRow
	for rows.Next() {
		var r ExportRow
		if err := rows.Scan(&r.RouteShortName, &r.TripID, &r.VehicleNo, &r.Timestamp,
			&r.Latitude, &r.Longitude, &r.Speed, &r.StopDistance,
			&r.StopSequence, &r.StopName); err != nil {
			return nil, fmt.Errorf("failed to scan export row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateMonitorSession records the start of a monitoring session
func (s *PostgresStore) CreateMonitorSession(ctx context.Context, sessionID string, tripIDs []string, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO monitor_session (session_id, trip_ids, started_at_utc)
		VALUES ($1, $2, $3)
	`, sessionID, strings.Join(tripIDs, ","), startedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create monitor session: %w", err)
	}
	return nil
}

// CloseMonitorSession records the end of a monitoring session
func (s *PostgresStore) CloseMonitorSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE monitor_session SET ended_at_utc = $1 WHERE session_id = $2
	`, endedAt.UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to close monitor session: %w", err)
	}
	return nil
}
