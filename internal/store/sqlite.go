package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteStore is the default Store backend. SQLite only supports one writer
// at a time, so the connection pool is pinned to a single connection and all
// writes go through a mutex.
type SQLiteStore struct {
	conn    *sql.DB
	writeMu sync.Mutex
}

// OpenSQLite opens a SQLite database with WAL mode and foreign keys enabled.
// The _pragma form is the modernc driver's DSN syntax; cascade deletes depend
// on foreign_keys being on for every connection.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			log.Printf("Warning: failed to set %s: %v", pragma, err)
		}
	}

	log.Printf("Connected to SQLite database: %s", dbPath)
	return &SQLiteStore{conn: conn}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates tables if they don't exist, from the embedded schema
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// UpsertStops syncs the stop catalog: new provider stop ids are inserted,
// known ones refreshed. Returns the number of newly inserted stops.
func (s *SQLiteStore) UpsertStops(ctx context.Context, stops []Stop) (int, error) {
	if len(stops) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing := make(map[int]bool)
	rows, err := s.conn.QueryContext(ctx, "SELECT stop_id FROM stop")
	if err != nil {
		return 0, fmt.Errorf("failed to query existing stops: %w", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan stop id: %w", err)
		}
		existing[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stop (stop_id, stop_name, stop_lat, stop_lon)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stop_id) DO UPDATE SET
			stop_name = excluded.stop_name,
			stop_lat = excluded.stop_lat,
			stop_lon = excluded.stop_lon
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare stop upsert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, st := range stops {
		if _, err := stmt.ExecContext(ctx, st.StopID, st.StopName, st.StopLat, st.StopLon); err != nil {
			return 0, fmt.Errorf("failed to upsert stop %d: %w", st.StopID, err)
		}
		if !existing[st.StopID] {
			inserted++
		}
	}

	return inserted, tx.Commit()
}

// SaveTrip persists a configured trip together with its stop order and
// monitored segment, in one transaction
func (s *SQLiteStore) SaveTrip(ctx context.Context, trip Trip, order []StopSeq, startSeq, endSeq int) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO trip (agency_id, route_id, trip_id, shape_id,
			route_short_name, route_long_name, trip_headsign, monitored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, trip.AgencyID, trip.RouteID, trip.TripID, trip.ShapeID,
		trip.RouteShortName, trip.RouteLongName, trip.TripHeadsign, trip.Monitored)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trip %s: %w", trip.TripID, err)
	}
	tripIdx, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get trip idx: %w", err)
	}

	orderStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stop_order (stop_order, trip_idx, stop_idx)
		SELECT ?, ?, idx FROM stop WHERE stop_id = ?
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare stop order insert: %w", err)
	}
	defer orderStmt.Close()

	for _, o := range order {
		res, err := orderStmt.ExecContext(ctx, o.Sequence, tripIdx, o.StopID)
		if err != nil {
			return 0, fmt.Errorf("failed to insert stop order %d: %w", o.Sequence, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// provider stop missing from catalog; the segment stays usable
			log.Printf("Store: stop %d not found in catalog, skipping order entry", o.StopID)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO monitored_stops (start_stop, end_stop, trip_idx)
		VALUES (?, ?, ?)
	`, startSeq, endSeq, tripIdx)
	if err != nil {
		return 0, fmt.Errorf("failed to insert monitored segment: %w", err)
	}

	return tripIdx, tx.Commit()
}

// UpdateMonitoredSegment replaces the monitored stop range of a trip
func (s *SQLiteStore) UpdateMonitoredSegment(ctx context.Context, tripID string, startSeq, endSeq int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.conn.ExecContext(ctx, `
		UPDATE monitored_stops SET start_stop = ?, end_stop = ?
		WHERE trip_idx = (SELECT idx FROM trip WHERE trip_id = ?)
	`, startSeq, endSeq, tripID)
	if err != nil {
		return fmt.Errorf("failed to update monitored segment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTrip removes a trip and, via cascading foreign keys, its stop order,
// monitored segment and positions
func (s *SQLiteStore) DeleteTrip(ctx context.Context, tripID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.conn.ExecContext(ctx, "DELETE FROM trip WHERE trip_id = ?", tripID)
	if err != nil {
		return fmt.Errorf("failed to delete trip %s: %w", tripID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMonitoredTrips returns all configured trips ordered by line number
func (s *SQLiteStore) ListMonitoredTrips(ctx context.Context) ([]Trip, error) {
	rows, err := s.conn.QueryContext(ctx, `
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
func (s *SQLiteStore) ResolveMonitorConfig(ctx context.Context, tripID string) (*MonitorConfig, error) {
	cfg := &MonitorConfig{}
	err := s.conn.QueryRowContext(ctx, `
		SELECT t.idx, t.agency_id, t.route_id, t.trip_id, t.shape_id,
			t.route_short_name, t.route_long_name, t.trip_headsign, t.monitored,
			m.start_stop, m.end_stop
		FROM trip t
		JOIN monitored_stops m ON m.trip_idx = t.idx
		WHERE t.trip_id = ?
	`, tripID).Scan(&cfg.Trip.Idx, &cfg.Trip.AgencyID, &cfg.Trip.RouteID, &cfg.Trip.TripID,
		&cfg.Trip.ShapeID, &cfg.Trip.RouteShortName, &cfg.Trip.RouteLongName,
		&cfg.Trip.TripHeadsign, &cfg.Trip.Monitored, &cfg.StartSeq, &cfg.EndSeq)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query monitor config for %s: %w", tripID, err)
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT s.idx, s.stop_id, s.stop_name, s.stop_lat, s.stop_lon
		FROM stop_order o
		JOIN stop s ON s.idx = o.stop_idx
		WHERE o.trip_idx = ? AND o.stop_order BETWEEN ? AND ?
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

// InsertPosition appends one accepted observation. Committed immediately so
// a crash mid-batch cannot lose rows already written.
func (s *SQLiteStore) InsertPosition(ctx context.Context, p Position) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO position (vehicle_no, latitude, longitude, timestamp_utc,
			speed, stop_distance, trip_idx, stop_idx)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.VehicleNo, p.Latitude, p.Longitude, p.Timestamp.UTC().Format(time.RFC3339),
		p.Speed, p.StopDistance, p.TripIdx, p.StopIdx)
	if err != nil {
		return fmt.Errorf("failed to insert position for %s: %w", p.VehicleNo, err)
	}
	return nil
}

// StopPositions returns the positions logged for one stop of a trip, oldest
// first
func (s *SQLiteStore) StopPositions(ctx context.Context, tripIdx, stopIdx int64) ([]Position, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT idx, vehicle_no, latitude, longitude, timestamp_utc,
			speed, stop_distance, trip_idx, stop_idx
		FROM position
		WHERE trip_idx = ? AND stop_idx = ?
		ORDER BY timestamp_utc
	`, tripIdx, stopIdx)
	if err != nil {
		return nil, fmt.Errorf("failed to query stop positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

func scanPositions(rows *sql.Rows) ([]Position, error) {
	var positions []Position
	for rows.Next() {
		var p Position
		var ts string
		if err := rows.Scan(&p.Idx, &p.VehicleNo, &p.Latitude, &p.Longitude, &ts,
			&p.Speed, &p.StopDistance, &p.TripIdx, &p.StopIdx); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse position timestamp %q: %w", ts, err)
		}
		p.Timestamp = t
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// TripExportRows flattens trip+position+stop for CSV export, oldest first
func (s *SQLiteStore) TripExportRows(ctx context.Context, tripID string) ([]ExportRow, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT t.route_short_name, t.trip_id, p.vehicle_no, p.timestamp_utc,
			p.latitude, p.longitude, p.speed, p.stop_distance,
			o.stop_order, s.stop_name
		FROM position p
		JOIN trip t ON t.idx = p.trip_idx
		JOIN stop s ON s.idx = p.stop_idx
		JOIN stop_order o ON o.trip_idx = p.trip_idx AND o.stop_idx = p.stop_idx
		WHERE t.trip_id = ?
		ORDER BY p.timestamp_utc
	`, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to query export rows: %w", err)
	}
	defer rows.Close()

	var out []ExportRow
	for rows.Next() {
		var r ExportRow
		var ts string
		if err := rows.Scan(&r.RouteShortName, &r.TripID, &r.VehicleNo, &ts,
			&r.Latitude, &r.Longitude, &r.Speed, &r.StopDistance,
			&r.StopSequence, &r.StopName); err != nil {
			return nil, fmt.Errorf("failed to scan export row: %w", err)
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse export timestamp %q: %w", ts, err)
		}
		r.Timestamp = t
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateMonitorSession records the start of a monitoring session
func (s *SQLiteStore) CreateMonitorSession(ctx context.Context, sessionID string, tripIDs []string, startedAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO monitor_session (session_id, trip_ids, started_at_utc)
		VALUES (?, ?, ?)
	`, sessionID, strings.Join(tripIDs, ","), startedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create monitor session: %w", err)
	}
	return nil
}

// CloseMonitorSession records the end of a monitoring session
func (s *SQLiteStore) CloseMonitorSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		UPDATE monitor_session SET ended_at_utc = ? WHERE session_id = ?
	`, endedAt.UTC().Format(time.RFC3339), sessionID)
	if err != nil {
		return fmt.Errorf("failed to close monitor session: %w", err)
	}
	return nil
}
