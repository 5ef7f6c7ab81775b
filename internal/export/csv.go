// Package export flattens a trip's logged positions into CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/horace42/tranzy-stats/internal/store"
)

// utf8BOM lets spreadsheet software detect the encoding of the file
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var header = []string{
	"route", "trip_id", "vehicle_no", "timestamp_utc",
	"latitude", "longitude", "speed_kmh", "stop_distance_m",
	"stop_sequence", "stop_name",
}

// Filename builds the export file name for one trip.
func Filename(routeShortName, tripID string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s.csv", routeShortName, tripID, now.Format("20060102_150405"))
}

// WriteCSV writes the rows as UTF-8 CSV with a BOM prefix.
func WriteCSV(w io.Writer, rows []store.ExportRow) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return fmt.Errorf("export: write BOM: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: write header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.RouteShortName,
			r.TripID,
			r.VehicleNo,
			r.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(r.Latitude, 'f', 6, 64),
			strconv.FormatFloat(r.Longitude, 'f', 6, 64),
			strconv.Itoa(r.Speed),
			strconv.Itoa(r.StopDistance),
			strconv.Itoa(r.StopSequence),
			r.StopName,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("export: write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
