package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/horace42/tranzy-stats/internal/store"
)

func TestFilename(t *testing.T) {
	at := time.Date(2026, 9, 1, 14, 30, 5, 0, time.UTC)
	got := Filename("12", "12_0", at)
	want := "12_12_0_20260901_143005.csv"
	if got != want {
		t.Errorf("Filename = %q, expected %q", got, want)
	}
}

func TestWriteCSV(t *testing.T) {
	rows := []store.ExportRow{
		{
			RouteShortName: "12",
			TripID:         "12_0",
			VehicleNo:      "3042",
			Timestamp:      time.Date(2026, 9, 1, 11, 0, 30, 0, time.UTC),
			Latitude:       44.430123,
			Longitude:      26.100456,
			Speed:          23,
			StopDistance:   48,
			StopSequence:   3,
			StopName:       "Piata Unirii",
		},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	out := buf.Bytes()
	if !bytes.HasPrefix(out, []byte{0xEF, 0xBB, 0xBF}) {
		t.Fatal("output missing UTF-8 BOM")
	}

	records, err := csv.NewReader(bytes.NewReader(out[3:])).ReadAll()
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, expected header + 1 row", len(records))
	}
	if records[0][0] != "route" || records[0][9] != "stop_name" {
		t.Errorf("unexpected header: %v", records[0])
	}
	row := records[1]
	if row[2] != "3042" || row[3] != "2026-09-01T11:00:30Z" || row[9] != "Piata Unirii" {
		t.Errorf("unexpected row: %v", row)
	}
	if row[4] != "44.430123" || row[7] != "48" {
		t.Errorf("unexpected numeric columns: %v", row)
	}
}

func TestWriteCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Errorf("empty export should contain only the header, got %d lines", len(lines))
	}
}
