package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/horace42/tranzy-stats/internal/store"
	"github.com/horace42/tranzy-stats/internal/tranzy"
)

type fakeSource struct {
	vehicles []tranzy.Vehicle
	calls    int
}

func (f *fakeSource) Vehicles(ctx context.Context, tripIDs map[string]bool) []tranzy.Vehicle {
	f.calls++
	var out []tranzy.Vehicle
	for _, v := range f.vehicles {
		if v.TripID != nil && tripIDs[*v.TripID] {
			out = append(out, v)
		}
	}
	return out
}

type fakeWriter struct {
	positions []store.Position
	err       error
}

func (f *fakeWriter) InsertPosition(ctx context.Context, p store.Position) error {
	if f.err != nil {
		return f.err
	}
	f.positions = append(f.positions, p)
	return nil
}

func strPtr(s string) *string { return &s }

// 0.00045 degrees of latitude is roughly 50 meters
func segmentFixture() *store.MonitorConfig {
	return &store.MonitorConfig{
		Trip: store.Trip{Idx: 1, TripID: "12_0", RouteShortName: "12"},
		Stops: []store.Stop{
			{Idx: 10, StopID: 101, StopName: "Piata A", StopLat: 44.43045, StopLon: 26.1000},
			{Idx: 11, StopID: 102, StopName: "Piata B", StopLat: 44.4400, StopLon: 26.1100},
		},
		StartSeq: 1,
		EndSeq:   2,
	}
}

func newTestPipeline(src VehicleSource, w PositionWriter) *Pipeline {
	return NewPipeline(src, w, 300, 60*time.Second, nil)
}

func TestTickAcceptsNearbyVehicle(t *testing.T) {
	now := time.Now().UTC()
	src := &fakeSource{vehicles: []tranzy.Vehicle{{
		TripID:    strPtr("12_0"),
		Label:     "3042",
		Latitude:  44.4300,
		Longitude: 26.1000,
		Timestamp: now.Format(time.RFC3339),
		Speed:     20,
	}}}
	w := &fakeWriter{}
	p := newTestPipeline(src, w)

	outcomes := p.Tick(context.Background(), map[string]*store.MonitorConfig{"12_0": segmentFixture()})

	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, expected 1", len(outcomes))
	}
	if outcomes[0].Kind != LoggedPosition {
		t.Errorf("outcome kind = %v, expected logged_position: %s", outcomes[0].Kind, outcomes[0].Message)
	}
	if len(w.positions) != 1 {
		t.Fatalf("got %d positions written, expected 1", len(w.positions))
	}
	pos := w.positions[0]
	if pos.VehicleNo != "3042" || pos.TripIdx != 1 || pos.StopIdx != 10 {
		t.Errorf("unexpected position: %+v", pos)
	}
	if pos.StopDistance < 45 || pos.StopDistance > 55 {
		t.Errorf("StopDistance = %d, expected roughly 50", pos.StopDistance)
	}
}

func TestTickRejectsStaleTimestamp(t *testing.T) {
	stale := time.Now().UTC().Add(-5 * time.Minute)
	src := &fakeSource{vehicles: []tranzy.Vehicle{{
		TripID:    strPtr("12_0"),
		Label:     "3042",
		Latitude:  44.4300,
		Longitude: 26.1000,
		Timestamp: stale.Format(time.RFC3339),
		Speed:     20,
	}}}
	w := &fakeWriter{}
	p := newTestPipeline(src, w)

	outcomes := p.Tick(context.Background(), map[string]*store.MonitorConfig{"12_0": segmentFixture()})

	if outcomes[0].Kind != SkippedPosition {
		t.Errorf("outcome kind = %v, expected skipped_position", outcomes[0].Kind)
	}
	if len(w.positions) != 0 {
		t.Errorf("stale report should write nothing, wrote %d rows", len(w.positions))
	}
}

func TestTickRejectsOutOfRange(t *testing.T) {
	// nearest stop roughly 450 m away, gate at 300 m
	now := time.Now().UTC()
	src := &fakeSource{vehicles: []tranzy.Vehicle{{
		TripID:    strPtr("12_0"),
		Label:     "3042",
		Latitude:  44.42640,
		Longitude: 26.1000,
		Timestamp: now.Format(time.RFC3339),
		Speed:     20,
	}}}
	w := &fakeWriter{}
	p := newTestPipeline(src, w)

	outcomes := p.Tick(context.Background(), map[string]*store.MonitorConfig{"12_0": segmentFixture()})

	if outcomes[0].Kind != SkippedPosition {
		t.Errorf("outcome kind = %v, expected skipped_position", outcomes[0].Kind)
	}
	if outcomes[0].Message != "3042 outside monitored segment" {
		t.Errorf("unexpected message: %q", outcomes[0].Message)
	}
	if len(w.positions) != 0 {
		t.Errorf("out-of-range report should write nothing, wrote %d rows", len(w.positions))
	}
}

func TestTickMalformedTimestampContinuesBatch(t *testing.T) {
	now := time.Now().UTC()
	src := &fakeSource{vehicles: []tranzy.Vehicle{
		{TripID: strPtr("12_0"), Label: "3042", Latitude: 44.4300, Longitude: 26.1000,
			Timestamp: "garbage", Speed: 20},
		{TripID: strPtr("12_0"), Label: "3050", Latitude: 44.4300, Longitude: 26.1000,
			Timestamp: now.Format(time.RFC3339), Speed: 15},
	}}
	w := &fakeWriter{}
	p := newTestPipeline(src, w)

	outcomes := p.Tick(context.Background(), map[string]*store.MonitorConfig{"12_0": segmentFixture()})

	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, expected 2", len(outcomes))
	}
	if outcomes[0].Kind != SkippedPosition {
		t.Errorf("malformed timestamp should be skipped, got %v", outcomes[0].Kind)
	}
	if outcomes[1].Kind != LoggedPosition {
		t.Errorf("second report should be accepted, got %v: %s", outcomes[1].Kind, outcomes[1].Message)
	}
	if len(w.positions) != 1 {
		t.Errorf("expected exactly 1 row, wrote %d", len(w.positions))
	}
}

func TestTickMultiTripDemultiplexing(t *testing.T) {
	now := time.Now().UTC()

	outbound := segmentFixture()
	// inbound segment is far from the vehicle below; positions near the
	// outbound stops must never match it
	inbound := &store.MonitorConfig{
		Trip: store.Trip{Idx: 2, TripID: "12_1", RouteShortName: "12"},
		Stops: []store.Stop{
			{Idx: 20, StopID: 201, StopName: "Gara", StopLat: 44.43045, StopLon: 26.1000},
		},
	}

	src := &fakeSource{vehicles: []tranzy.Vehicle{
		{TripID: strPtr("12_1"), Label: "3060", Latitude: 44.4300, Longitude: 26.1000,
			Timestamp: now.Format(time.RFC3339), Speed: 10},
	}}
	w := &fakeWriter{}
	p := newTestPipeline(src, w)

	segments := map[string]*store.MonitorConfig{"12_0": outbound, "12_1": inbound}
	outcomes := p.Tick(context.Background(), segments)

	if len(outcomes) != 1 || outcomes[0].Kind != LoggedPosition {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	if len(w.positions) != 1 {
		t.Fatalf("expected 1 row, wrote %d", len(w.positions))
	}
	if w.positions[0].TripIdx != 2 || w.positions[0].StopIdx != 20 {
		t.Errorf("vehicle matched against the wrong trip's stops: %+v", w.positions[0])
	}
}

func TestTickEmptyFetch(t *testing.T) {
	src := &fakeSource{}
	w := &fakeWriter{}
	p := newTestPipeline(src, w)

	outcomes := p.Tick(context.Background(), map[string]*store.MonitorConfig{"12_0": segmentFixture()})

	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, expected 1", len(outcomes))
	}
	if outcomes[0].Message != "no vehicles on route" {
		t.Errorf("unexpected message: %q", outcomes[0].Message)
	}
	if len(w.positions) != 0 {
		t.Errorf("empty fetch should write nothing")
	}
}

func TestTickAllReportsFilteredStillLogsEmptyPoll(t *testing.T) {
	// reports without a trip id, or for a trip nobody monitors, are
	// dropped silently; the tick itself must still show up in the log
	now := time.Now().UTC().Format(time.RFC3339)
	src := &passthroughSource{vehicles: []tranzy.Vehicle{
		{TripID: nil, Label: "3042", Latitude: 44.4300, Longitude: 26.1000, Timestamp: now},
		{TripID: strPtr("99_0"), Label: "3050", Latitude: 44.4300, Longitude: 26.1000, Timestamp: now},
	}}
	w := &fakeWriter{}
	p := newTestPipeline(src, w)

	outcomes := p.Tick(context.Background(), map[string]*store.MonitorConfig{"12_0": segmentFixture()})

	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, expected 1", len(outcomes))
	}
	if outcomes[0].Kind != SkippedPosition || outcomes[0].Message != "no vehicles on route" {
		t.Errorf("unexpected outcome: %+v", outcomes[0])
	}
	if len(w.positions) != 0 {
		t.Errorf("filtered tick wrote %d rows", len(w.positions))
	}
}

// passthroughSource returns its vehicles unfiltered, the way a provider
// response can carry reports for trips outside the monitored set
type passthroughSource struct {
	vehicles []tranzy.Vehicle
}

func (p *passthroughSource) Vehicles(ctx context.Context, tripIDs map[string]bool) []tranzy.Vehicle {
	return p.vehicles
}

func TestTickWriteFailureRejectsOnlyThatReport(t *testing.T) {
	now := time.Now().UTC()
	src := &fakeSource{vehicles: []tranzy.Vehicle{{
		TripID:    strPtr("12_0"),
		Label:     "3042",
		Latitude:  44.4300,
		Longitude: 26.1000,
		Timestamp: now.Format(time.RFC3339),
		Speed:     20,
	}}}
	w := &fakeWriter{err: errors.New("disk full")}
	p := newTestPipeline(src, w)

	outcomes := p.Tick(context.Background(), map[string]*store.MonitorConfig{"12_0": segmentFixture()})

	if len(outcomes) != 1 || outcomes[0].Kind != SkippedPosition {
		t.Errorf("write failure should degrade to a skip outcome: %+v", outcomes)
	}
}

func TestOutcomesPreserveProviderOrder(t *testing.T) {
	now := time.Now().UTC().Format(time.RFC3339)
	var vehicles []tranzy.Vehicle
	for i := 0; i < 5; i++ {
		vehicles = append(vehicles, tranzy.Vehicle{
			TripID: strPtr("12_0"), Label: fmt.Sprintf("v%d", i),
			Latitude: 44.4300, Longitude: 26.1000, Timestamp: now, Speed: 10,
		})
	}
	src := &fakeSource{vehicles: vehicles}
	p := newTestPipeline(src, &fakeWriter{})

	outcomes := p.Tick(context.Background(), map[string]*store.MonitorConfig{"12_0": segmentFixture()})
	if len(outcomes) != 5 {
		t.Fatalf("got %d outcomes, expected 5", len(outcomes))
	}
	for i, o := range outcomes {
		want := fmt.Sprintf("v%d,", i)
		if len(o.Message) < len(want) || o.Message[:len(want)] != want {
			t.Errorf("outcome %d out of order: %q", i, o.Message)
		}
	}
}
