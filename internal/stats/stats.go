// Package stats derives travel times between two stops of a monitored
// segment from the logged positions. Positions are written at-least-once, so
// the pairing collapses repeated sightings of the same vehicle instead of
// expecting clean rows.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/horace42/tranzy-stats/internal/store"
)

const (
	// DefaultWindow bounds how far ahead an arrival may be matched to a
	// departure of the same vehicle.
	DefaultWindow = 60 * time.Minute

	// DefaultHeadway separates two distinct visits of the same vehicle at
	// the same stop. Sightings closer than this are the same visit logged
	// by overlapping polls.
	DefaultHeadway = 5 * time.Minute
)

// Pair is one departure observation, matched to the first later arrival of
// the same vehicle when one exists within the window.
type Pair struct {
	VehicleNo  string
	Departure  time.Time
	Arrival    time.Time // zero when unmatched
	TravelTime time.Duration
}

// Matched reports whether an arrival was found for the departure.
func (p Pair) Matched() bool {
	return !p.Arrival.IsZero()
}

// String renders the pair as one log line, local time.
func (p Pair) String() string {
	dep := p.Departure.Local().Format("02.01.2006 15:04:05")
	if !p.Matched() {
		return fmt.Sprintf("%s : %s >>> no data", p.VehicleNo, dep)
	}
	return fmt.Sprintf("%s : %s >>> %s in %s",
		p.VehicleNo, dep, p.Arrival.Local().Format("15:04:05"), formatMinSec(p.TravelTime))
}

// Summary is the travel-time report for one stop pair.
type Summary struct {
	Pairs   []Pair
	Matched int
	Mean    time.Duration
	StdDev  time.Duration
}

// Source is the slice of the store the calculator reads.
type Source interface {
	StopPositions(ctx context.Context, tripIdx, stopIdx int64) ([]store.Position, error)
}

// Calculator pairs departure and arrival sightings into travel times.
type Calculator struct {
	source  Source
	window  time.Duration
	headway time.Duration
}

// NewCalculator creates a calculator with the default window and headway.
func NewCalculator(source Source) *Calculator {
	return &Calculator{source: source, window: DefaultWindow, headway: DefaultHeadway}
}

// TravelTimes computes travel times between two stops of a trip. depStopIdx
// and arrStopIdx are stop row ids; the caller guarantees the departure stop
// precedes the arrival stop in the trip's sequence.
func (c *Calculator) TravelTimes(ctx context.Context, tripIdx, depStopIdx, arrStopIdx int64) (*Summary, error) {
	depRows, err := c.source.StopPositions(ctx, tripIdx, depStopIdx)
	if err != nil {
		return nil, fmt.Errorf("stats: departure positions: %w", err)
	}
	arrRows, err := c.source.StopPositions(ctx, tripIdx, arrStopIdx)
	if err != nil {
		return nil, fmt.Errorf("stats: arrival positions: %w", err)
	}
	return c.pair(depRows, arrRows), nil
}

// pair matches every collapsed departure with the first later arrival of the
// same vehicle inside the window.
func (c *Calculator) pair(depRows, arrRows []store.Position) *Summary {
	departures := collapseVisits(depRows, c.headway)
	arrivalsByVehicle := groupByVehicle(arrRows)

	summary := &Summary{}
	var w Welford
	for _, dep := range departures {
		p := Pair{VehicleNo: dep.VehicleNo, Departure: dep.Timestamp}
		for _, arr := range arrivalsByVehicle[dep.VehicleNo] {
			dt := arr.Timestamp.Sub(dep.Timestamp)
			if dt > 0 && dt < c.window {
				p.Arrival = arr.Timestamp
				p.TravelTime = dt
				break
			}
		}
		if p.Matched() {
			summary.Matched++
			w.Update(p.TravelTime.Seconds())
		}
		summary.Pairs = append(summary.Pairs, p)
	}

	summary.Mean = time.Duration(w.Mean() * float64(time.Second))
	summary.StdDev = time.Duration(w.StdDev() * float64(time.Second))
	return summary
}

// collapseVisits sorts sightings by time and keeps one row per visit: a
// sighting of a vehicle within headway of its previous kept sighting belongs
// to the same visit and is dropped.
func collapseVisits(rows []store.Position, headway time.Duration) []store.Position {
	sorted := make([]store.Position, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	lastKept := make(map[string]time.Time)
	var out []store.Position
	for _, p := range sorted {
		if last, ok := lastKept[p.VehicleNo]; ok && p.Timestamp.Sub(last) < headway {
			continue
		}
		lastKept[p.VehicleNo] = p.Timestamp
		out = append(out, p)
	}
	return out
}

// groupByVehicle buckets rows per vehicle, each bucket in time order.
func groupByVehicle(rows []store.Position) map[string][]store.Position {
	byVehicle := make(map[string][]store.Position)
	for _, p := range rows {
		byVehicle[p.VehicleNo] = append(byVehicle[p.VehicleNo], p)
	}
	for _, bucket := range byVehicle {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].Timestamp.Before(bucket[j].Timestamp) })
	}
	return byVehicle
}

// formatMinSec renders a duration as mm:ss
func formatMinSec(d time.Duration) string {
	total := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
