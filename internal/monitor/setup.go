package monitor

import (
	"context"
	"fmt"

	"github.com/horace42/tranzy-stats/internal/store"
	"github.com/horace42/tranzy-stats/internal/tranzy"
)

// ProviderClient is the slice of the API client the configuration workflow
// depends on
type ProviderClient interface {
	RouteByLineNumber(ctx context.Context, lineNumber string) (*tranzy.Route, error)
	TripsForRoute(ctx context.Context, routeID int) ([]tranzy.Trip, error)
	StopOrder(ctx context.Context, tripID string) ([]tranzy.StopTime, error)
	Stops(ctx context.Context, stopIDs []int) ([]tranzy.Stop, error)
}

// ConfigStore is the slice of the store the configuration workflow writes to
type ConfigStore interface {
	UpsertStops(ctx context.Context, stops []store.Stop) (int, error)
	SaveTrip(ctx context.Context, trip store.Trip, order []store.StopSeq, startSeq, endSeq int) (int64, error)
	ResolveMonitorConfig(ctx context.Context, tripID string) (*store.MonitorConfig, error)
}

// Configurator runs the trip configuration workflow: search route, pick
// direction, sync stops, persist the trip with its stop order and monitored
// segment
type Configurator struct {
	client   ProviderClient
	store    ConfigStore
	agencyID int
}

// NewConfigurator creates a configurator for one agency
func NewConfigurator(client ProviderClient, st ConfigStore, agencyID int) *Configurator {
	return &Configurator{client: client, store: st, agencyID: agencyID}
}

// ConfigureTrip resolves the line number to a route, picks the trip with the
// requested direction, syncs its stops into the catalog and persists the
// configuration. startSeq/endSeq bound the monitored segment; the workflow
// enforces startSeq < endSeq so travel time is always between two distinct
// stops.
func (c *Configurator) ConfigureTrip(ctx context.Context, lineNumber string, direction, startSeq, endSeq int) (*store.MonitorConfig, error) {
	if startSeq >= endSeq {
		return nil, fmt.Errorf("invalid segment: first stop %d must come before last stop %d", startSeq, endSeq)
	}

	route, err := c.client.RouteByLineNumber(ctx, lineNumber)
	if err != nil {
		return nil, err
	}

	trips, err := c.client.TripsForRoute(ctx, route.RouteID)
	if err != nil {
		return nil, err
	}
	var chosen *tranzy.Trip
	for i, t := range trips {
		if t.DirectionID == direction {
			chosen = &trips[i]
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("no trip with direction %d for route %s", direction, route.RouteShortName)
	}

	stopTimes, err := c.client.StopOrder(ctx, chosen.TripID)
	if err != nil {
		return nil, err
	}
	if len(stopTimes) == 0 {
		return nil, fmt.Errorf("no stop order for trip %s", chosen.TripID)
	}

	valid := make(map[int]bool, len(stopTimes))
	stopIDs := make([]int, len(stopTimes))
	order := make([]store.StopSeq, len(stopTimes))
	for i, st := range stopTimes {
		valid[st.StopSequence] = true
		stopIDs[i] = st.StopID
		order[i] = store.StopSeq{StopID: st.StopID, Sequence: st.StopSequence}
	}
	if !valid[startSeq] || !valid[endSeq] {
		return nil, fmt.Errorf("segment [%d, %d] outside the trip's stop sequence", startSeq, endSeq)
	}

	if err := c.syncStops(ctx, stopIDs); err != nil {
		return nil, err
	}

	_, err = c.store.SaveTrip(ctx, store.Trip{
		AgencyID:       c.agencyID,
		RouteID:        route.RouteID,
		TripID:         chosen.TripID,
		ShapeID:        chosen.ShapeID,
		RouteShortName: route.RouteShortName,
		RouteLongName:  route.RouteLongName,
		TripHeadsign:   chosen.TripHeadsign,
		Monitored:      true,
	}, order, startSeq, endSeq)
	if err != nil {
		return nil, err
	}

	return c.store.ResolveMonitorConfig(ctx, chosen.TripID)
}

// syncStops refreshes the stop catalog for the given provider stop ids
func (c *Configurator) syncStops(ctx context.Context, stopIDs []int) error {
	stops, err := c.client.Stops(ctx, stopIDs)
	if err != nil {
		return err
	}

	records := make([]store.Stop, len(stops))
	for i, s := range stops {
		records[i] = store.Stop{
			StopID:   s.StopID,
			StopName: s.StopName,
			StopLat:  s.StopLat,
			StopLon:  s.StopLon,
		}
	}
	_, err = c.store.UpsertStops(ctx, records)
	return err
}
