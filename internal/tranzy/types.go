package tranzy

// Tranzy opendata responses. The API partially implements the GTFS
// specification; field names follow its JSON payloads.
// https://api.tranzy.dev/v1/opendata/docs

// Agency is one entry of the agency endpoint
type Agency struct {
	AgencyID   int    `json:"agency_id"`
	AgencyName string `json:"agency_name"`
}

// Route is one entry of the routes endpoint
type Route struct {
	RouteID        int    `json:"route_id"`
	RouteShortName string `json:"route_short_name"`
	RouteLongName  string `json:"route_long_name"`
}

// Trip is one directional trip of a route. TripID is the route id suffixed
// by "_0" for the main direction and "_1" for the return trip.
type Trip struct {
	RouteID      int    `json:"route_id"`
	TripID       string `json:"trip_id"`
	ShapeID      string `json:"shape_id"`
	TripHeadsign string `json:"trip_headsign"`
	DirectionID  int    `json:"direction_id"`
}

// StopTime is one entry of the stop_times endpoint, ordering stops on a trip
type StopTime struct {
	TripID       string `json:"trip_id"`
	StopID       int    `json:"stop_id"`
	StopSequence int    `json:"stop_sequence"`
}

// Stop is one entry of the stops endpoint
type Stop struct {
	StopID   int     `json:"stop_id"`
	StopName string  `json:"stop_name"`
	StopLat  float64 `json:"stop_lat"`
	StopLon  float64 `json:"stop_lon"`
}

// Vehicle is one live vehicle report. Timestamp stays a raw ISO8601 string;
// the ingestion pipeline parses it so a bad value rejects only that report.
type Vehicle struct {
	TripID    *string `json:"trip_id"`
	Label     string  `json:"label"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp"`
	Speed     int     `json:"speed"`
}
