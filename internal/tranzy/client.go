package tranzy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// endpoint paths under the opendata base URL
const (
	agencyEndpoint    = "agency"
	vehiclesEndpoint  = "vehicles"
	routesEndpoint    = "routes"
	tripsEndpoint     = "trips"
	stopsEndpoint     = "stops"
	stopTimesEndpoint = "stop_times"
)

// APIError is a classified provider failure
type APIError struct {
	StatusCode int
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tranzy %s: status %d: %s", e.Endpoint, e.StatusCode, ExplainStatus(e.StatusCode))
}

// ExplainStatus maps a provider HTTP status to an operator-readable explanation
func ExplainStatus(status int) string {
	switch status {
	case http.StatusForbidden:
		return "invalid API key or invalid X-Agency-Id"
	case http.StatusTooManyRequests:
		return "API key has exceeded its request quota"
	case http.StatusInternalServerError:
		return "internal server error"
	default:
		return "unknown error"
	}
}

// Config holds the credentials and options for a Client. Constructed once
// and injected, so there is no process-wide header state.
type Config struct {
	BaseURL  string
	APIKey   string
	AgencyID string

	// When RawVehicleLogging is set, every raw vehicles response body is
	// appended to a dated file under RawLogDir for audit and debugging.
	RawVehicleLogging bool
	RawLogDir         string
}

// Client talks to the Tranzy opendata API
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a client for the given configuration
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// AgencyName resolves the display name for an agency id. The agency endpoint
// is the only one queried without the X-Agency-Id header.
func (c *Client) AgencyName(ctx context.Context, agencyID string) (string, error) {
	var agencies []Agency
	if err := c.get(ctx, agencyEndpoint, false, &agencies); err != nil {
		return "", err
	}

	for _, a := range agencies {
		if fmt.Sprintf("%d", a.AgencyID) == agencyID {
			return a.AgencyName, nil
		}
	}
	return "", fmt.Errorf("agency %s not found", agencyID)
}

// RouteByLineNumber finds the route whose short name matches the given line
// number, case-insensitively
func (c *Client) RouteByLineNumber(ctx context.Context, lineNumber string) (*Route, error) {
	var routes []Route
	if err := c.get(ctx, routesEndpoint, true, &routes); err != nil {
		return nil, err
	}

	for i, r := range routes {
		if strings.EqualFold(r.RouteShortName, lineNumber) {
			return &routes[i], nil
		}
	}
	return nil, fmt.Errorf("route for line %q not found", lineNumber)
}

// TripsForRoute lists the directional trips of a route. Normally there are
// exactly two, one per direction.
func (c *Client) TripsForRoute(ctx context.Context, routeID int) ([]Trip, error) {
	var trips []Trip
	if err := c.get(ctx, tripsEndpoint, true, &trips); err != nil {
		return nil, err
	}

	matched := make([]Trip, 0, 2)
	for _, t := range trips {
		if t.RouteID == routeID {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// StopOrder lists the ordered stop-time sequence for a trip
func (c *Client) StopOrder(ctx context.Context, tripID string) ([]StopTime, error) {
	var stopTimes []StopTime
	if err := c.get(ctx, stopTimesEndpoint, true, &stopTimes); err != nil {
		return nil, err
	}

	var matched []StopTime
	for _, st := range stopTimes {
		if st.TripID == tripID {
			matched = append(matched, st)
		}
	}
	return matched, nil
}

// Stops lists stop catalog entries. A non-empty id set filters the result.
func (c *Client) Stops(ctx context.Context, stopIDs []int) ([]Stop, error) {
	var stops []Stop
	if err := c.get(ctx, stopsEndpoint, true, &stops); err != nil {
		return nil, err
	}

	if len(stopIDs) == 0 {
		return stops, nil
	}

	wanted := make(map[int]bool, len(stopIDs))
	for _, id := range stopIDs {
		wanted[id] = true
	}
	matched := make([]Stop, 0, len(stopIDs))
	for _, s := range stops {
		if wanted[s.StopID] {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

// Vehicles fetches current vehicle positions filtered to the given trip id
// set. Transport failures and malformed payloads degrade to an empty result
// so one bad poll never kills a monitoring session.
func (c *Client) Vehicles(ctx context.Context, tripIDs map[string]bool) []Vehicle {
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/"+vehiclesEndpoint, nil)
	if err != nil {
		log.Printf("Tranzy: failed to create vehicles request: %v", err)
		return nil
	}
	c.setHeaders(req, true)

	resp, err := c.client.Do(req)
	if err != nil {
		// connection refused, timeout: treated as "no vehicles this tick"
		log.Printf("Tranzy: vehicles fetch failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("Tranzy: vehicles returned status %d: %s", resp.StatusCode, ExplainStatus(resp.StatusCode))
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("Tranzy: failed to read vehicles response: %v", err)
		return nil
	}

	if c.cfg.RawVehicleLogging {
		c.appendRawLog(body)
	}

	var vehicles []Vehicle
	if err := json.Unmarshal(body, &vehicles); err != nil {
		log.Printf("Tranzy: invalid data for vehicles: %v", err)
		return nil
	}

	matched := make([]Vehicle, 0, len(vehicles))
	for _, v := range vehicles {
		if v.TripID != nil && tripIDs[*v.TripID] {
			matched = append(matched, v)
		}
	}
	return matched
}

// get fetches an endpoint and decodes its JSON list into out. Non-200
// statuses become classified APIErrors; these calls back user actions, so
// failures propagate.
func (c *Client) get(ctx context.Context, endpoint string, withAgency bool, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/"+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, withAgency)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, withAgency bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.cfg.APIKey)
	if withAgency {
		req.Header.Set("X-Agency-Id", c.cfg.AgencyID)
	}
}

// appendRawLog appends a raw vehicles response body to a dated side file
func (c *Client) appendRawLog(body []byte) {
	if err := os.MkdirAll(c.cfg.RawLogDir, 0o755); err != nil {
		log.Printf("Tranzy: failed to create raw log dir: %v", err)
		return
	}

	name := filepath.Join(c.cfg.RawLogDir, "vehicles_"+time.Now().Format("20060102")+".log")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("Tranzy: failed to open raw log file: %v", err)
		return
	}
	defer f.Close()

	line := append([]byte(time.Now().UTC().Format(time.RFC3339)+" "), body...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		log.Printf("Tranzy: failed to write raw log: %v", err)
	}
}
