package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/horace42/tranzy-stats/internal/monitor"
	"github.com/horace42/tranzy-stats/internal/store"
)

type fakeStore struct {
	trips      []store.Trip
	cfg        *store.MonitorConfig
	positions  map[int64][]store.Position
	exportRows []store.ExportRow
	deleted    []string
	segments   map[string][2]int
	healthy    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		positions: make(map[int64][]store.Position),
		segments:  make(map[string][2]int),
		healthy:   true,
	}
}

func (f *fakeStore) EnsureSchema(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                           { return nil }

func (f *fakeStore) UpsertStops(ctx context.Context, stops []store.Stop) (int, error) {
	return len(stops), nil
}

func (f *fakeStore) SaveTrip(ctx context.Context, trip store.Trip, order []store.StopSeq, startSeq, endSeq int) (int64, error) {
	return 1, nil
}

func (f *fakeStore) UpdateMonitoredSegment(ctx context.Context, tripID string, startSeq, endSeq int) error {
	if f.cfg == nil || f.cfg.Trip.TripID != tripID {
		return store.ErrNotFound
	}
	f.segments[tripID] = [2]int{startSeq, endSeq}
	return nil
}

func (f *fakeStore) DeleteTrip(ctx context.Context, tripID string) error {
	if f.cfg == nil || f.cfg.Trip.TripID != tripID {
		return store.ErrNotFound
	}
	f.deleted = append(f.deleted, tripID)
	return nil
}

func (f *fakeStore) ListMonitoredTrips(ctx context.Context) ([]store.Trip, error) {
	if !f.healthy {
		return nil, errors.New("database is gone")
	}
	return f.trips, nil
}

func (f *fakeStore) ResolveMonitorConfig(ctx context.Context, tripID string) (*store.MonitorConfig, error) {
	if f.cfg == nil || f.cfg.Trip.TripID != tripID {
		return nil, store.ErrNotFound
	}
	return f.cfg, nil
}

func (f *fakeStore) InsertPosition(ctx context.Context, p store.Position) error { return nil }

func (f *fakeStore) StopPositions(ctx context.Context, tripIdx, stopIdx int64) ([]store.Position, error) {
	return f.positions[stopIdx], nil
}

func (f *fakeStore) TripExportRows(ctx context.Context, tripID string) ([]store.ExportRow, error) {
	return f.exportRows, nil
}

func (f *fakeStore) CreateMonitorSession(ctx context.Context, sessionID string, tripIDs []string, startedAt time.Time) error {
	return nil
}

func (f *fakeStore) CloseMonitorSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	return nil
}

type fakeController struct {
	startErr error
	started  []monitor.StartConfig
	stopped  int
	info     monitor.SessionInfo
}

func (f *fakeController) Start(cfg monitor.StartConfig) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, cfg)
	return nil
}

func (f *fakeController) Stop()                       { f.stopped++ }
func (f *fakeController) Status() monitor.SessionInfo { return f.info }

type fakeConfigurator struct {
	cfg *store.MonitorConfig
	err error
}

func (f *fakeConfigurator) ConfigureTrip(ctx context.Context, lineNumber string, direction, startSeq, endSeq int) (*store.MonitorConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cfg, nil
}

func segmentConfig() *store.MonitorConfig {
	return &store.MonitorConfig{
		Trip: store.Trip{Idx: 1, TripID: "12_0", RouteShortName: "12"},
		Stops: []store.Stop{
			{Idx: 10, StopID: 101, StopName: "Gara", StopLat: 44.43, StopLon: 26.10},
			{Idx: 11, StopID: 102, StopName: "Piata", StopLat: 44.44, StopLon: 26.11},
		},
		StartSeq: 1,
		EndSeq:   2,
	}
}

func newTestServer(st *fakeStore, ctrl *fakeController, cfgr *fakeConfigurator) *httptest.Server {
	s := New(ctrl, cfgr, st, nil, "http://localhost:5173")
	return httptest.NewServer(s.Router())
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	st := newFakeStore()
	ts := newTestServer(st, &fakeController{}, &fakeConfigurator{})
	defer ts.Close()

	if code := getJSON(t, ts.URL+"/health", nil); code != http.StatusOK {
		t.Errorf("healthy status = %d", code)
	}

	st.healthy = false
	if code := getJSON(t, ts.URL+"/health", nil); code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d", code)
	}
}

func TestMonitorStart(t *testing.T) {
	ctrl := &fakeController{info: monitor.SessionInfo{State: monitor.Running, SessionID: "abc", TripIDs: []string{"12_0"}}}
	ts := newTestServer(newFakeStore(), ctrl, &fakeConfigurator{})
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/monitor/start", StartRequest{TripIDs: []string{"12_0"}, DurationMinutes: 30})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(ctrl.started) != 1 || ctrl.started[0].Duration != 30*time.Minute {
		t.Errorf("controller received %+v", ctrl.started)
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.State != "running" || status.SessionID != "abc" {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestMonitorStartRejectsEmptyTrips(t *testing.T) {
	ctrl := &fakeController{}
	ts := newTestServer(newFakeStore(), ctrl, &fakeConfigurator{})
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/monitor/start", StartRequest{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, expected 400", resp.StatusCode)
	}
	if len(ctrl.started) != 0 {
		t.Errorf("controller was called")
	}
}

func TestMonitorStartConflict(t *testing.T) {
	ctrl := &fakeController{startErr: monitor.ErrAlreadyRunning}
	ts := newTestServer(newFakeStore(), ctrl, &fakeConfigurator{})
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/monitor/start", StartRequest{TripIDs: []string{"12_0"}})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, expected 409", resp.StatusCode)
	}
}

func TestMonitorStop(t *testing.T) {
	ctrl := &fakeController{info: monitor.SessionInfo{State: monitor.Idle}}
	ts := newTestServer(newFakeStore(), ctrl, &fakeConfigurator{})
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/monitor/stop", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || ctrl.stopped != 1 {
		t.Errorf("status=%d stopped=%d", resp.StatusCode, ctrl.stopped)
	}
}

func TestMonitorLog(t *testing.T) {
	st := newFakeStore()
	s := New(&fakeController{}, &fakeConfigurator{}, st, nil, "http://localhost:5173")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	s.Sink(monitor.Outcome{Kind: monitor.Information, Time: time.Now(), Message: "polling started"})
	s.Sink(monitor.Outcome{Kind: monitor.LoggedPosition, Time: time.Now(), Message: "3042 logged"})

	var body struct {
		Entries []OutcomeRecord `json:"entries"`
		Count   int             `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/api/monitor/log", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Count != 2 || len(body.Entries) != 2 {
		t.Fatalf("count = %d, entries = %d", body.Count, len(body.Entries))
	}
	if body.Entries[0].Message != "polling started" || body.Entries[1].Kind != "logged_position" {
		t.Errorf("unexpected entries: %+v", body.Entries)
	}
}

func TestOutcomeLogEvictsOldest(t *testing.T) {
	l := NewOutcomeLog(3)
	for i := 0; i < 5; i++ {
		l.Append(monitor.Outcome{Kind: monitor.Information, Message: fmt.Sprintf("m%d", i)})
	}
	records := l.Records()
	if len(records) != 3 {
		t.Fatalf("got %d records, expected 3", len(records))
	}
	for i, r := range records {
		want := fmt.Sprintf("m%d", i+2)
		if r.Message != want {
			t.Errorf("record %d = %q, expected %q", i, r.Message, want)
		}
	}
}

func TestListTrips(t *testing.T) {
	st := newFakeStore()
	st.trips = []store.Trip{{TripID: "12_0", RouteShortName: "12", Monitored: true}}
	ts := newTestServer(st, &fakeController{}, &fakeConfigurator{})
	defer ts.Close()

	var body struct {
		Trips []TripResponse `json:"trips"`
		Count int            `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/api/trips", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Count != 1 || body.Trips[0].TripID != "12_0" || !body.Trips[0].Monitored {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestConfigureTrip(t *testing.T) {
	cfgr := &fakeConfigurator{cfg: segmentConfig()}
	ts := newTestServer(newFakeStore(), &fakeController{}, cfgr)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/trips", ConfigureTripRequest{LineNumber: "12", Direction: 0, StartSeq: 1, EndSeq: 2})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, expected 201", resp.StatusCode)
	}

	resp2 := postJSON(t, ts.URL+"/api/trips", ConfigureTripRequest{})
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("missing line number accepted: %d", resp2.StatusCode)
	}
}

func TestUpdateSegment(t *testing.T) {
	st := newFakeStore()
	st.cfg = segmentConfig()
	ts := newTestServer(st, &fakeController{}, &fakeConfigurator{})
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/trips/12_0/segment",
		strings.NewReader(`{"startSeq": 2, "endSeq": 5}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if st.segments["12_0"] != [2]int{2, 5} {
		t.Errorf("segment not updated: %v", st.segments)
	}

	req2, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/trips/12_0/segment",
		strings.NewReader(`{"startSeq": 5, "endSeq": 2}`))
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted segment accepted: %d", resp2.StatusCode)
	}
}

func TestDeleteTrip(t *testing.T) {
	st := newFakeStore()
	st.cfg = segmentConfig()
	ts := newTestServer(st, &fakeController{}, &fakeConfigurator{})
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/trips/12_0", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, expected 204", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/trips/99_9", nil)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, expected 404", resp2.StatusCode)
	}
}

func TestTripStats(t *testing.T) {
	st := newFakeStore()
	st.cfg = segmentConfig()
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	st.positions[10] = []store.Position{{VehicleNo: "3042", Timestamp: base}}
	st.positions[11] = []store.Position{{VehicleNo: "3042", Timestamp: base.Add(7 * time.Minute)}}
	ts := newTestServer(st, &fakeController{}, &fakeConfigurator{})
	defer ts.Close()

	var body struct {
		FromStop    string         `json:"fromStop"`
		ToStop      string         `json:"toStop"`
		Pairs       []PairResponse `json:"pairs"`
		Matched     int            `json:"matched"`
		MeanSeconds int            `json:"meanSeconds"`
	}
	if code := getJSON(t, ts.URL+"/api/trips/12_0/stats", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.FromStop != "Gara" || body.ToStop != "Piata" {
		t.Errorf("stop names: %q -> %q", body.FromStop, body.ToStop)
	}
	if body.Matched != 1 || body.MeanSeconds != 420 {
		t.Errorf("matched=%d mean=%d", body.Matched, body.MeanSeconds)
	}
	if len(body.Pairs) != 1 || body.Pairs[0].TravelTimeSeconds != 420 {
		t.Errorf("pairs: %+v", body.Pairs)
	}
}

func TestTripExport(t *testing.T) {
	st := newFakeStore()
	st.cfg = segmentConfig()
	st.exportRows = []store.ExportRow{{
		RouteShortName: "12", TripID: "12_0", VehicleNo: "3042",
		Timestamp: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		StopName:  "Gara", StopSequence: 1,
	}}
	ts := newTestServer(st, &fakeController{}, &fakeConfigurator{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/trips/12_0/export")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	cd := resp.Header.Get("Content-Disposition")
	if !strings.Contains(cd, "12_12_0_") || !strings.Contains(cd, ".csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte{0xEF, 0xBB, 0xBF}) {
		t.Errorf("body missing BOM")
	}
	if !strings.Contains(buf.String(), "3042") {
		t.Errorf("body missing the position row")
	}

	resp404, err := http.Get(ts.URL + "/api/trips/99_9/export")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp404.Body.Close()
	if resp404.StatusCode != http.StatusNotFound {
		t.Errorf("unknown trip export status = %d", resp404.StatusCode)
	}
}
