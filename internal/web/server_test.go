package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/solar-ems/internal/logic"
	"github.com/sweeney/solar-ems/internal/metrics"
	"github.com/sweeney/solar-ems/internal/status"
	"github.com/sweeney/solar-ems/internal/store"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeHistory struct {
	entries []store.Transition
	err     error
	limit   int
}

func (f *fakeHistory) History(limit int) ([]store.Transition, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func newTracker() *status.Tracker {
	return status.NewTracker(start, status.Config{
		PollMs:      5000,
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		HTTPPort:    ":80",
		Influx:      "http://192.168.1.10:8086",
	})
}

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *status.Tracker) {
	t.Helper()
	tr := newTracker()
	srv := New(":0", tr, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func heaterOn() status.LoadStatus {
	return status.LoadStatus{
		Name:           "heater",
		State:          logic.StateOn,
		Command:        logic.CommandActivate,
		Reason:         logic.ReasonStartConditions,
		Evidence:       []logic.Measurement{{Name: "battery_v", Value: 26.4, Limit: 26}},
		LastTransition: start.Add(time.Hour),
		RuntimeToday:   20 * time.Minute,
		MaxDailyRun:    2 * time.Hour,
	}
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t, Options{})
	tr.UpdateLoad(heaterOn())
	tr.UpdateTelemetry(logic.Snapshot{Last: logic.Readings{Battery: logic.Battery{Voltage: 26.4}}}, start)
	tr.SetMQTTConnected(true)

	resp, body := get(t, ts.URL+"/index.json")

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.Unmarshal(body, &sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if !sj.Status.Ready {
		t.Error("expected Ready=true")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if len(sj.Status.Loads) != 1 {
		t.Fatalf("expected 1 load, got %d", len(sj.Status.Loads))
	}
	l := sj.Status.Loads[0]
	if l.Name != "heater" || l.State != "ON" || l.Reason != "START_CONDITIONS_MET" {
		t.Errorf("unexpected load: %+v", l)
	}
	if l.RuntimeTodaySeconds != 1200 || l.MaxDailyRunSeconds != 7200 {
		t.Errorf("runtime: got %d of %d", l.RuntimeTodaySeconds, l.MaxDailyRunSeconds)
	}
	if sj.Status.Telemetry == nil || sj.Status.Telemetry.BatteryV != 26.4 {
		t.Errorf("telemetry: got %+v", sj.Status.Telemetry)
	}
	if sj.Status.Config.Influx != "http://192.168.1.10:8086" {
		t.Errorf("Config.Influx: got %q", sj.Status.Config.Influx)
	}
}

func TestJSONNotReadyBeforeTelemetry(t *testing.T) {
	ts, tr := newTestServer(t, Options{})
	tr.FetchFailed(errors.New("connection refused"))

	_, body := get(t, ts.URL+"/index.json")

	var sj status.StatusJSON
	json.Unmarshal(body, &sj)

	if sj.Status.Ready {
		t.Error("expected Ready=false")
	}
	if sj.Status.Telemetry != nil {
		t.Error("expected no telemetry block")
	}
	if sj.Status.Fetch.LastError != "connection refused" || sj.Status.Fetch.ConsecutiveFailures != 1 {
		t.Errorf("fetch: got %+v", sj.Status.Fetch)
	}
	if sj.Status.Fetch.Breaker != "closed" {
		t.Errorf("breaker: got %q", sj.Status.Fetch.Breaker)
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts, tr := newTestServer(t, Options{})
	tr.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	_, body := get(t, ts.URL+"/index.json")

	var sj status.StatusJSON
	json.Unmarshal(body, &sj)

	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestHTMLEndpoint(t *testing.T) {
	ts, tr := newTestServer(t, Options{})
	tr.UpdateLoad(heaterOn())
	tr.UpdateLoad(status.LoadStatus{Name: "hydro", State: logic.StateOff, Reason: logic.ReasonConditionsUnmet})

	for _, path := range []string{"/", "/index.html"} {
		resp, body := get(t, ts.URL+path)

		if resp.StatusCode != 200 {
			t.Errorf("%s status: got %d, want 200", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s Content-Type: got %q, want text/html", path, ct)
		}
		page := string(body)
		for _, want := range []string{
			`id="heater-state" class="on">ON`,
			`id="hydro-state" class="off">OFF`,
			"20m 0s of 2h 0m 0s",
			"battery_v 26.4 / 26.0",
			"none yet",
		} {
			if !strings.Contains(page, want) {
				t.Errorf("%s: page missing %q", path, want)
			}
		}
	}
}

func TestHTMLNoLoads(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	_, body := get(t, ts.URL+"/")

	if !strings.Contains(string(body), "no loads enabled") {
		t.Error("expected empty load table message")
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	for _, path := range []string{"/nonexistent", "/history.json", "/metrics"} {
		resp, _ := get(t, ts.URL+path)
		if resp.StatusCode != 404 {
			t.Errorf("%s status: got %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	resp, err := http.Post(ts.URL+"/index.json", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts, tr := newTestServer(t, Options{})

	resp, _ := get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("before telemetry: got %d, want 503", resp.StatusCode)
	}

	tr.UpdateTelemetry(logic.Snapshot{}, start)
	resp, body := get(t, ts.URL+"/healthz")
	if resp.StatusCode != 200 || strings.TrimSpace(string(body)) != "ok" {
		t.Errorf("after telemetry: got %d %q", resp.StatusCode, body)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	h := &fakeHistory{entries: []store.Transition{
		{Load: "heater", At: start.Add(2 * time.Hour), Command: "DEACTIVATE", Reason: "SHORT_WINDOW_OVERLOAD",
			Evidence: `[{"Name":"short_load_w","Value":3100,"Limit":2800}]`},
		{Load: "heater", At: start.Add(time.Hour), Command: "ACTIVATE", Reason: "START_CONDITIONS_MET"},
	}}
	ts, _ := newTestServer(t, Options{History: h})

	resp, body := get(t, ts.URL+"/history.json")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if h.limit != defaultHistory {
		t.Errorf("limit: got %d, want %d", h.limit, defaultHistory)
	}

	var got []TransitionJSON
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Timestamp != "2026-01-01T02:00:00Z" || got[0].Reason != "SHORT_WINDOW_OVERLOAD" {
		t.Errorf("unexpected first entry: %+v", got[0])
	}
	if len(got[0].Evidence) != 1 || got[0].Evidence[0].Value != 3100 {
		t.Errorf("evidence: got %+v", got[0].Evidence)
	}
	if got[1].Evidence != nil {
		t.Errorf("expected no evidence, got %+v", got[1].Evidence)
	}
}

func TestHistoryLimit(t *testing.T) {
	h := &fakeHistory{}
	ts, _ := newTestServer(t, Options{History: h})

	tests := []struct {
		query     string
		code      int
		wantLimit int
	}{
		{"?limit=5", 200, 5},
		{"?limit=100000", 200, maxHistory},
		{"?limit=0", 400, 0},
		{"?limit=abc", 400, 0},
	}
	for _, tt := range tests {
		h.limit = 0
		resp, _ := get(t, ts.URL+"/history.json"+tt.query)
		if resp.StatusCode != tt.code {
			t.Errorf("%s: status %d, want %d", tt.query, resp.StatusCode, tt.code)
		}
		if h.limit != tt.wantLimit {
			t.Errorf("%s: limit %d, want %d", tt.query, h.limit, tt.wantLimit)
		}
	}
}

func TestHistoryError(t *testing.T) {
	ts, _ := newTestServer(t, Options{History: &fakeHistory{err: errors.New("disk I/O error")}})

	resp, _ := get(t, ts.URL+"/history.json")
	if resp.StatusCode != 500 {
		t.Errorf("status: got %d, want 500", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Decision("heater", logic.Decision{Command: logic.CommandActivate, Reason: logic.ReasonRunning}, logic.LoadState{On: true}, start)
	ts, _ := newTestServer(t, Options{Metrics: m.Handler()})

	resp, body := get(t, ts.URL+"/metrics")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `ems_load_on{load="heater"} 1`) {
		t.Errorf("metrics output missing load gauge:\n%s", body)
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	ts, _ := newTestServer(t, Options{AccessLog: &buf})

	get(t, ts.URL+"/index.json")

	if !strings.Contains(buf.String(), `"GET /index.json HTTP/1.1" 200`) {
		t.Errorf("access log: got %q", buf.String())
	}
}

func TestServeOnListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(ln.Addr().String(), newTracker(), Options{})
	go srv.Serve(ln)
	defer srv.Shutdown(context.Background())

	resp, _ := get(t, "http://"+ln.Addr().String()+"/index.json")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d", resp.StatusCode)
	}
}
