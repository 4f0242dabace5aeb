package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gojack/internal/driver"
	"gojack/internal/server"
)

func newAPITestServer(t *testing.T) (*server.Engine, *APIServer) {
	t.Helper()
	t.Setenv("JACK_TMPDIR", t.TempDir())
	eng, err := server.New(server.Config{
		Name:       "api-test",
		BufferSize: 256,
		SampleRate: 48000,
		PortMax:    32,
	}, driver.NewDummy(driver.DummyParams{SampleRate: 48000, Period: 256}))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, NewAPIServer(eng)
}

func doGet(t *testing.T, api *APIServer, path string, out any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	api.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, rec.Code)
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("GET %s: bad JSON: %v", path, err)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, api := newAPITestServer(t)

	var health HealthResponse
	doGet(t, api, "/health", &health)
	if health.Status != "ok" || health.Server != "api-test" {
		t.Fatalf("health wrong: %+v", health)
	}
	if health.BufferSize != 256 || health.SampleRate != 48000 {
		t.Fatalf("engine params wrong: %+v", health)
	}
}

func TestGraphEndpoints(t *testing.T) {
	_, api := newAPITestServer(t)

	var clients []server.ClientInfo
	doGet(t, api, "/api/clients", &clients)
	if len(clients) != 1 || clients[0].Type != "driver" || clients[0].Name != "system" {
		t.Fatalf("expected only the driver client, got %+v", clients)
	}

	var ports []server.PortInfo
	doGet(t, api, "/api/ports", &ports)
	if len(ports) != 4 {
		t.Fatalf("expected 4 physical ports, got %d", len(ports))
	}
	for _, p := range ports {
		if !p.Physical || p.Owner != "system" {
			t.Fatalf("physical port wrong: %+v", p)
		}
	}

	var graph GraphResponse
	doGet(t, api, "/api/graph", &graph)
	if len(graph.Connections) != 0 || graph.Feedback != 0 {
		t.Fatalf("fresh graph should be empty: %+v", graph)
	}

	var tr server.TransportInfo
	doGet(t, api, "/api/transport", &tr)
	if tr.State != "stopped" {
		t.Fatalf("fresh transport should be stopped, got %q", tr.State)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, api := newAPITestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	api.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"gojack_cpu_load_percent", "gojack_xruns_total", "gojack_buffer_size_frames"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

func TestVersionSubcommand(t *testing.T) {
	if !RunCLI([]string{"version"}) {
		t.Fatal("version subcommand not handled")
	}
	if RunCLI([]string{"serve-is-not-a-subcommand"}) {
		t.Fatal("unknown subcommand must fall through to flag parsing")
	}
}

func TestUnknownDriverRejected(t *testing.T) {
	if _, err := makeDriver("alsa", driverParams{rate: 48000, period: 256}); err == nil {
		t.Fatal("unknown backend must be rejected")
	}
	d, err := makeDriver("dummy", driverParams{rate: 48000, period: 256, inChannels: 1, outChannels: 1})
	if err != nil {
		t.Fatalf("dummy backend: %v", err)
	}
	if d.PeriodUsecs() < 5000 || d.PeriodUsecs() > 6000 {
		t.Fatalf("dummy period usecs: %f", d.PeriodUsecs())
	}
}
