package web

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"plcmonitor/config"
	"plcmonitor/engine"
)

func newTestEngine(t *testing.T, cfg *config.Config) *engine.Engine {
	t.Helper()
	eng := engine.New(engine.Config{AppConfig: cfg})
	if err := eng.Start(); err != nil {
		t.Fatalf("engine Start failed: %v", err)
	}
	t.Cleanup(eng.Stop)
	return eng
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestRoutes(t *testing.T) {
	cfg := config.DefaultConfig()
	s := NewServer(cfg, newTestEngine(t, cfg))
	defer s.Stop()

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/api/devices", http.StatusOK, "[]"},
		{"/api/devices/nope", http.StatusNotFound, "not found"},
		{"/metrics", http.StatusOK, "go_goroutines"},
		{"/nothing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, body := get(t, s.Handler(), tt.path)
			if code != tt.status {
				t.Fatalf("status = %d, want %d", code, tt.status)
			}
			if !strings.Contains(body, tt.want) {
				t.Errorf("body %q does not contain %q", body, tt.want)
			}
		})
	}
}

func TestDisabledSurfaces(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Web.API.Enabled = false
	cfg.Metrics.Enabled = false
	s := NewServer(cfg, newTestEngine(t, cfg))

	for _, path := range []string{"/api/devices", "/metrics"} {
		if code, _ := get(t, s.Handler(), path); code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, code)
		}
	}
}

func TestCustomMetricsPath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Metrics.Path = "/prom"
	s := NewServer(cfg, newTestEngine(t, cfg))
	defer s.Stop()

	if code, _ := get(t, s.Handler(), "/prom"); code != http.StatusOK {
		t.Errorf("/prom status = %d", code)
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := config.DefaultConfig()
	s := NewServer(cfg, newTestEngine(t, cfg))
	defer s.Stop()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/api/devices", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestStartAndStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Web.Host = "127.0.0.1"
	cfg.Web.Port = 0
	s := NewServer(cfg, newTestEngine(t, cfg))

	if s.IsRunning() {
		t.Fatal("server should not be running initially")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("expected server to be running")
	}

	resp, err := http.Get(s.Address() + "/api/devices")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("server still running after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestAddressBeforeStart(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Web.Host = "localhost"
	cfg.Web.Port = 9999
	s := NewServer(cfg, newTestEngine(t, cfg))
	defer s.Stop()

	if got := s.Address(); got != "http://localhost:9999" {
		t.Errorf("Address() = %q", got)
	}
}
