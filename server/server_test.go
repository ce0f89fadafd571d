package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kbukum/streamkit/component"
	apperrors "github.com/kbukum/streamkit/errors"
	"github.com/kbukum/streamkit/logger"
)

func newTestServer(t *testing.T, checker func(context.Context) []component.Health, gatherer prometheus.Gatherer) *Server {
	t.Helper()
	s := New(Config{Mode: gin.TestMode}, logger.NewNop())
	s.ApplyDefaults("relay", checker, gatherer)
	return s
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, http.NoBody))
	return rr
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Port != 8080 || cfg.Mode != gin.ReleaseMode || cfg.MaxBodySize != "1MB" {
		t.Errorf("defaults = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	bad := []Config{
		{Port: 70000, Mode: gin.ReleaseMode},
		{Port: 80, Mode: "verbose"},
		{Port: 80, Mode: gin.TestMode, ReadTimeout: -1},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("Validate(%+v) should fail", c)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []component.HealthStatus
		wantCode   int
		wantStatus string
	}{
		{"all healthy", []component.HealthStatus{component.StatusHealthy, component.StatusHealthy}, http.StatusOK, "healthy"},
		{"degraded", []component.HealthStatus{component.StatusHealthy, component.StatusDegraded}, http.StatusOK, "degraded"},
		{"unhealthy", []component.HealthStatus{component.StatusDegraded, component.StatusUnhealthy}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			checker := func(context.Context) []component.Health {
				out := make([]component.Health, len(tc.statuses))
				for i, st := range tc.statuses {
					out[i] = component.Health{Name: "c", Status: st}
				}
				return out
			}
			rr := serve(newTestServer(t, checker, prometheus.NewRegistry()), http.MethodGet, "/health")
			if rr.Code != tc.wantCode {
				t.Errorf("code = %d, want %d", rr.Code, tc.wantCode)
			}
			var body map[string]interface{}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body["status"] != tc.wantStatus || body["service"] != "relay" {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestReadinessEndpoint(t *testing.T) {
	down := func(context.Context) []component.Health {
		return []component.Health{{Name: "kafka", Status: component.StatusUnhealthy}}
	}
	if rr := serve(newTestServer(t, down, nil), http.MethodGet, "/ready"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready code = %d, want 503", rr.Code)
	}
	if rr := serve(newTestServer(t, down, nil), http.MethodGet, "/alive"); rr.Code != http.StatusOK {
		t.Errorf("/alive code = %d, want 200", rr.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	rr := serve(newTestServer(t, nil, nil), http.MethodGet, "/info")
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d", rr.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["service"] != "relay" || body["version"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_test_total", Help: "test counter"})
	reg.MustRegister(counter)
	counter.Add(3)

	rr := serve(newTestServer(t, nil, reg), http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "relay_test_total 3") {
		t.Errorf("metrics body missing counter:\n%s", rr.Body.String())
	}
}

func TestMiddlewareAppliesToRoutes(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.GinEngine().GET("/boom", func(*gin.Context) { panic("boom") })

	rr := serve(s, http.MethodGet, "/boom")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("panic code = %d, want 500", rr.Code)
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Error("request id header missing")
	}
}

func TestHandleMount(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.Handle("/raw/", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	if rr := serve(s, http.MethodGet, "/raw/x"); rr.Code != http.StatusTeapot {
		t.Errorf("mounted handler code = %d", rr.Code)
	}
}

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantErr  apperrors.ErrorCode
	}{
		{apperrors.InvalidInput("id", "must be a string"), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{apperrors.ServiceUnavailable("kafka producer"), http.StatusServiceUnavailable, apperrors.ErrCodeServiceUnavailable},
		{errors.New("plain"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}
	for _, tc := range tests {
		rr := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rr)
		RespondWithError(c, tc.err)
		if rr.Code != tc.wantCode {
			t.Errorf("%v: code = %d, want %d", tc.err, rr.Code, tc.wantCode)
		}
		var body apperrors.ErrorResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body.Error.Code != tc.wantErr {
			t.Errorf("%v: body code = %s, want %s", tc.err, body.Error.Code, tc.wantErr)
		}
	}
}

func TestComponent(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 9191, Mode: gin.TestMode}, logger.NewNop())
	c := NewComponent(s)
	if c.Name() != "http-server" {
		t.Errorf("Name() = %q", c.Name())
	}
	if h := c.Health(context.Background()); h.Status != component.StatusUnhealthy {
		t.Errorf("Health() before start = %q, want unhealthy", h.Status)
	}
	d := c.Describe()
	if d.Details != "127.0.0.1:9191" || d.Port != 9191 {
		t.Errorf("Describe() = %+v", d)
	}
}
