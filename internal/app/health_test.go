package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammedshuaau/workplace/internal/telemetry"
)

type fakeCache struct {
	err error
}

func (f fakeCache) Ping(context.Context) error { return f.err }

func getJSON(t *testing.T, server *HTTPServer, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return rr, response
}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore(), &fakeChat{}, &fakeDirectory{}), "*")

	rr, response := getJSON(t, server, "/api/health")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		dbErr      error
		cache      Pinger
		wantStatus int
		wantReady  string
		wantRedis  string
	}{
		{name: "database only", wantStatus: http.StatusOK, wantReady: "ready"},
		{name: "database and redis", cache: fakeCache{}, wantStatus: http.StatusOK, wantReady: "ready", wantRedis: "ok"},
		{name: "database down", dbErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable, wantReady: "not_ready"},
		{name: "redis down", cache: fakeCache{err: errors.New("no redis")}, wantStatus: http.StatusServiceUnavailable, wantReady: "not_ready", wantRedis: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			fs.pingFn = func(context.Context) error { return tt.dbErr }
			svc := newTestService(fs, &fakeChat{}, &fakeDirectory{})
			svc.cache = tt.cache
			server := NewHTTPServer(svc, "*")

			rr, response := getJSON(t, server, "/api/ready")
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if response["status"] != tt.wantReady {
				t.Errorf("expected status=%s, got %v", tt.wantReady, response["status"])
			}
			checks, _ := response["checks"].(map[string]any)
			redis, hasRedis := checks["redis"].(map[string]any)
			if tt.wantRedis == "" {
				if hasRedis {
					t.Errorf("unexpected redis check %v", redis)
				}
				return
			}
			if redis["status"] != tt.wantRedis {
				t.Errorf("expected redis status=%s, got %v", tt.wantRedis, redis["status"])
			}
		})
	}
}

func TestHealthEndpoint_OptionsRequest(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore(), &fakeChat{}, &fakeDirectory{}), "*")

	req := httptest.NewRequest(http.MethodOptions, "/users/search", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
	if cache := rr.Header().Get("Cache-Control"); cache != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %v", cache)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	telemetry.Init()
	server := NewHTTPServer(newTestService(newFakeStore(), &fakeChat{}, &fakeDirectory{}), "*")

	// One request first so the duration histogram has a sample.
	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "workplace_http_request_duration_seconds") {
		t.Fatalf("expected http duration metric in output")
	}
}
