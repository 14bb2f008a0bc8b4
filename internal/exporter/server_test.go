package exporter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mqtt-tools/mqtt-topic-exporter/internal/config"
)

type staticRenderer string

func (r staticRenderer) Render() string { return string(r) }

type panicRenderer struct{}

func (panicRenderer) Render() string { panic("render exploded") }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Exporter {
	return config.Exporter{MetricsPath: "/metrics", BindAddress: "127.0.0.1", Port: 8840}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	return rec
}

func TestMetricsEndpointConcatenatesRenderers(t *testing.T) {
	t.Parallel()

	s := NewServer(discardLogger(), testConfig(), []Renderer{
		staticRenderer("#TYPE a counter\na{} 1\n"),
		staticRenderer(""),
		staticRenderer("#TYPE b gauge\nb{} 2\n"),
	})

	rec := get(t, s, "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q, want text/plain", ct)
	}

	want := "#TYPE a counter\na{} 1\n#TYPE b gauge\nb{} 2\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestMetricsEndpointEmptyWithNoData(t *testing.T) {
	t.Parallel()

	s := NewServer(discardLogger(), testConfig(), []Renderer{staticRenderer("")})

	rec := get(t, s, "/metrics")

	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("GET /metrics = %d %q, want 200 with empty body", rec.Code, rec.Body.String())
	}
}

func TestIndexShowsMetricsPath(t *testing.T) {
	t.Parallel()

	conf := testConfig()
	conf.MetricsPath = "/exposition"

	s := NewServer(discardLogger(), conf, nil)

	rec := get(t, s, "/")

	if rec.Body.String() != "/exposition" {
		t.Errorf("GET / body = %q, want %q", rec.Body.String(), "/exposition")
	}
}

func TestFaviconAndNotFound(t *testing.T) {
	t.Parallel()

	s := NewServer(discardLogger(), testConfig(), nil)

	if rec := get(t, s, "/favicon.ico"); rec.Code != http.StatusNoContent {
		t.Errorf("GET /favicon.ico status = %d, want 204", rec.Code)
	}

	if rec := get(t, s, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope status = %d, want 404", rec.Code)
	}
}

func TestTelemetryEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(discardLogger(), testConfig(), nil)

	rec := get(t, s, "/-/telemetry")

	if rec.Code != http.StatusOK {
		t.Errorf("GET /-/telemetry status = %d, want 200", rec.Code)
	}
}

func TestRecovererTurnsPanicInto500(t *testing.T) {
	t.Parallel()

	s := NewServer(discardLogger(), testConfig(), []Renderer{panicRenderer{}})

	rec := get(t, s, "/metrics")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("GET /metrics with panicking renderer status = %d, want 500", rec.Code)
	}
}

func TestRequestIDEchoedBack(t *testing.T) {
	t.Parallel()

	s := NewServer(discardLogger(), testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-42")

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(requestIDHeader); got != "req-42" {
		t.Errorf("request id header = %q, want req-42", got)
	}

	rec = get(t, s, "/")
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("request id header not generated when absent")
	}
}
