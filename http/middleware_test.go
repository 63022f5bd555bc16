package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cobrun/geowatch/errors"
	"github.com/cobrun/geowatch/geo"
	"github.com/cobrun/geowatch/geofence"
	"github.com/cobrun/geowatch/health"
	"github.com/cobrun/geowatch/logging"
	"github.com/cobrun/geowatch/testing/fixtures"
	"github.com/cobrun/geowatch/testing/mocks"
)

// stubEngine forwards to a real engine, except that StartTracking can be
// made to panic and CurrentLocation records whether its ctx had a deadline.
type stubEngine struct {
	Engine
	panicOnStart bool
	hadDeadline  chan bool
}

func (s *stubEngine) StartTracking(ctx context.Context) error {
	if s.panicOnStart {
		panic("position source vanished")
	}
	return s.Engine.StartTracking(ctx)
}

func (s *stubEngine) CurrentLocation(ctx context.Context) (geo.Coordinate, error) {
	_, ok := ctx.Deadline()
	s.hadDeadline <- ok
	return fixtures.Center, nil
}

type routerHarness struct {
	router http.Handler
	engine *stubEngine
	logs   *bytes.Buffer
}

func newRouterHarness(t *testing.T, config RouterConfig) *routerHarness {
	t.Helper()

	opts := geofence.DefaultOptions()
	opts.Center = fixtures.Center
	opts.RadiusMeters = fixtures.Radius
	inner, err := geofence.New(mocks.NewMockPositionSource(), nil, opts)
	if err != nil {
		t.Fatalf("geofence.New: %v", err)
	}
	t.Cleanup(func() { _ = inner.Teardown(context.Background()) })

	engine := &stubEngine{Engine: inner, hadDeadline: make(chan bool, 1)}
	logs := &bytes.Buffer{}
	logger := logging.NewLoggerWithWriter("info", logs)
	checker := health.NewChecker("test")

	router := NewRouter(config, NewHandlers(engine, nil, geo.NewH3Index(geo.H3ResolutionBlock), logger), checker, logger)
	return &routerHarness{router: router, engine: engine, logs: logs}
}

func (h *routerHarness) do(method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// logLines returns the decoded log entries with the given message.
func (h *routerHarness) logLines(t *testing.T, msg string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(h.logs.Bytes()))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", scanner.Text())
		}
		if entry["msg"] == msg {
			lines = append(lines, entry)
		}
	}
	return lines
}

func TestRouter_RequestIDPropagation(t *testing.T) {
	h := newRouterHarness(t, DefaultRouterConfig())

	rec := h.do(http.MethodGet, "/api/v1/geofence", map[string]string{RequestIDHeader: "ui-42"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get(RequestIDHeader); got != "ui-42" {
		t.Errorf("response request ID = %q, want ui-42", got)
	}

	rec = h.do(http.MethodGet, "/api/v1/geofence", nil)
	generated := rec.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(generated); err != nil {
		t.Errorf("generated request ID %q is not a UUID: %v", generated, err)
	}

	lines := h.logLines(t, "request completed")
	if len(lines) != 2 {
		t.Fatalf("expected 2 request log lines, got %d", len(lines))
	}
	if lines[0]["request_id"] != "ui-42" || lines[1]["request_id"] != generated {
		t.Errorf("log request IDs = %v, %v", lines[0]["request_id"], lines[1]["request_id"])
	}
}

func TestRouter_ErrorEnvelopeCarriesRequestID(t *testing.T) {
	h := newRouterHarness(t, DefaultRouterConfig())

	rec := h.do(http.MethodGet, "/api/v1/alerts/recent?limit=0", map[string]string{RequestIDHeader: "ui-43"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp errors.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID != "ui-43" {
		t.Errorf("envelope request ID = %q, want ui-43", resp.RequestID)
	}
	if resp.Error.Code != errors.CodeValidation {
		t.Errorf("error code = %s, want %s", resp.Error.Code, errors.CodeValidation)
	}
}

func TestRouter_RequestLog(t *testing.T) {
	h := newRouterHarness(t, DefaultRouterConfig())

	h.do(http.MethodPut, "/api/v1/geofence/radius", nil)

	lines := h.logLines(t, "request completed")
	if len(lines) != 1 {
		t.Fatalf("expected 1 request log line, got %d", len(lines))
	}
	line := lines[0]
	if line["method"] != http.MethodPut || line["path"] != "/api/v1/geofence/radius" {
		t.Errorf("logged %v %v", line["method"], line["path"])
	}
	if line["status"] != float64(http.StatusBadRequest) {
		t.Errorf("logged status = %v, want 400", line["status"])
	}
	if _, ok := line["duration_ms"]; !ok {
		t.Error("request log is missing duration_ms")
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	config := DefaultRouterConfig()
	config.AllowedOrigins = []string{"http://localhost:5173"}

	tests := []struct {
		name       string
		origin     string
		wantOrigin string
	}{
		{"ui origin", "http://localhost:5173", "http://localhost:5173"},
		{"foreign origin", "https://evil.example", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRouterHarness(t, config)

			rec := h.do(http.MethodOptions, "/api/v1/geofence/radius", map[string]string{
				"Origin":                        tt.origin,
				"Access-Control-Request-Method": http.MethodPut,
			})
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPut) {
				t.Errorf("Allow-Methods = %q, want PUT", got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, RequestIDHeader) {
				t.Errorf("Allow-Headers = %q, want %s", got, RequestIDHeader)
			}
			if rec.Body.Len() != 0 {
				t.Errorf("preflight reached the handler: %q", rec.Body.String())
			}
		})
	}
}

func TestRouter_SecurityHeaders(t *testing.T) {
	h := newRouterHarness(t, DefaultRouterConfig())

	for _, path := range []string{"/api/v1/geofence", "/health/live", "/no/such/route"} {
		rec := h.do(http.MethodGet, path, nil)
		for header, want := range map[string]string{
			"X-Content-Type-Options": "nosniff",
			"X-Frame-Options":        "DENY",
			"Referrer-Policy":        "strict-origin-when-cross-origin",
		} {
			if got := rec.Header().Get(header); got != want {
				t.Errorf("%s: %s = %q, want %q", path, header, got, want)
			}
		}
	}
}

func TestRouter_RecoversEnginePanic(t *testing.T) {
	h := newRouterHarness(t, DefaultRouterConfig())
	h.engine.panicOnStart = true

	rec := h.do(http.MethodPost, "/api/v1/tracking/start", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp errors.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != errors.CodeInternal {
		t.Errorf("error code = %s, want %s", resp.Error.Code, errors.CodeInternal)
	}
	if strings.Contains(resp.Error.Message, "position source vanished") {
		t.Error("panic value leaked to the client")
	}

	panics := h.logLines(t, "panic recovered")
	if len(panics) != 1 {
		t.Fatalf("expected 1 panic log line, got %d", len(panics))
	}
	if panics[0]["path"] != "/api/v1/tracking/start" {
		t.Errorf("panic logged for path %v", panics[0]["path"])
	}
	requests := h.logLines(t, "request completed")
	if len(requests) != 1 || requests[0]["status"] != float64(http.StatusInternalServerError) {
		t.Errorf("request log = %v, want one entry with status 500", requests)
	}

	h.engine.panicOnStart = false
	if rec := h.do(http.MethodPost, "/api/v1/tracking/start", nil); rec.Code != http.StatusOK {
		t.Errorf("status after recovery = %d, want 200", rec.Code)
	}
}

func TestRouter_RequestTimeoutBoundsAPI(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		want    bool
	}{
		{"configured", time.Second, true},
		{"disabled", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultRouterConfig()
			config.RequestTimeout = tt.timeout
			h := newRouterHarness(t, config)

			if rec := h.do(http.MethodGet, "/api/v1/location/current", nil); rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if got := <-h.engine.hadDeadline; got != tt.want {
				t.Errorf("engine ctx had deadline = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRouter_TracingSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	h := newRouterHarness(t, DefaultRouterConfig())

	h.do(http.MethodGet, "/api/v1/geofence/cells", map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	})
	h.do(http.MethodPut, "/api/v1/geofence/radius", nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	cells := spans[0]
	if cells.Name != "GET /api/v1/geofence/cells" {
		t.Errorf("span name = %q, want route pattern", cells.Name)
	}
	if got := cells.SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace ID = %s, want the caller's trace", got)
	}
	if got := statusAttr(cells.Attributes); got != http.StatusOK {
		t.Errorf("cells http.status_code = %d, want 200", got)
	}

	radius := spans[1]
	if radius.Name != "PUT /api/v1/geofence/radius" {
		t.Errorf("span name = %q", radius.Name)
	}
	if got := statusAttr(radius.Attributes); got != http.StatusBadRequest {
		t.Errorf("radius http.status_code = %d, want 400", got)
	}
	if radius.SpanContext.TraceID() == cells.SpanContext.TraceID() {
		t.Error("requests without traceparent should start a new trace")
	}
}

func statusAttr(attrs []attribute.KeyValue) int64 {
	for _, attr := range attrs {
		if attr.Key == "http.status_code" {
			return attr.Value.AsInt64()
		}
	}
	return 0
}
