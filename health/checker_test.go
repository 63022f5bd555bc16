package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cobrun/geowatch/geo"
	"github.com/cobrun/geowatch/geofence"
	"github.com/cobrun/geowatch/resilience"
)

// fakeRedis answers Ping with err, or blocks until ctx ends when hang is set.
type fakeRedis struct {
	err   error
	hang  bool
	pings atomic.Int32
}

func (f *fakeRedis) Ping(ctx context.Context) error {
	f.pings.Add(1)
	if f.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

type serviceDeps struct {
	store   *geofence.Store
	redis   *fakeRedis
	breaker *resilience.CircuitBreaker
}

// newServiceChecker registers the same checks, with the same criticality,
// as the running service.
func newServiceChecker(t *testing.T) (*Checker, *serviceDeps) {
	t.Helper()
	deps := &serviceDeps{
		store: geofence.NewStore(geo.Coordinate{Latitude: 52.52, Longitude: 13.405}, nil),
		redis: &fakeRedis{},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "redis_alerts",
			FailureThreshold: 1,
			SuccessThreshold: 2,
			OpenTimeout:      20 * time.Millisecond,
		}),
	}

	checker := NewChecker("test")
	checker.AddCheck("geofence", GeofenceCheck(FenceReporterFunc(func() bool {
		return deps.store.Snapshot().HasRadius
	})), false)
	checker.AddCheck("redis", RedisCheck(deps.redis, 50*time.Millisecond), true)
	checker.AddCheck("redis_alerts", CircuitCheck(deps.breaker), false)
	return checker, deps
}

func tripBreaker(t *testing.T, cb *resilience.CircuitBreaker) {
	t.Helper()
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("publish failed") })
	if cb.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %s, want open", cb.State())
	}
}

func readiness(t *testing.T, checker *Checker) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	checker.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	var body HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode readiness body: %v", err)
	}
	return rec.Code, body
}

func resultFor(resp HealthResponse, name string) (CheckResult, bool) {
	for _, r := range resp.Checks {
		if r.Name == name {
			return r, true
		}
	}
	return CheckResult{}, false
}

func TestReadiness_ServiceChecks(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, d *serviceDeps)
		wantCode   int
		wantStatus Status
		failing    map[string]string
	}{
		{
			name: "radius set, redis up, circuit closed",
			setup: func(t *testing.T, d *serviceDeps) {
				if err := d.store.SetRadius(500); err != nil {
					t.Fatal(err)
				}
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
		},
		{
			name:       "no radius yet",
			setup:      func(t *testing.T, d *serviceDeps) {},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			failing:    map[string]string{"geofence": "geofence radius not configured"},
		},
		{
			name: "alert circuit open",
			setup: func(t *testing.T, d *serviceDeps) {
				if err := d.store.SetRadius(500); err != nil {
					t.Fatal(err)
				}
				tripBreaker(t, d.breaker)
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			failing:    map[string]string{"redis_alerts": "circuit redis_alerts is open"},
		},
		{
			name: "redis down",
			setup: func(t *testing.T, d *serviceDeps) {
				if err := d.store.SetRadius(500); err != nil {
					t.Fatal(err)
				}
				d.redis.err = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
			failing:    map[string]string{"redis": "connection refused"},
		},
		{
			name: "redis down outranks missing radius",
			setup: func(t *testing.T, d *serviceDeps) {
				d.redis.err = errors.New("connection reset by peer")
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
			failing: map[string]string{
				"redis":    "connection reset",
				"geofence": "radius not configured",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker, deps := newServiceChecker(t)
			tt.setup(t, deps)

			code, resp := readiness(t, checker)
			if code != tt.wantCode {
				t.Errorf("status code = %d, want %d", code, tt.wantCode)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", resp.Status, tt.wantStatus)
			}
			if len(resp.Checks) != 3 {
				t.Fatalf("expected 3 check results, got %d", len(resp.Checks))
			}

			for _, name := range []string{"geofence", "redis", "redis_alerts"} {
				result, ok := resultFor(resp, name)
				if !ok {
					t.Errorf("missing %s result", name)
					continue
				}
				want, failing := tt.failing[name]
				switch {
				case failing && result.Status != StatusUnhealthy:
					t.Errorf("%s status = %s, want unhealthy", name, result.Status)
				case failing && !strings.Contains(result.Message, want):
					t.Errorf("%s message = %q, want it to contain %q", name, result.Message, want)
				case !failing && result.Status != StatusHealthy:
					t.Errorf("%s status = %s (%s), want healthy", name, result.Status, result.Message)
				}
			}
			if deps.redis.pings.Load() != 1 {
				t.Errorf("redis pinged %d times, want 1", deps.redis.pings.Load())
			}
		})
	}
}

func TestReadiness_RedisPingTimeout(t *testing.T) {
	checker, deps := newServiceChecker(t)
	if err := deps.store.SetRadius(500); err != nil {
		t.Fatal(err)
	}
	deps.redis.hang = true

	start := time.Now()
	code, resp := readiness(t, checker)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("readiness took %v, the redis check timeout should bound it", elapsed)
	}
	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", code)
	}
	result, _ := resultFor(resp, "redis")
	if !strings.Contains(result.Message, context.DeadlineExceeded.Error()) {
		t.Errorf("redis message = %q, want deadline exceeded", result.Message)
	}
	if result.Latency < 40 {
		t.Errorf("redis latency = %.1fms, want at least the check timeout", result.Latency)
	}
}

func TestGeofenceCheck_FollowsStore(t *testing.T) {
	store := geofence.NewStore(geo.Coordinate{}, nil)
	check := GeofenceCheck(FenceReporterFunc(func() bool { return store.Snapshot().HasRadius }))

	if err := check(context.Background()); !errors.Is(err, ErrRadiusNotConfigured) {
		t.Errorf("expected ErrRadiusNotConfigured, got %v", err)
	}

	if err := store.SetRadius(-5); err == nil {
		t.Fatal("expected negative radius to be rejected")
	}
	if err := check(context.Background()); !errors.Is(err, ErrRadiusNotConfigured) {
		t.Errorf("rejected radius should leave the check failing, got %v", err)
	}

	if err := store.SetRadius(250); err != nil {
		t.Fatal(err)
	}
	if err := check(context.Background()); err != nil {
		t.Errorf("expected nil once a radius is set, got %v", err)
	}
}

func TestCircuitCheck_Recovery(t *testing.T) {
	_, deps := newServiceChecker(t)
	check := CircuitCheck(deps.breaker)
	ok := func(context.Context) error { return nil }

	tripBreaker(t, deps.breaker)
	if err := check(context.Background()); err == nil || !strings.Contains(err.Error(), "is open") {
		t.Errorf("expected open circuit error, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if err := deps.breaker.Execute(context.Background(), ok); err != nil {
		t.Fatalf("half-open call: %v", err)
	}
	if err := check(context.Background()); err == nil || !strings.Contains(err.Error(), "half-open") {
		t.Errorf("expected half-open circuit error, got %v", err)
	}

	if err := deps.breaker.Execute(context.Background(), ok); err != nil {
		t.Fatalf("second half-open call: %v", err)
	}
	if err := check(context.Background()); err != nil {
		t.Errorf("expected nil after the circuit closed, got %v", err)
	}
}

func TestLivenessHandler_IgnoresFailingChecks(t *testing.T) {
	checker, deps := newServiceChecker(t)
	deps.redis.err = errors.New("connection refused")

	rec := httptest.NewRecorder()
	checker.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"alive"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
	if deps.redis.pings.Load() != 0 {
		t.Error("liveness must not ping redis")
	}
}
