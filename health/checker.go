// Package health provides health check utilities.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cobrun/geowatch/resilience"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

// Check represents a single health check.
type Check struct {
	Name     string
	CheckFn  CheckFunc
	Critical bool // If true, failure means the service is unhealthy
}

// CheckResult represents the result of a health check.
type CheckResult struct {
	Name    string  `json:"name"`
	Status  Status  `json:"status"`
	Message string  `json:"message,omitempty"`
	Latency float64 `json:"latency_ms"`
}

// HealthResponse is the response for health endpoints.
type HealthResponse struct {
	Status    Status        `json:"status"`
	Timestamp string        `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	Checks    []CheckResult `json:"checks,omitempty"`
}

// Checker manages health checks.
type Checker struct {
	checks  []Check
	version string
	mu      sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(version string) *Checker {
	return &Checker{
		checks:  make([]Check, 0),
		version: version,
	}
}

// AddCheck adds a health check.
func (c *Checker) AddCheck(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks = append(c.checks, Check{
		Name:     name,
		CheckFn:  fn,
		Critical: critical,
	})
}

// Check runs all health checks concurrently.
func (c *Checker) Check(ctx context.Context) HealthResponse {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]CheckResult, len(checks))

	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()

			start := time.Now()
			err := check.CheckFn(ctx)
			latency := time.Since(start).Seconds() * 1000

			result := CheckResult{
				Name:    check.Name,
				Status:  StatusHealthy,
				Latency: latency,
			}
			if err != nil {
				result.Status = StatusUnhealthy
				result.Message = err.Error()
			}
			results[i] = result
		}(i, check)
	}

	wg.Wait()

	overallStatus := StatusHealthy
	for i, r := range results {
		if r.Status == StatusHealthy {
			continue
		}
		if checks[i].Critical {
			overallStatus = StatusUnhealthy
			break
		}
		overallStatus = StatusDegraded
	}

	return HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
		Checks:    results,
	}
}

// LivenessHandler returns an HTTP handler for liveness checks.
// Liveness just checks if the service is running.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns an HTTP handler for readiness checks.
// Readiness checks if the service is ready to accept traffic.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		response := c.Check(ctx)

		w.Header().Set("Content-Type", "application/json")

		status := http.StatusOK
		if response.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}

		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// PingCheck creates a simple ping check that always succeeds.
func PingCheck() CheckFunc {
	return func(ctx context.Context) error {
		return nil
	}
}

// RedisClient is an interface for Redis ping functionality.
type RedisClient interface {
	Ping(ctx context.Context) error
}

// RedisCheck creates a health check for a Redis connection.
func RedisCheck(client RedisClient, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return client.Ping(ctx)
	}
}

// FenceReporter exposes whether a geofence radius is configured.
type FenceReporter interface {
	HasRadius() bool
}

// FenceReporterFunc adapts a function to FenceReporter.
type FenceReporterFunc func() bool

// HasRadius calls f.
func (f FenceReporterFunc) HasRadius() bool { return f() }

// ErrRadiusNotConfigured is reported until a radius is set.
var ErrRadiusNotConfigured = errors.New("geofence radius not configured")

// GeofenceCheck fails while no radius is configured, since tracking cannot
// start. Register it as non-critical.
func GeofenceCheck(r FenceReporter) CheckFunc {
	return func(ctx context.Context) error {
		if !r.HasRadius() {
			return ErrRadiusNotConfigured
		}
		return nil
	}
}

// CircuitReporter exposes a circuit breaker's state.
type CircuitReporter interface {
	Stats() resilience.Stats
}

// CircuitCheck fails while the circuit is not closed.
func CircuitCheck(r CircuitReporter) CheckFunc {
	return func(ctx context.Context) error {
		stats := r.Stats()
		if stats.State != resilience.StateClosed.String() {
			return fmt.Errorf("circuit %s is %s", stats.Name, stats.State)
		}
		return nil
	}
}
