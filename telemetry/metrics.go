// Package telemetry provides observability utilities.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string // OTLP endpoint; empty keeps metrics in-process
	Insecure       bool
	ExportInterval time.Duration
}

// MetricsProvider provides metrics functionality.
type MetricsProvider struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	config   MetricsConfig
}

// NewMetricsProvider creates a new metrics provider.
func NewMetricsProvider(ctx context.Context, config MetricsConfig, extra ...sdkmetric.Option) (*MetricsProvider, error) {
	res, err := newResource(ctx, config.ServiceName, config.ServiceVersion, config.Environment)
	if err != nil {
		return nil, err
	}

	opts := append([]sdkmetric.Option{sdkmetric.WithResource(res)}, extra...)

	if config.Endpoint != "" {
		exporterOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(config.Endpoint)}
		if config.Insecure {
			exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
		}

		exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}

		interval := config.ExportInterval
		if interval <= 0 {
			interval = 60 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	return &MetricsProvider{
		provider: provider,
		meter:    provider.Meter(config.ServiceName),
		config:   config,
	}, nil
}

// Meter returns the meter for creating instruments.
func (m *MetricsProvider) Meter() metric.Meter {
	return m.meter
}

// Shutdown flushes and shuts down the metrics provider.
func (m *MetricsProvider) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func newResource(ctx context.Context, name, version, env string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
			attribute.String("environment", env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// Discard reasons for position samples.
const (
	DiscardInactive = "inactive_session"
	DiscardStale    = "stale_sequence"
	DiscardInvalid  = "invalid_coordinate"
)

// EngineMetrics records geofence engine activity. A nil *EngineMetrics is
// valid and records nothing.
type EngineMetrics struct {
	samplesApplied   metric.Int64Counter
	samplesDiscarded metric.Int64Counter
	exitsEmitted     metric.Int64Counter
	activeSessions   metric.Int64UpDownCounter
	subscriptionErrs metric.Int64Counter
	locationDuration metric.Float64Histogram
	alertDeliveries  metric.Int64Counter
}

// NewEngineMetrics creates engine metrics.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	samplesApplied, err := meter.Int64Counter(
		"geofence_samples_applied_total",
		metric.WithDescription("Position samples classified by the engine"),
		metric.WithUnit("{samples}"),
	)
	if err != nil {
		return nil, err
	}

	samplesDiscarded, err := meter.Int64Counter(
		"geofence_samples_discarded_total",
		metric.WithDescription("Position samples dropped before classification"),
		metric.WithUnit("{samples}"),
	)
	if err != nil {
		return nil, err
	}

	exitsEmitted, err := meter.Int64Counter(
		"geofence_exits_total",
		metric.WithDescription("Geofence exit events emitted"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		return nil, err
	}

	activeSessions, err := meter.Int64UpDownCounter(
		"geofence_active_sessions",
		metric.WithDescription("Tracking sessions currently open"),
		metric.WithUnit("{sessions}"),
	)
	if err != nil {
		return nil, err
	}

	subscriptionErrs, err := meter.Int64Counter(
		"geofence_subscription_errors_total",
		metric.WithDescription("Mid-stream position provider failures"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		return nil, err
	}

	locationDuration, err := meter.Float64Histogram(
		"geofence_location_request_duration_seconds",
		metric.WithDescription("Current location request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 15),
	)
	if err != nil {
		return nil, err
	}

	alertDeliveries, err := meter.Int64Counter(
		"geofence_alert_deliveries_total",
		metric.WithDescription("Alert deliveries by sink and outcome"),
		metric.WithUnit("{deliveries}"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		samplesApplied:   samplesApplied,
		samplesDiscarded: samplesDiscarded,
		exitsEmitted:     exitsEmitted,
		activeSessions:   activeSessions,
		subscriptionErrs: subscriptionErrs,
		locationDuration: locationDuration,
		alertDeliveries:  alertDeliveries,
	}, nil
}

// SampleApplied records a classified sample.
func (m *EngineMetrics) SampleApplied(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.samplesApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// SampleDiscarded records a dropped sample.
func (m *EngineMetrics) SampleDiscarded(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.samplesDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ExitEmitted records an exit event.
func (m *EngineMetrics) ExitEmitted(ctx context.Context, realert bool) {
	if m == nil {
		return
	}
	m.exitsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("realert", realert)))
}

// SessionStarted increments the active session gauge.
func (m *EngineMetrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
}

// SessionEnded decrements the active session gauge.
func (m *EngineMetrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
}

// SubscriptionError records a provider failure.
func (m *EngineMetrics) SubscriptionError(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscriptionErrs.Add(ctx, 1)
}

// LocationRequest records a current-location request.
// outcome is one of "cache", "fix", "timeout" or "error".
func (m *EngineMetrics) LocationRequest(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.locationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// AlertDelivered records an alert delivery attempt.
func (m *EngineMetrics) AlertDelivered(ctx context.Context, sink string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.alertDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.String("outcome", outcome),
	))
}
