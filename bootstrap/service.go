// Package bootstrap builds the geofence service from configuration: the
// engine, its position source and alert sinks, telemetry, health checks and
// the HTTP server.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cobrun/geowatch/alert"
	"github.com/cobrun/geowatch/config"
	"github.com/cobrun/geowatch/database"
	"github.com/cobrun/geowatch/geo"
	"github.com/cobrun/geowatch/geofence"
	"github.com/cobrun/geowatch/health"
	apihttp "github.com/cobrun/geowatch/http"
	"github.com/cobrun/geowatch/logging"
	"github.com/cobrun/geowatch/position"
	"github.com/cobrun/geowatch/telemetry"
)

const redisCheckTimeout = 2 * time.Second

// Service holds all initialized components.
type Service struct {
	Config  *config.Config
	Logger  *logging.Logger
	Engine  *geofence.Engine
	Alerts  *alert.Broadcaster
	Redis   *database.RedisClient
	Health  *health.Checker
	Handler http.Handler
	Server  *apihttp.Server

	metrics   *telemetry.MetricsProvider
	tracing   *telemetry.TracingProvider
	redisSink *alert.RedisSink
}

// Initialize loads configuration from the environment and builds the service.
func Initialize(ctx context.Context, serviceName string) (*Service, error) {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel).With(
		"service", cfg.ServiceName,
		"env", cfg.Environment,
		"version", cfg.Version,
	)
	return New(ctx, cfg, logger)
}

// MustInitialize initializes the service and panics on error.
func MustInitialize(ctx context.Context, serviceName string) *Service {
	svc, err := Initialize(ctx, serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize service: %v", err))
	}
	return svc
}

// New builds the service from cfg. On error every component created so far
// is released.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (svc *Service, err error) {
	if logger == nil {
		logger = logging.Nop()
	}
	svc = &Service{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = svc.Close(context.Background())
			svc = nil
		}
	}()

	logger.Info("initializing service",
		"position_source", cfg.PositionSource,
		"alert_sinks", cfg.AlertSinks,
	)

	if err := svc.initTelemetry(ctx); err != nil {
		return nil, err
	}
	engineMetrics, err := telemetry.NewEngineMetrics(svc.metrics.Meter())
	if err != nil {
		return nil, fmt.Errorf("failed to create engine metrics: %w", err)
	}

	if cfg.NeedsRedis() {
		redisConfig := database.DefaultRedisConfig()
		redisConfig.Addr = cfg.Redis.Host
		redisConfig.Password = cfg.Redis.Password
		redisConfig.DB = cfg.Redis.DB
		redisConfig.TLSEnabled = cfg.Redis.TLSEnabled

		svc.Redis, err = database.NewRedisClient(ctx, redisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("redis connected", "addr", svc.Redis.Addr())
	}

	source, err := svc.buildSource()
	if err != nil {
		return nil, err
	}
	sink := svc.buildSinks(engineMetrics)

	cells := geo.NewH3Index(geo.H3Resolution(cfg.H3Resolution))
	svc.Engine, err = geofence.New(source, sink, geofence.Options{
		Center:       geo.NewCoordinate(cfg.Geofence.CenterLat, cfg.Geofence.CenterLng),
		RadiusMeters: cfg.Geofence.RadiusMeters,
		Watch: geofence.WatchOptions{
			HighAccuracy:         cfg.Location.HighAccuracy,
			DistanceFilterMeters: cfg.Location.DistanceFilterMeters,
			Interval:             cfg.Location.WatchInterval,
		},
		Location: geofence.CurrentOptions{
			HighAccuracy: cfg.Location.HighAccuracy,
			Timeout:      cfg.Location.Timeout,
			MaxAge:       cfg.Location.MaxAge,
		},
		RealertInterval:         cfg.Geofence.RealertInterval,
		StopOnSubscriptionError: cfg.Geofence.StopOnError,
		OnError: func(err error) {
			logger.Warn("position subscription failed", "error", err)
		},
		Logger:  logger,
		Metrics: engineMetrics,
		Cells:   cells,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create geofence engine: %w", err)
	}

	svc.Health = health.NewChecker(cfg.Version)
	svc.Health.AddCheck("geofence", health.GeofenceCheck(health.FenceReporterFunc(func() bool {
		return svc.Engine.Snapshot().HasRadius
	})), false)
	if svc.Redis != nil {
		svc.Health.AddCheck("redis", health.RedisCheck(svc.Redis, redisCheckTimeout), true)
	}
	if svc.redisSink != nil {
		svc.Health.AddCheck("redis_alerts", health.CircuitCheck(svc.redisSink.Breaker()), false)
	}

	// A nil *Broadcaster must not become a non-nil AlertFeed.
	var feed apihttp.AlertFeed
	if svc.Alerts != nil {
		feed = svc.Alerts
	}

	routerConfig := apihttp.DefaultRouterConfig()
	routerConfig.AllowedOrigins = cfg.AllowedOrigins
	routerConfig.Audit = logging.NewAuditLogger(logging.AuditLoggerConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Logger:      logger,
	})
	handlers := apihttp.NewHandlers(svc.Engine, feed, cells, logger)
	svc.Handler = apihttp.NewRouter(routerConfig, handlers, svc.Health, logger)

	svc.Server = apihttp.NewServer(apihttp.ServerConfig{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}, svc.Handler, logger)
	svc.Server.OnShutdown(handlers.CloseStreams)

	return svc, nil
}

func (s *Service) initTelemetry(ctx context.Context) error {
	var err error
	s.metrics, err = telemetry.NewMetricsProvider(ctx, telemetry.MetricsConfig{
		ServiceName:    s.Config.ServiceName,
		ServiceVersion: s.Config.Version,
		Environment:    s.Config.Environment,
		Endpoint:       s.Config.OTelEndpoint,
		Insecure:       s.Config.OTelInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if s.Config.OTelEndpoint == "" {
		return nil
	}
	s.tracing, err = telemetry.NewTracingProvider(ctx, telemetry.TracingConfig{
		ServiceName:    s.Config.ServiceName,
		ServiceVersion: s.Config.Version,
		Environment:    s.Config.Environment,
		Endpoint:       s.Config.OTelEndpoint,
		SampleRate:     1.0,
		Insecure:       s.Config.OTelInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	return nil
}

func (s *Service) buildSource() (geofence.PositionSource, error) {
	cfg := s.Config
	switch cfg.PositionSource {
	case config.SourceSimulator:
		route := position.OutAndBack(
			geo.NewCoordinate(cfg.Geofence.CenterLat, cfg.Geofence.CenterLng),
			cfg.Simulator.Bearing,
			cfg.Simulator.MaxDistanceMeters,
			cfg.Simulator.Steps,
		)
		sim, err := position.NewSimulator(route, position.SimulatorOptions{
			Loop:           cfg.Simulator.Loop,
			AccuracyMeters: cfg.Simulator.AccuracyMeters,
			Logger:         s.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create simulator: %w", err)
		}
		return sim, nil

	case config.SourceRedis:
		return position.NewRedisFeed(s.Redis, position.RedisFeedConfig{
			Channel: cfg.Redis.PositionChannel,
			Key:     cfg.Redis.PositionKey,
		}, s.Logger), nil

	default:
		return nil, fmt.Errorf("unknown position source %q", cfg.PositionSource)
	}
}

func (s *Service) buildSinks(metrics *telemetry.EngineMetrics) geofence.AlertSink {
	cfg := s.Config

	var sinks []geofence.AlertSink
	if cfg.HasSink(config.SinkLog) {
		sinks = append(sinks, alert.NewLogSink(s.Logger, metrics))
	}
	if cfg.HasSink(config.SinkStream) {
		s.Alerts = alert.NewBroadcaster(cfg.AlertHistory, s.Logger, metrics)
		sinks = append(sinks, s.Alerts)
	}
	if cfg.HasSink(config.SinkRedis) {
		s.redisSink = alert.NewRedisSink(s.Redis, alert.RedisSinkConfig{
			Channel: cfg.Redis.AlertChannel,
			Stream:  cfg.Redis.AlertStream,
		}, s.Logger, metrics)
		sinks = append(sinks, s.redisSink)
	}
	return alert.NewMulti(sinks...)
}

// Run serves HTTP until ctx is cancelled, then releases every component.
func (s *Service) Run(ctx context.Context) error {
	runErr := s.Server.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(runErr, s.Close(closeCtx))
}

// Close stops tracking and releases all resources. Components are closed in
// reverse dependency order.
func (s *Service) Close(ctx context.Context) error {
	var errs []error

	if s.Engine != nil {
		if err := s.Engine.Teardown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine teardown: %w", err))
		}
	}
	if s.redisSink != nil {
		if err := s.redisSink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis sink: %w", err))
		}
	}
	if s.Alerts != nil {
		s.Alerts.Close()
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.tracing != nil {
		if err := s.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	if len(errs) > 0 {
		s.Logger.Error("service shutdown incomplete", "error", errors.Join(errs...))
	} else {
		s.Logger.Info("service stopped")
	}
	return errors.Join(errs...)
}
