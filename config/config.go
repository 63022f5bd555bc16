// Package config provides configuration loading from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cobrun/geowatch/validation"
)

// Position source kinds.
const (
	SourceSimulator = "simulator"
	SourceRedis     = "redis"
)

// Alert sink kinds.
const (
	SinkLog    = "log"
	SinkRedis  = "redis"
	SinkStream = "stream"
)

// Config holds configuration for the geofence service.
type Config struct {
	// Service identification
	ServiceName string
	Environment string
	Version     string

	// HTTP server
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Logging
	LogLevel string

	// CORS and alert feed
	AllowedOrigins []string
	AlertHistory   int `validate:"min=1"`

	Geofence  GeofenceConfig
	Location  LocationConfig
	Redis     RedisConfig
	Simulator SimulatorConfig

	// PositionSource selects the position adapter (simulator or redis).
	PositionSource string `validate:"oneof=simulator redis"`
	// AlertSinks lists enabled alert sinks.
	AlertSinks []string `validate:"dive,oneof=log redis stream"`

	H3Resolution int `validate:"min=0,max=15"`

	// Telemetry
	OTelEndpoint string
	OTelInsecure bool
}

// GeofenceConfig holds the initial fence and alert policy.
type GeofenceConfig struct {
	CenterLat float64 `validate:"latitude"`
	CenterLng float64 `validate:"longitude"`
	// RadiusMeters of zero leaves the radius unset until the UI configures it.
	RadiusMeters    float64 `validate:"gte=0"`
	RealertInterval time.Duration
	StopOnError     bool
}

// LocationConfig mirrors the options handed to the position provider.
type LocationConfig struct {
	HighAccuracy         bool
	Timeout              time.Duration `validate:"gt=0"`
	MaxAge               time.Duration `validate:"gte=0"`
	DistanceFilterMeters float64       `validate:"gte=0"`
	WatchInterval        time.Duration `validate:"gt=0"`
}

// RedisConfig holds Redis connection and channel settings.
type RedisConfig struct {
	Host            string
	Password        string
	DB              int
	TLSEnabled      bool
	PositionChannel string
	PositionKey     string
	AlertChannel    string
	// AlertStream keeps a bounded history of alerts. Empty disables it.
	AlertStream     string
}

// SimulatorConfig scripts the simulated device: it walks out from the fence
// center along Bearing and back.
type SimulatorConfig struct {
	Bearing           float64 `validate:"gte=0,lt=360"`
	MaxDistanceMeters float64 `validate:"gt=0"`
	Steps             int     `validate:"min=1"`
	Loop              bool
	AccuracyMeters    float64 `validate:"gte=0"`
}

// Load loads configuration from environment variables.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		ServiceName:  serviceName,
		Environment:  getEnv("ENVIRONMENT", "development"),
		Version:      getEnv("VERSION", "0.0.1"),
		Port:         getEnvInt("PORT", 8080),
		ReadTimeout:  getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:  getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		AlertHistory:   getEnvInt("ALERT_HISTORY", 50),

		Geofence: GeofenceConfig{
			CenterLat:       getEnvFloat("GEOFENCE_CENTER_LAT", 37.4219984),
			CenterLng:       getEnvFloat("GEOFENCE_CENTER_LNG", -122.084),
			RadiusMeters:    getEnvFloat("GEOFENCE_RADIUS_METERS", 500),
			RealertInterval: getEnvDuration("GEOFENCE_REALERT_INTERVAL", 0),
			StopOnError:     getEnvBool("GEOFENCE_STOP_ON_ERROR", true),
		},
		Location: LocationConfig{
			HighAccuracy:         getEnvBool("LOCATION_HIGH_ACCURACY", true),
			Timeout:              getEnvDuration("LOCATION_TIMEOUT", 15*time.Second),
			MaxAge:               getEnvDuration("LOCATION_MAX_AGE", 10*time.Second),
			DistanceFilterMeters: getEnvFloat("WATCH_DISTANCE_FILTER_METERS", 10),
			WatchInterval:        getEnvDuration("WATCH_INTERVAL", 5*time.Second),
		},
		Redis: RedisConfig{
			Host:            getEnv("REDIS_HOST", "localhost:6379"),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getEnvInt("REDIS_DB", 0),
			TLSEnabled:      getEnvBool("REDIS_TLS", false),
			PositionChannel: getEnv("REDIS_POSITION_CHANNEL", "geowatch:positions"),
			PositionKey:     getEnv("REDIS_POSITION_KEY", "geowatch:position:last"),
			AlertChannel:    getEnv("REDIS_ALERT_CHANNEL", "geowatch:alerts"),
			AlertStream:     getEnv("REDIS_ALERT_STREAM", "geowatch:alerts:history"),
		},
		Simulator: SimulatorConfig{
			Bearing:           getEnvFloat("SIM_BEARING", 90),
			MaxDistanceMeters: getEnvFloat("SIM_MAX_DISTANCE_METERS", 800),
			Steps:             getEnvInt("SIM_STEPS", 8),
			Loop:              getEnvBool("SIM_LOOP", true),
			AccuracyMeters:    getEnvFloat("SIM_ACCURACY_METERS", 5),
		},

		PositionSource: strings.ToLower(getEnv("POSITION_SOURCE", SourceSimulator)),
		AlertSinks:     getEnvList("ALERT_SINKS", []string{SinkLog, SinkStream}),
		H3Resolution:   getEnvInt("H3_RESOLUTION", 9),
		OTelEndpoint:   getEnv("OTEL_ENDPOINT", ""),
		OTelInsecure:   getEnvBool("OTEL_INSECURE", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
func MustLoad(serviceName string) *Config {
	cfg, err := Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if _, err := validation.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// HasSink reports whether the named alert sink is enabled.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.AlertSinks {
		if s == name {
			return true
		}
	}
	return false
}

// NeedsRedis reports whether any enabled component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.PositionSource == SourceRedis || c.HasSink(SinkRedis)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
