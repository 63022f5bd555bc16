package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_GET_ENV", "test-value")
	defer os.Unsetenv("TEST_GET_ENV")

	tests := []struct {
		name         string
		key          string
		defaultValue string
		want         string
	}{
		{"existing var", "TEST_GET_ENV", "default", "test-value"},
		{"missing var", "NONEXISTENT_VAR_12345", "default", "default"},
		{"empty default", "NONEXISTENT_VAR_12345", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvTyped(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_FLOAT", "12.5")
	t.Setenv("TEST_BOOL", "TRUE")
	t.Setenv("TEST_DURATION", "1500ms")
	t.Setenv("TEST_BAD", "nope")

	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt = %d", got)
	}
	if got := getEnvInt("TEST_BAD", 7); got != 7 {
		t.Errorf("getEnvInt fallback = %d", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 0); got != 12.5 {
		t.Errorf("getEnvFloat = %v", got)
	}
	if got := getEnvFloat("TEST_BAD", 1.5); got != 1.5 {
		t.Errorf("getEnvFloat fallback = %v", got)
	}
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Error("getEnvBool should parse TRUE")
	}
	if got := getEnvBool("TEST_BAD", true); got {
		t.Error("getEnvBool should treat unknown values as false")
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 1500*time.Millisecond {
		t.Errorf("getEnvDuration = %v", got)
	}
	if got := getEnvDuration("TEST_BAD", time.Second); got != time.Second {
		t.Errorf("getEnvDuration fallback = %v", got)
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " Log, redis ,,STREAM ")

	want := []string{"log", "redis", "stream"}
	if got := getEnvList("TEST_LIST", nil); !reflect.DeepEqual(got, want) {
		t.Errorf("getEnvList = %v, want %v", got, want)
	}
	if got := getEnvList("NONEXISTENT_VAR_12345", []string{"log"}); !reflect.DeepEqual(got, []string{"log"}) {
		t.Errorf("getEnvList default = %v", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("geowatch")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ServiceName != "geowatch" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.Geofence.CenterLat != 37.4219984 || cfg.Geofence.CenterLng != -122.084 {
		t.Errorf("default center = (%v, %v)", cfg.Geofence.CenterLat, cfg.Geofence.CenterLng)
	}
	if cfg.Geofence.RadiusMeters != 500 {
		t.Errorf("default radius = %v", cfg.Geofence.RadiusMeters)
	}
	if !cfg.Geofence.StopOnError {
		t.Error("StopOnError should default to true")
	}
	if cfg.Location.Timeout != 15*time.Second {
		t.Errorf("location timeout = %v", cfg.Location.Timeout)
	}
	if cfg.Location.MaxAge != 10*time.Second {
		t.Errorf("location max age = %v", cfg.Location.MaxAge)
	}
	if cfg.Location.DistanceFilterMeters != 10 || cfg.Location.WatchInterval != 5*time.Second {
		t.Errorf("watch options = %+v", cfg.Location)
	}
	if cfg.PositionSource != SourceSimulator {
		t.Errorf("PositionSource = %q", cfg.PositionSource)
	}
	if cfg.NeedsRedis() {
		t.Error("default config should not need redis")
	}
	if cfg.Simulator.Steps != 8 || cfg.Simulator.MaxDistanceMeters != 800 || !cfg.Simulator.Loop {
		t.Errorf("simulator = %+v", cfg.Simulator)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"*"}) {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("POSITION_SOURCE", "Redis")
	t.Setenv("ALERT_SINKS", "log,redis")
	t.Setenv("GEOFENCE_RADIUS_METERS", "250")
	t.Setenv("GEOFENCE_REALERT_INTERVAL", "2m")

	cfg, err := Load("geowatch")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PositionSource != SourceRedis {
		t.Errorf("PositionSource = %q", cfg.PositionSource)
	}
	if !cfg.HasSink(SinkRedis) || cfg.HasSink(SinkStream) {
		t.Errorf("AlertSinks = %v", cfg.AlertSinks)
	}
	if !cfg.NeedsRedis() {
		t.Error("redis source should need redis")
	}
	if cfg.Geofence.RadiusMeters != 250 || cfg.Geofence.RealertInterval != 2*time.Minute {
		t.Errorf("geofence = %+v", cfg.Geofence)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad source", "POSITION_SOURCE", "carrier-pigeon"},
		{"bad sink", "ALERT_SINKS", "log,pager"},
		{"bad latitude", "GEOFENCE_CENTER_LAT", "91"},
		{"negative radius", "GEOFENCE_RADIUS_METERS", "-1"},
		{"zero timeout", "LOCATION_TIMEOUT", "0s"},
		{"zero simulator steps", "SIM_STEPS", "0"},
		{"full-turn bearing", "SIM_BEARING", "360"},
		{"bad h3 resolution", "H3_RESOLUTION", "16"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load("geowatch"); err == nil {
				t.Errorf("Load() with %s=%s should fail", tt.key, tt.value)
			}
		})
	}
}
