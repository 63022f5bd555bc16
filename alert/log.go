package alert

import (
	"context"

	"github.com/cobrun/geowatch/geofence"
	"github.com/cobrun/geowatch/logging"
	"github.com/cobrun/geowatch/telemetry"
)

// LogSink writes each alert as a structured log line.
type LogSink struct {
	logger  *logging.Logger
	metrics *telemetry.EngineMetrics
}

// NewLogSink creates a log sink. metrics may be nil.
func NewLogSink(logger *logging.Logger, metrics *telemetry.EngineMetrics) *LogSink {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogSink{logger: logger.WithComponent("alert.log"), metrics: metrics}
}

// Notify logs event at warn level.
func (s *LogSink) Notify(ctx context.Context, event geofence.ExitEvent) {
	s.logger.Warn(Message,
		"title", Title,
		"event_id", event.ID,
		"session_id", event.SessionID,
		"lat", event.Position.Latitude,
		"lng", event.Position.Longitude,
		"distance_m", event.DistanceMeters,
		"radius_m", event.RadiusMeters,
		"realert", event.Realert,
	)
	s.metrics.AlertDelivered(ctx, "log", nil)
}
