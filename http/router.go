package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cobrun/geowatch/health"
	"github.com/cobrun/geowatch/logging"
)

// RouterConfig configures the API router.
type RouterConfig struct {
	AllowedOrigins []string
	// RequestTimeout bounds every route except the alert stream.
	RequestTimeout time.Duration
	// StreamKeepAlive is the interval between SSE keep-alive comments.
	StreamKeepAlive time.Duration
	// Audit records control actions. Nil disables auditing.
	Audit *logging.AuditLogger
}

// DefaultRouterConfig returns the router defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AllowedOrigins:  []string{"*"},
		RequestTimeout:  30 * time.Second,
		StreamKeepAlive: defaultKeepAlive,
	}
}

// NewRouter mounts the API, health endpoints and middleware.
// checker and logger may be nil.
func NewRouter(config RouterConfig, h *Handlers, checker *health.Checker, logger *logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	if config.StreamKeepAlive > 0 {
		h.keepAlive = config.StreamKeepAlive
	}

	audit := func(eventType logging.AuditEventType) func(http.Handler) http.Handler {
		if config.Audit == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return logging.AuditMiddleware(config.Audit, eventType)
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RealIP)
	r.Use(Tracing)
	r.Use(Logger(logger))
	r.Use(Recoverer(logger))
	r.Use(SecurityHeaders)
	r.Use(CORS(config.AllowedOrigins))

	if checker != nil {
		r.Get("/health/live", checker.LivenessHandler())
		r.Get("/health/ready", checker.ReadinessHandler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if config.RequestTimeout > 0 {
				r.Use(Timeout(config.RequestTimeout))
			}

			r.Get("/geofence", h.GetGeofence)
			r.With(audit(logging.AuditEventCenterSet)).Put("/geofence/center", h.SetCenter)
			r.With(audit(logging.AuditEventCenterOnLocation)).Post("/geofence/center/current", h.CenterOnCurrentLocation)
			r.With(audit(logging.AuditEventRadiusSet)).Put("/geofence/radius", h.SetRadius)
			r.Get("/geofence/cells", h.GetCells)

			r.With(audit(logging.AuditEventTrackingStarted)).Post("/tracking/start", h.StartTracking)
			r.With(audit(logging.AuditEventTrackingStopped)).Post("/tracking/stop", h.StopTracking)

			r.Get("/location/current", h.GetCurrentLocation)

			r.Get("/alerts/recent", h.RecentAlerts)
		})

		r.Get("/alerts/stream", h.StreamAlerts)
	})

	return r
}
