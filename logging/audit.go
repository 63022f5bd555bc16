package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/cobrun/geowatch/telemetry"
)

// AuditEventType names a control action taken on the geofence.
type AuditEventType string

const (
	AuditEventCenterSet        AuditEventType = "geofence.center_set"
	AuditEventCenterOnLocation AuditEventType = "geofence.center_on_location"
	AuditEventRadiusSet        AuditEventType = "geofence.radius_set"
	AuditEventTrackingStarted  AuditEventType = "tracking.started"
	AuditEventTrackingStopped  AuditEventType = "tracking.stopped"
)

// AuditOutcome represents the outcome of an action.
type AuditOutcome string

const (
	AuditOutcomeSuccess AuditOutcome = "success"
	AuditOutcomeFailure AuditOutcome = "failure"
)

// AuditEvent represents an audit log entry.
type AuditEvent struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Type        AuditEventType         `json:"type"`
	Actor       *AuditActor            `json:"actor,omitempty"`
	Outcome     AuditOutcome           `json:"outcome"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Request     *AuditRequest          `json:"request,omitempty"`
	Service     string                 `json:"service"`
	Environment string                 `json:"environment"`
}

// AuditActor identifies the client that issued the action.
type AuditActor struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// AuditRequest represents the HTTP request context.
type AuditRequest struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// AuditLogger records geofence control actions.
type AuditLogger struct {
	logger      *slog.Logger
	service     string
	environment string
	now         func() time.Time
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	ServiceName string
	Environment string
	Logger      *Logger
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(config AuditLoggerConfig) *AuditLogger {
	logger := config.Logger
	if logger == nil {
		logger = Nop()
	}

	return &AuditLogger{
		logger:      logger.Logger.With("audit", true),
		service:     config.ServiceName,
		environment: config.Environment,
		now:         time.Now,
	}
}

// Log logs an audit event.
func (l *AuditLogger) Log(ctx context.Context, event AuditEvent) {
	event.Service = l.service
	event.Environment = l.environment
	event.Timestamp = l.now().UTC()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Request != nil && event.Request.TraceID == "" {
		event.Request.TraceID = telemetry.TraceID(ctx)
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		l.logger.ErrorContext(ctx, "failed to encode audit event", "error", err, "event_type", string(event.Type))
		return
	}

	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit_event",
		slog.String("event_type", string(event.Type)),
		slog.String("outcome", string(event.Outcome)),
		slog.String("event", string(eventJSON)),
	)
}

// LogFromRequest logs an event with HTTP request context.
func (l *AuditLogger) LogFromRequest(ctx context.Context, r *http.Request, requestID string, eventType AuditEventType, outcome AuditOutcome, details map[string]interface{}) {
	l.Log(ctx, AuditEvent{
		Type: eventType,
		Actor: &AuditActor{
			IP:        getClientIP(r),
			UserAgent: r.UserAgent(),
		},
		Outcome: outcome,
		Details: details,
		Request: &AuditRequest{
			Method:    r.Method,
			Path:      r.URL.Path,
			RequestID: requestID,
		},
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// AuditMiddleware logs one audit event per request. Responses with status
// 400 and above are recorded as failures.
func AuditMiddleware(logger *AuditLogger, eventType AuditEventType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			outcome := AuditOutcomeSuccess
			if status >= http.StatusBadRequest {
				outcome = AuditOutcomeFailure
			}

			logger.LogFromRequest(r.Context(), r, w.Header().Get("X-Request-ID"), eventType, outcome,
				map[string]interface{}{
					"status_code": status,
				},
			)
		})
	}
}
