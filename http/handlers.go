package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cobrun/geowatch/alert"
	"github.com/cobrun/geowatch/errors"
	"github.com/cobrun/geowatch/geo"
	"github.com/cobrun/geowatch/geofence"
	"github.com/cobrun/geowatch/logging"
	"github.com/cobrun/geowatch/validation"
)

// Map viewport span around the fence center, in degrees.
const (
	RegionLatitudeDelta  = 0.01
	RegionLongitudeDelta = 0.01
)

const (
	defaultRecentAlerts = 20
	defaultKeepAlive    = 15 * time.Second
)

// Engine is the part of the geofence engine the handlers drive.
type Engine interface {
	Snapshot() geofence.Snapshot
	SetCenter(c geo.Coordinate) error
	SetRadius(m float64) error
	StartTracking(ctx context.Context) error
	StopTracking(ctx context.Context) error
	CurrentLocation(ctx context.Context) (geo.Coordinate, error)
	CenterOnCurrentLocation(ctx context.Context) (geo.Coordinate, error)
}

// AlertFeed serves alerts already delivered to the user.
type AlertFeed interface {
	Subscribe() (<-chan alert.Alert, func())
	Recent(n int) []alert.Alert
}

var (
	_ Engine    = (*geofence.Engine)(nil)
	_ AlertFeed = (*alert.Broadcaster)(nil)
)

// Region is the map viewport for the fence.
type Region struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	LatitudeDelta  float64 `json:"latitude_delta"`
	LongitudeDelta float64 `json:"longitude_delta"`
}

// GeofenceView is the payload rendered by the UI.
type GeofenceView struct {
	geofence.Snapshot
	Region Region `json:"region"`
}

// CenterRequest sets the fence center.
type CenterRequest struct {
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
}

// RadiusRequest sets the fence radius from the text the user typed.
type RadiusRequest struct {
	Radius string `json:"radius" validate:"required"`
}

// CellsResponse lists the H3 cells covering the fence.
// Truncated is set when the fence is too large to cover at the index
// resolution and only its inner part is listed.
type CellsResponse struct {
	Resolution int      `json:"resolution"`
	CenterCell string   `json:"center_cell"`
	Cells      []string `json:"cells"`
	Truncated  bool     `json:"truncated"`
}

// Handlers serves the geofence API.
type Handlers struct {
	engine    Engine
	alerts    AlertFeed
	cells     *geo.H3Index
	logger    *logging.Logger
	keepAlive time.Duration

	streamsDone chan struct{}
	closeOnce   sync.Once
}

// NewHandlers creates the API handlers. alerts and cells may be nil.
func NewHandlers(engine Engine, alerts AlertFeed, cells *geo.H3Index, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handlers{
		engine:    engine,
		alerts:    alerts,
		cells:     cells,
		logger:    logger.WithComponent("api"),
		keepAlive: defaultKeepAlive,

		streamsDone: make(chan struct{}),
	}
}

// CloseStreams ends every open alert stream. Register it with
// Server.OnShutdown so graceful shutdown does not wait on SSE clients.
func (h *Handlers) CloseStreams() {
	h.closeOnce.Do(func() { close(h.streamsDone) })
}

func (h *Handlers) view() GeofenceView {
	snap := h.engine.Snapshot()
	return GeofenceView{
		Snapshot: snap,
		Region: Region{
			Latitude:       snap.Center.Latitude,
			Longitude:      snap.Center.Longitude,
			LatitudeDelta:  RegionLatitudeDelta,
			LongitudeDelta: RegionLongitudeDelta,
		},
	}
}

// GetGeofence handles GET /geofence.
func (h *Handlers) GetGeofence(w http.ResponseWriter, r *http.Request) {
	OK(w, h.view())
}

// SetCenter handles PUT /geofence/center.
func (h *Handlers) SetCenter(w http.ResponseWriter, r *http.Request) {
	var req CenterRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		Error(w, r, err)
		return
	}

	if err := h.engine.SetCenter(geo.NewCoordinate(*req.Latitude, *req.Longitude)); err != nil {
		Error(w, r, err)
		return
	}
	OK(w, h.view())
}

// SetRadius handles PUT /geofence/radius.
func (h *Handlers) SetRadius(w http.ResponseWriter, r *http.Request) {
	var req RadiusRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		Error(w, r, err)
		return
	}

	meters, err := geofence.ParseRadius(req.Radius)
	if err != nil {
		Error(w, r, err)
		return
	}
	if err := h.engine.SetRadius(meters); err != nil {
		Error(w, r, err)
		return
	}
	OK(w, h.view())
}

// CenterOnCurrentLocation handles POST /geofence/center/current.
func (h *Handlers) CenterOnCurrentLocation(w http.ResponseWriter, r *http.Request) {
	if _, err := h.engine.CenterOnCurrentLocation(r.Context()); err != nil {
		Error(w, r, err)
		return
	}
	OK(w, h.view())
}

// GetCells handles GET /geofence/cells.
func (h *Handlers) GetCells(w http.ResponseWriter, r *http.Request) {
	if h.cells == nil {
		Error(w, r, errors.New(errors.CodeUnavailable, "cell index is not configured"))
		return
	}

	snap := h.engine.Snapshot()
	if !snap.HasRadius {
		Error(w, r, errors.RadiusNotConfigured())
		return
	}

	cells, truncated := h.cells.CoverCircle(snap.Center, snap.RadiusMeters)
	if truncated {
		logging.FromContext(r.Context()).Warn("fence cover truncated",
			"radius_m", snap.RadiusMeters,
			"resolution", h.cells.Resolution(),
			"max_rings", geo.MaxCoverRings,
		)
	}

	OK(w, CellsResponse{
		Resolution: h.cells.Resolution(),
		CenterCell: h.cells.CellString(snap.Center),
		Cells:      cells,
		Truncated:  truncated,
	})
}

// StartTracking handles POST /tracking/start.
func (h *Handlers) StartTracking(w http.ResponseWriter, r *http.Request) {
	// The subscription outlives the request.
	if err := h.engine.StartTracking(context.WithoutCancel(r.Context())); err != nil {
		Error(w, r, err)
		return
	}
	OK(w, h.view())
}

// StopTracking handles POST /tracking/stop.
func (h *Handlers) StopTracking(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.StopTracking(r.Context()); err != nil {
		Error(w, r, err)
		return
	}
	OK(w, h.view())
}

// GetCurrentLocation handles GET /location/current.
func (h *Handlers) GetCurrentLocation(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.CurrentLocation(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	OK(w, c)
}

// RecentAlerts handles GET /alerts/recent?limit=n.
func (h *Handlers) RecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentAlerts
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			Error(w, r, errors.ValidationWithDetails("invalid query parameter",
				map[string]string{"limit": "must be a positive integer"}))
			return
		}
		limit = n
	}

	alerts := []alert.Alert{}
	if h.alerts != nil {
		alerts = append(alerts, h.alerts.Recent(limit)...)
	}
	OK(w, alerts)
}

// StreamAlerts handles GET /alerts/stream as server-sent events.
func (h *Handlers) StreamAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		Error(w, r, errors.New(errors.CodeUnavailable, "alert stream is not enabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, r, errors.Internal("streaming is not supported"))
		return
	}

	logger := logging.FromContext(r.Context())

	// The server write timeout would otherwise cut the stream.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		logger.Warn("cannot clear write deadline for alert stream", "error", err)
	}

	ch, cancel := h.alerts.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger.Debug("alert stream opened")

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("alert stream closed by client")
			return
		case <-h.streamsDone:
			logger.Debug("alert stream closed by server")
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(a)
			if err != nil {
				logger.Error("failed to encode alert", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", a.Event.ID, a.Event.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
