package geofence

import (
	"context"
	"time"

	"github.com/cobrun/geowatch/geo"
)

// EventTypeExited identifies exit events on the wire.
const EventTypeExited = "geofence_exited"

// Position is a single fix reported by a PositionSource.
type Position struct {
	Coordinate     geo.Coordinate `json:"coordinate"`
	AccuracyMeters float64        `json:"accuracy_meters,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	// Sequence increases monotonically per subscription. The engine applies
	// a sample only if its sequence is higher than every one applied before.
	Sequence uint64 `json:"sequence"`
}

// CurrentOptions configures a one-shot position request.
type CurrentOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	// MaxAge lets the provider answer with a cached fix younger than this.
	MaxAge time.Duration
}

// WatchOptions configures a position subscription.
type WatchOptions struct {
	HighAccuracy bool
	// DistanceFilterMeters suppresses updates closer than this to the last delivered one.
	DistanceFilterMeters float64
	Interval             time.Duration
}

// UpdateFunc receives position updates from a subscription.
type UpdateFunc func(Position)

// ErrorFunc receives mid-stream provider failures.
type ErrorFunc func(error)

// PositionSource produces single fixes and cancellable streams of fixes.
//
// The ctx passed to Watch bounds only the setup of the subscription; the
// stream itself lives until Subscription.Close.
type PositionSource interface {
	CurrentPosition(ctx context.Context, opts CurrentOptions) (Position, error)
	Watch(ctx context.Context, opts WatchOptions, onUpdate UpdateFunc, onError ErrorFunc) (Subscription, error)
}

// Subscription is a live position stream.
type Subscription interface {
	// Close stops the stream. It returns only once no further callback will
	// be invoked, and is safe to call more than once.
	Close() error
}

// ExitEvent is emitted when a tracked position leaves the fence.
type ExitEvent struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	SessionID      string         `json:"session_id"`
	Position       geo.Coordinate `json:"position"`
	Center         geo.Coordinate `json:"center"`
	RadiusMeters   float64        `json:"radius_meters"`
	DistanceMeters float64        `json:"distance_meters"`
	Sequence       uint64         `json:"sequence"`
	// Realert is set when the event repeats an earlier exit of the same stretch outside.
	Realert    bool      `json:"realert,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AlertSink presents exit events to the user. Notify is fire-and-forget and
// is called while the engine holds its state lock, so it must not block.
type AlertSink interface {
	Notify(ctx context.Context, event ExitEvent)
}

// AlertSinkFunc adapts a function to AlertSink.
type AlertSinkFunc func(ctx context.Context, event ExitEvent)

// Notify calls f.
func (f AlertSinkFunc) Notify(ctx context.Context, event ExitEvent) {
	f(ctx, event)
}
