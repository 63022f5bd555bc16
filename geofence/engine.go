// Package geofence monitors a stream of positions against a circular fence
// and emits an event when the tracked position leaves it.
//
// An Engine owns one fence (a Store), at most one tracking session, and the
// Inside/Outside state machine. All state changes, whether they come from
// the subscription callbacks or from the controlling API, are serialized on
// a single engine lock.
package geofence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/cobrun/geowatch/errors"
	"github.com/cobrun/geowatch/geo"
	"github.com/cobrun/geowatch/logging"
	"github.com/cobrun/geowatch/telemetry"
)

// ErrTornDown is returned by StartTracking after Teardown.
var ErrTornDown = apperrors.New(apperrors.CodeUnavailable, "geofence engine has been torn down")

// Defaults taken from the mobile client this engine replaces.
var (
	DefaultCenter       = geo.Coordinate{Latitude: 37.4219984, Longitude: -122.084}
	DefaultWatchOptions = WatchOptions{
		HighAccuracy:         true,
		DistanceFilterMeters: 10,
		Interval:             5 * time.Second,
	}
	DefaultCurrentOptions = CurrentOptions{
		HighAccuracy: true,
		Timeout:      15 * time.Second,
		MaxAge:       10 * time.Second,
	}
)

// Options configures an Engine.
type Options struct {
	Center geo.Coordinate
	// RadiusMeters of zero leaves the radius unset.
	RadiusMeters float64

	Watch    WatchOptions
	Location CurrentOptions

	// RealertInterval repeats the exit alert while the position stays
	// outside. Zero means one alert per crossing.
	RealertInterval time.Duration

	// StopOnSubscriptionError ends the session when the provider reports a
	// mid-stream failure. The error is delivered to OnError either way.
	StopOnSubscriptionError bool
	OnError                 func(error)

	Logger  *logging.Logger
	Metrics *telemetry.EngineMetrics
	Cells   *geo.H3Index
	Clock   func() time.Time
}

// DefaultOptions returns the options used by the mobile client.
func DefaultOptions() Options {
	return Options{
		Center:                  DefaultCenter,
		Watch:                   DefaultWatchOptions,
		Location:                DefaultCurrentOptions,
		StopOnSubscriptionError: true,
	}
}

// session is one Idle -> Tracking -> Idle cycle.
type session struct {
	id        string
	sub       Subscription
	active    bool
	seen      bool
	lastSeq   uint64
	lastAlert time.Time
	startedAt time.Time
	counted   bool
	logger    *logging.Logger
}

type fix struct {
	position Position
	at       time.Time
}

// Engine runs the geofence state machine.
type Engine struct {
	source  PositionSource
	sink    AlertSink
	store   *Store
	opts    Options
	logger  *logging.Logger
	metrics *telemetry.EngineMetrics
	tracer  trace.Tracer
	now     func() time.Time

	// lifecycleMu serializes StartTracking, StopTracking and Teardown.
	// Position callbacks never take it.
	lifecycleMu sync.Mutex

	// mu guards session, closed and all Store writes.
	mu      sync.Mutex
	session *session
	closed  bool

	// releases tracks subscriptions closed in the background after a
	// provider failure, so Teardown can wait for them.
	releases sync.WaitGroup

	fixMu   sync.Mutex
	lastFix *fix
}

// New creates an engine. sink may be nil when alerts are not presented.
func New(source PositionSource, sink AlertSink, opts Options) (*Engine, error) {
	if source == nil {
		return nil, errors.New("geofence: position source is required")
	}
	if !opts.Center.IsValid() {
		return nil, apperrors.Validation(fmt.Sprintf("invalid geofence center %v", opts.Center))
	}
	if opts.Location.Timeout <= 0 {
		opts.Location.Timeout = DefaultCurrentOptions.Timeout
	}
	if opts.Location.MaxAge < 0 {
		opts.Location.MaxAge = 0
	}
	if opts.Watch.Interval <= 0 {
		opts.Watch.Interval = DefaultWatchOptions.Interval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	store := NewStore(opts.Center, opts.Cells)
	store.now = opts.Clock
	if opts.RadiusMeters != 0 {
		if err := store.SetRadius(opts.RadiusMeters); err != nil {
			return nil, err
		}
	}

	return &Engine{
		source:  source,
		sink:    sink,
		store:   store,
		opts:    opts,
		logger:  opts.Logger.WithComponent("geofence"),
		metrics: opts.Metrics,
		tracer:  telemetry.Tracer(),
		now:     opts.Clock,
	}, nil
}

// Snapshot returns the current fence and tracking state. It never blocks.
func (e *Engine) Snapshot() Snapshot {
	return e.store.Snapshot()
}

// IsTracking reports whether a session is active.
func (e *Engine) IsTracking() bool {
	return e.store.Snapshot().Tracking
}

// SetCenter moves the fence. The next sample is classified against the new center.
func (e *Engine) SetCenter(c geo.Coordinate) error {
	if !c.IsValid() {
		return apperrors.ValidationWithDetails("invalid geofence center", map[string]string{
			"center": c.String(),
		})
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.store.SetCenter(c)
	e.logger.Info("geofence center updated", "lat", c.Latitude, "lng", c.Longitude)
	return nil
}

// SetRadius resizes the fence. Invalid values are rejected and leave the
// previous radius in place.
func (e *Engine) SetRadius(m float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.SetRadius(m); err != nil {
		return err
	}
	e.logger.Info("geofence radius updated", "radius_m", m)
	return nil
}

// StartTracking opens a position subscription. It is a no-op while a session
// is already active and fails with INVALID_RADIUS when no radius is set.
func (e *Engine) StartTracking(ctx context.Context) (err error) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "geofence.StartTracking")
	defer func() { telemetry.EndSpan(span, err) }()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrTornDown
	}
	if e.session != nil {
		e.mu.Unlock()
		return nil
	}
	snap := e.store.Snapshot()
	if !snap.HasRadius {
		e.mu.Unlock()
		return apperrors.RadiusNotConfigured()
	}

	s := &session{
		id:        uuid.NewString(),
		active:    true,
		startedAt: e.now(),
	}
	s.logger = e.logger.WithSession(s.id)
	e.session = s
	e.store.beginSession(s.id)
	e.mu.Unlock()

	span.SetAttributes(telemetry.SessionAttributes(s.id, snap.RadiusMeters)...)

	sub, err := e.source.Watch(ctx, e.opts.Watch,
		func(p Position) { e.onPositionUpdate(s, p) },
		func(err error) { e.onSubscriptionError(s, err) },
	)
	if err != nil {
		e.mu.Lock()
		if e.session == s {
			_, _ = e.detachLocked(s)
		}
		e.mu.Unlock()

		s.logger.Error("failed to open position subscription", "error", err)
		if apperrors.Code(err) != "" {
			return err
		}
		return apperrors.LocationUnavailable(err)
	}

	e.mu.Lock()
	if e.session != s {
		// The provider failed while the subscription was being set up.
		e.mu.Unlock()
		closeSubscription(s, sub)
		return apperrors.Subscription(errors.New("subscription failed during setup"))
	}
	s.sub = sub
	s.counted = true
	e.metrics.SessionStarted(ctx)
	e.mu.Unlock()

	s.logger.Info("tracking started",
		"radius_m", snap.RadiusMeters,
		"center_lat", snap.Center.Latitude,
		"center_lng", snap.Center.Longitude,
	)
	return nil
}

// StopTracking ends the active session. It returns once the provider has
// acknowledged the cancellation; no callback mutates engine state after
// that. Calling it while idle is a no-op.
func (e *Engine) StopTracking(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	e.stop(ctx, false)
	return nil
}

// Teardown releases the session and any subscription still being closed in
// the background. The engine rejects StartTracking afterwards.
func (e *Engine) Teardown(ctx context.Context) error {
	e.lifecycleMu.Lock()
	e.stop(ctx, true)
	e.lifecycleMu.Unlock()

	e.releases.Wait()
	return nil
}

func (e *Engine) stop(ctx context.Context, teardown bool) {
	ctx, span := e.tracer.Start(ctx, "geofence.StopTracking")
	defer span.End()

	e.mu.Lock()
	if teardown {
		e.closed = true
	}
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return
	}
	sub, counted := e.detachLocked(s)
	e.mu.Unlock()

	closeSubscription(s, sub)
	if counted {
		e.metrics.SessionEnded(ctx)
	}
	s.logger.Info("tracking stopped", "duration", e.now().Sub(s.startedAt).String())
}

// detachLocked ends s so that late callbacks are discarded. It reports
// whether the session was counted as active. Caller holds mu.
func (e *Engine) detachLocked(s *session) (Subscription, bool) {
	s.active = false
	e.session = nil
	e.store.endSession()

	sub, counted := s.sub, s.counted
	s.sub = nil
	s.counted = false
	return sub, counted
}

func closeSubscription(s *session, sub Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		s.logger.Warn("closing position subscription failed", "error", err)
	}
}

// onPositionUpdate classifies one sample. It runs on the provider's goroutine.
func (e *Engine) onPositionUpdate(s *session, p Position) {
	ctx := context.Background()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != s || !s.active {
		e.metrics.SampleDiscarded(ctx, telemetry.DiscardInactive)
		return
	}
	if !p.Coordinate.IsValid() {
		e.metrics.SampleDiscarded(ctx, telemetry.DiscardInvalid)
		s.logger.Warn("discarding invalid position", "position", p.Coordinate.String(), "seq", p.Sequence)
		return
	}
	if s.seen && p.Sequence <= s.lastSeq {
		e.metrics.SampleDiscarded(ctx, telemetry.DiscardStale)
		s.logger.Debug("discarding out-of-order position", "seq", p.Sequence, "last_seq", s.lastSeq)
		return
	}
	s.seen = true
	s.lastSeq = p.Sequence

	e.rememberFix(p)

	snap := e.store.Snapshot()
	distance := geo.Distance(p.Coordinate, snap.Center)
	next := classify(distance, snap.RadiusMeters)
	prev := snap.Status

	e.metrics.SampleApplied(ctx, next.String())

	switch {
	case prev == StatusUnknown:
		e.store.setStatus(next)
		s.logger.Debug("baseline classification", "status", next.String(), "distance_m", distance, "seq", p.Sequence)

	case next != prev:
		e.store.setStatus(next)
		s.logger.Debug("geofence status changed", "from", prev.String(), "to", next.String(), "distance_m", distance)
		if next == StatusOutside {
			e.emitExit(ctx, s, p, snap, distance, false)
		} else {
			s.lastAlert = time.Time{}
		}

	case next == StatusOutside && e.shouldRealert(s):
		e.emitExit(ctx, s, p, snap, distance, true)
	}
}

func (e *Engine) shouldRealert(s *session) bool {
	if e.opts.RealertInterval <= 0 || s.lastAlert.IsZero() {
		return false
	}
	return e.now().Sub(s.lastAlert) >= e.opts.RealertInterval
}

func (e *Engine) emitExit(ctx context.Context, s *session, p Position, snap Snapshot, distance float64, realert bool) {
	now := e.now()
	s.lastAlert = now

	event := ExitEvent{
		ID:             uuid.NewString(),
		Type:           EventTypeExited,
		SessionID:      s.id,
		Position:       p.Coordinate,
		Center:         snap.Center,
		RadiusMeters:   snap.RadiusMeters,
		DistanceMeters: distance,
		Sequence:       p.Sequence,
		Realert:        realert,
		OccurredAt:     now,
	}

	e.metrics.ExitEmitted(ctx, realert)
	s.logger.Info("geofence exited",
		"event_id", event.ID,
		"distance_m", distance,
		"radius_m", snap.RadiusMeters,
		"seq", p.Sequence,
		"realert", realert,
	)

	if e.sink != nil {
		e.sink.Notify(ctx, event)
	}
}

// onSubscriptionError handles a mid-stream provider failure.
func (e *Engine) onSubscriptionError(s *session, err error) {
	appErr := apperrors.Subscription(err)

	e.mu.Lock()
	if e.session != s {
		e.mu.Unlock()
		s.logger.Debug("ignoring error from ended session", "error", err)
		return
	}

	e.metrics.SubscriptionError(context.Background())
	s.logger.Error("position subscription failed", "error", err, "stopping", e.opts.StopOnSubscriptionError)

	if e.opts.StopOnSubscriptionError {
		sub, counted := e.detachLocked(s)
		e.releases.Add(1)
		e.mu.Unlock()

		// Close may wait for this very callback to return.
		go func() {
			defer e.releases.Done()
			closeSubscription(s, sub)
			if counted {
				e.metrics.SessionEnded(context.Background())
			}
		}()
	} else {
		e.mu.Unlock()
	}

	if e.opts.OnError != nil {
		e.opts.OnError(appErr)
	}
}

// CurrentLocation returns the device position. A fix younger than
// Location.MaxAge is returned without asking the provider; otherwise one
// request is made, bounded by Location.Timeout.
func (e *Engine) CurrentLocation(ctx context.Context) (_ geo.Coordinate, err error) {
	ctx, span := e.tracer.Start(ctx, "geofence.CurrentLocation")
	defer func() { telemetry.EndSpan(span, err) }()

	start := e.now()

	if p, ok := e.cachedFix(); ok {
		e.metrics.LocationRequest(ctx, "cache", 0)
		return p.Coordinate, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Location.Timeout)
	defer cancel()

	type result struct {
		position Position
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := e.source.CurrentPosition(ctx, e.opts.Location)
		ch <- result{p, err}
	}()

	select {
	case <-ctx.Done():
		e.metrics.LocationRequest(ctx, "timeout", e.now().Sub(start))
		e.logger.Warn("current location timed out", "timeout", e.opts.Location.Timeout.String())
		return geo.Coordinate{}, apperrors.LocationUnavailable(ctx.Err())

	case r := <-ch:
		if r.err == nil && !r.position.Coordinate.IsValid() {
			r.err = fmt.Errorf("provider returned invalid coordinate %v", r.position.Coordinate)
		}
		if r.err != nil {
			e.metrics.LocationRequest(ctx, "error", e.now().Sub(start))
			e.logger.Warn("current location failed", "error", r.err)
			if apperrors.IsLocationUnavailable(r.err) {
				return geo.Coordinate{}, r.err
			}
			return geo.Coordinate{}, apperrors.LocationUnavailable(r.err)
		}

		e.rememberFix(r.position)
		e.metrics.LocationRequest(ctx, "fix", e.now().Sub(start))
		return r.position.Coordinate, nil
	}
}

// CenterOnCurrentLocation moves the fence center to the device position.
func (e *Engine) CenterOnCurrentLocation(ctx context.Context) (geo.Coordinate, error) {
	c, err := e.CurrentLocation(ctx)
	if err != nil {
		return geo.Coordinate{}, err
	}
	if err := e.SetCenter(c); err != nil {
		return geo.Coordinate{}, err
	}
	return c, nil
}

func (e *Engine) rememberFix(p Position) {
	at := p.Timestamp
	if at.IsZero() {
		at = e.now()
	}

	e.fixMu.Lock()
	defer e.fixMu.Unlock()

	if e.lastFix != nil && e.lastFix.at.After(at) {
		return
	}
	e.lastFix = &fix{position: p, at: at}
}

func (e *Engine) cachedFix() (Position, bool) {
	if e.opts.Location.MaxAge <= 0 {
		return Position{}, false
	}

	e.fixMu.Lock()
	defer e.fixMu.Unlock()

	if e.lastFix == nil || e.now().Sub(e.lastFix.at) >= e.opts.Location.MaxAge {
		return Position{}, false
	}
	return e.lastFix.position, true
}
