package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cobrun/geowatch/geo"
	"github.com/cobrun/geowatch/geofence"
	"github.com/cobrun/geowatch/logging"
)

// ErrEmptyRoute is returned when a simulator is built without points.
var ErrEmptyRoute = errors.New("position: simulator route is empty")

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	// Loop restarts the route after its last point. Otherwise the last
	// point is held.
	Loop           bool
	AccuracyMeters float64
	Logger         *logging.Logger
	Clock          func() time.Time
}

// Simulator walks a fixed route, one point per watch interval.
// All subscriptions share the route cursor, like a single device would.
type Simulator struct {
	mu     sync.Mutex
	route  []geo.Coordinate
	cursor int
	opts   SimulatorOptions
	logger *logging.Logger
}

// NewSimulator creates a simulator over route.
func NewSimulator(route []geo.Coordinate, opts SimulatorOptions) (*Simulator, error) {
	if len(route) == 0 {
		return nil, ErrEmptyRoute
	}
	for _, c := range route {
		if !c.IsValid() {
			return nil, errors.New("position: simulator route has invalid point " + c.String())
		}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.AccuracyMeters <= 0 {
		opts.AccuracyMeters = 5
	}

	return &Simulator{
		route:  append([]geo.Coordinate(nil), route...),
		opts:   opts,
		logger: opts.Logger.WithComponent("position.simulator"),
	}, nil
}

// OutAndBack builds a route from center along bearing to maxDistance and
// back, in steps legs each way.
func OutAndBack(center geo.Coordinate, bearing, maxDistanceMeters float64, steps int) []geo.Coordinate {
	if steps < 1 {
		steps = 1
	}
	route := make([]geo.Coordinate, 0, 2*steps+1)
	for i := 0; i <= steps; i++ {
		route = append(route, geo.DestinationPoint(center, bearing, maxDistanceMeters*float64(i)/float64(steps)))
	}
	for i := steps - 1; i >= 0; i-- {
		route = append(route, route[i])
	}
	return route
}

// Circle builds a closed loop of points at radiusMeters around center.
func Circle(center geo.Coordinate, radiusMeters float64, points int) []geo.Coordinate {
	if points < 3 {
		points = 3
	}
	route := make([]geo.Coordinate, points)
	for i := range route {
		route[i] = geo.DestinationPoint(center, 360*float64(i)/float64(points), radiusMeters)
	}
	return route
}

// CurrentPosition returns the point under the route cursor.
func (s *Simulator) CurrentPosition(ctx context.Context, opts geofence.CurrentOptions) (geofence.Position, error) {
	if err := ctx.Err(); err != nil {
		return geofence.Position{}, err
	}

	s.mu.Lock()
	c := s.route[s.cursor]
	s.mu.Unlock()

	return geofence.Position{
		Coordinate:     c,
		AccuracyMeters: s.opts.AccuracyMeters,
		Timestamp:      s.opts.Clock(),
	}, nil
}

// Watch starts delivering route points every opts.Interval. The first point
// is delivered immediately.
func (s *Simulator) Watch(ctx context.Context, opts geofence.WatchOptions, onUpdate geofence.UpdateFunc, onError geofence.ErrorFunc) (geofence.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if onUpdate == nil {
		return nil, errors.New("position: onUpdate is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}

	sub := &simSubscription{done: make(chan struct{})}
	sub.wg.Add(1)
	go s.run(sub, opts, onUpdate)

	s.logger.Debug("watch started", "interval", opts.Interval.String(), "points", len(s.route))
	return sub, nil
}

func (s *Simulator) run(sub *simSubscription, opts geofence.WatchOptions, onUpdate geofence.UpdateFunc) {
	defer sub.wg.Done()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	filter := newDistanceFilter(opts.DistanceFilterMeters)
	var seq uint64

	deliver := func(c geo.Coordinate) {
		if !filter.accept(c) {
			return
		}
		seq++
		onUpdate(geofence.Position{
			Coordinate:     c,
			AccuracyMeters: s.opts.AccuracyMeters,
			Timestamp:      s.opts.Clock(),
			Sequence:       seq,
		})
	}

	deliver(s.current())
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			// Close may have raced the tick.
			select {
			case <-sub.done:
				return
			default:
			}
			deliver(s.advance())
		}
	}
}

func (s *Simulator) current() geo.Coordinate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route[s.cursor]
}

func (s *Simulator) advance() geo.Coordinate {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.cursor+1 < len(s.route):
		s.cursor++
	case s.opts.Loop:
		s.cursor = 0
	}
	return s.route[s.cursor]
}

type simSubscription struct {
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Close stops the ticker goroutine and waits for it to exit.
func (s *simSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}
