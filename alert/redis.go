package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cobrun/geowatch/database"
	"github.com/cobrun/geowatch/geofence"
	"github.com/cobrun/geowatch/logging"
	"github.com/cobrun/geowatch/resilience"
	"github.com/cobrun/geowatch/telemetry"
)

var errDropped = errors.New("alert dropped")

// Publisher is the subset of database.RedisClient the Redis sink uses.
type Publisher interface {
	PublishJSONWithRetry(ctx context.Context, channel string, message interface{}) error
	XAddWithRetry(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error)
}

var _ Publisher = (*database.RedisClient)(nil)

// RedisSinkConfig configures a RedisSink.
type RedisSinkConfig struct {
	Channel string
	// Stream, when set, also appends each alert to a capped Redis stream.
	Stream       string
	StreamMaxLen int64
	QueueSize    int
	// PublishTimeout bounds one delivery including retries.
	PublishTimeout time.Duration
	// Consecutive failed deliveries that open the circuit, and how long
	// alerts are dropped before delivery is retried.
	FailureThreshold int
	OpenTimeout      time.Duration
}

// RedisSink publishes alerts to Redis from a background worker so Notify
// never waits on the network.
type RedisSink struct {
	client  Publisher
	config  RedisSinkConfig
	queue   chan Alert
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	logger  *logging.Logger
	metrics *telemetry.EngineMetrics
	breaker *resilience.CircuitBreaker

	mu     sync.RWMutex
	closed bool
}

// NewRedisSink starts the publishing worker.
func NewRedisSink(client Publisher, config RedisSinkConfig, logger *logging.Logger, metrics *telemetry.EngineMetrics) *RedisSink {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.StreamMaxLen <= 0 {
		config.StreamMaxLen = 1000
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}

	logger = logger.WithComponent("alert.redis")

	s := &RedisSink{
		client:  client,
		config:  config,
		queue:   make(chan Alert, config.QueueSize),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "redis_alerts",
			FailureThreshold: config.FailureThreshold,
			OpenTimeout:      config.OpenTimeout,
			OnStateChange: func(name string, from, to resilience.CircuitState) {
				logger.Warn("alert delivery circuit changed state", "circuit", name, "from", from.String(), "to", to.String())
			},
		}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Notify enqueues event. It drops the alert when the queue is full.
func (s *RedisSink) Notify(ctx context.Context, event geofence.ExitEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	select {
	case s.queue <- FromEvent(event):
	default:
		s.logger.Warn("alert queue full, dropping alert", "event_id", event.ID)
		s.metrics.AlertDelivered(ctx, "redis", errDropped)
	}
}

func (s *RedisSink) run() {
	defer s.wg.Done()

	for {
		select {
		case a := <-s.queue:
			s.publish(a)
		case <-s.done:
			// Drain what was accepted before Close.
			for {
				select {
				case a := <-s.queue:
					s.publish(a)
				default:
					return
				}
			}
		}
	}
}

func (s *RedisSink) publish(a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.PublishTimeout)
	defer cancel()

	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := s.client.PublishJSONWithRetry(ctx, s.config.Channel, a); err != nil {
			return err
		}
		if s.config.Stream == "" {
			return nil
		}
		_, err := s.client.XAddWithRetry(ctx, s.config.Stream, s.config.StreamMaxLen, map[string]interface{}{
			"id":         a.Event.ID,
			"session_id": a.Event.SessionID,
			"lat":        a.Event.Position.Latitude,
			"lng":        a.Event.Position.Longitude,
			"distance_m": a.Event.DistanceMeters,
			"radius_m":   a.Event.RadiusMeters,
			"realert":    a.Event.Realert,
			"at":         a.Event.OccurredAt.Format(time.RFC3339Nano),
		})
		return err
	})

	s.metrics.AlertDelivered(ctx, "redis", err)
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		s.logger.Warn("alert delivery circuit open, dropping alert", "event_id", a.Event.ID)
	case err != nil:
		s.logger.Error("failed to publish alert", "event_id", a.Event.ID, "channel", s.config.Channel, "error", err)
	}
}

// Breaker exposes the delivery circuit for health reporting.
func (s *RedisSink) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}

// Close stops accepting alerts and waits until queued ones are published
// or ctx expires.
func (s *RedisSink) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
