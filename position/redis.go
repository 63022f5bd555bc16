package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cobrun/geowatch/database"
	"github.com/cobrun/geowatch/geo"
	"github.com/cobrun/geowatch/geofence"
	"github.com/cobrun/geowatch/logging"
	"github.com/cobrun/geowatch/validation"
)

// ErrFeedClosed is reported when the Redis subscription ends on its own.
var ErrFeedClosed = errors.New("position: redis feed closed")

// Fix is the wire format of a device fix on the position channel and key.
type Fix struct {
	Latitude       float64   `json:"lat" validate:"latitude"`
	Longitude      float64   `json:"lng" validate:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters,omitempty" validate:"gte=0"`
	Timestamp      time.Time `json:"timestamp"`
}

// Coordinate returns the fix location.
func (f Fix) Coordinate() geo.Coordinate {
	return geo.Coordinate{Latitude: f.Latitude, Longitude: f.Longitude}
}

// DecodeFix parses and validates a fix payload.
func DecodeFix(payload []byte) (Fix, error) {
	var f Fix
	if err := json.Unmarshal(payload, &f); err != nil {
		return Fix{}, fmt.Errorf("decode fix: %w", err)
	}
	if err := validation.Validate(f); err != nil {
		return Fix{}, fmt.Errorf("invalid fix: %w", err)
	}
	return f, nil
}

// RedisFeedConfig configures a RedisFeed.
type RedisFeedConfig struct {
	// Channel carries live fixes as JSON.
	Channel string
	// Key holds the most recent fix.
	Key string
	// KeyTTL bounds how long the last fix is kept. Zero keeps it forever.
	KeyTTL time.Duration
}

// RedisFeed reads device fixes published on a Redis channel.
type RedisFeed struct {
	client *database.RedisClient
	config RedisFeedConfig
	logger *logging.Logger
	now    func() time.Time
}

// NewRedisFeed creates a feed over client.
func NewRedisFeed(client *database.RedisClient, config RedisFeedConfig, logger *logging.Logger) *RedisFeed {
	if logger == nil {
		logger = logging.Nop()
	}
	return &RedisFeed{
		client: client,
		config: config,
		logger: logger.WithComponent("position.redis"),
		now:    time.Now,
	}
}

// Publish stores f as the last fix and broadcasts it on the channel.
func (r *RedisFeed) Publish(ctx context.Context, f Fix) error {
	if f.Timestamp.IsZero() {
		f.Timestamp = r.now().UTC()
	}
	if err := validation.Validate(f); err != nil {
		return err
	}
	if err := r.client.SetJSONWithRetry(ctx, r.config.Key, f, r.config.KeyTTL); err != nil {
		return fmt.Errorf("store last fix: %w", err)
	}
	if err := r.client.PublishJSONWithRetry(ctx, r.config.Channel, f); err != nil {
		return fmt.Errorf("publish fix: %w", err)
	}
	return nil
}

// CurrentPosition answers from the last-fix key when it is younger than
// opts.MaxAge, and otherwise waits for the next fix on the channel.
func (r *RedisFeed) CurrentPosition(ctx context.Context, opts geofence.CurrentOptions) (geofence.Position, error) {
	if opts.MaxAge > 0 {
		var last Fix
		err := r.client.GetJSONWithRetry(ctx, r.config.Key, &last)
		switch {
		case err == nil:
			if validation.Validate(last) == nil && r.now().Sub(last.Timestamp) < opts.MaxAge {
				return toPosition(last, 0), nil
			}
		case errors.Is(err, database.ErrKeyNotFound):
		default:
			r.logger.Warn("reading last fix failed", "key", r.config.Key, "error", err)
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	pubsub := r.client.Subscribe(ctx, r.config.Channel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return geofence.Position{}, fmt.Errorf("waiting for fix: %w", err)
		}
		f, err := DecodeFix([]byte(msg.Payload))
		if err != nil {
			r.logger.Warn("skipping malformed fix", "error", err)
			continue
		}
		return toPosition(f, 0), nil
	}
}

// Watch subscribes to the position channel. ctx bounds only the
// subscription handshake.
func (r *RedisFeed) Watch(ctx context.Context, opts geofence.WatchOptions, onUpdate geofence.UpdateFunc, onError geofence.ErrorFunc) (geofence.Subscription, error) {
	if onUpdate == nil {
		return nil, errors.New("position: onUpdate is required")
	}

	pubsub := r.client.Subscribe(context.Background(), r.config.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.config.Channel, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	sub.wg.Add(1)
	go r.run(sub, opts, onUpdate, onError)

	r.logger.Debug("watch started", "channel", r.config.Channel)
	return sub, nil
}

func (r *RedisFeed) run(sub *redisSubscription, opts geofence.WatchOptions, onUpdate geofence.UpdateFunc, onError geofence.ErrorFunc) {
	defer sub.wg.Done()

	filter := newDistanceFilter(opts.DistanceFilterMeters)
	ch := sub.pubsub.Channel()
	var seq uint64

	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-ch:
			if !ok {
				select {
				case <-sub.done:
				default:
					if onError != nil {
						onError(ErrFeedClosed)
					}
				}
				return
			}

			f, err := DecodeFix([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("skipping malformed fix", "channel", msg.Channel, "error", err)
				continue
			}
			if !filter.accept(f.Coordinate()) {
				continue
			}

			seq++
			onUpdate(toPosition(f, seq))
		}
	}
}

func toPosition(f Fix, seq uint64) geofence.Position {
	return geofence.Position{
		Coordinate:     f.Coordinate(),
		AccuracyMeters: f.AccuracyMeters,
		Timestamp:      f.Timestamp,
		Sequence:       seq,
	}
}

type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	err    error
}

// Close unsubscribes and waits for the delivery goroutine to exit.
func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.pubsub.Close()
	})
	s.wg.Wait()
	return s.err
}
