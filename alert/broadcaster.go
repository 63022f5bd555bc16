package alert

import (
	"context"
	"sync"

	"github.com/cobrun/geowatch/geofence"
	"github.com/cobrun/geowatch/logging"
	"github.com/cobrun/geowatch/telemetry"
)

const (
	defaultSubscriberBuffer = 16
	defaultHistory          = 50
)

// Broadcaster fans alerts out to in-process subscribers, such as open
// event-stream connections, and keeps a short history.
// Slow subscribers lose alerts rather than block the engine.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[uint64]chan Alert
	nextID  uint64
	history []Alert
	limit   int
	buffer  int
	closed  bool

	logger  *logging.Logger
	metrics *telemetry.EngineMetrics
}

// NewBroadcaster creates a broadcaster keeping the last history alerts.
func NewBroadcaster(history int, logger *logging.Logger, metrics *telemetry.EngineMetrics) *Broadcaster {
	if history <= 0 {
		history = defaultHistory
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Broadcaster{
		subs:    make(map[uint64]chan Alert),
		limit:   history,
		buffer:  defaultSubscriberBuffer,
		logger:  logger.WithComponent("alert.broadcast"),
		metrics: metrics,
	}
}

// Notify delivers event to every subscriber without blocking.
func (b *Broadcaster) Notify(ctx context.Context, event geofence.ExitEvent) {
	a := FromEvent(event)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.history = append(b.history, a)
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}

	for id, ch := range b.subs {
		select {
		case ch <- a:
		default:
			b.logger.Warn("dropping alert for slow subscriber", "subscriber", id, "event_id", event.ID)
			b.metrics.AlertDelivered(ctx, "stream", errDropped)
			continue
		}
		b.metrics.AlertDelivered(ctx, "stream", nil)
	}
}

// Subscribe registers a subscriber. The returned cancel func must be called
// to release it; the channel is closed afterwards.
func (b *Broadcaster) Subscribe() (<-chan Alert, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Alert, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Recent returns up to n of the latest alerts, oldest first.
func (b *Broadcaster) Recent(n int) []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	return append([]Alert(nil), b.history[len(b.history)-n:]...)
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
