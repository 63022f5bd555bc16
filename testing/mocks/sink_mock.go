package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/cobrun/geowatch/geofence"
)

// RecordingSink is an AlertSink that keeps every event it receives.
type RecordingSink struct {
	mu     sync.Mutex
	events []geofence.ExitEvent
	notify chan struct{}
}

// NewRecordingSink creates a new recording sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{notify: make(chan struct{}, 1)}
}

// Notify records event.
func (r *RecordingSink) Notify(ctx context.Context, event geofence.ExitEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of the recorded events.
func (r *RecordingSink) Events() []geofence.ExitEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]geofence.ExitEvent(nil), r.events...)
}

// Count returns the number of recorded events.
func (r *RecordingSink) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Reset drops recorded events.
func (r *RecordingSink) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// WaitFor blocks until at least n events are recorded or timeout elapses.
func (r *RecordingSink) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if r.Count() >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Count() >= n
		}
	}
}
