// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/cobrun/geowatch/geo"
	"github.com/cobrun/geowatch/geofence"
)

// MockPositionSource is a PositionSource driven by the test.
//
// Updates are delivered synchronously on the goroutine that calls Emit.
// Subscription.Close waits for an in-flight delivery to finish.
type MockPositionSource struct {
	mu           sync.Mutex
	subs         []*MockSubscription
	watchCalls   int
	currentCalls int

	// WatchErr makes Watch fail.
	WatchErr error
	// Current and CurrentErr answer CurrentPosition.
	Current    geofence.Position
	CurrentErr error
	// CurrentDelay holds CurrentPosition back, honouring ctx.
	CurrentDelay time.Duration
}

// NewMockPositionSource creates a new mock position source.
func NewMockPositionSource() *MockPositionSource {
	return &MockPositionSource{}
}

// CurrentPosition returns the configured fix.
func (m *MockPositionSource) CurrentPosition(ctx context.Context, opts geofence.CurrentOptions) (geofence.Position, error) {
	m.mu.Lock()
	m.currentCalls++
	delay, p, err := m.CurrentDelay, m.Current, m.CurrentErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return geofence.Position{}, ctx.Err()
		}
	}
	return p, err
}

// Watch registers the callbacks and returns a new subscription.
func (m *MockPositionSource) Watch(ctx context.Context, opts geofence.WatchOptions, onUpdate geofence.UpdateFunc, onError geofence.ErrorFunc) (geofence.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watchCalls++
	if m.WatchErr != nil {
		return nil, m.WatchErr
	}

	sub := &MockSubscription{opts: opts, onUpdate: onUpdate, onError: onError}
	m.subs = append(m.subs, sub)
	return sub, nil
}

// WatchCalls returns how many times Watch was called.
func (m *MockPositionSource) WatchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watchCalls
}

// CurrentCalls returns how many times CurrentPosition was called.
func (m *MockPositionSource) CurrentCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentCalls
}

// Subscriptions returns every subscription handed out, in order.
func (m *MockPositionSource) Subscriptions() []*MockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockSubscription(nil), m.subs...)
}

// Latest returns the most recent subscription, or nil.
func (m *MockPositionSource) Latest() *MockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subs) == 0 {
		return nil
	}
	return m.subs[len(m.subs)-1]
}

// OpenSubscriptions returns the number of subscriptions not yet closed.
func (m *MockPositionSource) OpenSubscriptions() int {
	m.mu.Lock()
	subs := append([]*MockSubscription(nil), m.subs...)
	m.mu.Unlock()

	n := 0
	for _, s := range subs {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Emit delivers p to the latest subscription. It reports false when there
// is none or it has been closed.
func (m *MockPositionSource) Emit(p geofence.Position) bool {
	sub := m.Latest()
	if sub == nil {
		return false
	}
	return sub.Emit(p)
}

// EmitAt delivers c with the next sequence number of the latest subscription.
func (m *MockPositionSource) EmitAt(c geo.Coordinate) bool {
	sub := m.Latest()
	if sub == nil {
		return false
	}
	return sub.EmitAt(c)
}

// Fail delivers err to the latest subscription.
func (m *MockPositionSource) Fail(err error) bool {
	sub := m.Latest()
	if sub == nil {
		return false
	}
	return sub.Fail(err)
}

// MockSubscription is a subscription handed out by MockPositionSource.
type MockSubscription struct {
	// deliver is held for the duration of each callback.
	deliver sync.Mutex

	mu       sync.Mutex
	opts     geofence.WatchOptions
	onUpdate geofence.UpdateFunc
	onError  geofence.ErrorFunc
	closed   bool
	closes   int
	seq      uint64
}

// Options returns the options passed to Watch.
func (s *MockSubscription) Options() geofence.WatchOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Emit delivers p unless the subscription is closed.
func (s *MockSubscription) Emit(p geofence.Position) bool {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if p.Sequence > s.seq {
		s.seq = p.Sequence
	}
	fn := s.onUpdate
	s.mu.Unlock()

	fn(p)
	return true
}

// EmitAt delivers c with the next sequence number.
func (s *MockSubscription) EmitAt(c geo.Coordinate) bool {
	s.mu.Lock()
	seq := s.seq + 1
	s.mu.Unlock()

	return s.Emit(geofence.Position{Coordinate: c, Timestamp: time.Now(), Sequence: seq})
}

// ForceEmit delivers p even after Close, like a provider that fires one
// last buffered callback.
func (s *MockSubscription) ForceEmit(p geofence.Position) {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	s.onUpdate(p)
}

// Fail delivers err unless the subscription is closed.
func (s *MockSubscription) Fail(err error) bool {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	fn := s.onError
	s.mu.Unlock()

	fn(err)
	return true
}

// Close marks the subscription closed once no callback is running.
func (s *MockSubscription) Close() error {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closes++
	return nil
}

// Closed reports whether Close has been called.
func (s *MockSubscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns how many times Close was called.
func (s *MockSubscription) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
