// Package alert provides AlertSink implementations that present geofence
// exit events: a structured log line, a Redis publisher, and an in-process
// broadcaster feeding the HTTP event stream.
package alert

import (
	"context"

	"github.com/cobrun/geowatch/geofence"
)

// Text shown to the user for an exit.
const (
	Title   = "Geofence Alert"
	Message = "You have exited the geofence!"
)

// Alert is the user-facing presentation of an exit event.
type Alert struct {
	Title   string             `json:"title"`
	Message string             `json:"message"`
	Event   geofence.ExitEvent `json:"event"`
}

// FromEvent builds the alert shown for event.
func FromEvent(event geofence.ExitEvent) Alert {
	return Alert{Title: Title, Message: Message, Event: event}
}

// Multi fans an event out to every sink in order.
type Multi []geofence.AlertSink

// NewMulti drops nil sinks.
func NewMulti(sinks ...geofence.AlertSink) Multi {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Notify forwards event to each sink.
func (m Multi) Notify(ctx context.Context, event geofence.ExitEvent) {
	for _, s := range m {
		s.Notify(ctx, event)
	}
}
