// Package fixtures provides test data for unit and integration tests.
package fixtures

import (
	"time"

	"github.com/google/uuid"

	"github.com/cobrun/geowatch/geo"
	"github.com/cobrun/geowatch/geofence"
)

// Center is the default fence center.
var Center = geo.Coordinate{Latitude: 37.4219984, Longitude: -122.084}

// Radius is the default fence radius in meters.
const Radius = 500.0

// PointAt returns the point distanceMeters from center, due north.
func PointAt(center geo.Coordinate, distanceMeters float64) geo.Coordinate {
	return geo.DestinationPoint(center, 0, distanceMeters)
}

// PointAtBearing returns the point distanceMeters from center along bearing.
func PointAtBearing(center geo.Coordinate, bearing, distanceMeters float64) geo.Coordinate {
	return geo.DestinationPoint(center, bearing, distanceMeters)
}

// Route returns positions at the given distances from center, with
// sequences starting at 1 and timestamps one second apart.
func Route(center geo.Coordinate, distances ...float64) []geofence.Position {
	start := time.Now().Add(-time.Duration(len(distances)) * time.Second)
	route := make([]geofence.Position, len(distances))
	for i, d := range distances {
		route[i] = geofence.Position{
			Coordinate: PointAt(center, d),
			Timestamp:  start.Add(time.Duration(i) * time.Second),
			Sequence:   uint64(i + 1),
		}
	}
	return route
}

// ExitEvent returns an exit event fixture.
func ExitEvent() geofence.ExitEvent {
	pos := PointAt(Center, 600)
	return geofence.ExitEvent{
		ID:             uuid.NewString(),
		Type:           geofence.EventTypeExited,
		SessionID:      uuid.NewString(),
		Position:       pos,
		Center:         Center,
		RadiusMeters:   Radius,
		DistanceMeters: geo.Distance(pos, Center),
		Sequence:       3,
		OccurredAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
}
