// Package position provides PositionSource implementations: a route
// simulator for local runs and a Redis pub/sub feed for real devices.
package position

import (
	"github.com/cobrun/geowatch/geo"
)

// distanceFilter drops fixes closer than min meters to the last accepted one.
type distanceFilter struct {
	min  float64
	last *geo.Coordinate
}

func newDistanceFilter(minMeters float64) *distanceFilter {
	return &distanceFilter{min: minMeters}
}

// accept reports whether c should be delivered and records it if so.
func (f *distanceFilter) accept(c geo.Coordinate) bool {
	if f.last != nil && f.min > 0 && geo.Distance(*f.last, c) < f.min {
		return false
	}
	f.last = &c
	return true
}
