// Package geo provides geospatial utilities.
package geo

import (
	"fmt"
	"math"
)

const (
	// EarthRadiusMeters is the mean radius of the spherical earth model.
	EarthRadiusMeters = 6371000.0
	// MetersPerDegreeLat is the approximate length of one degree of latitude.
	MetersPerDegreeLat = 111320.0
)

// Coordinate is a WGS84 latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
}

// NewCoordinate creates a new Coordinate.
func NewCoordinate(lat, lng float64) Coordinate {
	return Coordinate{Latitude: lat, Longitude: lng}
}

// IsValid checks if the coordinate is within latitude/longitude bounds.
func (c Coordinate) IsValid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%.7f, %.7f)", c.Latitude, c.Longitude)
}

// Distance calculates the great-circle distance between two coordinates
// using the Haversine formula. Returns distance in meters.
func Distance(a, b Coordinate) float64 {
	lat1 := degreesToRadians(a.Latitude)
	lat2 := degreesToRadians(b.Latitude)
	deltaLat := degreesToRadians(b.Latitude - a.Latitude)
	deltaLng := degreesToRadians(b.Longitude - a.Longitude)

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)

	// Rounding can push h a hair outside [0,1] for antipodal points.
	h = math.Min(1, math.Max(0, h))

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// Within reports whether p lies inside or on the circle of radiusMeters around center.
func Within(p, center Coordinate, radiusMeters float64) bool {
	return Distance(p, center) <= radiusMeters
}

// Bearing calculates the initial bearing from a to b.
// Returns bearing in degrees (0-360, where 0 is North).
func Bearing(a, b Coordinate) float64 {
	lat1 := degreesToRadians(a.Latitude)
	lat2 := degreesToRadians(b.Latitude)
	deltaLng := degreesToRadians(b.Longitude - a.Longitude)

	x := math.Sin(deltaLng) * math.Cos(lat2)
	y := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(deltaLng)

	bearing := radiansToDegrees(math.Atan2(x, y))

	// Normalize to 0-360
	return math.Mod(bearing+360, 360)
}

// DestinationPoint calculates the point reached by travelling distanceMeters
// from start along the given initial bearing (degrees).
func DestinationPoint(start Coordinate, bearing, distanceMeters float64) Coordinate {
	lat1 := degreesToRadians(start.Latitude)
	lng1 := degreesToRadians(start.Longitude)
	bearingRad := degreesToRadians(bearing)

	angularDist := distanceMeters / EarthRadiusMeters

	lat2 := math.Asin(
		math.Sin(lat1)*math.Cos(angularDist) +
			math.Cos(lat1)*math.Sin(angularDist)*math.Cos(bearingRad),
	)

	lng2 := lng1 + math.Atan2(
		math.Sin(bearingRad)*math.Sin(angularDist)*math.Cos(lat1),
		math.Cos(angularDist)-math.Sin(lat1)*math.Sin(lat2),
	)

	// Normalize longitude to -180 to 180
	lng2 = math.Mod(lng2+3*math.Pi, 2*math.Pi) - math.Pi

	return Coordinate{
		Latitude:  radiansToDegrees(lat2),
		Longitude: radiansToDegrees(lng2),
	}
}

// BoundingBox is the lat/lng rectangle enclosing a circle.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLng float64 `json:"max_lng"`
}

// BoundingBoxFromCircle creates the bounding box around a circle.
// The map view uses it to frame the fence.
func BoundingBoxFromCircle(center Coordinate, radiusMeters float64) BoundingBox {
	latDelta := radiusMeters / MetersPerDegreeLat
	lngDelta := radiusMeters / (MetersPerDegreeLat * math.Cos(degreesToRadians(center.Latitude)))

	return BoundingBox{
		MinLat: center.Latitude - latDelta,
		MaxLat: center.Latitude + latDelta,
		MinLng: center.Longitude - lngDelta,
		MaxLng: center.Longitude + lngDelta,
	}
}

// Contains checks if a coordinate is within the bounding box.
func (bb BoundingBox) Contains(c Coordinate) bool {
	return c.Latitude >= bb.MinLat && c.Latitude <= bb.MaxLat &&
		c.Longitude >= bb.MinLng && c.Longitude <= bb.MaxLng
}

func degreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}

func radiansToDegrees(radians float64) float64 {
	return radians * 180 / math.Pi
}
