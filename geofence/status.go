package geofence

import "fmt"

// Status is the classification of the latest applied sample.
type Status int

const (
	// StatusUnknown holds until the first sample of a session is classified.
	StatusUnknown Status = iota
	// StatusInside means the last sample was within the radius (inclusive).
	StatusInside
	// StatusOutside means the last sample was beyond the radius.
	StatusOutside
)

func (s Status) String() string {
	switch s {
	case StatusInside:
		return "inside"
	case StatusOutside:
		return "outside"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "unknown":
		*s = StatusUnknown
	case "inside":
		*s = StatusInside
	case "outside":
		*s = StatusOutside
	default:
		return fmt.Errorf("unknown geofence status %q", text)
	}
	return nil
}

func classify(distanceMeters, radiusMeters float64) Status {
	if distanceMeters <= radiusMeters {
		return StatusInside
	}
	return StatusOutside
}
