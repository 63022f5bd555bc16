package geofence

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/cobrun/geowatch/errors"
	"github.com/cobrun/geowatch/geo"
)

// Snapshot is a read-only view of the fence for rendering.
type Snapshot struct {
	Center       geo.Coordinate `json:"center"`
	RadiusMeters float64        `json:"radius_meters"`
	HasRadius    bool           `json:"has_radius"`
	Status       Status         `json:"status"`
	Tracking     bool           `json:"tracking"`
	SessionID    string         `json:"session_id,omitempty"`
	CenterCell   string         `json:"center_cell,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Store holds the fence definition and tracking state.
//
// Writers serialize on mu and publish an immutable Snapshot after every
// change, so Snapshot never blocks.
type Store struct {
	mu        sync.Mutex
	center    geo.Coordinate
	radius    float64
	hasRadius bool
	status    Status
	tracking  bool
	sessionID string

	cells *geo.H3Index
	now   func() time.Time
	snap  atomic.Pointer[Snapshot]
}

// NewStore creates a store centered on center with no radius.
// cells may be nil.
func NewStore(center geo.Coordinate, cells *geo.H3Index) *Store {
	s := &Store{center: center, cells: cells, now: time.Now}
	s.publishLocked()
	return s
}

// SetCenter replaces the center.
func (s *Store) SetCenter(c geo.Coordinate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.center = c
	s.publishLocked()
}

// SetRadius replaces the radius. Non-positive or non-finite values are
// rejected with an INVALID_RADIUS error and leave the prior radius in place.
func (s *Store) SetRadius(m float64) error {
	if !validRadius(m) {
		return apperrors.InvalidRadiusValue(m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.radius = m
	s.hasRadius = true
	s.publishLocked()
	return nil
}

// Snapshot returns the latest committed state.
func (s *Store) Snapshot() Snapshot {
	return *s.snap.Load()
}

func (s *Store) beginSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracking = true
	s.sessionID = id
	s.status = StatusUnknown
	s.publishLocked()
}

// endSession keeps the last status so the UI can still show it.
func (s *Store) endSession() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracking = false
	s.sessionID = ""
	s.publishLocked()
}

func (s *Store) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = st
	s.publishLocked()
}

func (s *Store) publishLocked() {
	snap := &Snapshot{
		Center:       s.center,
		RadiusMeters: s.radius,
		HasRadius:    s.hasRadius,
		Status:       s.status,
		Tracking:     s.tracking,
		SessionID:    s.sessionID,
		UpdatedAt:    s.now(),
	}
	if s.cells != nil {
		snap.CenterCell = s.cells.CellString(s.center)
	}
	s.snap.Store(snap)
}

// ParseRadius parses radius input from the UI. Only positive integers are
// accepted.
func ParseRadius(input string) (float64, error) {
	trimmed := strings.TrimSpace(input)
	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || n <= 0 {
		return 0, apperrors.InvalidRadius(trimmed)
	}
	return float64(n), nil
}

func validRadius(m float64) bool {
	return m > 0 && !math.IsInf(m, 0) && !math.IsNaN(m)
}
