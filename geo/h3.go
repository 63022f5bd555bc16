package geo

import (
	"fmt"
	"math"
	"strconv"

	"github.com/uber/h3-go/v4"
)

// H3Resolution defines the H3 resolution levels.
// Resolution 8: ~0.74 km² average hexagon area (~0.46 km edge)
// Resolution 9: ~0.11 km² average hexagon area (~0.17 km edge)
// Resolution 10: ~0.015 km² average hexagon area (~0.065 km edge)
type H3Resolution int

const (
	// H3ResolutionNeighborhood suits fences of a few kilometers.
	H3ResolutionNeighborhood H3Resolution = 8
	// H3ResolutionBlock suits fences of a few hundred meters.
	H3ResolutionBlock H3Resolution = 9
	// H3ResolutionBuilding suits fences below ~100 m.
	H3ResolutionBuilding H3Resolution = 10

	// MaxCoverRings bounds CoverCircle to about 30k cells.
	MaxCoverRings = 100
)

// H3Index maps coordinates onto H3 cells so the UI can shade the fence on a map.
type H3Index struct {
	resolution int
}

// NewH3Index creates a new H3 indexer with the specified resolution.
func NewH3Index(resolution H3Resolution) *H3Index {
	return &H3Index{
		resolution: int(resolution),
	}
}

// Resolution returns the configured resolution.
func (h *H3Index) Resolution() int {
	return h.resolution
}

// Cell converts a coordinate to an H3 cell.
func (h *H3Index) Cell(c Coordinate) h3.Cell {
	return h3.LatLngToCell(h3.LatLng{Lat: c.Latitude, Lng: c.Longitude}, h.resolution)
}

// CellString returns the H3 cell string for a coordinate.
func (h *H3Index) CellString(c Coordinate) string {
	return h.Cell(c).String()
}

// CellCenter converts an H3 cell to its center coordinate.
func (h *H3Index) CellCenter(cell h3.Cell) Coordinate {
	ll := h3.CellToLatLng(cell)
	return Coordinate{Latitude: ll.Lat, Longitude: ll.Lng}
}

// ParseCell converts a hex cell string back to an H3 cell.
func (h *H3Index) ParseCell(s string) (h3.Cell, error) {
	index, err := strconv.ParseUint(s, 16, 64)
	if err != nil || index == 0 {
		return 0, fmt.Errorf("invalid H3 cell string: %s", s)
	}
	return h3.Cell(index), nil
}

// CoverCircle returns the cells whose centers fall inside the circle.
// The center cell is always included so tiny fences still render.
// truncated reports that the fence needs more than MaxCoverRings rings and
// only the inner part was covered.
func (h *H3Index) CoverCircle(center Coordinate, radiusMeters float64) (cells []string, truncated bool) {
	kRings := h.ringsFor(radiusMeters)
	if kRings > MaxCoverRings {
		kRings = MaxCoverRings
		truncated = true
	}

	origin := h.Cell(center)
	cells = []string{origin.String()}

	for _, c := range h3.GridDisk(origin, kRings) {
		if c == origin {
			continue
		}
		if Within(h.CellCenter(c), center, radiusMeters) {
			cells = append(cells, c.String())
		}
	}
	return cells, truncated
}

// ringsFor returns the grid distance needed to reach radiusMeters. Each
// ring moves at least 1.5 edge lengths outwards; one extra ring absorbs
// the size variation of cells across the globe.
func (h *H3Index) ringsFor(radiusMeters float64) int {
	return int(math.Ceil(radiusMeters/(1.5*h.edgeLengthMeters()))) + 1
}

// edgeLengthMeters returns the average hexagon edge length for the resolution.
func (h *H3Index) edgeLengthMeters() float64 {
	if h.resolution < 0 || h.resolution >= len(avgEdgeLengthMeters) {
		return avgEdgeLengthMeters[len(avgEdgeLengthMeters)-1]
	}
	return avgEdgeLengthMeters[h.resolution]
}

// Average hexagon edge length per resolution, 0 through 15.
var avgEdgeLengthMeters = [...]float64{
	1281256, 483057, 182513, 68979, 26072, 9854, 3725, 1406,
	531.4, 200.8, 75.9, 28.7, 10.8, 4.1, 1.55, 0.58,
}
