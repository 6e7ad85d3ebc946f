package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/peterstace/simplefeatures/geom"
)

// ErrInvalidGeometry is returned for geometries that can not be stored.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Validate checks that g is a Polygon or MultiPolygon in WGS84 with closed, non-degenerate,
// simple rings whose holes lie inside the exterior.
func Validate(g orb.Geometry) error {
	switch g := g.(type) {
	case orb.Polygon:
		return validatePolygon(g)
	case orb.MultiPolygon:
		if len(g) == 0 {
			return fmt.Errorf("%w: empty multipolygon", ErrInvalidGeometry)
		}
		for i, p := range g {
			if err := validatePolygon(p); err != nil {
				return fmt.Errorf("polygon %d: %w", i, err)
			}
		}
		return nil
	case nil:
		return fmt.Errorf("%w: missing geometry", ErrInvalidGeometry)
	default:
		return fmt.Errorf("%w: expected Polygon or MultiPolygon, got %s", ErrInvalidGeometry, g.GeoJSONType())
	}
}

func validatePolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: polygon without rings", ErrInvalidGeometry)
	}
	for i, ring := range p {
		if err := validateRing(ring); err != nil {
			return fmt.Errorf("ring %d: %w", i, err)
		}
	}
	return simple(p)
}

func validateRing(r orb.Ring) error {
	if len(r) < 4 {
		return fmt.Errorf("%w: ring has %d positions, need at least 4", ErrInvalidGeometry, len(r))
	}
	for _, pt := range r {
		lon, lat := pt[0], pt[1]
		if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
			return fmt.Errorf("%w: non-finite coordinate", ErrInvalidGeometry)
		}
		if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
			return fmt.Errorf("%w: coordinate (%g, %g) out of bounds", ErrInvalidGeometry, lon, lat)
		}
	}
	if !r.Closed() {
		return fmt.Errorf("%w: ring not closed", ErrInvalidGeometry)
	}
	if distinct(r) < 3 {
		return fmt.Errorf("%w: ring has fewer than 3 distinct positions", ErrInvalidGeometry)
	}
	if r.Orientation() == 0 {
		return fmt.Errorf("%w: ring has zero area", ErrInvalidGeometry)
	}
	return nil
}

func distinct(r orb.Ring) int {
	seen := make(map[orb.Point]struct{}, len(r))
	for _, p := range r {
		seen[p] = struct{}{}
	}
	return len(seen)
}

// simple checks ring simplicity, ring nesting and interior connectivity on p.
func simple(p orb.Polygon) error {
	rings := make([][]float64, len(p))
	for i, r := range p {
		xys := make([]float64, 0, 2*len(r))
		for _, pt := range r {
			xys = append(xys, pt[0], pt[1])
		}
		rings[i] = xys
	}
	if err := geom.NewPolygonXY(rings...).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	return nil
}
