package geo

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Reprojector converts geometries from one registered CRS into WGS84.
type Reprojector struct {
	source CRS
}

// NewReprojector returns a reprojector from the given EPSG code into WGS84.
func NewReprojector(sourceEPSG int) (*Reprojector, error) {
	c, err := Lookup(sourceEPSG)
	if err != nil {
		return nil, err
	}
	return &Reprojector{source: c}, nil
}

// Source is the CRS coordinates are converted from.
func (r *Reprojector) Source() CRS {
	return r.source
}

// Point converts a single position.
func (r *Reprojector) Point(p orb.Point) orb.Point {
	return r.source.ToWGS84(p)
}

// Geometry returns a reprojected copy of g. The input is left untouched, and polygon rings
// come out with RFC 7946 winding (exterior counter-clockwise, holes clockwise).
func (r *Reprojector) Geometry(g orb.Geometry) (orb.Geometry, error) {
	switch g.(type) {
	case orb.Point, orb.MultiPoint, orb.LineString, orb.MultiLineString,
		orb.Ring, orb.Polygon, orb.MultiPolygon:
	case nil:
		return nil, fmt.Errorf("%w: missing geometry", ErrInvalidGeometry)
	default:
		return nil, fmt.Errorf("%w: unsupported geometry type %s", ErrInvalidGeometry, g.GeoJSONType())
	}

	out := orb.Clone(g)
	if !r.source.Geographic() {
		out = project.Geometry(out, r.source.sys.toWGS84)
	}

	switch out := out.(type) {
	case orb.Polygon:
		orientPolygon(out)
	case orb.MultiPolygon:
		for _, p := range out {
			orientPolygon(p)
		}
	}
	return out, nil
}

func orientPolygon(p orb.Polygon) {
	for i, ring := range p {
		OrientRing(ring, i == 0)
	}
}

// OrientRing reverses ring in place when its winding does not match RFC 7946.
func OrientRing(ring orb.Ring, exterior bool) {
	if len(ring) < 3 {
		return
	}
	o := ring.Orientation()
	if (exterior && o == orb.CW) || (!exterior && o == orb.CCW) {
		ring.Reverse()
	}
}
