package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/wroge/wgs84"
)

// system is the pair of point projections between a CRS and WGS84 longitude/latitude.
type system struct {
	toWGS84   orb.Projection
	fromWGS84 orb.Projection
}

func identity(p orb.Point) orb.Point { return p }

var (
	geographic  = system{toWGS84: identity, fromWGS84: identity}
	webMercator = system{toWGS84: project.Mercator.ToWGS84, fromWGS84: project.WGS84.ToMercator}
)

// projected builds a system for a wgs84 reference system. Transformations run through
// geocentric coordinates, so datum shifts defined on crs are applied.
func projected(crs wgs84.CoordinateReferenceSystem) system {
	return system{
		toWGS84:   planar(wgs84.Transform(crs, wgs84.LonLat())),
		fromWGS84: planar(wgs84.Transform(wgs84.LonLat(), crs)),
	}
}

// planar drops the height component of f.
func planar(f wgs84.Func) orb.Projection {
	return func(p orb.Point) orb.Point {
		a, b, _ := f(p[0], p[1], 0)
		return orb.Point{a, b}
	}
}

// overseasUTM is a UTM zone on an ITRF-aligned GRS80 datum (RGFG95, RGR92, RGM04, RGAF09).
// These datums need no shift to WGS84 at parcel precision.
func overseasUTM(zone int, northern bool) wgs84.ProjectedReferenceSystem {
	northf := 0.0
	if !northern {
		northf = 10000000
	}
	z := float64(zone)
	return wgs84.Datum{Spheroid: wgs84.GRS80{}}.TransverseMercator(z*6-183, 0, 0.9996, 500000, northf)
}
