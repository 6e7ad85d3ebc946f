// Package geo reprojects parcel geometries into WGS84 and validates the result.
package geo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/wroge/wgs84"
)

// WGS84 is the EPSG code of the target geographic reference system.
const WGS84 = 4326

// ErrUnsupportedCRS is returned for an EPSG code with no known projection.
var ErrUnsupportedCRS = errors.New("unsupported coordinate reference system")

// CRS is a registered reference system.
type CRS struct {
	Code int
	Name string
	sys  system
}

// ToWGS84 converts a position in the CRS to WGS84 longitude/latitude.
func (c CRS) ToWGS84(p orb.Point) orb.Point {
	return c.sys.toWGS84(p)
}

// FromWGS84 converts a WGS84 longitude/latitude into the CRS.
func (c CRS) FromWGS84(p orb.Point) orb.Point {
	return c.sys.fromWGS84(p)
}

// Geographic reports whether coordinates are already WGS84-compatible longitude/latitude degrees.
func (c CRS) Geographic() bool {
	return c.Code == WGS84 || c.Code == 4171
}

var registry = map[int]CRS{}

func register(code int, name string, sys system) {
	registry[code] = CRS{Code: code, Name: name, sys: sys}
}

func init() {
	register(WGS84, "WGS 84", geographic)
	register(4171, "RGF93", geographic)
	register(2154, "RGF93 / Lambert-93", projected(wgs84.RGF93FranceLambert()))

	// RGF93 / CC42 .. CC50: conic zones one degree apart centred on latitude 42..50.
	for zone := 42; zone <= 50; zone++ {
		register(3900+zone, fmt.Sprintf("RGF93 / CC%d", zone), projected(wgs84.RGF93CC(float64(zone))))
	}

	for zone := 1; zone <= 60; zone++ {
		register(32600+zone, fmt.Sprintf("WGS 84 / UTM zone %dN", zone), projected(wgs84.UTM(float64(zone), true)))
		register(32700+zone, fmt.Sprintf("WGS 84 / UTM zone %dS", zone), projected(wgs84.UTM(float64(zone), false)))
	}

	register(2972, "RGFG95 / UTM zone 22N", projected(overseasUTM(22, true)))
	register(2975, "RGR92 / UTM zone 40S", projected(overseasUTM(40, false)))
	register(4471, "RGM04 / UTM zone 38S", projected(overseasUTM(38, false)))
	register(5490, "RGAF09 / UTM zone 20N", projected(overseasUTM(20, true)))

	register(3857, "WGS 84 / Pseudo-Mercator", webMercator)
}

// Lookup returns the registered CRS for an EPSG code.
func Lookup(code int) (CRS, error) {
	c, ok := registry[code]
	if !ok {
		return CRS{}, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedCRS, code)
	}
	return c, nil
}

// prjNames maps well-known PROJCS/GEOGCS names found in ESRI .prj files to EPSG codes.
// The first matching entry wins, so more specific names come first.
var prjNames = []struct {
	fragment string
	code     int
}{
	{"LAMBERT_93", 2154},
	{"LAMBERT-93", 2154},
	{"RGF93_LAMBERT", 2154},
	{"RGFG95_UTM_ZONE_22N", 2972},
	{"RGR92_UTM_ZONE_40S", 2975},
	{"RGM04_UTM_ZONE_38S", 4471},
	{"RGAF09_UTM_ZONE_20N", 5490},
	{"PSEUDO_MERCATOR", 3857},
	{"WEB_MERCATOR", 3857},
}

// DetectPRJ guesses the EPSG code of an ESRI .prj WKT. It returns 0 when unknown.
func DetectPRJ(wkt string) int {
	s := strings.ToUpper(strings.TrimSpace(wkt))
	if s == "" {
		return 0
	}
	for _, n := range prjNames {
		if strings.Contains(s, n.fragment) {
			return n.code
		}
	}
	for zone := 42; zone <= 50; zone++ {
		if strings.Contains(s, fmt.Sprintf("CC%d", zone)) && strings.Contains(s, "RGF93") {
			return 3900 + zone
		}
	}
	if strings.Contains(s, "WGS_1984_UTM_ZONE_") || strings.Contains(s, "WGS 84 / UTM ZONE ") {
		var zone int
		var hemi string
		idx := strings.Index(s, "UTM_ZONE_")
		if idx < 0 {
			idx = strings.Index(s, "UTM ZONE ")
		}
		if _, err := fmt.Sscanf(s[idx+len("UTM_ZONE_"):], "%d%1s", &zone, &hemi); err == nil && zone >= 1 && zone <= 60 {
			if hemi == "S" {
				return 32700 + zone
			}
			return 32600 + zone
		}
	}
	if strings.HasPrefix(s, "GEOGCS") && (strings.Contains(s, "WGS_1984") || strings.Contains(s, "WGS 84")) {
		return WGS84
	}
	if strings.HasPrefix(s, "GEOGCS") && strings.Contains(s, "RGF93") {
		return 4171
	}
	return 0
}

// RegionCRS maps a French LPIS region code to the EPSG code its archive is published in.
// Overseas regions use local UTM zones; every metropolitan region uses Lambert-93.
func RegionCRS(region int) int {
	switch region {
	case 1, 2:
		return 32620
	case 3:
		return 2972
	case 4:
		return 2975
	case 6:
		return 4471
	default:
		return 2154
	}
}
