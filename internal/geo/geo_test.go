package geo

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLambert93_Origin(t *testing.T) {
	c, err := Lookup(2154)
	require.NoError(t, err)

	xy := c.FromWGS84(orb.Point{3, 46.5})
	assert.InDelta(t, 700000, xy[0], 1e-3)
	assert.InDelta(t, 6600000, xy[1], 1e-3)

	ll := c.ToWGS84(orb.Point{700000, 6600000})
	assert.InDelta(t, 3, ll[0], 1e-8)
	assert.InDelta(t, 46.5, ll[1], 1e-8)
	assert.False(t, c.Geographic())
}

func TestUTM_CentralMeridian(t *testing.T) {
	north, err := Lookup(32620)
	require.NoError(t, err)
	xy := north.FromWGS84(orb.Point{-63, 0})
	assert.InDelta(t, 500000, xy[0], 1e-3)
	assert.InDelta(t, 0, xy[1], 1e-3)

	south, err := Lookup(2975)
	require.NoError(t, err)
	xy = south.FromWGS84(orb.Point{57, 0})
	assert.InDelta(t, 500000, xy[0], 1e-3)
	assert.InDelta(t, 10000000, xy[1], 1e-3)
}

func TestProjections_RoundTrip(t *testing.T) {
	cases := []struct {
		code     int
		lon, lat float64
	}{
		{2154, 2.3522, 48.8566},
		{2154, -4.4861, 48.3904},
		{2154, 7.2620, 43.7102},
		{3944, 1.4442, 43.6047},
		{3949, 2.3522, 48.8566},
		{32620, -61.5334, 16.2650},
		{32620, -61.0588, 14.6161},
		{2972, -52.3260, 4.9224},
		{2975, 55.4504, -20.8823},
		{4471, 45.2279, -12.7806},
		{3857, 2.3522, 48.8566},
	}
	for _, tc := range cases {
		c, err := Lookup(tc.code)
		require.NoError(t, err)

		ll := c.ToWGS84(c.FromWGS84(orb.Point{tc.lon, tc.lat}))
		assert.InDelta(t, tc.lon, ll[0], 1e-6, "EPSG:%d lon", tc.code)
		assert.InDelta(t, tc.lat, ll[1], 1e-6, "EPSG:%d lat", tc.code)
	}
}

func TestLookup_Unknown(t *testing.T) {
	_, err := Lookup(27572)
	assert.ErrorIs(t, err, ErrUnsupportedCRS)
}

func TestDetectPRJ(t *testing.T) {
	cases := []struct {
		wkt  string
		want int
	}{
		{`PROJCS["RGF93_Lambert_93",GEOGCS["GCS_RGF_1993"]]`, 2154},
		{`PROJCS["RGF93 / Lambert-93",GEOGCS["RGF93"]]`, 2154},
		{`PROJCS["WGS_1984_UTM_Zone_20N",GEOGCS["GCS_WGS_1984"]]`, 32620},
		{`PROJCS["WGS_1984_UTM_Zone_38S",GEOGCS["GCS_WGS_1984"]]`, 32738},
		{`PROJCS["RGR92_UTM_zone_40S",GEOGCS["GCS_RGR92"]]`, 2975},
		{`PROJCS["RGF93_CC46",GEOGCS["GCS_RGF_1993"]]`, 3946},
		{`GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137,298.257223563]]]`, 4326},
		{``, 0},
		{`PROJCS["NTF_Lambert_II"]`, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectPRJ(tc.wkt), tc.wkt)
	}
}

func TestRegionCRS(t *testing.T) {
	assert.Equal(t, 32620, RegionCRS(1))
	assert.Equal(t, 32620, RegionCRS(2))
	assert.Equal(t, 2972, RegionCRS(3))
	assert.Equal(t, 2975, RegionCRS(4))
	assert.Equal(t, 4471, RegionCRS(6))
	assert.Equal(t, 2154, RegionCRS(11))
	assert.Equal(t, 2154, RegionCRS(84))
}

// lambertSquare is a 100 m square near Paris, clockwise as shapefiles store outer rings.
func lambertSquare() orb.Polygon {
	return orb.Polygon{{
		{652000, 6862000}, {652000, 6862100}, {652100, 6862100}, {652100, 6862000}, {652000, 6862000},
	}}
}

func TestReprojector_Polygon(t *testing.T) {
	r, err := NewReprojector(2154)
	require.NoError(t, err)
	assert.Equal(t, 2154, r.Source().Code)

	in := lambertSquare()
	out, err := r.Geometry(in)
	require.NoError(t, err)

	poly, ok := out.(orb.Polygon)
	require.True(t, ok)
	require.Len(t, poly, 1)
	require.Len(t, poly[0], 5)
	assert.Equal(t, orb.CCW, poly[0].Orientation())
	assert.True(t, poly[0].Closed())
	for _, p := range poly[0] {
		assert.InDelta(t, 2.35, p[0], 0.05)
		assert.InDelta(t, 48.86, p[1], 0.05)
	}
	// input untouched
	assert.Equal(t, lambertSquare(), in)
	require.NoError(t, Validate(poly))
}

func TestReprojector_HoleWinding(t *testing.T) {
	r, err := NewReprojector(4326)
	require.NoError(t, err)

	poly := orb.Polygon{
		{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}},
		{{2, 2}, {8, 2}, {8, 8}, {2, 8}, {2, 2}},
	}
	out, err := r.Geometry(orb.MultiPolygon{poly})
	require.NoError(t, err)

	mp := out.(orb.MultiPolygon)
	assert.Equal(t, orb.CCW, mp[0][0].Orientation())
	assert.Equal(t, orb.CW, mp[0][1].Orientation())
}

func TestReprojector_RoundTripSubMetre(t *testing.T) {
	c, err := Lookup(2154)
	require.NoError(t, err)
	r, err := NewReprojector(2154)
	require.NoError(t, err)

	for _, p := range lambertSquare()[0] {
		ll := r.Point(p)
		xy := c.FromWGS84(ll)
		assert.InDelta(t, p[0], xy[0], 0.05)
		assert.InDelta(t, p[1], xy[1], 0.05)
	}
}

func TestReprojector_WebMercator(t *testing.T) {
	r, err := NewReprojector(3857)
	require.NoError(t, err)

	out, err := r.Geometry(orb.LineString{{0, 0}, {261845.7, 6250564.3}})
	require.NoError(t, err)
	ls := out.(orb.LineString)
	assert.InDelta(t, 0, ls[0][0], 1e-9)
	assert.InDelta(t, 0, ls[0][1], 1e-9)
	assert.InDelta(t, 2.3522, ls[1][0], 1e-4)
	assert.InDelta(t, 48.8566, ls[1][1], 1e-4)
}

func TestReprojector_Errors(t *testing.T) {
	_, err := NewReprojector(9999)
	assert.ErrorIs(t, err, ErrUnsupportedCRS)

	r, err := NewReprojector(2154)
	require.NoError(t, err)
	_, err = r.Geometry(nil)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
	_, err = r.Geometry(orb.Bound{})
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestValidate(t *testing.T) {
	square := orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}

	cases := []struct {
		name  string
		geom  orb.Geometry
		valid bool
	}{
		{"square", orb.Polygon{square}, true},
		{"multipolygon", orb.MultiPolygon{{square}}, true},
		{"repeated vertex", orb.Polygon{{{0, 0}, {1, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}, true},
		{"point", orb.Point{1, 2}, false},
		{"nil", nil, false},
		{"empty multipolygon", orb.MultiPolygon{}, false},
		{"no rings", orb.Polygon{}, false},
		{"too few positions", orb.Polygon{{{0, 0}, {1, 0}, {0, 0}}}, false},
		{"not closed", orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}}}, false},
		{"two distinct points", orb.Polygon{{{0, 0}, {1, 0}, {0, 0}, {1, 0}, {0, 0}}}, false},
		{"collinear", orb.Polygon{{{0, 0}, {1, 0}, {2, 0}, {0, 0}}}, false},
		{"out of bounds", orb.Polygon{{{650000, 6860000}, {650100, 6860000}, {650100, 6860100}, {650000, 6860000}}}, false},
		{"nan", orb.Polygon{{{0, 0}, {math.NaN(), 0}, {1, 1}, {0, 0}}}, false},
		{"bowtie", orb.Polygon{{{0, 0}, {1, 1}, {1, 0}, {0, 1}, {0, 0}}}, false},
		{"hole", orb.Polygon{square, {{0.2, 0.2}, {0.2, 0.8}, {0.8, 0.8}, {0.8, 0.2}, {0.2, 0.2}}}, true},
		{"hole outside exterior", orb.Polygon{square, {{2, 2}, {2, 3}, {3, 3}, {3, 2}, {2, 2}}}, false},
		{"hole crossing exterior", orb.Polygon{square, {{0.5, 0.5}, {0.5, 2}, {2, 2}, {2, 0.5}, {0.5, 0.5}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.geom)
			if tc.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidGeometry)
		})
	}
}
