package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/Lllllllleong/lpisingest/internal/models"
)

// ErrMalformedRecord marks a record that can not be turned into a feature. The stream
// continues past it.
var ErrMalformedRecord = errors.New("malformed record")

// Record is one decoded shapefile row. Err is set, wrapping ErrMalformedRecord, when the
// shape could not be converted; Attributes are still populated in that case.
type Record struct {
	Index      int
	Geometry   orb.Geometry
	Attributes []models.Attribute
	Err        error
}

// RecordReader walks the records of a shapefile once, in file order, without loading the
// layer in memory.
type RecordReader struct {
	sr     shp.SequentialReader
	fields []string
	next   int
	cur    Record
}

// bufferedStream hands go-shp the final bytes of an entry and its io.EOF in separate reads.
// Zip entry readers return both at once, which go-shp reports as a truncated header.
type bufferedStream struct {
	*bufio.Reader
	io.Closer
}

func buffer(rc io.ReadCloser) io.ReadCloser {
	return bufferedStream{Reader: bufio.NewReader(rc), Closer: rc}
}

func newRecordReader(shpRC, dbfRC io.ReadCloser) (*RecordReader, error) {
	sr := shp.SequentialReaderFromExt(buffer(shpRC), buffer(dbfRC))
	if err := sr.Err(); err != nil {
		_ = sr.Close()
		return nil, fmt.Errorf("%w: read shapefile header: %w", ErrArchiveUnreadable, err)
	}
	fs := sr.Fields()
	fields := make([]string, len(fs))
	for i, f := range fs {
		fields[i] = f.String()
	}
	return &RecordReader{sr: sr, fields: fields}, nil
}

// Fields returns the attribute names in .dbf order.
func (r *RecordReader) Fields() []string {
	return r.fields
}

// Next advances to the next record. It returns false at the end of the layer or on a
// stream error, which Err then reports.
func (r *RecordReader) Next() bool {
	if !r.sr.Next() {
		return false
	}
	n := r.next
	r.next++
	_, shape := r.sr.Shape()
	attrs := make([]models.Attribute, len(r.fields))
	for i, name := range r.fields {
		attrs[i] = models.Attribute{Name: name, Value: cleanValue(r.sr.Attribute(i))}
	}
	g, err := toGeometry(shape)
	if err != nil {
		err = fmt.Errorf("%w: record %d: %w", ErrMalformedRecord, n, err)
	}
	r.cur = Record{Index: n, Geometry: g, Attributes: attrs, Err: err}
	return true
}

// cleanValue drops the space or NUL padding of fixed-width dBASE values.
func cleanValue(s string) string {
	return strings.TrimFunc(s, func(r rune) bool { return r == 0 || unicode.IsSpace(r) })
}

// Record returns the current record.
func (r *RecordReader) Record() Record {
	return r.cur
}

// Err reports a stream-level failure. A truncated layer is an unreadable archive.
func (r *RecordReader) Err() error {
	if err := r.sr.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrArchiveUnreadable, err)
	}
	return nil
}

func (r *RecordReader) Close() error {
	return r.sr.Close()
}

func toGeometry(s shp.Shape) (orb.Geometry, error) {
	var parts []int32
	var points []shp.Point
	switch s := s.(type) {
	case *shp.Polygon:
		parts, points = s.Parts, s.Points
	case *shp.PolygonZ:
		parts, points = s.Parts, s.Points
	case *shp.PolygonM:
		parts, points = s.Parts, s.Points
	case nil, *shp.Null:
		return nil, errors.New("null shape")
	default:
		return nil, fmt.Errorf("unsupported shape type %T", s)
	}
	rings, err := splitRings(parts, points)
	if err != nil {
		return nil, err
	}
	return assemble(rings)
}

func splitRings(parts []int32, points []shp.Point) ([]orb.Ring, error) {
	if len(parts) == 0 || len(points) == 0 {
		return nil, errors.New("polygon without rings")
	}
	rings := make([]orb.Ring, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || end > int32(len(points)) || start >= end {
			return nil, fmt.Errorf("part %d has invalid bounds [%d,%d)", i, start, end)
		}
		ring := make(orb.Ring, 0, end-start)
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		if len(ring) < 4 {
			return nil, fmt.Errorf("part %d is a degenerate ring of %d points", i, len(ring))
		}
		rings = append(rings, ring)
	}
	return rings, nil
}

// assemble groups shapefile rings into polygons. Shapefile outer rings wind clockwise and
// holes counter-clockwise; each hole joins the outer ring containing it.
func assemble(rings []orb.Ring) (orb.Geometry, error) {
	var polys []orb.Polygon
	var holes []orb.Ring
	for i, r := range rings {
		switch r.Orientation() {
		case orb.CW:
			polys = append(polys, orb.Polygon{r})
		case orb.CCW:
			holes = append(holes, r)
		default:
			return nil, fmt.Errorf("ring %d has zero area", i)
		}
	}
	// Some writers ignore the winding convention and emit only counter-clockwise rings.
	if len(polys) == 0 {
		for _, h := range holes {
			polys = append(polys, orb.Polygon{h})
		}
		holes = nil
	}

	for _, h := range holes {
		owner := len(polys) - 1
		for j, p := range polys {
			if planar.RingContains(p[0], h[0]) {
				owner = j
				break
			}
		}
		polys[owner] = append(polys[owner], h)
	}

	if len(polys) == 1 {
		return polys[0], nil
	}
	return orb.MultiPolygon(polys), nil
}
