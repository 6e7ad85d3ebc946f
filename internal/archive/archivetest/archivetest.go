// Package archivetest builds LPIS-style shapefile archives for tests.
package archivetest

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
)

// Parcel is one polygon record. Values follow the layer's field order.
type Parcel struct {
	Rings  [][]shp.Point
	Values []any
}

// Layer describes a shapefile. Name may contain directories, e.g. "RPG/PARCELLES_GRAPHIQUES".
type Layer struct {
	Name    string
	Fields  []shp.Field
	Parcels []Parcel
	PRJ     string
}

// RPGFields are the attribute columns of an IGN RPG parcel layer.
func RPGFields() []shp.Field {
	return []shp.Field{
		shp.StringField("ID_PARCEL", 16),
		shp.FloatField("SURF_PARC", 12, 4),
		shp.StringField("CODE_CULTU", 4),
		shp.StringField("CODE_GROUP", 4),
	}
}

// Lambert93PRJ is the ESRI WKT shipped with metropolitan RPG archives.
const Lambert93PRJ = `PROJCS["RGF93_Lambert_93",GEOGCS["GCS_RGF_1993",DATUM["D_RGF_1993",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Lambert_Conformal_Conic"],PARAMETER["False_Easting",700000.0],PARAMETER["False_Northing",6600000.0],PARAMETER["Central_Meridian",3.0],PARAMETER["Standard_Parallel_1",49.0],PARAMETER["Standard_Parallel_2",44.0],PARAMETER["Latitude_Of_Origin",46.5],UNIT["Meter",1.0]]`

// Square returns a closed clockwise ring with its lower-left corner at (x, y).
func Square(x, y, size float64) []shp.Point {
	return []shp.Point{{X: x, Y: y}, {X: x, Y: y + size}, {X: x + size, Y: y + size}, {X: x + size, Y: y}, {X: x, Y: y}}
}

// Reverse returns ring with the opposite winding, as used for holes.
func Reverse(ring []shp.Point) []shp.Point {
	out := make([]shp.Point, len(ring))
	for i, p := range ring {
		out[len(ring)-1-i] = p
	}
	return out
}

// WriteLayer writes the layer's .shp, .shx, .dbf and optional .prj under dir and returns
// the archive entry name of each file keyed by its local path.
func WriteLayer(t testing.TB, dir string, l Layer) map[string]string {
	t.Helper()
	base := filepath.Join(dir, filepath.Base(l.Name))
	w, err := shp.Create(base+".shp", shp.POLYGON)
	if err != nil {
		t.Fatalf("create shapefile: %v", err)
	}
	if err := w.SetFields(l.Fields); err != nil {
		t.Fatalf("set fields: %v", err)
	}
	for _, p := range l.Parcels {
		poly := shp.Polygon(*shp.NewPolyLine(p.Rings))
		row := int(w.Write(&poly))
		for i, v := range p.Values {
			if err := w.WriteAttribute(row, i, v); err != nil {
				t.Fatalf("write attribute: %v", err)
			}
		}
	}
	w.Close()
	// go-shp names the attribute table "<base>dbf".
	if err := os.Rename(base+"dbf", base+".dbf"); err != nil {
		t.Fatalf("rename dbf: %v", err)
	}

	files := map[string]string{
		base + ".shp": l.Name + ".shp",
		base + ".shx": l.Name + ".shx",
		base + ".dbf": l.Name + ".dbf",
	}
	if l.PRJ != "" {
		if err := os.WriteFile(base+".prj", []byte(l.PRJ), 0o644); err != nil {
			t.Fatalf("write prj: %v", err)
		}
		files[base+".prj"] = l.Name + ".prj"
	}
	return files
}

// Zip writes the given local files into a zip archive at target, under their entry names.
func Zip(t testing.TB, target string, files map[string]string) {
	t.Helper()
	out, err := os.Create(target)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for local, name := range files {
		w, err := zw.Create(path.Clean(name))
		if err != nil {
			t.Fatalf("zip entry %s: %v", name, err)
		}
		in, err := os.Open(local)
		if err != nil {
			t.Fatalf("open %s: %v", local, err)
		}
		_, err = io.Copy(w, in)
		in.Close()
		if err != nil {
			t.Fatalf("copy %s: %v", local, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}

// ZipLayers writes every layer into one zip archive in a fresh temp dir and returns its path.
func ZipLayers(t testing.TB, layers ...Layer) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{}
	for i, l := range layers {
		layerDir := filepath.Join(dir, "layer", string(rune('a'+i)))
		if err := os.MkdirAll(layerDir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		for local, name := range WriteLayer(t, layerDir, l) {
			files[local] = name
		}
	}
	target := filepath.Join(dir, "archive.zip")
	Zip(t, target, files)
	return target
}
