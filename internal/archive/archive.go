// Package archive fetches LPIS archives and streams the parcel records out of the
// shapefile they contain.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
)

// Supported container formats.
const (
	FormatZip = "zip"
	Format7z  = "7z"
)

// PreferredShapefile is the parcel layer name used by the IGN RPG distribution.
const PreferredShapefile = "PARCELLES_GRAPHIQUES.shp"

var (
	// ErrArchiveUnreadable covers corrupt containers and archives without a usable shapefile.
	ErrArchiveUnreadable = errors.New("archive unreadable")
	// ErrEmptyArchive is returned by Shapefile for a container with no entries at all.
	ErrEmptyArchive = errors.New("archive is empty")
)

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	sevenZipMagic = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}
)

type entry struct {
	name string
	open func() (io.ReadCloser, error)
}

// Archive is an opened container. Entries are read lazily.
type Archive struct {
	Format  string
	entries []entry
	closer  io.Closer
	dir     string
	scratch string
}

// Open detects the container format of the file at p from its magic bytes and opens it.
func Open(p string) (*Archive, error) {
	format, err := sniff(p)
	if err != nil {
		return nil, err
	}

	a := &Archive{Format: format, dir: filepath.Dir(p)}
	switch format {
	case FormatZip:
		zr, err := zip.OpenReader(p)
		if err != nil {
			return nil, fmt.Errorf("%w: open zip: %w", ErrArchiveUnreadable, err)
		}
		a.closer = zr
		for _, f := range zr.File {
			if f.FileInfo().IsDir() {
				continue
			}
			a.entries = append(a.entries, entry{name: f.Name, open: f.Open})
		}
	case Format7z:
		sr, err := sevenzip.OpenReader(p)
		if err != nil {
			return nil, fmt.Errorf("%w: open 7z: %w", ErrArchiveUnreadable, err)
		}
		a.closer = sr
		for _, f := range sr.File {
			if f.FileInfo().IsDir() {
				continue
			}
			a.entries = append(a.entries, entry{name: f.Name, open: f.Open})
		}
	}
	return a, nil
}

func sniff(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrArchiveUnreadable, err)
	}
	defer f.Close()

	head := make([]byte, len(sevenZipMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: read header: %w", ErrArchiveUnreadable, err)
	}
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmptyMagic):
		return FormatZip, nil
	case bytes.HasPrefix(head, sevenZipMagic):
		return Format7z, nil
	default:
		return "", fmt.Errorf("%w: unknown container format", ErrArchiveUnreadable)
	}
}

// Names lists the file entries of the archive.
func (a *Archive) Names() []string {
	names := make([]string, len(a.entries))
	for i, e := range a.entries {
		names[i] = e.name
	}
	return names
}

// Close releases the container and any extracted scratch files.
func (a *Archive) Close() error {
	var errs []error
	if a.closer != nil {
		errs = append(errs, a.closer.Close())
	}
	if a.scratch != "" {
		errs = append(errs, os.RemoveAll(a.scratch))
	}
	return errors.Join(errs...)
}

// Shapefile is a located .shp layer together with its sidecar files.
type Shapefile struct {
	Name string
	// PRJ holds the ESRI WKT of the layer, empty when the archive has no .prj.
	PRJ string

	archive  *Archive
	shp, dbf entry
}

// Shapefile locates the parcel layer: the single PARCELLES_GRAPHIQUES.shp when present,
// otherwise the only .shp of the archive. Its .dbf is required; the .prj is optional.
func (a *Archive) Shapefile() (*Shapefile, error) {
	if len(a.entries) == 0 {
		return nil, ErrEmptyArchive
	}

	var all, preferred []entry
	for _, e := range a.entries {
		base := path.Base(e.name)
		if strings.HasPrefix(e.name, "__MACOSX/") || strings.HasPrefix(base, "._") {
			continue
		}
		if !strings.EqualFold(path.Ext(base), ".shp") {
			continue
		}
		all = append(all, e)
		if strings.EqualFold(base, PreferredShapefile) {
			preferred = append(preferred, e)
		}
	}

	var shpEntry entry
	switch {
	case len(preferred) == 1:
		shpEntry = preferred[0]
	case len(preferred) > 1:
		return nil, fmt.Errorf("%w: %d %s layers found", ErrArchiveUnreadable, len(preferred), PreferredShapefile)
	case len(all) == 1:
		shpEntry = all[0]
	case len(all) == 0:
		return nil, fmt.Errorf("%w: no shapefile among %d entries", ErrArchiveUnreadable, len(a.entries))
	default:
		return nil, fmt.Errorf("%w: %d shapefiles found and none named %s", ErrArchiveUnreadable, len(all), PreferredShapefile)
	}

	stem := strings.TrimSuffix(shpEntry.name, path.Ext(shpEntry.name))
	dbf, ok := a.sidecar(stem, ".dbf")
	if !ok {
		return nil, fmt.Errorf("%w: %s has no .dbf", ErrArchiveUnreadable, shpEntry.name)
	}
	s := &Shapefile{Name: shpEntry.name, archive: a, shp: shpEntry, dbf: dbf}

	if prj, ok := a.sidecar(stem, ".prj"); ok {
		wkt, err := readAll(prj)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrArchiveUnreadable, prj.name, err)
		}
		s.PRJ = wkt
	}
	return s, nil
}

func (a *Archive) sidecar(stem, ext string) (entry, bool) {
	for _, e := range a.entries {
		if strings.EqualFold(e.name, stem+ext) {
			return e, true
		}
	}
	return entry{}, false
}

func readAll(e entry) (string, error) {
	rc, err := e.open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 64<<10))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Records opens the .shp and .dbf streams and returns a sequential record reader.
// 7z entries are first extracted to scratch files, since a solid block can not serve two
// interleaved streams efficiently.
func (s *Shapefile) Records() (*RecordReader, error) {
	shpRC, err := s.open(s.shp)
	if err != nil {
		return nil, err
	}
	dbfRC, err := s.open(s.dbf)
	if err != nil {
		_ = shpRC.Close()
		return nil, err
	}
	return newRecordReader(shpRC, dbfRC)
}

func (s *Shapefile) open(e entry) (io.ReadCloser, error) {
	if s.archive.Format != Format7z {
		rc, err := e.open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ErrArchiveUnreadable, e.name, err)
		}
		return rc, nil
	}

	if s.archive.scratch == "" {
		dir, err := os.MkdirTemp(s.archive.dir, "extract-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create scratch dir: %w", err)
		}
		s.archive.scratch = dir
	}
	target := filepath.Join(s.archive.scratch, path.Base(e.name))
	if err := extract(e, target); err != nil {
		return nil, fmt.Errorf("%w: extract %s: %w", ErrArchiveUnreadable, e.name, err)
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("failed to open extracted %s: %w", e.name, err)
	}
	return f, nil
}

func extract(e entry, target string) error {
	rc, err := e.open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
