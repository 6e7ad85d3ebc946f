// Package store persists reprojected parcels with last-write-wins upserts keyed by
// parcel and campaign.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/Lllllllleong/lpisingest/internal/models"
)

// Result is the outcome of an upsert.
type Result string

const (
	Inserted Result = "inserted"
	Replaced Result = "replaced"
	// Stale means the stored document already orders at or after the write, which was dropped.
	Stale Result = "stale"
)

var (
	// ErrTransient wraps failures worth retrying: timeouts, network errors, elections.
	ErrTransient = errors.New("transient store error")
	// ErrPermanent wraps failures that will not succeed on retry, e.g. rejected documents.
	ErrPermanent = errors.New("permanent store error")
)

// ParcelStore upserts stored documents.
type ParcelStore interface {
	Upsert(ctx context.Context, doc models.StoredDocument) (Result, error)
}

// CollectionName maps a dataset id onto its collection name.
func CollectionName(prefix, datasetID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, datasetID)
	return prefix + name
}

// NewDocument builds the stored form of a feature whose geometry was reprojected to g.
func NewDocument(f models.Feature, g orb.Geometry) (models.StoredDocument, error) {
	geom, err := GeoJSON(g)
	if err != nil {
		return models.StoredDocument{}, err
	}
	return models.StoredDocument{
		ID:         models.DocumentKey(f.ParcelID, f.Campaign),
		ParcelID:   f.ParcelID,
		Campaign:   f.Campaign,
		Geometry:   geom,
		Properties: f.Properties,
		Ingestion: models.IngestionMeta{
			DatasetID:     f.DatasetID,
			Campaign:      f.Campaign,
			CorrelationID: f.CorrelationID,
			SourceCRS:     f.SourceCRS.Code,
			IssuedAt:      f.IssuedAt.UTC(),
			Sequence:      f.Sequence,
		},
	}, nil
}

// GeoJSON converts a Polygon or MultiPolygon into plain nested coordinate slices.
func GeoJSON(g orb.Geometry) (models.GeoJSONGeometry, error) {
	switch g := g.(type) {
	case orb.Polygon:
		return models.GeoJSONGeometry{Type: "Polygon", Coordinates: polygonCoords(g)}, nil
	case orb.MultiPolygon:
		coords := make([][][][]float64, len(g))
		for i, p := range g {
			coords[i] = polygonCoords(p)
		}
		return models.GeoJSONGeometry{Type: "MultiPolygon", Coordinates: coords}, nil
	default:
		return models.GeoJSONGeometry{}, fmt.Errorf("%w: unsupported geometry %T", ErrPermanent, g)
	}
}

func polygonCoords(p orb.Polygon) [][][]float64 {
	rings := make([][][]float64, len(p))
	for i, r := range p {
		pts := make([][]float64, len(r))
		for j, pt := range r {
			pts[j] = []float64{pt[0], pt[1]}
		}
		rings[i] = pts
	}
	return rings
}

// BSON renders a document with its attributes in source order.
func BSON(doc models.StoredDocument) bson.D {
	props := bson.D{}
	if doc.Properties.Area != nil {
		props = append(props, bson.E{Key: "area", Value: *doc.Properties.Area})
	}
	if doc.Properties.CropCode != "" {
		props = append(props, bson.E{Key: "cropCode", Value: doc.Properties.CropCode})
	}
	if doc.Properties.CropGroup != "" {
		props = append(props, bson.E{Key: "cropGroup", Value: doc.Properties.CropGroup})
	}
	for _, a := range doc.Properties.Normalized {
		props = append(props, bson.E{Key: a.Name, Value: a.Value})
	}
	attrs := make(bson.D, 0, len(doc.Properties.Attributes))
	for _, a := range doc.Properties.Attributes {
		attrs = append(attrs, bson.E{Key: a.Name, Value: a.Value})
	}
	props = append(props, bson.E{Key: "attributes", Value: attrs})

	return bson.D{
		{Key: "_id", Value: doc.ID},
		{Key: "parcelId", Value: doc.ParcelID},
		{Key: "campaign", Value: doc.Campaign},
		{Key: "geometry", Value: doc.Geometry},
		{Key: "properties", Value: props},
		{Key: "ingestion", Value: doc.Ingestion},
	}
}
