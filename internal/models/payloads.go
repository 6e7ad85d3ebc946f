package models

import (
	"time"

	"github.com/paulmach/orb/geojson"
)

// These structs define the JSON payloads exchanged between the front door and the
// pipeline stages over the broker. Stages only ever couple through these schemas.

// IngestRequest is the body of POST /v1/ingestions/lpis/{country}.
type IngestRequest struct {
	SourceLocator string `json:"sourceLocator"`
	DatasetID     string `json:"datasetId"`
	Campaign      int    `json:"campaign"`
	// Region lets a caller ask for a catalogue lookup instead of giving a locator.
	Region        int    `json:"region,omitempty"`
	SourceCRS     int    `json:"sourceCrs,omitempty"`
	ParcelIDField string `json:"parcelIdField,omitempty"`
}

// IngestResponse acknowledges an accepted request. Ingestion itself is asynchronous.
type IngestResponse struct {
	CorrelationID string `json:"correlationId"`
	Message       string `json:"message"`
}

// NormalizedProperty maps a source attribute onto a normalized property, scaled to SI units.
type NormalizedProperty struct {
	SourceProp  string  `json:"sourceProp"`
	Coefficient float64 `json:"coefSI,omitempty"`
}

// DownloadCommand is published once per accepted request on the download topic.
// A non-zero Region namespaces parcel ids, which LPIS only numbers uniquely within a region.
type DownloadCommand struct {
	SourceLocator        string                        `json:"sourceLocator"`
	DatasetID            string                        `json:"datasetId"`
	Campaign             int                           `json:"campaign"`
	CorrelationID        string                        `json:"correlationId"`
	Country              string                        `json:"country,omitempty"`
	Format               string                        `json:"format,omitempty"`
	SourceCRS            int                           `json:"sourceCrs,omitempty"`
	Region               int                           `json:"region,omitempty"`
	ParcelIDField        string                        `json:"parcelIdField"`
	NormalizedProperties map[string]NormalizedProperty `json:"normalizedProperties,omitempty"`
	IssuedAt             time.Time                     `json:"issuedAt"`
}

// CRS tags a geometry with the reference system its coordinates are expressed in.
type CRS struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

// EPSG returns an EPSG tagged CRS.
func EPSG(code int) CRS {
	return CRS{Type: "EPSG", Code: code}
}

// Attribute is one source attribute, kept verbatim and in archive field order.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Properties is the explicit property mapping carried by a Feature. The expected keys are
// typed; every source attribute also passes through opaquely in Attributes.
type Properties struct {
	Area       *float64    `json:"area,omitempty"` // square metres
	CropCode   string      `json:"cropCode,omitempty"`
	CropGroup  string      `json:"cropGroup,omitempty"`
	Normalized []Attribute `json:"normalized,omitempty"`
	Attributes []Attribute `json:"attributes"`
}

// Lookup returns the verbatim value of a source attribute.
func (p Properties) Lookup(name string) (string, bool) {
	for _, a := range p.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Feature is the wire form of one archive record, published on the features topic.
// Geometry coordinates are in SourceCRS; reprojection happens in the store writer.
type Feature struct {
	ParcelID      string            `json:"parcelId"`
	DatasetID     string            `json:"datasetId"`
	Campaign      int               `json:"campaign"`
	CorrelationID string            `json:"correlationId"`
	SourceCRS     CRS               `json:"crs"`
	Geometry      *geojson.Geometry `json:"geometry"`
	Properties    Properties        `json:"properties"`
	Sequence      int64             `json:"sequence"`
	IssuedAt      time.Time         `json:"issuedAt"`
}

// DeadLetter wraps a message a stage gave up on, for inspection and replay.
type DeadLetter struct {
	Stage         string    `json:"stage"`
	Reason        string    `json:"reason"`
	Attempts      int       `json:"attempts"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Error         string    `json:"error,omitempty"`
	Original      []byte    `json:"original"`
}
