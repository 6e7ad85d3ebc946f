package models

import (
	"strconv"
	"time"
)

// Job statuses recorded in the ingestion ledger.
const (
	JobAccepted    = "ACCEPTED"
	JobDownloading = "DOWNLOADING"
	JobStreaming   = "STREAMING"
	JobCompleted   = "COMPLETED"
	JobFailed      = "FAILED"
)

// IngestionJob is the ledger record of one Download Command in Firestore.
// It tracks the overall status and counters of the ingestion, keyed by correlation id.
type IngestionJob struct {
	CorrelationID    string    `firestore:"correlationId,omitempty" json:"correlationId"`
	DatasetID        string    `firestore:"datasetId,omitempty" json:"datasetId"`
	Campaign         int       `firestore:"campaign,omitempty" json:"campaign"`
	SourceLocator    string    `firestore:"sourceLocator,omitempty" json:"sourceLocator"`
	Status           string    `firestore:"status,omitempty" json:"status"`
	FeatureCount     int64     `firestore:"featureCount" json:"featureCount"`
	RecordErrorCount int64     `firestore:"recordErrorCount" json:"recordErrorCount"`
	ErrorDetails     string    `firestore:"errorDetails,omitempty" json:"errorDetails,omitempty"`
	CreatedAt        time.Time `firestore:"createdAt,omitempty" json:"createdAt"`
	UpdatedAt        time.Time `firestore:"updatedAt,omitempty" json:"updatedAt"`
}

// StoredDocument is the persisted parcel. ID is "<parcelId>:<campaign>".
type StoredDocument struct {
	ID         string
	ParcelID   string
	Campaign   int
	Geometry   GeoJSONGeometry
	Properties Properties
	Ingestion  IngestionMeta
}

// GeoJSONGeometry is a WGS84 GeoJSON geometry ready for a 2dsphere index.
type GeoJSONGeometry struct {
	Type        string `bson:"type" json:"type"`
	Coordinates any    `bson:"coordinates" json:"coordinates"`
}

// IngestionMeta orders writes for last-write-wins: IssuedAt first, then Sequence.
// IssuedAt is the download command's issue time; WrittenAt is when the store accepted the write.
type IngestionMeta struct {
	DatasetID     string    `bson:"datasetId" json:"datasetId"`
	Campaign      int       `bson:"campaign" json:"campaign"`
	CorrelationID string    `bson:"correlationId" json:"correlationId"`
	SourceCRS     int       `bson:"sourceCrs" json:"sourceCrs"`
	IssuedAt      time.Time `bson:"issuedAt" json:"issuedAt"`
	Sequence      int64     `bson:"sequence" json:"sequence"`
	WrittenAt     time.Time `bson:"writtenAt" json:"writtenAt"`
}

// Newer reports whether m orders strictly after o. WrittenAt plays no part.
func (m IngestionMeta) Newer(o IngestionMeta) bool {
	if !m.IssuedAt.Equal(o.IssuedAt) {
		return m.IssuedAt.After(o.IssuedAt)
	}
	return m.Sequence > o.Sequence
}

// DocumentKey builds the store key of a parcel in a campaign.
func DocumentKey(parcelID string, campaign int) string {
	return parcelID + ":" + strconv.Itoa(campaign)
}
