package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/Lllllllleong/lpisingest/internal/models"
)

var issued = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func square() orb.Polygon {
	return orb.Polygon{{{2.35, 48.85}, {2.36, 48.85}, {2.36, 48.86}, {2.35, 48.86}, {2.35, 48.85}}}
}

func feature(parcelID string, seq int64, at time.Time) models.Feature {
	area := 12500.0
	return models.Feature{
		ParcelID:      parcelID,
		DatasetID:     "lpis-fr",
		Campaign:      2023,
		CorrelationID: "corr-1",
		SourceCRS:     models.EPSG(2154),
		Properties: models.Properties{
			Area:     &area,
			CropCode: "BTH",
			Attributes: []models.Attribute{
				{Name: "ID_PARCEL", Value: parcelID},
				{Name: "SURF_PARC", Value: "1.25"},
				{Name: "CODE_CULTU", Value: "BTH"},
			},
		},
		Sequence: seq,
		IssuedAt: at,
	}
}

func document(t *testing.T, parcelID string, seq int64, at time.Time) models.StoredDocument {
	t.Helper()
	doc, err := NewDocument(feature(parcelID, seq, at), square())
	require.NoError(t, err)
	return doc
}

func TestNewDocument(t *testing.T) {
	doc := document(t, "FR-001", 7, issued)

	assert.Equal(t, "FR-001:2023", doc.ID)
	assert.Equal(t, "Polygon", doc.Geometry.Type)
	coords, ok := doc.Geometry.Coordinates.([][][]float64)
	require.True(t, ok)
	assert.Equal(t, []float64{2.35, 48.85}, coords[0][0])
	assert.Equal(t, "lpis-fr", doc.Ingestion.DatasetID)
	assert.Equal(t, 2154, doc.Ingestion.SourceCRS)
	assert.Equal(t, int64(7), doc.Ingestion.Sequence)
	assert.True(t, doc.Ingestion.IssuedAt.Equal(issued))

	mp, err := GeoJSON(orb.MultiPolygon{square(), square()})
	require.NoError(t, err)
	assert.Equal(t, "MultiPolygon", mp.Type)

	_, err = NewDocument(feature("X", 0, issued), orb.Point{1, 2})
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestBSON_KeepsAttributeOrder(t *testing.T) {
	d := BSON(document(t, "FR-001", 0, issued))

	assert.Equal(t, "_id", d[0].Key)
	assert.Equal(t, "FR-001:2023", d[0].Value)

	props, ok := d.Map()["properties"].(bson.D)
	require.True(t, ok)
	assert.Equal(t, "area", props[0].Key)
	assert.Equal(t, 12500.0, props[0].Value)

	attrs, ok := props.Map()["attributes"].(bson.D)
	require.True(t, ok)
	var names []string
	for _, e := range attrs {
		names = append(names, e.Key)
	}
	assert.Equal(t, []string{"ID_PARCEL", "SURF_PARC", "CODE_CULTU"}, names)
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "lpis_fr", CollectionName("", "lpis-fr"))
	assert.Equal(t, "parcels_lpis_be_wal", CollectionName("parcels_", "LPIS.be-wal"))
}

func TestPrefixFilter(t *testing.T) {
	assert.Equal(t, bson.D{}, prefixFilter(""))

	f := prefixFilter("lpis.v2+")
	require.Len(t, f, 1)
	assert.Equal(t, "name", f[0].Key)
	assert.Equal(t, bson.D{{Key: "$regex", Value: `^lpis\.v2\+`}}, f[0].Value)
}

func TestMemory_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("")

	res, err := m.Upsert(ctx, document(t, "FR-001", 1, issued))
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	// Redelivery of the same write is absorbed.
	res, err = m.Upsert(ctx, document(t, "FR-001", 1, issued))
	require.NoError(t, err)
	assert.Equal(t, Replaced, res)

	res, err = m.Upsert(ctx, document(t, "FR-001", 0, issued))
	require.NoError(t, err)
	assert.Equal(t, Stale, res)

	res, err = m.Upsert(ctx, document(t, "FR-001", 0, issued.Add(-time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, Stale, res)

	newer := document(t, "FR-001", 0, issued.Add(time.Hour))
	res, err = m.Upsert(ctx, newer)
	require.NoError(t, err)
	assert.Equal(t, Replaced, res)

	got, ok := m.Get("lpis-fr", "FR-001:2023")
	require.True(t, ok)
	assert.False(t, got.Ingestion.WrittenAt.IsZero())
	assert.True(t, got.Ingestion.WrittenAt.After(got.Ingestion.IssuedAt))
	got.Ingestion.WrittenAt = time.Time{}
	assert.Equal(t, newer, got)
	assert.Equal(t, 1, m.Count("lpis-fr"))
}

func TestMemory_CampaignsAreDistinctDocuments(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("")

	f := feature("FR-001", 0, issued)
	f.Campaign = 2022
	older, err := NewDocument(f, square())
	require.NoError(t, err)

	_, err = m.Upsert(ctx, document(t, "FR-001", 0, issued))
	require.NoError(t, err)
	_, err = m.Upsert(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Count("lpis-fr"))
}

func TestMemory_FailNext(t *testing.T) {
	m := NewMemory("")
	boom := fmt.Errorf("%w: socket closed", ErrTransient)
	m.FailNext(boom)

	_, err := m.Upsert(context.Background(), document(t, "FR-001", 0, issued))
	assert.ErrorIs(t, err, ErrTransient)
	res, err := m.Upsert(context.Background(), document(t, "FR-001", 0, issued))
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)
	assert.Equal(t, 2, m.Calls())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ErrTransient},
		{"stepdown", mongo.CommandError{Code: 189, Message: "primary stepped down"}, ErrTransient},
		{"labelled", mongo.CommandError{Code: 2, Labels: []string{"RetryableWriteError"}}, ErrTransient},
		{"server selection", errors.New("server selection error: context deadline exceeded"), ErrTransient},
		{"validation", mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 121, Message: "Document failed validation"}}}, ErrPermanent},
		{"geo keys", mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 16755, Message: "Can't extract geo keys"}}}, ErrPermanent},
		{"other", errors.New("boom"), ErrPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tc.err), tc.want)
		})
	}
	assert.Equal(t, context.Canceled, classify(context.Canceled))
	assert.NoError(t, classify(nil))
}

func TestMongo_Upsert(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	indexesCreated := mtest.CreateSuccessResponse()
	doc := document(t, "FR-001", 0, issued)

	mt.Run("inserted", func(mt *mtest.T) {
		mt.AddMockResponses(indexesCreated, mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: doc.ID}}}},
		))
		res, err := NewMongo(mt.DB, "", time.Second).Upsert(context.Background(), doc)
		require.NoError(mt, err)
		assert.Equal(mt, Inserted, res)
	})

	mt.Run("replaced", func(mt *mtest.T) {
		mt.AddMockResponses(indexesCreated, mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))
		res, err := NewMongo(mt.DB, "", time.Second).Upsert(context.Background(), doc)
		require.NoError(mt, err)
		assert.Equal(mt, Replaced, res)
	})

	mt.Run("stale after duplicate key twice", func(mt *mtest.T) {
		dup := mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key error"})
		mt.AddMockResponses(indexesCreated, dup, dup)
		res, err := NewMongo(mt.DB, "", time.Second).Upsert(context.Background(), doc)
		require.NoError(mt, err)
		assert.Equal(mt, Stale, res)
	})

	mt.Run("lost insert race then replaced", func(mt *mtest.T) {
		dup := mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key error"})
		mt.AddMockResponses(indexesCreated, dup, mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))
		res, err := NewMongo(mt.DB, "", time.Second).Upsert(context.Background(), doc)
		require.NoError(mt, err)
		assert.Equal(mt, Replaced, res)
	})

	mt.Run("rejected document", func(mt *mtest.T) {
		mt.AddMockResponses(indexesCreated, mtest.CreateWriteErrorsResponse(
			mtest.WriteError{Index: 0, Code: 16755, Message: "Can't extract geo keys"}))
		_, err := NewMongo(mt.DB, "", time.Second).Upsert(context.Background(), doc)
		assert.ErrorIs(mt, err, ErrPermanent)
	})
}
