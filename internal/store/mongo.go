package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/Lllllllleong/lpisingest/internal/models"
)

// Server error codes the store reacts to.
const (
	codeDocumentValidation = 121
	codeGeoKeyExtraction   = 16755
)

// Codes of server errors raised while a replica set changes primary or shuts down.
var transientCodes = []int{6, 7, 89, 91, 189, 262, 9001, 10107, 11600, 11602, 13435, 13436}

// Mongo is a ParcelStore on MongoDB, one collection per dataset.
type Mongo struct {
	db        *mongo.Database
	prefix    string
	opTimeout time.Duration
	indexed   sync.Map // collection name -> struct{}
}

// Connect dials uri and pings the primary. An unreachable store at startup is fatal.
func Connect(ctx context.Context, uri string, connectTimeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(connectTimeout).
		SetRetryWrites(true))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}
	return client, nil
}

// NewMongo returns a store writing into db. Collections are named prefix + dataset id.
func NewMongo(db *mongo.Database, prefix string, opTimeout time.Duration) *Mongo {
	if opTimeout <= 0 {
		opTimeout = 15 * time.Second
	}
	return &Mongo{db: db, prefix: prefix, opTimeout: opTimeout}
}

// EnsureExistingIndexes ensures indexes on every collection already carrying the prefix.
// Collections created later are indexed on their first write.
func (m *Mongo) EnsureExistingIndexes(ctx context.Context) error {
	names, err := m.db.ListCollectionNames(ctx, prefixFilter(m.prefix))
	if err != nil {
		return fmt.Errorf("list collections: %w", classify(err))
	}
	for _, name := range names {
		if strings.HasPrefix(name, "system.") {
			continue
		}
		if err := m.ensureIndexes(ctx, m.db.Collection(name)); err != nil {
			return err
		}
	}
	return nil
}

// prefixFilter matches collection names starting with prefix literally.
func prefixFilter(prefix string) bson.D {
	if prefix == "" {
		return bson.D{}
	}
	return bson.D{{Key: "name", Value: bson.D{{Key: "$regex", Value: "^" + regexp.QuoteMeta(prefix)}}}}
}

// ensureIndexes creates the 2dsphere geometry index and the unique parcel/campaign index.
func (m *Mongo) ensureIndexes(ctx context.Context, coll *mongo.Collection) error {
	if _, done := m.indexed.Load(coll.Name()); done {
		return nil
	}
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "geometry", Value: "2dsphere"}},
			Options: options.Index().SetName("geometry_2dsphere"),
		},
		{
			Keys:    bson.D{{Key: "parcelId", Value: 1}, {Key: "campaign", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("parcel_campaign_unique"),
		},
	})
	if err != nil {
		return fmt.Errorf("ensure indexes on %s: %w", coll.Name(), classify(err))
	}
	m.indexed.Store(coll.Name(), struct{}{})
	slog.Info("Mongo indexes ensured.", "collection", coll.Name())
	return nil
}

// Upsert replaces the document unless the stored one orders after it. The filter only
// matches a stored document that is older or equal, so a newer one makes the upsert try an
// insert that collides on _id. That collision is retried once, to tell a lost insert race
// from a stale write.
func (m *Mongo) Upsert(ctx context.Context, doc models.StoredDocument) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	coll := m.db.Collection(CollectionName(m.prefix, doc.Ingestion.DatasetID))
	if err := m.ensureIndexes(ctx, coll); err != nil {
		return "", err
	}

	filter := bson.D{
		{Key: "_id", Value: doc.ID},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "ingestion.issuedAt", Value: bson.D{{Key: "$lt", Value: doc.Ingestion.IssuedAt}}}},
			bson.D{
				{Key: "ingestion.issuedAt", Value: doc.Ingestion.IssuedAt},
				{Key: "ingestion.sequence", Value: bson.D{{Key: "$lte", Value: doc.Ingestion.Sequence}}},
			},
		}},
	}
	doc.Ingestion.WrittenAt = time.Now().UTC()
	replacement := BSON(doc)

	for attempt := 0; attempt < 2; attempt++ {
		res, err := coll.ReplaceOne(ctx, filter, replacement, options.Replace().SetUpsert(true))
		if err == nil {
			if res.UpsertedCount > 0 {
				return Inserted, nil
			}
			return Replaced, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return "", classify(err)
		}
	}
	return Stale, nil
}

// classify wraps err with ErrTransient or ErrPermanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if transient(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func transient(err error) bool {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, mongo.ErrClientDisconnected) {
		return true
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		if se.HasErrorCode(codeDocumentValidation) || se.HasErrorCode(codeGeoKeyExtraction) {
			return false
		}
		if se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError") {
			return true
		}
		for _, code := range transientCodes {
			if se.HasErrorCode(code) {
				return true
			}
		}
		return false
	}
	// Server selection failures carry no code or label.
	return strings.Contains(err.Error(), "server selection")
}
