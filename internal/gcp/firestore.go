package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/lpisingest/internal/config"
	"github.com/Lllllllleong/lpisingest/internal/ledger"
	"github.com/Lllllllleong/lpisingest/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// OpenLedger returns the Firestore ledger when cfg names a project and a no-op ledger
// otherwise. The returned close function is always safe to call.
func OpenLedger(ctx context.Context, cfg config.Ledger) (ledger.Ledger, func(), error) {
	if !cfg.Enabled() {
		return ledger.Nop{}, func() {}, nil
	}
	client, err := NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			slog.Warn("Firestore client close failed.", "error", err)
		}
	}
	return NewFirestoreLedger(client, cfg.Collection), closeFn, nil
}

// FirestoreLedger stores one document per ingestion job, keyed by correlation id.
type FirestoreLedger struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

var _ ledger.Ledger = (*FirestoreLedger)(nil)

func NewFirestoreLedger(client *firestore.Client, collection string) *FirestoreLedger {
	return &FirestoreLedger{client: client, collection: collection, now: time.Now}
}

func (l *FirestoreLedger) doc(correlationID string) *firestore.DocumentRef {
	return l.client.Collection(l.collection).Doc(correlationID)
}

// Accept creates the job document. When a consumer already wrote the document, only the
// request fields are merged in so its status and counters survive.
func (l *FirestoreLedger) Accept(ctx context.Context, job models.IngestionJob) error {
	now := l.now().UTC()
	job.Status = models.JobAccepted
	job.CreatedAt = now
	job.UpdatedAt = now
	ref := l.doc(job.CorrelationID)
	_, err := ref.Create(ctx, job)
	if status.Code(err) == codes.AlreadyExists {
		_, err = ref.Set(ctx, map[string]any{
			"datasetId":     job.DatasetID,
			"campaign":      job.Campaign,
			"sourceLocator": job.SourceLocator,
		}, firestore.MergeAll)
	}
	if err != nil {
		return fmt.Errorf("failed to create ingestion job document: %w", err)
	}
	return nil
}

func (l *FirestoreLedger) UpdateStatus(ctx context.Context, correlationID, status, errDetails string) error {
	updates := []firestore.Update{
		{Path: "status", Value: status},
		{Path: "updatedAt", Value: l.now().UTC()},
	}
	if errDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errDetails})
	}
	return l.update(ctx, correlationID, updates)
}

func (l *FirestoreLedger) Complete(ctx context.Context, correlationID string, features, recordErrors int64) error {
	return l.update(ctx, correlationID, []firestore.Update{
		{Path: "status", Value: models.JobCompleted},
		{Path: "featureCount", Value: features},
		{Path: "recordErrorCount", Value: recordErrors},
		{Path: "updatedAt", Value: l.now().UTC()},
	})
}

// update applies updates, creating the document when the ACCEPTED write never landed.
func (l *FirestoreLedger) update(ctx context.Context, correlationID string, updates []firestore.Update) error {
	ref := l.doc(correlationID)
	_, err := ref.Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		fields := map[string]any{"correlationId": correlationID, "createdAt": l.now().UTC()}
		for _, u := range updates {
			fields[u.Path] = u.Value
		}
		_, err = ref.Set(ctx, fields, firestore.MergeAll)
	}
	if err != nil {
		return fmt.Errorf("failed to update ingestion job %s: %w", correlationID, err)
	}
	return nil
}

func (l *FirestoreLedger) Get(ctx context.Context, correlationID string) (models.IngestionJob, error) {
	snap, err := l.doc(correlationID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return models.IngestionJob{}, ledger.ErrNotFound
	}
	if err != nil {
		return models.IngestionJob{}, fmt.Errorf("failed to read ingestion job %s: %w", correlationID, err)
	}
	var job models.IngestionJob
	if err := snap.DataTo(&job); err != nil {
		return models.IngestionJob{}, fmt.Errorf("failed to decode ingestion job %s: %w", correlationID, err)
	}
	job.CorrelationID = snap.Ref.ID
	return job, nil
}

// List returns the most recent jobs of a dataset, newest first.
func (l *FirestoreLedger) List(ctx context.Context, datasetID string, limit int) ([]models.IngestionJob, error) {
	q := l.client.Collection(l.collection).Query
	if datasetID != "" {
		q = q.Where("datasetId", "==", datasetID)
	}
	q = q.OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()
	var jobs []models.IngestionJob
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list ingestion jobs: %w", err)
		}
		var job models.IngestionJob
		if err := snap.DataTo(&job); err != nil {
			return nil, fmt.Errorf("failed to decode ingestion job %s: %w", snap.Ref.ID, err)
		}
		job.CorrelationID = snap.Ref.ID
		jobs = append(jobs, job)
	}
	return jobs, nil
}
