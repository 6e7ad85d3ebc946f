// Package ledger records the lifecycle of ingestion jobs for status lookups.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Lllllllleong/lpisingest/internal/models"
)

var (
	// ErrNotFound is returned by Get for an unknown correlation id.
	ErrNotFound = errors.New("ingestion job not found")
	// ErrDisabled is returned by lookups when no ledger backend is configured.
	ErrDisabled = errors.New("ingestion ledger disabled")
)

// Ledger tracks ingestion jobs by correlation id. Writers treat it as best effort.
type Ledger interface {
	Accept(ctx context.Context, job models.IngestionJob) error
	UpdateStatus(ctx context.Context, correlationID, status, errDetails string) error
	Complete(ctx context.Context, correlationID string, features, recordErrors int64) error
	Get(ctx context.Context, correlationID string) (models.IngestionJob, error)
	List(ctx context.Context, datasetID string, limit int) ([]models.IngestionJob, error)
}

// Nop is used when no ledger is configured.
type Nop struct{}

func (Nop) Accept(context.Context, models.IngestionJob) error { return nil }

func (Nop) UpdateStatus(context.Context, string, string, string) error { return nil }

func (Nop) Complete(context.Context, string, int64, int64) error { return nil }

func (Nop) Get(context.Context, string) (models.IngestionJob, error) {
	return models.IngestionJob{}, ErrDisabled
}

func (Nop) List(context.Context, string, int) ([]models.IngestionJob, error) {
	return nil, ErrDisabled
}

// Memory keeps jobs in process.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]models.IngestionJob
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{jobs: map[string]models.IngestionJob{}, now: time.Now}
}

// Accept records a new job. A job a consumer already moved on keeps its status and
// counters; only the request fields are filled in.
func (m *Memory) Accept(_ context.Context, job models.IngestionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if cur, ok := m.jobs[job.CorrelationID]; ok {
		cur.DatasetID = job.DatasetID
		cur.Campaign = job.Campaign
		cur.SourceLocator = job.SourceLocator
		m.jobs[job.CorrelationID] = cur
		return nil
	}
	job.Status = models.JobAccepted
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.CorrelationID] = job
	return nil
}

// load returns the job to update, stamping CreatedAt when it was never accepted.
func (m *Memory) load(correlationID string, now time.Time) models.IngestionJob {
	job, ok := m.jobs[correlationID]
	if !ok {
		job = models.IngestionJob{CorrelationID: correlationID, CreatedAt: now}
	}
	return job
}

func (m *Memory) UpdateStatus(_ context.Context, correlationID, status, errDetails string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	job := m.load(correlationID, now)
	job.Status = status
	if errDetails != "" {
		job.ErrorDetails = errDetails
	}
	job.UpdatedAt = now
	m.jobs[correlationID] = job
	return nil
}

func (m *Memory) Complete(_ context.Context, correlationID string, features, recordErrors int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	job := m.load(correlationID, now)
	job.Status = models.JobCompleted
	job.FeatureCount = features
	job.RecordErrorCount = recordErrors
	job.UpdatedAt = now
	m.jobs[correlationID] = job
	return nil
}

func (m *Memory) Get(_ context.Context, correlationID string) (models.IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[correlationID]
	if !ok {
		return models.IngestionJob{}, ErrNotFound
	}
	return job, nil
}

// List returns the most recent jobs of a dataset, newest first.
func (m *Memory) List(_ context.Context, datasetID string, limit int) ([]models.IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.IngestionJob
	for _, j := range m.jobs {
		if datasetID == "" || j.DatasetID == datasetID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
