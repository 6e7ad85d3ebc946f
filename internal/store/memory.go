package store

import (
	"context"
	"sync"
	"time"

	"github.com/Lllllllleong/lpisingest/internal/models"
)

// Memory is an in-process ParcelStore with the same last-write-wins semantics as Mongo.
// It backs tests and local replays.
type Memory struct {
	mu     sync.Mutex
	prefix string
	colls  map[string]map[string]models.StoredDocument
	// failures are returned, in order, by the next Upsert calls.
	failures []error
	calls    int
}

func NewMemory(prefix string) *Memory {
	return &Memory{prefix: prefix, colls: map[string]map[string]models.StoredDocument{}}
}

// FailNext queues errors for the next Upsert calls.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

func (m *Memory) Upsert(ctx context.Context, doc models.StoredDocument) (Result, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return "", err
	}

	name := CollectionName(m.prefix, doc.Ingestion.DatasetID)
	coll, ok := m.colls[name]
	if !ok {
		coll = map[string]models.StoredDocument{}
		m.colls[name] = coll
	}
	doc.Ingestion.WrittenAt = time.Now().UTC()
	cur, exists := coll[doc.ID]
	switch {
	case !exists:
		coll[doc.ID] = doc
		return Inserted, nil
	case cur.Ingestion.Newer(doc.Ingestion):
		return Stale, nil
	default:
		coll[doc.ID] = doc
		return Replaced, nil
	}
}

// Get returns a stored document.
func (m *Memory) Get(datasetID, id string) (models.StoredDocument, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.colls[CollectionName(m.prefix, datasetID)][id]
	return doc, ok
}

// Count returns the number of documents stored for a dataset.
func (m *Memory) Count(datasetID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.colls[CollectionName(m.prefix, datasetID)])
}

// Calls returns how many upserts were attempted, failed ones included.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
