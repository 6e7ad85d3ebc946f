package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/lpisingest/internal/models"
)

func TestMemory_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Accept(ctx, models.IngestionJob{CorrelationID: "c1", DatasetID: "lpis-fr", Campaign: 2023}))
	job, err := m.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.JobAccepted, job.Status)

	require.NoError(t, m.UpdateStatus(ctx, "c1", models.JobStreaming, ""))
	require.NoError(t, m.Complete(ctx, "c1", 10, 2))

	job, err = m.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, int64(10), job.FeatureCount)
	assert.Equal(t, int64(2), job.RecordErrorCount)
	assert.Equal(t, "lpis-fr", job.DatasetID)
}

func TestMemory_UpdateWithoutAccept(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.UpdateStatus(context.Background(), "lost", models.JobFailed, "download exhausted"))

	job, err := m.Get(context.Background(), "lost")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, "download exhausted", job.ErrorDetails)
}

func TestMemory_AcceptAfterTerminalStatusKeepsIt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Complete(ctx, "c1", 4, 1))
	require.NoError(t, m.Accept(ctx, models.IngestionJob{CorrelationID: "c1", DatasetID: "lpis-fr", Campaign: 2023}))

	job, err := m.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, int64(4), job.FeatureCount)
	assert.Equal(t, "lpis-fr", job.DatasetID)
	assert.False(t, job.CreatedAt.IsZero())

	jobs, err := m.List(ctx, "lpis-fr", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestMemory_GetUnknown(t *testing.T) {
	_, err := NewMemory().Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Accept(ctx, models.IngestionJob{CorrelationID: id, DatasetID: "lpis-fr"}))
	}
	require.NoError(t, m.Accept(ctx, models.IngestionJob{CorrelationID: "x", DatasetID: "lpis-be"}))

	jobs, err := m.List(ctx, "lpis-fr", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "c", jobs[0].CorrelationID)
	assert.Equal(t, "b", jobs[1].CorrelationID)
}

func TestNop(t *testing.T) {
	var l Ledger = Nop{}
	assert.NoError(t, l.Accept(context.Background(), models.IngestionJob{}))
	_, err := l.Get(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrDisabled)
}
