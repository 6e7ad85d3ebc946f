package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/Lllllllleong/lpisingest/internal/metrics"
	"github.com/Lllllllleong/lpisingest/internal/models"
)

// Dead-letter reason codes.
const (
	ReasonInvalidCommand       = "invalid-command"
	ReasonDownloadExhausted    = "download-exhausted"
	ReasonArchiveUnreadable    = "archive-unreadable"
	ReasonRecordMalformed      = "record-malformed"
	ReasonInvalidFeature       = "invalid-feature"
	ReasonReprojectionFailed   = "reprojection-failed"
	ReasonValidationFailed     = "validation-failed"
	ReasonSchemaViolation      = "schema-violation"
	ReasonPersistenceExhausted = "persistence-exhausted"
)

// Publisher is what a dead-letter sink needs from a producer.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	PublishJSON(ctx context.Context, key string, v any) error
}

// DeadLetterSink routes failed messages of one stage to its dead-letter topic.
type DeadLetterSink struct {
	stage     string
	publisher Publisher
	now       func() time.Time
}

// NewDeadLetterSink returns a sink tagging every entry with stage.
func NewDeadLetterSink(stage string, p Publisher) *DeadLetterSink {
	return &DeadLetterSink{stage: stage, publisher: p, now: time.Now}
}

// Send publishes one dead-letter entry. The key is the correlation id so that entries of one
// ingestion stay together.
func (s *DeadLetterSink) Send(ctx context.Context, reason string, attempts int, correlationID string, original []byte, cause error) error {
	entry := models.DeadLetter{
		Stage:         s.stage,
		Reason:        reason,
		Attempts:      attempts,
		Timestamp:     s.now().UTC(),
		CorrelationID: correlationID,
		Original:      original,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := s.publisher.PublishJSON(ctx, correlationID, entry); err != nil {
		return fmt.Errorf("failed to dead-letter %s message: %w", reason, err)
	}
	metrics.DeadLetters.WithLabelValues(s.stage, reason).Inc()
	return nil
}
