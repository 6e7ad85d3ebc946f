package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/segmentio/kafka-go"

	"github.com/Lllllllleong/lpisingest/internal/broker"
	"github.com/Lllllllleong/lpisingest/internal/geo"
	"github.com/Lllllllleong/lpisingest/internal/metrics"
	"github.com/Lllllllleong/lpisingest/internal/models"
	"github.com/Lllllllleong/lpisingest/internal/retry"
	"github.com/Lllllllleong/lpisingest/internal/store"
)

// Terminal states of a Feature in the store writer.
const (
	StatePersisted    = "persisted"
	StateDeadLettered = "dead-lettered"
)

// Outcome is where a Feature ended. Reason is the dead-letter reason, Result the upsert result.
type Outcome struct {
	State  string
	Reason string
	Result store.Result
}

// StoreWriter reprojects Features to WGS84, validates them and upserts them.
type StoreWriter struct {
	store       store.ParcelStore
	deadLetters DeadLetterer
	policy      retry.Policy

	// EPSG code -> *geo.Reprojector
	reprojectors sync.Map
}

func NewStoreWriter(s store.ParcelStore, deadLetters DeadLetterer, upsertPolicy retry.Policy) *StoreWriter {
	return &StoreWriter{store: s, deadLetters: deadLetters, policy: upsertPolicy}
}

// Handle is the broker handler. A nil return acknowledges the feature.
func (w *StoreWriter) Handle(ctx context.Context, msg kafka.Message) error {
	_, err := w.Process(ctx, msg.Value)
	return err
}

// Process drives one Feature to persisted or dead-lettered. An error leaves it
// unacknowledged.
func (w *StoreWriter) Process(ctx context.Context, raw []byte) (Outcome, error) {
	var f models.Feature
	if err := json.Unmarshal(raw, &f); err != nil {
		return w.deadLetter(ctx, slog.Default(), broker.ReasonSchemaViolation, 1, "", raw, fmt.Errorf("undecodable feature: %w", err))
	}
	logCtx := slog.With("correlationId", f.CorrelationID, "parcelId", f.ParcelID, "campaign", f.Campaign, "sequence", f.Sequence)

	if err := checkFeature(f); err != nil {
		return w.deadLetter(ctx, logCtx, broker.ReasonInvalidFeature, 1, f.CorrelationID, raw, err)
	}

	reprojected, err := w.reproject(f)
	if err != nil {
		reason := broker.ReasonReprojectionFailed
		if errors.Is(err, geo.ErrInvalidGeometry) {
			reason = broker.ReasonValidationFailed
		}
		return w.deadLetter(ctx, logCtx, reason, 1, f.CorrelationID, raw, err)
	}
	if err := geo.Validate(reprojected); err != nil {
		return w.deadLetter(ctx, logCtx, broker.ReasonValidationFailed, 1, f.CorrelationID, raw, err)
	}
	doc, err := store.NewDocument(f, reprojected)
	if err != nil {
		return w.deadLetter(ctx, logCtx, broker.ReasonValidationFailed, 1, f.CorrelationID, raw, err)
	}

	var result store.Result
	attempts, err := w.policy.Do(ctx, func(ctx context.Context) error {
		res, err := w.store.Upsert(ctx, doc)
		if err != nil {
			if errors.Is(err, store.ErrTransient) {
				return err
			}
			return retry.Permanent(err)
		}
		result = res
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		metrics.UpsertRetries.Inc()
		logCtx.Warn("Upsert failed, will retry.", "attempt", attempt, "backoff", wait.String(), "error", err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		if errors.Is(err, store.ErrPermanent) {
			return w.deadLetter(ctx, logCtx, broker.ReasonValidationFailed, attempts, f.CorrelationID, raw, err)
		}
		return w.deadLetter(ctx, logCtx, broker.ReasonPersistenceExhausted, attempts, f.CorrelationID, raw, err)
	}

	metrics.Upserts.WithLabelValues(string(result)).Inc()
	logCtx.Debug("Parcel persisted.", "result", string(result), "attempts", attempts)
	return Outcome{State: StatePersisted, Result: result}, nil
}

func checkFeature(f models.Feature) error {
	switch {
	case f.ParcelID == "":
		return errors.New("feature has no parcelId")
	case f.DatasetID == "":
		return errors.New("feature has no datasetId")
	case f.Campaign == 0:
		return errors.New("feature has no campaign")
	case f.Geometry == nil || (f.Geometry.Coordinates == nil && len(f.Geometry.Geometries) == 0):
		return errors.New("feature has no geometry")
	}
	return nil
}

func (w *StoreWriter) reproject(f models.Feature) (orb.Geometry, error) {
	if f.SourceCRS.Type != "" && f.SourceCRS.Type != "EPSG" {
		return nil, fmt.Errorf("%w: crs type %q", geo.ErrUnsupportedCRS, f.SourceCRS.Type)
	}
	r, err := w.reprojector(f.SourceCRS.Code)
	if err != nil {
		return nil, err
	}
	return r.Geometry(f.Geometry.Geometry())
}

func (w *StoreWriter) reprojector(code int) (*geo.Reprojector, error) {
	if r, ok := w.reprojectors.Load(code); ok {
		return r.(*geo.Reprojector), nil
	}
	r, err := geo.NewReprojector(code)
	if err != nil {
		return nil, err
	}
	w.reprojectors.Store(code, r)
	return r, nil
}

func (w *StoreWriter) deadLetter(ctx context.Context, logCtx *slog.Logger, reason string, attempts int, correlationID string, raw []byte, cause error) (Outcome, error) {
	logCtx.Warn("Dead-lettering feature.", "reason", reason, "attempts", attempts, "error", cause)
	if err := w.deadLetters.Send(ctx, reason, attempts, correlationID, raw, cause); err != nil {
		return Outcome{}, err
	}
	return Outcome{State: StateDeadLettered, Reason: reason}, nil
}
