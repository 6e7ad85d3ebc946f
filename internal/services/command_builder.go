package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/lpisingest/internal/config"
	"github.com/Lllllllleong/lpisingest/internal/geo"
	"github.com/Lllllllleong/lpisingest/internal/ledger"
	"github.com/Lllllllleong/lpisingest/internal/metrics"
	"github.com/Lllllllleong/lpisingest/internal/models"
)

var (
	// ErrInvalidRequest marks client-input errors. They are answered with 400 and never retried.
	ErrInvalidRequest = errors.New("invalid ingestion request")
	// ErrDependencyUnavailable marks failures of the broker or the catalogue. Answered with 503.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

const (
	minCampaign = 1990
	maxCampaign = 2999
)

var (
	datasetIDPattern = regexp.MustCompile(`^[a-z0-9._-]+$`)
	countryPattern   = regexp.MustCompile(`^[a-z]{2}$`)
)

// ValidationError reports which request field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// CommandPublisher publishes a message under a partition key.
type CommandPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// ArchiveResolver finds the archive of a campaign and region in a national catalogue.
type ArchiveResolver interface {
	Resolve(ctx context.Context, campaign, region int) (string, error)
}

// CommandBuilder turns ingestion requests into Download Commands.
type CommandBuilder struct {
	publisher CommandPublisher
	ledger    ledger.Ledger
	catalogue ArchiveResolver

	parcelIDField string
	normalized    map[string]models.NormalizedProperty

	now   func() time.Time
	newID func() string
}

func NewCommandBuilder(cfg config.CommandBuilder, publisher CommandPublisher, l ledger.Ledger, catalogue ArchiveResolver) *CommandBuilder {
	if l == nil {
		l = ledger.Nop{}
	}
	normalized := map[string]models.NormalizedProperty{}
	if cfg.AreaSourceProperty != "" {
		normalized["area"] = models.NormalizedProperty{SourceProp: cfg.AreaSourceProperty, Coefficient: cfg.AreaCoefficient}
	}
	return &CommandBuilder{
		publisher:     publisher,
		ledger:        l,
		catalogue:     catalogue,
		parcelIDField: cfg.ParcelIDField,
		normalized:    normalized,
		now:           time.Now,
		newID:         func() string { return uuid.New().String() },
	}
}

// Submit validates req, records the job as accepted and publishes one Download Command.
func (b *CommandBuilder) Submit(ctx context.Context, country string, req models.IngestRequest) (models.IngestResponse, error) {
	cmd, err := b.Build(ctx, country, req)
	if err != nil {
		reason := "invalid-request"
		if errors.Is(err, ErrDependencyUnavailable) {
			reason = "catalogue-unavailable"
		}
		metrics.CommandsRejected.WithLabelValues(reason).Inc()
		return models.IngestResponse{}, err
	}
	logCtx := slog.With("correlationId", cmd.CorrelationID, "datasetId", cmd.DatasetID, "campaign", cmd.Campaign)

	// The job is recorded before the command can reach a consumer, so the consumer's
	// transitions always land after ACCEPTED.
	job := models.IngestionJob{
		CorrelationID: cmd.CorrelationID,
		DatasetID:     cmd.DatasetID,
		Campaign:      cmd.Campaign,
		SourceLocator: cmd.SourceLocator,
	}
	if err := b.ledger.Accept(ctx, job); err != nil {
		logCtx.Warn("Failed to record accepted job in ledger.", "error", err)
	}

	if err := b.publisher.PublishJSON(ctx, cmd.DatasetID, cmd); err != nil {
		metrics.CommandsRejected.WithLabelValues("publish-failed").Inc()
		logCtx.Error("Failed to publish download command.", "error", err)
		if lerr := b.ledger.UpdateStatus(context.WithoutCancel(ctx), cmd.CorrelationID, models.JobFailed, "publish-failed: "+err.Error()); lerr != nil {
			logCtx.Warn("Failed to record failed job in ledger.", "error", lerr)
		}
		return models.IngestResponse{}, fmt.Errorf("%w: %w", ErrDependencyUnavailable, err)
	}
	metrics.CommandsAccepted.Inc()
	logCtx.Info("Download command published.", "sourceLocator", cmd.SourceLocator, "sourceCrs", cmd.SourceCRS)

	return models.IngestResponse{
		CorrelationID: cmd.CorrelationID,
		Message:       fmt.Sprintf("Archive '%s' accepted for ingestion", cmd.SourceLocator),
	}, nil
}

// Build validates req and forges its Download Command without publishing it.
func (b *CommandBuilder) Build(ctx context.Context, country string, req models.IngestRequest) (models.DownloadCommand, error) {
	country = strings.ToLower(strings.TrimSpace(country))
	if !countryPattern.MatchString(country) {
		return models.DownloadCommand{}, &ValidationError{Field: "country", Reason: "must be a two letter country code"}
	}
	if req.Campaign < minCampaign || req.Campaign > maxCampaign {
		return models.DownloadCommand{}, &ValidationError{
			Field:  "campaign",
			Reason: fmt.Sprintf("must be within [%d, %d], got %d", minCampaign, maxCampaign, req.Campaign),
		}
	}
	if req.DatasetID == "" {
		return models.DownloadCommand{}, &ValidationError{Field: "datasetId", Reason: "is required"}
	}
	if !datasetIDPattern.MatchString(req.DatasetID) {
		return models.DownloadCommand{}, &ValidationError{Field: "datasetId", Reason: "must match [a-z0-9._-]+"}
	}

	locator := strings.TrimSpace(req.SourceLocator)
	if locator == "" && req.Region > 0 && country == "fr" && b.catalogue != nil {
		resolved, err := b.catalogue.Resolve(ctx, req.Campaign, req.Region)
		if err != nil {
			return models.DownloadCommand{}, err
		}
		locator = resolved
	}
	if locator == "" {
		return models.DownloadCommand{}, &ValidationError{Field: "sourceLocator", Reason: "is required"}
	}
	if err := validateLocator(locator); err != nil {
		return models.DownloadCommand{}, err
	}

	sourceCRS := req.SourceCRS
	if sourceCRS == 0 && req.Region > 0 && country == "fr" {
		sourceCRS = geo.RegionCRS(req.Region)
	}
	if sourceCRS != 0 {
		if _, err := geo.Lookup(sourceCRS); err != nil {
			return models.DownloadCommand{}, &ValidationError{Field: "sourceCrs", Reason: err.Error()}
		}
	}

	parcelIDField := req.ParcelIDField
	if parcelIDField == "" {
		parcelIDField = b.parcelIDField
	}

	return models.DownloadCommand{
		SourceLocator:        locator,
		DatasetID:            req.DatasetID,
		Campaign:             req.Campaign,
		CorrelationID:        b.newID(),
		Country:              country,
		Format:               formatOf(locator),
		SourceCRS:            sourceCRS,
		Region:               req.Region,
		ParcelIDField:        parcelIDField,
		NormalizedProperties: b.normalized,
		IssuedAt:             b.now().UTC(),
	}, nil
}

func validateLocator(locator string) error {
	u, err := url.Parse(locator)
	if err != nil || !u.IsAbs() {
		return &ValidationError{Field: "sourceLocator", Reason: "must be an absolute URI"}
	}
	switch u.Scheme {
	case "http", "https", "gs":
		if u.Host == "" {
			return &ValidationError{Field: "sourceLocator", Reason: "must name a host"}
		}
	case "file":
		if u.Path == "" {
			return &ValidationError{Field: "sourceLocator", Reason: "must name a path"}
		}
	default:
		return &ValidationError{Field: "sourceLocator", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return nil
}

func formatOf(locator string) string {
	l := strings.ToLower(locator)
	switch {
	case strings.HasSuffix(l, ".zip"):
		return "zip"
	case strings.HasSuffix(l, ".7z"), strings.HasSuffix(l, ".7z.001"):
		return "7z"
	default:
		return ""
	}
}
