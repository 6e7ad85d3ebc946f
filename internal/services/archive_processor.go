package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/segmentio/kafka-go"

	"github.com/Lllllllleong/lpisingest/internal/archive"
	"github.com/Lllllllleong/lpisingest/internal/broker"
	"github.com/Lllllllleong/lpisingest/internal/geo"
	"github.com/Lllllllleong/lpisingest/internal/ledger"
	"github.com/Lllllllleong/lpisingest/internal/metrics"
	"github.com/Lllllllleong/lpisingest/internal/models"
)

// Well-known RPG attributes mapped onto typed feature properties.
const (
	cropCodeField  = "CODE_CULTU"
	cropGroupField = "CODE_GROUP"
)

// ArchiveFetcher downloads a source archive to local disk.
type ArchiveFetcher interface {
	Fetch(ctx context.Context, locator string) (*archive.Download, error)
}

// DeadLetterer routes a message a stage gave up on to its dead-letter topic.
type DeadLetterer interface {
	Send(ctx context.Context, reason string, attempts int, correlationID string, original []byte, cause error) error
}

// ArchiveSummary counts what one Download Command produced.
type ArchiveSummary struct {
	Features     int64
	RecordErrors int64
	// DeadLettered is set when the command itself was dead-lettered.
	DeadLettered string
}

// ArchiveProcessor downloads the archive named by a Download Command and fans its records
// out as Features.
type ArchiveProcessor struct {
	fetcher         ArchiveFetcher
	features        CommandPublisher
	deadLetters     DeadLetterer
	ledger          ledger.Ledger
	downloadTimeout time.Duration
	defaultCRS      int
}

func NewArchiveProcessor(fetcher ArchiveFetcher, features CommandPublisher, deadLetters DeadLetterer, l ledger.Ledger, downloadTimeout time.Duration, defaultCRS int) *ArchiveProcessor {
	if l == nil {
		l = ledger.Nop{}
	}
	return &ArchiveProcessor{
		fetcher:         fetcher,
		features:        features,
		deadLetters:     deadLetters,
		ledger:          l,
		downloadTimeout: downloadTimeout,
		defaultCRS:      defaultCRS,
	}
}

// Handle is the broker handler. A nil return acknowledges the command.
func (p *ArchiveProcessor) Handle(ctx context.Context, msg kafka.Message) error {
	_, err := p.Process(ctx, msg.Value)
	return err
}

// Process runs one Download Command to a terminal outcome. An error means the command was
// neither completed nor dead-lettered and must be redelivered.
func (p *ArchiveProcessor) Process(ctx context.Context, raw []byte) (ArchiveSummary, error) {
	var cmd models.DownloadCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return p.reject(ctx, broker.ReasonInvalidCommand, 1, "", raw, fmt.Errorf("undecodable command: %w", err))
	}
	if err := checkCommand(cmd); err != nil {
		return p.reject(ctx, broker.ReasonInvalidCommand, 1, cmd.CorrelationID, raw, err)
	}

	logCtx := slog.With("correlationId", cmd.CorrelationID, "datasetId", cmd.DatasetID, "campaign", cmd.Campaign)
	logCtx.Info("Processing download command.", "sourceLocator", cmd.SourceLocator)
	p.setStatus(ctx, logCtx, cmd.CorrelationID, models.JobDownloading, "")

	fetchCtx := ctx
	if p.downloadTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.downloadTimeout)
		defer cancel()
	}
	dl, err := p.fetcher.Fetch(fetchCtx, cmd.SourceLocator)
	if err != nil {
		if ctx.Err() != nil {
			return ArchiveSummary{}, ctx.Err()
		}
		attempts := 0
		var de *archive.DownloadError
		if errors.As(err, &de) {
			attempts = de.Attempts
		}
		logCtx.Error("Archive download exhausted.", "attempts", attempts, "error", err)
		return p.fail(ctx, logCtx, cmd, broker.ReasonDownloadExhausted, attempts, raw, err)
	}
	defer func() {
		if err := dl.Remove(); err != nil {
			logCtx.Warn("Failed to remove downloaded archive.", "path", dl.Path, "error", err)
		}
	}()
	logCtx.Info("Archive downloaded.", "path", dl.Path, "attempts", dl.Attempts)

	a, err := archive.Open(dl.Path)
	if err != nil {
		return p.fail(ctx, logCtx, cmd, broker.ReasonArchiveUnreadable, 1, raw, err)
	}
	defer a.Close()

	layer, err := a.Shapefile()
	if errors.Is(err, archive.ErrEmptyArchive) {
		logCtx.Info("Archive is empty, nothing to ingest.")
		p.complete(ctx, logCtx, cmd.CorrelationID, ArchiveSummary{})
		return ArchiveSummary{}, nil
	}
	if err != nil {
		return p.fail(ctx, logCtx, cmd, broker.ReasonArchiveUnreadable, 1, raw, err)
	}

	crs := p.sourceCRS(cmd, layer)
	logCtx = logCtx.With("layer", layer.Name, "sourceCrs", crs)

	records, err := layer.Records()
	if err != nil {
		return p.fail(ctx, logCtx, cmd, broker.ReasonArchiveUnreadable, 1, raw, err)
	}
	defer records.Close()

	p.setStatus(ctx, logCtx, cmd.CorrelationID, models.JobStreaming, "")
	logCtx.Info("Streaming archive records.", "fields", records.Fields())

	var sum ArchiveSummary
	for records.Next() {
		rec := records.Record()
		f, err := newFeature(cmd, crs, rec)
		if err != nil {
			sum.RecordErrors++
			metrics.RecordsMalformed.Inc()
			logCtx.Warn("Skipping malformed record.", "index", rec.Index, "error", err)
			if err := p.deadLetters.Send(ctx, broker.ReasonRecordMalformed, 1, cmd.CorrelationID, recordPayload(cmd, rec), err); err != nil {
				return sum, err
			}
			continue
		}
		if err := p.features.PublishJSON(ctx, cmd.DatasetID, f); err != nil {
			logCtx.Error("Feature publish exhausted, command left unacknowledged.", "index", rec.Index, "published", sum.Features, "error", err)
			return sum, fmt.Errorf("publish feature %d: %w", rec.Index, err)
		}
		sum.Features++
		metrics.FeaturesPublished.Inc()
	}
	if err := records.Err(); err != nil {
		logCtx.Error("Archive stream broke mid-layer.", "published", sum.Features, "error", err)
		failed, ferr := p.fail(ctx, logCtx, cmd, broker.ReasonArchiveUnreadable, 1, raw, err)
		failed.Features, failed.RecordErrors = sum.Features, sum.RecordErrors
		return failed, ferr
	}

	p.complete(ctx, logCtx, cmd.CorrelationID, sum)
	return sum, nil
}

func checkCommand(cmd models.DownloadCommand) error {
	var missing []string
	if cmd.SourceLocator == "" {
		missing = append(missing, "sourceLocator")
	}
	if cmd.DatasetID == "" {
		missing = append(missing, "datasetId")
	}
	if cmd.CorrelationID == "" {
		missing = append(missing, "correlationId")
	}
	if cmd.Campaign == 0 {
		missing = append(missing, "campaign")
	}
	if cmd.ParcelIDField == "" {
		missing = append(missing, "parcelIdField")
	}
	if len(missing) > 0 {
		return fmt.Errorf("command is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// sourceCRS prefers the command, then the layer .prj, then the configured default.
func (p *ArchiveProcessor) sourceCRS(cmd models.DownloadCommand, layer *archive.Shapefile) int {
	if cmd.SourceCRS != 0 {
		return cmd.SourceCRS
	}
	if code := geo.DetectPRJ(layer.PRJ); code != 0 {
		return code
	}
	return p.defaultCRS
}

func (p *ArchiveProcessor) reject(ctx context.Context, reason string, attempts int, correlationID string, raw []byte, cause error) (ArchiveSummary, error) {
	slog.Warn("Dead-lettering download command.", "reason", reason, "correlationId", correlationID, "error", cause)
	if err := p.deadLetters.Send(ctx, reason, attempts, correlationID, raw, cause); err != nil {
		return ArchiveSummary{}, err
	}
	return ArchiveSummary{DeadLettered: reason}, nil
}

func (p *ArchiveProcessor) fail(ctx context.Context, logCtx *slog.Logger, cmd models.DownloadCommand, reason string, attempts int, raw []byte, cause error) (ArchiveSummary, error) {
	sum, err := p.reject(ctx, reason, attempts, cmd.CorrelationID, raw, cause)
	if err != nil {
		return sum, err
	}
	p.setStatus(ctx, logCtx, cmd.CorrelationID, models.JobFailed, fmt.Sprintf("%s: %v", reason, cause))
	return sum, nil
}

func (p *ArchiveProcessor) complete(ctx context.Context, logCtx *slog.Logger, correlationID string, sum ArchiveSummary) {
	if err := p.ledger.Complete(ctx, correlationID, sum.Features, sum.RecordErrors); err != nil {
		logCtx.Warn("Failed to record completion in ledger.", "error", err)
	}
	logCtx.Info("Download command completed.", "features", sum.Features, "recordErrors", sum.RecordErrors)
}

func (p *ArchiveProcessor) setStatus(ctx context.Context, logCtx *slog.Logger, correlationID, status, details string) {
	if err := p.ledger.UpdateStatus(ctx, correlationID, status, details); err != nil {
		logCtx.Warn("Failed to update ledger status.", "status", status, "error", err)
	}
}

// newFeature converts an archive record. Errors wrap archive.ErrMalformedRecord.
func newFeature(cmd models.DownloadCommand, crs int, rec archive.Record) (models.Feature, error) {
	if rec.Err != nil {
		return models.Feature{}, rec.Err
	}
	props := models.Properties{Attributes: rec.Attributes}

	parcelID, _ := props.Lookup(cmd.ParcelIDField)
	if parcelID == "" {
		return models.Feature{}, fmt.Errorf("%w: record %d: missing parcel id field %s", archive.ErrMalformedRecord, rec.Index, cmd.ParcelIDField)
	}
	if cmd.Region > 0 {
		parcelID = RegionCode(cmd.Region) + ":" + parcelID
	}
	props.CropCode, _ = props.Lookup(cropCodeField)
	props.CropGroup, _ = props.Lookup(cropGroupField)

	names := make([]string, 0, len(cmd.NormalizedProperties))
	for name := range cmd.NormalizedProperties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		np := cmd.NormalizedProperties[name]
		raw, ok := props.Lookup(np.SourceProp)
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
		if err != nil {
			return models.Feature{}, fmt.Errorf("%w: record %d: %s value %q is not numeric", archive.ErrMalformedRecord, rec.Index, np.SourceProp, raw)
		}
		if np.Coefficient != 0 {
			v *= np.Coefficient
		}
		if name == "area" {
			props.Area = &v
			continue
		}
		props.Normalized = append(props.Normalized, models.Attribute{Name: name, Value: strconv.FormatFloat(v, 'f', -1, 64)})
	}

	return models.Feature{
		ParcelID:      parcelID,
		DatasetID:     cmd.DatasetID,
		Campaign:      cmd.Campaign,
		CorrelationID: cmd.CorrelationID,
		SourceCRS:     models.EPSG(crs),
		Geometry:      geojson.NewGeometry(rec.Geometry),
		Properties:    props,
		Sequence:      int64(rec.Index),
		IssuedAt:      cmd.IssuedAt,
	}, nil
}

// recordPayload is the dead-letter body of a malformed record.
func recordPayload(cmd models.DownloadCommand, rec archive.Record) []byte {
	b, err := json.Marshal(struct {
		CorrelationID string             `json:"correlationId"`
		DatasetID     string             `json:"datasetId"`
		Campaign      int                `json:"campaign"`
		Index         int                `json:"index"`
		Attributes    []models.Attribute `json:"attributes"`
	}{cmd.CorrelationID, cmd.DatasetID, cmd.Campaign, rec.Index, rec.Attributes})
	if err != nil {
		return nil
	}
	return b
}
