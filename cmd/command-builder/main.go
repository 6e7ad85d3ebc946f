package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/lpisingest/internal/broker"
	"github.com/Lllllllleong/lpisingest/internal/config"
	"github.com/Lllllllleong/lpisingest/internal/gcp"
	"github.com/Lllllllleong/lpisingest/internal/retry"
	"github.com/Lllllllleong/lpisingest/internal/services"
)

var (
	frontDoor *services.FrontDoor
	router    http.Handler
	cfg       config.CommandBuilder
	once      sync.Once
	initErr   error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.LogLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	functions.HTTP("IngestLPIS", ingestLPIS)
	functions.CloudEvent("IngestArchiveObject", ingestArchiveObject)
}

// main starts the Functions Framework locally; on Cloud Run functions the platform
// invokes the registered targets directly.
func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := funcframework.Start(port); err != nil {
		slog.Error("Functions Framework stopped.", "error", err)
		os.Exit(1)
	}
}

func setup() error {
	ctx := context.Background()
	var err error
	cfg, err = config.LoadCommandBuilder()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	producer := broker.NewProducer(broker.NewWriter(cfg.Broker, cfg.Broker.DownloadTopic), retry.FromConfig(cfg.Publish))
	l, _, err := gcp.OpenLedger(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	catalogue := services.NewCatalogue(cfg.CatalogueURL, retry.FromConfig(cfg.Catalogue))

	frontDoor = services.NewFrontDoor(services.NewCommandBuilder(cfg, producer, l, catalogue), l)
	router = frontDoor.Router()
	slog.Info("Command builder initialized.", "downloadTopic", cfg.Broker.DownloadTopic, "ledger", cfg.Ledger.Enabled())
	return nil
}

func ready() error {
	once.Do(func() { initErr = setup() })
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
	}
	return initErr
}

// ingestLPIS serves the ingestion API.
func ingestLPIS(w http.ResponseWriter, r *http.Request) {
	if err := ready(); err != nil {
		services.Unavailable("service unavailable").ServeHTTP(w, r)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), cfg.RequestTimeout)
	defer cancel()
	router.ServeHTTP(w, r.WithContext(ctx))
}

// ingestArchiveObject submits archives dropped into the landing bucket.
func ingestArchiveObject(ctx context.Context, e cloudevents.Event) error {
	if err := ready(); err != nil {
		return err
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	return frontDoor.IngestObject(ctx, gcsEvent)
}
