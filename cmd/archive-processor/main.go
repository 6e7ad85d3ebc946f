package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Lllllllleong/lpisingest/internal/archive"
	"github.com/Lllllllleong/lpisingest/internal/broker"
	"github.com/Lllllllleong/lpisingest/internal/config"
	"github.com/Lllllllleong/lpisingest/internal/gcp"
	"github.com/Lllllllleong/lpisingest/internal/metrics"
	"github.com/Lllllllleong/lpisingest/internal/retry"
	"github.com/Lllllllleong/lpisingest/internal/services"
)

func main() {
	cfg, err := config.LoadArchiveProcessor()
	if err != nil {
		slog.Error("Invalid configuration.", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.LogLevel(cfg.LogLevel)})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Archive processor stopped.", "error", err)
		os.Exit(1)
	}
	slog.Info("Archive processor shut down.")
}

func run(ctx context.Context, cfg config.ArchiveProcessor) error {
	if err := broker.Ping(ctx, cfg.Broker); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}

	features := broker.NewProducer(broker.NewWriter(cfg.Broker, cfg.Broker.FeaturesTopic), retry.FromConfig(cfg.Publish))
	defer features.Close()
	dlq := broker.NewProducer(broker.NewWriter(cfg.Broker, cfg.Broker.DownloadDLQTopic), retry.FromConfig(cfg.Publish))
	defer dlq.Close()

	objects := gcp.NewObjectStore()
	defer objects.Close()

	l, closeLedger, err := gcp.OpenLedger(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer closeLedger()

	processor := services.NewArchiveProcessor(
		archive.NewFetcher(retry.FromConfig(cfg.Download), cfg.TempDir, objects),
		features,
		broker.NewDeadLetterSink("archive-processor", dlq),
		l,
		cfg.DownloadTimeout,
		cfg.DefaultSourceCRS,
	)

	metrics.Serve(ctx, cfg.MetricsAddr)
	slog.Info("Archive processor started.", "topic", cfg.Broker.DownloadTopic, "group", cfg.ConsumerGroup, "workers", cfg.Workers)

	pool := broker.PoolConfig{
		Workers:       cfg.Workers,
		CommitTimeout: cfg.Broker.CommitTimeout,
		RetryInitial:  cfg.Publish.InitialInterval,
		RetryMax:      cfg.Publish.MaxInterval,
	}
	return broker.RunPool(ctx, pool, func() broker.Consumer {
		return broker.NewReader(cfg.Broker, cfg.ConsumerGroup, cfg.Broker.DownloadTopic)
	}, processor.Handle)
}
