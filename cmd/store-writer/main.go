package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lllllllleong/lpisingest/internal/broker"
	"github.com/Lllllllleong/lpisingest/internal/config"
	"github.com/Lllllllleong/lpisingest/internal/metrics"
	"github.com/Lllllllleong/lpisingest/internal/retry"
	"github.com/Lllllllleong/lpisingest/internal/services"
	"github.com/Lllllllleong/lpisingest/internal/store"
)

func main() {
	cfg, err := config.LoadStoreWriter()
	if err != nil {
		slog.Error("Invalid configuration.", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.LogLevel(cfg.LogLevel)})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Store writer stopped.", "error", err)
		os.Exit(1)
	}
	slog.Info("Store writer shut down.")
}

func run(ctx context.Context, cfg config.StoreWriter) error {
	if err := broker.Ping(ctx, cfg.Broker); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}

	client, err := store.Connect(ctx, cfg.MongoURI, cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Disconnect(dctx); err != nil {
			slog.Warn("MongoDB disconnect failed.", "error", err)
		}
	}()

	parcels := store.NewMongo(client.Database(cfg.MongoDatabase), cfg.CollectionPrefix, cfg.OperationTimeout)
	if err := parcels.EnsureExistingIndexes(ctx); err != nil {
		return err
	}

	dlq := broker.NewProducer(broker.NewWriter(cfg.Broker, cfg.Broker.FeaturesDLQTopic), retry.FromConfig(cfg.Publish))
	defer dlq.Close()

	writer := services.NewStoreWriter(parcels, broker.NewDeadLetterSink("store-writer", dlq), retry.FromConfig(cfg.Upsert))

	metrics.Serve(ctx, cfg.MetricsAddr)
	slog.Info("Store writer started.", "topic", cfg.Broker.FeaturesTopic, "group", cfg.ConsumerGroup, "workers", cfg.Workers, "database", cfg.MongoDatabase)

	pool := broker.PoolConfig{
		Workers:       cfg.Workers,
		CommitTimeout: cfg.Broker.CommitTimeout,
		RetryInitial:  cfg.Upsert.InitialInterval,
		RetryMax:      cfg.Upsert.MaxInterval,
	}
	return broker.RunPool(ctx, pool, func() broker.Consumer {
		return broker.NewReader(cfg.Broker, cfg.ConsumerGroup, cfg.Broker.FeaturesTopic)
	}, writer.Handle)
}
