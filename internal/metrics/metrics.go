package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lpis"

var CommandsAccepted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_accepted_total",
		Help:      "Ingestion requests turned into a download command.",
	},
)

var CommandsRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_rejected_total",
		Help:      "Ingestion requests rejected, by reason.",
	},
	[]string{"reason"},
)

var DownloadAttempts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "download_attempts_total",
		Help:      "Archive download attempts, including retries.",
	},
)

var FeaturesPublished = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "features_published_total",
		Help:      "Features published on the features topic.",
	},
)

var RecordsMalformed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_malformed_total",
		Help:      "Archive records skipped because they could not be converted.",
	},
)

var DeadLetters = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Messages routed to a dead-letter topic.",
	},
	[]string{"stage", "reason"},
)

var Upserts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upserts_total",
		Help:      "Store upserts by result (inserted, replaced, stale).",
	},
	[]string{"result"},
)

var UpsertRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upsert_retries_total",
		Help:      "Upsert attempts retried after a transient failure.",
	},
)

func init() {
	prometheus.MustRegister(CommandsAccepted)
	prometheus.MustRegister(CommandsRejected)
	prometheus.MustRegister(DownloadAttempts)
	prometheus.MustRegister(FeaturesPublished)
	prometheus.MustRegister(RecordsMalformed)
	prometheus.MustRegister(DeadLetters)
	prometheus.MustRegister(Upserts)
	prometheus.MustRegister(UpsertRetries)
}

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr disables it.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server stopped.", "addr", addr, "error", err)
		}
	}()
}
