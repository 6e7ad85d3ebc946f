package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// Handler processes one message. Returning nil means the message reached a terminal
// outcome and may be acknowledged; an error keeps it unacknowledged.
type Handler func(ctx context.Context, msg kafka.Message) error

// PoolConfig bounds a worker pool.
type PoolConfig struct {
	Workers       int
	CommitTimeout time.Duration
	// RetryInitial and RetryMax bound the in-place re-processing of a failed message.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// RunPool runs cfg.Workers independent consume-process-acknowledge loops, each with its own
// consumer, until ctx is cancelled. Workers share no state; partitions are spread across
// them by the consumer group.
func RunPool(ctx context.Context, cfg PoolConfig, newConsumer func() Consumer, h Handler) error {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	eg, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		eg.Go(func() error {
			c := newConsumer()
			defer func() {
				if err := c.Close(); err != nil {
					slog.Warn("Consumer close failed.", "worker", worker, "error", err)
				}
			}()
			return Loop(gctx, cfg, c, h, slog.With("worker", worker))
		})
	}
	return eg.Wait()
}

// Loop fetches, handles and commits messages one at a time. A message whose handler fails
// is re-processed in place with a capped doubling backoff and is never skipped, so a later
// commit can not acknowledge it implicitly. Returns nil on cancellation.
func Loop(ctx context.Context, cfg PoolConfig, c Consumer, h Handler, logger *slog.Logger) error {
	initial, maxWait := cfg.RetryInitial, cfg.RetryMax
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if maxWait < initial {
		maxWait = 30 * time.Second
	}

	for {
		msg, err := c.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				logger.Info("Consumer loop stopping.")
				return nil
			}
			logger.Warn("Fetch failed, retrying.", "error", err, "backoff", initial.String())
			if !sleep(ctx, initial) {
				return nil
			}
			continue
		}

		wait := initial
		for {
			err := h(ctx, msg)
			if err == nil {
				break
			}
			logger.Warn("Message processing failed; offset not committed, will re-process.",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
				"error", err, "backoff", wait.String())
			if !sleep(ctx, wait) {
				return nil
			}
			wait *= 2
			if wait > maxWait {
				wait = maxWait
			}
		}

		if err := commit(ctx, cfg.CommitTimeout, c, msg); err != nil {
			// Redelivery of an already-processed message is absorbed downstream.
			logger.Error("Offset commit failed.", "topic", msg.Topic, "partition", msg.Partition,
				"offset", msg.Offset, "error", err)
		}
	}
}

func commit(ctx context.Context, timeout time.Duration, c Consumer, msg kafka.Message) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return c.CommitMessages(commitCtx, msg)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
