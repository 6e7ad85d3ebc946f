// Package broker carries pipeline messages over Kafka: keyed JSON producers, consumer
// readers, dead-letter envelopes and the consume-process-acknowledge worker pool.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Lllllllleong/lpisingest/internal/config"
	"github.com/Lllllllleong/lpisingest/internal/retry"
)

// ErrPublishFailed is returned when a message could not be delivered within the retry budget.
var ErrPublishFailed = errors.New("publish failed")

// Consumer is the subset of *kafka.Reader the pipeline needs.
type Consumer interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	io.Closer
}

// MessageWriter is the subset of *kafka.Writer the pipeline needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	io.Closer
}

// NewWriter builds a synchronous, hash-partitioned writer for topic.
func NewWriter(cfg config.Broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: false,
		// Retries are handled by Producer so that attempts are bounded by our own policy.
		MaxAttempts: 1,
	}
}

// NewReader builds a consumer-group reader for topic. Offsets are committed synchronously
// by the caller, only after a message reached a terminal outcome.
func NewReader(cfg config.Broker, group, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        time.Second,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error(fmt.Sprintf(msg, args...), "topic", topic, "group", group)
		}),
	})
}

// Ping dials every bootstrap broker once. An unreachable broker at startup is fatal.
func Ping(ctx context.Context, cfg config.Broker) error {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	var errs []error
	for _, addr := range cfg.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("broker %s: %w", addr, err))
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("no reachable kafka broker: %w", errors.Join(errs...))
}

// Producer publishes JSON messages keyed for partitioning, retrying temporary failures.
type Producer struct {
	writer MessageWriter
	policy retry.Policy
}

// NewProducer wraps w with a bounded retry policy.
func NewProducer(w MessageWriter, policy retry.Policy) *Producer {
	return &Producer{writer: w, policy: policy}
}

// PublishJSON marshals v and writes it under key. Non-temporary broker errors are not
// retried. The error wraps ErrPublishFailed when the message was not delivered.
func (p *Producer) PublishJSON(ctx context.Context, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.Publish(ctx, key, value)
}

// Publish writes a raw value under key.
func (p *Producer) Publish(ctx context.Context, key string, value []byte) error {
	msg := kafka.Message{Key: []byte(key), Value: value, Time: time.Now().UTC()}
	attempts, err := p.policy.Do(ctx, func(ctx context.Context) error {
		err := p.writer.WriteMessages(ctx, msg)
		if err != nil && !temporary(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, attempt int, wait time.Duration) {
		slog.Warn("Publish failed, will retry.", "key", key, "attempt", attempt, "backoff", wait.String(), "error", err)
	})
	if err != nil {
		return fmt.Errorf("%w after %d attempt(s): %w", ErrPublishFailed, attempts, err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// temporary reports whether a write error is worth retrying. Unknown errors (network,
// timeouts) are treated as temporary; broker errors carry their own classification.
func temporary(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil && !temporary(e) {
				return false
			}
		}
		return true
	}
	return !errors.Is(err, context.Canceled)
}
