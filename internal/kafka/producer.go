package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes threat summaries to one topic. Transient broker errors
// are retried with a doubling delay.
type Producer struct {
	w      messageWriter
	cfg    ProducerConfig
	topic  string
	logger *slog.Logger
	stats  counters
	closed atomic.Bool
}

// NewProducer connects a producer to cfg.Topic.
func NewProducer(cfg *Config, logger *slog.Logger) (*Producer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	logger = logger.With("component", "kafka-producer", "topic", cfg.Topic)
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.Producer.BatchSize,
		BatchTimeout: cfg.Producer.BatchTimeout,
		// Retries happen in Produce so they are counted and logged.
		MaxAttempts:  1,
		ReadTimeout:  cfg.IOTimeout,
		WriteTimeout: cfg.IOTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.Producer.RequiredAcks),
		Compression:  cfg.codec(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger:      logFunc(logger, slog.LevelDebug),
		ErrorLogger: logFunc(logger, slog.LevelError),
	}

	logger.Info("kafka producer ready", "brokers", cfg.Brokers, "compression", cfg.Compression)
	return newProducer(w, cfg, logger), nil
}

func newProducer(w messageWriter, cfg *Config, logger *slog.Logger) *Producer {
	return &Producer{w: w, cfg: cfg.Producer, topic: cfg.Topic, logger: logger}
}

// Produce writes one message keyed by key. Messages with the same key land
// on the same partition.
func (p *Producer) Produce(ctx context.Context, key, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	msg := kafka.Message{Key: key, Value: value, Time: time.Now()}

	b := backoff{delay: p.cfg.RetryBackoff}
	attempts := p.cfg.MaxRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = p.w.WriteMessages(ctx, msg); err == nil {
			p.stats.done(msg)
			return nil
		}
		p.stats.fail(err)
		p.logger.Warn("kafka write failed", "attempt", attempt, "of", attempts, "error", err)

		if !retryable(err) {
			return fmt.Errorf("kafka: write to %s: %w", p.topic, err)
		}
		if attempt == attempts {
			break
		}
		if werr := b.wait(ctx); werr != nil {
			return werr
		}
		p.stats.retries.Add(1)
	}
	return fmt.Errorf("kafka: write to %s gave up after %d attempts: %w", p.topic, attempts, err)
}

// Stats returns the producer counters.
func (p *Producer) Stats() Stats { return p.stats.snapshot() }

// Close flushes buffered messages and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("kafka producer closing", "messages", p.stats.messages.Load())
	if err := p.w.Close(); err != nil {
		return fmt.Errorf("kafka: close producer: %w", err)
	}
	return nil
}

// retryable reports whether a write error may succeed on a later attempt.
// Broker errors say so themselves; anything else is assumed to be a
// connection problem unless the context ended.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	return true
}
