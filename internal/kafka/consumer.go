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

// Message is one record read from a topic.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// MessageHandler processes a consumed message. A non-nil error leaves the
// offset uncommitted.
type MessageHandler func(ctx context.Context, msg Message) error

// messageReader is the part of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads a topic as a member of a consumer group and commits each
// message once its handler returns.
type Consumer struct {
	r       messageReader
	cfg     ConsumerConfig
	handler MessageHandler
	logger  *slog.Logger
	stats   counters
	closed  atomic.Bool
	running atomic.Bool
}

// NewConsumer joins cfg.ConsumerGroup on cfg.Topic.
func NewConsumer(cfg *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil message handler", ErrInvalidConfig)
	}
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

	logger = logger.With("component", "kafka-consumer", "topic", cfg.Topic, "group", cfg.ConsumerGroup)
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		Dialer:         dialer,
		MinBytes:       cfg.Consumer.MinBytes,
		MaxBytes:       cfg.Consumer.MaxBytes,
		MaxWait:        cfg.Consumer.MaxWait,
		CommitInterval: cfg.Consumer.CommitInterval,
		StartOffset:    cfg.Consumer.StartOffset,
		Logger:         logFunc(logger, slog.LevelDebug),
		ErrorLogger:    logFunc(logger, slog.LevelError),
	})

	logger.Info("kafka consumer ready", "brokers", cfg.Brokers)
	return newConsumer(r, cfg, handler, logger), nil
}

func newConsumer(r messageReader, cfg *Config, handler MessageHandler, logger *slog.Logger) *Consumer {
	cc := cfg.Consumer
	if cc.HandlerTimeout <= 0 {
		cc.HandlerTimeout = 30 * time.Second
	}
	if cc.FetchBackoff <= 0 {
		cc.FetchBackoff = time.Second
	}
	return &Consumer{r: r, cfg: cc, handler: handler, logger: logger}
}

// Run consumes until ctx is cancelled or the consumer is closed. A cancelled
// context is a clean stop and returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("kafka: consumer already running")
	}
	defer c.running.Store(false)

	b := backoff{delay: c.cfg.FetchBackoff, max: 30 * c.cfg.FetchBackoff}
	for ctx.Err() == nil {
		m, err := c.r.FetchMessage(ctx)
		switch {
		case err == nil:
			b.delay = c.cfg.FetchBackoff
			c.consume(ctx, m)
		case ctx.Err() != nil:
			return nil
		case c.closed.Load():
			return ErrConsumerClosed
		default:
			c.stats.fail(err)
			c.logger.Error("kafka fetch failed", "error", err, "retry_in", b.delay)
			if b.wait(ctx) != nil {
				return nil
			}
			c.stats.retries.Add(1)
		}
	}
	return nil
}

// consume hands m to the handler and commits it on success.
func (c *Consumer) consume(ctx context.Context, m kafka.Message) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	err := c.handler(hctx, Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
	})
	cancel()
	if err != nil {
		c.stats.fail(err)
		c.logger.Warn("kafka message not handled",
			"partition", m.Partition,
			"offset", m.Offset,
			"error", err,
		)
		return
	}

	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.logger.Error("kafka commit failed", "offset", m.Offset, "error", err)
	}
	c.stats.done(m)
}

// Stats returns the consumer counters.
func (c *Consumer) Stats() Stats { return c.stats.snapshot() }

// Close closes the reader; a running Run returns shortly after.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info("kafka consumer closing", "messages", c.stats.messages.Load())
	if err := c.r.Close(); err != nil {
		return fmt.Errorf("kafka: close consumer: %w", err)
	}
	return nil
}
