package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"

	"endpoint-xdr/internal/kafka"
	"endpoint-xdr/internal/metrics"
	"endpoint-xdr/internal/schema"
)

// KafkaSource consumes telemetry records from a Kafka topic. Unlike the
// datagram receiver it applies backpressure: a message is committed only
// after all of its records were handed to detection.
type KafkaSource struct {
	consumer *kafka.Consumer
	out      chan<- schema.Telemetry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewKafkaSource creates a source reading cfg.Topic in cfg.ConsumerGroup.
func NewKafkaSource(cfg *kafka.Config, out chan<- schema.Telemetry, m *metrics.Metrics, logger *slog.Logger) (*KafkaSource, error) {
	if out == nil {
		return nil, ErrNoOutput
	}
	s := newKafkaSource(out, m, logger)
	consumer, err := kafka.NewConsumer(cfg, s.handle, s.logger)
	if err != nil {
		return nil, err
	}
	s.consumer = consumer
	return s, nil
}

func newKafkaSource(out chan<- schema.Telemetry, m *metrics.Metrics, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{
		out:     out,
		metrics: m,
		logger:  logger.With("component", "telemetry-kafka"),
	}
}

// Run consumes until ctx is cancelled.
func (s *KafkaSource) Run(ctx context.Context) error {
	return s.consumer.Run(ctx)
}

// Close closes the underlying consumer.
func (s *KafkaSource) Close() error {
	return s.consumer.Close()
}

// handle decodes a message and blocks until every record is delivered.
// Undecodable lines are skipped; the message is still committed so a bad
// record cannot stall the partition.
func (s *KafkaSource) handle(ctx context.Context, msg kafka.Message) error {
	peer := string(msg.Key)
	if peer == "" {
		peer = msg.Topic
	}

	items, err := Decode(msg.Value, peer, msg.Time)
	if err != nil {
		s.rejected.Add(1)
		s.metrics.IncReceived("kafka", "rejected")
		s.logger.Warn("telemetry decode error",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}

	for _, item := range items {
		select {
		case s.out <- item:
			s.accepted.Add(1)
			s.metrics.IncReceived("kafka", "accepted")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stats returns the number of records accepted and messages with
// rejected lines.
func (s *KafkaSource) Stats() (accepted, rejected uint64) {
	return s.accepted.Load(), s.rejected.Load()
}
