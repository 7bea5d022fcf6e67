// Package kafka carries threat summaries off the host and telemetry onto it.
package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

var (
	ErrProducerClosed  = errors.New("kafka: producer is closed")
	ErrConsumerClosed  = errors.New("kafka: consumer is closed")
	ErrInvalidEndpoint = errors.New("kafka: invalid endpoint")
	ErrInvalidConfig   = errors.New("kafka: invalid config")
)

var (
	protocols  = []string{"PLAINTEXT", "SSL", "SASL_PLAINTEXT", "SASL_SSL"}
	mechanisms = []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"}
	codecs     = map[string]kafka.Compression{
		"":       0,
		"none":   0,
		"gzip":   kafka.Gzip,
		"snappy": kafka.Snappy,
		"lz4":    kafka.Lz4,
		"zstd":   kafka.Zstd,
	}
)

// SASL holds broker credentials.
type SASL struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLS holds client certificate settings.
type TLS struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Security selects how the agent talks to the brokers.
type Security struct {
	// Protocol is PLAINTEXT, SSL, SASL_PLAINTEXT or SASL_SSL.
	Protocol string `yaml:"protocol"`
	SASL     SASL   `yaml:"sasl"`
	TLS      TLS    `yaml:"tls"`
}

// Encrypted reports whether broker traffic is wrapped in TLS.
func (s Security) Encrypted() bool {
	return s.TLS.Enabled || s.Protocol == "SSL" || s.Protocol == "SASL_SSL"
}

// Authenticated reports whether the protocol requires SASL.
func (s Security) Authenticated() bool {
	return strings.HasPrefix(s.Protocol, "SASL_")
}

// ProducerConfig tunes the threat summary producer.
type ProducerConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// RequiredAcks is -1 for all replicas, 0 for none and 1 for the leader.
	RequiredAcks int `yaml:"required_acks"`
}

// ConsumerConfig tunes the telemetry consumer.
type ConsumerConfig struct {
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	// StartOffset is -1 for the newest and -2 for the oldest offset.
	StartOffset    int64         `yaml:"start_offset"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	FetchBackoff   time.Duration `yaml:"fetch_backoff"`
}

// Config holds broker addresses and client behavior.
type Config struct {
	Brokers       []string       `yaml:"brokers"`
	Topic         string         `yaml:"topic"`
	ConsumerGroup string         `yaml:"consumer_group"`
	Compression   string         `yaml:"compression"`
	Security      Security       `yaml:"security"`
	Producer      ProducerConfig `yaml:"producer"`
	Consumer      ConsumerConfig `yaml:"consumer"`
	DialTimeout   time.Duration  `yaml:"dial_timeout"`
	IOTimeout     time.Duration  `yaml:"io_timeout"`
}

// DefaultConfig returns the settings used when the kafka section is empty.
func DefaultConfig() *Config {
	return &Config{
		Brokers:       []string{"localhost:9092"},
		Topic:         "xdr-threats",
		ConsumerGroup: "xdr-agent",
		Compression:   "lz4",
		Security:      Security{Protocol: "PLAINTEXT"},
		Producer: ProducerConfig{
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			MaxRetries:   3,
			RetryBackoff: 100 * time.Millisecond,
			RequiredAcks: -1,
		},
		Consumer: ConsumerConfig{
			MinBytes:       1,
			MaxBytes:       10 << 20,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: time.Second,
			StartOffset:    kafka.LastOffset,
			HandlerTimeout: 30 * time.Second,
			FetchBackoff:   time.Second,
		},
		DialTimeout: 10 * time.Second,
		IOTimeout:   30 * time.Second,
	}
}

// ParseEndpoint builds a Config from a kafka://broker1,broker2/topic URL.
// Settings not carried by the URL come from base, or DefaultConfig when
// base is nil.
func ParseEndpoint(endpoint string, base *Config) (*Config, error) {
	// A broker list is not a valid URL authority, so net/url cannot parse it.
	rest, ok := strings.CutPrefix(endpoint, "kafka://")
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a kafka:// URL", ErrInvalidEndpoint, endpoint)
	}
	hosts, topic, _ := strings.Cut(rest, "/")
	topic = strings.TrimSuffix(topic, "/")

	brokers := strings.FieldsFunc(hosts, func(r rune) bool { return r == ',' || r == ' ' })
	if len(brokers) == 0 || topic == "" || strings.ContainsAny(topic, "/?#") {
		return nil, fmt.Errorf("%w: want kafka://broker[,broker]/topic, got %q", ErrInvalidEndpoint, endpoint)
	}

	var cfg Config
	if base != nil {
		cfg = *base
	} else {
		cfg = *DefaultConfig()
	}
	cfg.Brokers = brokers
	cfg.Topic = topic
	return &cfg, cfg.Validate()
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if len(c.Brokers) == 0 {
		bad("no brokers")
	}
	if c.Topic == "" {
		bad("no topic")
	}
	if _, ok := codecs[c.Compression]; !ok {
		bad("unknown compression %q", c.Compression)
	}
	if !slices.Contains(protocols, c.Security.Protocol) {
		bad("unknown security protocol %q", c.Security.Protocol)
	}
	if c.Security.Authenticated() {
		s := c.Security.SASL
		if !slices.Contains(mechanisms, s.Mechanism) {
			bad("unknown SASL mechanism %q", s.Mechanism)
		}
		if s.Username == "" || s.Password == "" {
			bad("SASL needs a username and password")
		}
	}
	return errors.Join(errs...)
}

func (c *Config) codec() kafka.Compression {
	return codecs[c.Compression]
}

// Dialer returns a kafka.Dialer carrying the TLS and SASL settings.
func (c *Config) Dialer() (*kafka.Dialer, error) {
	d := &kafka.Dialer{Timeout: c.DialTimeout, DualStack: true}

	if c.Security.Encrypted() {
		tc, err := clientTLS(c.Security.TLS)
		if err != nil {
			return nil, fmt.Errorf("kafka: tls: %w", err)
		}
		d.TLS = tc
	}
	if c.Security.Authenticated() {
		m, err := mechanism(c.Security.SASL)
		if err != nil {
			return nil, fmt.Errorf("kafka: sasl: %w", err)
		}
		d.SASLMechanism = m
	}
	return d, nil
}

func clientTLS(t TLS) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.InsecureSkipVerify {
		slog.Warn("kafka broker certificates are not verified")
		tc.InsecureSkipVerify = true
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, err
		}
		tc.RootCAs = x509.NewCertPool()
		if !tc.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", t.CAFile)
		}
	}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, err
		}
		tc.Certificates = append(tc.Certificates, cert)
	}
	return tc, nil
}

func mechanism(s SASL) (sasl.Mechanism, error) {
	switch s.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, s.Username, s.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, s.Username, s.Password)
	}
	return nil, fmt.Errorf("mechanism %q not supported", s.Mechanism)
}

// Stats counts the traffic of one producer or consumer.
type Stats struct {
	Messages    int64     `json:"messages"`
	Bytes       int64     `json:"bytes"`
	Failures    int64     `json:"failures"`
	Retries     int64     `json:"retries"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitzero"`
}

type failure struct {
	err error
	at  time.Time
}

type counters struct {
	messages atomic.Int64
	bytes    atomic.Int64
	failures atomic.Int64
	retries  atomic.Int64
	last     atomic.Pointer[failure]
}

func (c *counters) done(m kafka.Message) {
	c.messages.Add(1)
	c.bytes.Add(int64(len(m.Key) + len(m.Value)))
}

func (c *counters) fail(err error) {
	c.failures.Add(1)
	c.last.Store(&failure{err: err, at: time.Now()})
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Messages: c.messages.Load(),
		Bytes:    c.bytes.Load(),
		Failures: c.failures.Load(),
		Retries:  c.retries.Load(),
	}
	if f := c.last.Load(); f != nil {
		s.LastError = f.err.Error()
		s.LastErrorAt = f.at
	}
	return s
}

// backoff doubles its delay on every wait, capped at max when max > 0.
type backoff struct {
	delay time.Duration
	max   time.Duration
}

func (b *backoff) wait(ctx context.Context) error {
	t := time.NewTimer(b.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	b.delay *= 2
	if b.max > 0 && b.delay > b.max {
		b.delay = b.max
	}
	return nil
}

// logFunc routes kafka-go's printf logging into slog.
func logFunc(logger *slog.Logger, level slog.Level) kafka.LoggerFunc {
	return func(format string, args ...any) {
		if logger.Enabled(context.Background(), level) {
			logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
		}
	}
}
