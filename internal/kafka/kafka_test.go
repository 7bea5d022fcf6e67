package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Topic != "xdr-threats" {
		t.Errorf("Topic = %q, want xdr-threats", cfg.Topic)
	}
	if cfg.Security.Encrypted() || cfg.Security.Authenticated() {
		t.Errorf("default security = %+v, want plaintext", cfg.Security)
	}
}

func TestConfig_Validate(t *testing.T) {
	sasl := func(protocol, mech string) func(*Config) {
		return func(c *Config) {
			c.Security.Protocol = protocol
			c.Security.SASL = SASL{Mechanism: mech, Username: "agent", Password: "secret"}
		}
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no topic", func(c *Config) { c.Topic = "" }, true},
		{"unknown protocol", func(c *Config) { c.Security.Protocol = "TLS" }, true},
		{"unknown compression", func(c *Config) { c.Compression = "brotli" }, true},
		{"no compression", func(c *Config) { c.Compression = "none" }, false},
		{"sasl without credentials", func(c *Config) {
			c.Security.Protocol = "SASL_PLAINTEXT"
			c.Security.SASL.Mechanism = "PLAIN"
		}, true},
		{"gssapi", sasl("SASL_SSL", "GSSAPI"), true},
		{"scram 512", sasl("SASL_SSL", "SCRAM-SHA-512"), false},
		{"plain", sasl("SASL_PLAINTEXT", "PLAIN"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfig_ValidateReportsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Brokers = nil
	cfg.Topic = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 2 {
		t.Errorf("Validate() error = %v, want both problems", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		endpoint    string
		wantBrokers []string
		wantTopic   string
		wantErr     bool
	}{
		{"single broker", "kafka://kafka-1:9092/threats", []string{"kafka-1:9092"}, "threats", false},
		{"broker list", "kafka://a:9092,b:9092 , c:9092/soc.threats", []string{"a:9092", "b:9092", "c:9092"}, "soc.threats", false},
		{"trailing slash", "kafka://a:9092/threats/", []string{"a:9092"}, "threats", false},
		{"wrong scheme", "nats://a:4222/threats", nil, "", true},
		{"no topic", "kafka://a:9092", nil, "", true},
		{"no brokers", "kafka:///threats", nil, "", true},
		{"nested topic", "kafka://a:9092/x/y", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseEndpoint(tt.endpoint, nil)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidEndpoint) {
					t.Errorf("ParseEndpoint() error = %v, want ErrInvalidEndpoint", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEndpoint() error = %v", err)
			}
			if !reflect.DeepEqual(cfg.Brokers, tt.wantBrokers) {
				t.Errorf("Brokers = %v, want %v", cfg.Brokers, tt.wantBrokers)
			}
			if cfg.Topic != tt.wantTopic {
				t.Errorf("Topic = %q, want %q", cfg.Topic, tt.wantTopic)
			}
		})
	}
}

func TestParseEndpoint_InheritsBase(t *testing.T) {
	base := DefaultConfig()
	base.Compression = "zstd"
	base.Producer.MaxRetries = 7

	cfg, err := ParseEndpoint("kafka://a:9092/t", base)
	if err != nil {
		t.Fatalf("ParseEndpoint() error = %v", err)
	}
	if cfg.codec() != kafka.Zstd || cfg.Producer.MaxRetries != 7 {
		t.Errorf("base settings lost: %+v", cfg)
	}
	if base.Topic != "xdr-threats" || len(base.Brokers) != 1 {
		t.Error("base config was modified")
	}
}

func TestConfig_Dialer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.TLS = TLS{Enabled: true, InsecureSkipVerify: true}

	d, err := cfg.Dialer()
	if err != nil {
		t.Fatalf("Dialer() error = %v", err)
	}
	if d.TLS == nil || !d.TLS.InsecureSkipVerify {
		t.Error("TLS not configured")
	}
	if d.SASLMechanism != nil {
		t.Error("SASL configured for PLAINTEXT")
	}

	cfg.Security.Protocol = "SASL_SSL"
	cfg.Security.SASL = SASL{Mechanism: "SCRAM-SHA-256", Username: "agent", Password: "secret"}
	if d, err = cfg.Dialer(); err != nil {
		t.Fatalf("Dialer() error = %v", err)
	}
	if d.SASLMechanism == nil || d.SASLMechanism.Name() != "SCRAM-SHA-256" {
		t.Errorf("SASL mechanism = %v, want SCRAM-SHA-256", d.SASLMechanism)
	}
}

func TestConfig_DialerMissingCA(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.Protocol = "SSL"
	cfg.Security.TLS.CAFile = "/nonexistent/ca.pem"

	if _, err := cfg.Dialer(); err == nil {
		t.Error("Dialer() expected error for missing CA file")
	}
}

type fakeWriter struct {
	mu       sync.Mutex
	failures []error
	written  []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.failures) > 0 {
		err := w.failures[0]
		w.failures = w.failures[1:]
		return err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testProducer(w *fakeWriter) *Producer {
	cfg := DefaultConfig()
	cfg.Producer.RetryBackoff = time.Millisecond
	cfg.Producer.MaxRetries = 2
	return newProducer(w, cfg, discardLogger())
}

func TestProducer_Produce(t *testing.T) {
	tests := []struct {
		name         string
		failures     []error
		wantErr      error
		wantWritten  int
		wantRetries  int64
		wantFailures int64
	}{
		{"first try", nil, nil, 1, 0, 0},
		{
			name:         "recovers after transient errors",
			failures:     []error{errors.New("connection reset"), kafka.LeaderNotAvailable},
			wantWritten:  1,
			wantRetries:  2,
			wantFailures: 2,
		},
		{
			name:         "gives up",
			failures:     []error{kafka.RequestTimedOut, kafka.RequestTimedOut, kafka.RequestTimedOut},
			wantErr:      kafka.RequestTimedOut,
			wantRetries:  2,
			wantFailures: 3,
		},
		{
			name:         "permanent broker error",
			failures:     []error{kafka.MessageSizeTooLarge},
			wantErr:      kafka.MessageSizeTooLarge,
			wantFailures: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{failures: tt.failures}
			p := testProducer(w)

			err := p.Produce(context.Background(), []byte("host-1"), []byte(`{"severity":9}`))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Produce() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Produce() error = %v, want %v", err, tt.wantErr)
			}
			if len(w.written) != tt.wantWritten {
				t.Errorf("written = %d, want %d", len(w.written), tt.wantWritten)
			}

			s := p.Stats()
			if s.Retries != tt.wantRetries || s.Failures != tt.wantFailures {
				t.Errorf("stats = %+v, want %d retries %d failures", s, tt.wantRetries, tt.wantFailures)
			}
			if tt.wantFailures > 0 && s.LastError == "" {
				t.Error("LastError not recorded")
			}
			if tt.wantWritten == 1 && (s.Messages != 1 || s.Bytes == 0) {
				t.Errorf("stats = %+v, want 1 message", s)
			}
		})
	}
}

func TestProducer_CancelledDuringBackoff(t *testing.T) {
	w := &fakeWriter{failures: []error{kafka.NetworkException}}
	cfg := DefaultConfig()
	cfg.Producer.RetryBackoff = time.Hour
	p := newProducer(w, cfg, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Produce(ctx, nil, []byte("x")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Produce() error = %v, want DeadlineExceeded", err)
	}
}

func TestProducer_Close(t *testing.T) {
	w := &fakeWriter{}
	p := testProducer(w)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := p.Produce(context.Background(), nil, []byte("x")); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Produce() after Close error = %v, want ErrProducerClosed", err)
	}
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		m := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func nopHandler(context.Context, Message) error { return nil }

func TestConsumer_CommitsHandledMessages(t *testing.T) {
	r := &fakeReader{messages: []kafka.Message{
		{Topic: "telemetry", Offset: 1, Value: []byte("ok")},
		{Topic: "telemetry", Offset: 2, Value: []byte("bad")},
		{Topic: "telemetry", Offset: 3, Value: []byte("ok")},
	}}

	var (
		mu   sync.Mutex
		seen []int64
	)
	done := make(chan struct{})
	handler := func(_ context.Context, msg Message) error {
		mu.Lock()
		seen = append(seen, msg.Offset)
		if len(seen) == 3 {
			close(done)
		}
		mu.Unlock()
		if string(msg.Value) == "bad" {
			return errors.New("undecodable")
		}
		return nil
	}

	c := newConsumer(r, DefaultConfig(), handler, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not see all messages")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	r.mu.Lock()
	committed := append([]int64(nil), r.committed...)
	r.mu.Unlock()
	if !reflect.DeepEqual(committed, []int64{1, 3}) {
		t.Errorf("committed = %v, want [1 3]", committed)
	}

	s := c.Stats()
	if s.Messages != 2 || s.Failures != 1 {
		t.Errorf("stats = %+v, want 2 messages, 1 failure", s)
	}
}

func TestConsumer_RunTwice(t *testing.T) {
	c := newConsumer(&fakeReader{}, DefaultConfig(), nopHandler, discardLogger())
	c.running.Store(true)

	if err := c.Run(context.Background()); err == nil {
		t.Error("expected error when running twice")
	}
}

func TestConsumer_Close(t *testing.T) {
	r := &fakeReader{}
	c := newConsumer(r, DefaultConfig(), nopHandler, discardLogger())

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !r.closed {
		t.Error("reader not closed")
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrConsumerClosed) {
		t.Errorf("Run() after Close error = %v, want ErrConsumerClosed", err)
	}
}

func TestNewConsumer_RequiresHandler(t *testing.T) {
	if _, err := NewConsumer(DefaultConfig(), nil, discardLogger()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewConsumer() error = %v, want ErrInvalidConfig", err)
	}
}

func TestBackoff_Caps(t *testing.T) {
	b := backoff{delay: time.Millisecond, max: 3 * time.Millisecond}
	for range 3 {
		if err := b.wait(context.Background()); err != nil {
			t.Fatalf("wait() error = %v", err)
		}
	}
	if b.delay != 3*time.Millisecond {
		t.Errorf("delay = %v, want capped at 3ms", b.delay)
	}
}
