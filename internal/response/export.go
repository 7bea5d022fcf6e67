package response

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"endpoint-xdr/internal/kafka"
	"endpoint-xdr/internal/schema"
)

// ErrInvalidEndpoint is returned for exporter endpoints that cannot be used.
var ErrInvalidEndpoint = errors.New("invalid export endpoint")

// Exporter delivers serialized threat summaries to one endpoint.
type Exporter interface {
	Name() string
	Send(ctx context.Context, key string, payload []byte) error
	Close() error
}

// publisher is the part of kafka.Producer the exporter uses.
type publisher interface {
	Produce(ctx context.Context, key, value []byte) error
	Close() error
}

// natsConn is the part of *nats.Conn the exporter uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

type kafkaExporter struct {
	name     string
	producer publisher
}

func (e *kafkaExporter) Name() string { return e.name }

func (e *kafkaExporter) Send(ctx context.Context, key string, payload []byte) error {
	return e.producer.Produce(ctx, []byte(key), payload)
}

func (e *kafkaExporter) Close() error { return e.producer.Close() }

type natsExporter struct {
	name    string
	subject string
	conn    natsConn
}

func (e *natsExporter) Name() string { return e.name }

// Send publishes and flushes so that a broken connection surfaces as an
// error instead of a silently buffered message.
func (e *natsExporter) Send(ctx context.Context, _ string, payload []byte) error {
	if err := e.conn.Publish(e.subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", e.subject, err)
	}
	if err := e.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush %s: %w", e.subject, err)
	}
	return nil
}

func (e *natsExporter) Close() error { return e.conn.Drain() }

type transportExporter struct {
	name        string
	destination string
	transport   Transport
}

func (e *transportExporter) Name() string { return e.name }

func (e *transportExporter) Send(ctx context.Context, _ string, payload []byte) error {
	return e.transport.Send(ctx, e.destination, payload)
}

func (e *transportExporter) Close() error { return nil }

// IntegrateWithSIEM registers a SIEM endpoint for threat summaries.
func (c *Coordinator) IntegrateWithSIEM(endpoint string) error {
	return c.integrate("siem", endpoint)
}

// IntegrateWithSOAR registers a SOAR endpoint for threat summaries.
func (c *Coordinator) IntegrateWithSOAR(endpoint string) error {
	return c.integrate("soar", endpoint)
}

// integrate builds an exporter from the endpoint scheme:
// kafka://b1,b2/topic, nats://host:port/subject, or any other destination
// handed to the Transport. Registering the same endpoint twice is a no-op.
func (c *Coordinator) integrate(kind, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("%w: empty endpoint", ErrInvalidEndpoint)
	}

	c.expMu.Lock()
	defer c.expMu.Unlock()

	scheme, _, _ := strings.Cut(endpoint, "://")
	name := kind + ":" + scheme
	key := kind + "|" + endpoint
	for _, r := range c.exporters {
		if r.key == key {
			return nil
		}
	}

	var exp Exporter
	switch scheme {
	case "kafka":
		p, err := c.dialKafka(endpoint)
		if err != nil {
			return fmt.Errorf("%s exporter: %w", kind, err)
		}
		exp = &kafkaExporter{name: name, producer: p}

	case "nats":
		server, subject, err := parseNATSEndpoint(endpoint)
		if err != nil {
			return err
		}
		conn, err := c.dialNATS(server)
		if err != nil {
			return fmt.Errorf("%s exporter: failed to connect to NATS: %w", kind, err)
		}
		exp = &natsExporter{name: name, subject: subject, conn: conn}

	default:
		if c.cfg.Transport == nil {
			return fmt.Errorf("%s exporter %q: %w", kind, endpoint, ErrNoTransport)
		}
		exp = &transportExporter{name: kind + ":transport", destination: endpoint, transport: c.cfg.Transport}
	}

	c.exporters = append(c.exporters, registration{key: key, exp: exp})
	c.logger.Info("threat exporter registered", "kind", kind, "exporter", exp.Name(), "endpoint", endpoint)
	return nil
}

// registration remembers the endpoint an exporter was registered for.
type registration struct {
	key string
	exp Exporter
}

// Exporters returns the names of the registered exporters.
func (c *Coordinator) Exporters() []string {
	c.expMu.RLock()
	defer c.expMu.RUnlock()
	out := make([]string, 0, len(c.exporters))
	for _, r := range c.exporters {
		out = append(out, r.exp.Name())
	}
	return out
}

// Export sends the threat summary to every registered exporter. Delivery
// failures are logged, counted and joined into the returned error; they do
// not affect the threat.
func (c *Coordinator) Export(ctx context.Context, t schema.Threat) error {
	c.expMu.RLock()
	exporters := make([]Exporter, 0, len(c.exporters))
	for _, r := range c.exporters {
		exporters = append(exporters, r.exp)
	}
	c.expMu.RUnlock()
	if len(exporters) == 0 {
		return nil
	}

	payload, err := schema.Summarize(t).Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode threat summary: %w", err)
	}

	var errs []error
	for _, e := range exporters {
		sendCtx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
		err := e.Send(sendCtx, t.ID.String(), payload)
		cancel()

		c.metrics.IncExport(e.Name(), err)
		if err != nil {
			c.logger.Error("threat export failed", "exporter", e.Name(), "threat_id", t.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		c.logger.Debug("threat exported", "exporter", e.Name(), "threat_id", t.ID)
	}
	return errors.Join(errs...)
}

func (c *Coordinator) closeExporters() error {
	c.expMu.Lock()
	defer c.expMu.Unlock()

	var errs []error
	for _, r := range c.exporters {
		if err := r.exp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.exp.Name(), err))
		}
	}
	c.exporters = nil
	return errors.Join(errs...)
}

func (c *Coordinator) defaultDialKafka(endpoint string) (publisher, error) {
	cfg, err := kafka.ParseEndpoint(endpoint, c.cfg.Kafka)
	if err != nil {
		return nil, err
	}
	return kafka.NewProducer(cfg, c.logger)
}

func defaultDialNATS(server string) (natsConn, error) {
	return nats.Connect(server,
		nats.Name("xdr-agent"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

// parseNATSEndpoint splits nats://host:port/subject into the server URL and
// the subject. The client upgrades to TLS when the server requires it.
func parseNATSEndpoint(endpoint string) (string, string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "nats" {
		return "", "", fmt.Errorf("%w: want nats://host:port/subject, got %q", ErrInvalidEndpoint, endpoint)
	}
	subject := strings.Trim(u.Path, "/")
	if u.Host == "" || subject == "" || strings.ContainsAny(subject, "/ \t") {
		return "", "", fmt.Errorf("%w: want nats://host:port/subject, got %q", ErrInvalidEndpoint, endpoint)
	}
	server := url.URL{Scheme: u.Scheme, Host: u.Host, User: u.User}
	return server.String(), subject, nil
}
