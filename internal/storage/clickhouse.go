// Package storage persists correlation audit records to ClickHouse.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig locates the audit database.
type ClickHouseConfig struct {
	Hosts    []string `yaml:"hosts"`
	Database string   `yaml:"database"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	TLS      bool     `yaml:"tls"`
	// Retention is the TTL of audit rows. Zero keeps rows forever.
	Retention       time.Duration `yaml:"retention"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// DefaultClickHouseConfig returns a single local server with 30 days of
// retention.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "xdr",
		Username:        "default",
		Retention:       30 * 24 * time.Hour,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

// The database name is spliced into DDL, so it must be a bare identifier.
var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const auditTable = "expired_events"

// Client is a pooled ClickHouse connection to the audit database.
type Client struct {
	conn      driver.Conn
	retention time.Duration
}

// Open connects to the first reachable host and pings it within
// cfg.DialTimeout.
func Open(ctx context.Context, cfg ClickHouseConfig) (*Client, error) {
	if !identifier.MatchString(cfg.Database) {
		return nil, fmt.Errorf("%w: database name %q", ErrInvalidData, cfg.Database)
	}

	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression:      &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialTimeout:      cfg.DialTimeout,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  cfg.ConnMaxLifetime,
	}
	if cfg.TLS {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, unavailable("open", err)
	}

	pingCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, unavailable("ping", err)
	}
	return &Client{conn: conn, retention: cfg.Retention}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

// EnsureSchema creates the audit table and applies the retention TTL. Every
// statement is idempotent, so it runs on each start.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range auditSchema(c.retention) {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return schemaFailed(auditTable, err)
		}
	}
	return nil
}

// auditSchema stores one row per expired event. Rows are ordered by group
// so a whole group reads back contiguously.
func auditSchema(retention time.Duration) []string {
	stmts := []string{`CREATE TABLE IF NOT EXISTS ` + auditTable + ` (
	event_id     UUID,
	group_key    String,
	reason       LowCardinality(String),
	event_type   LowCardinality(String),
	rule_id      String,
	source       String,
	severity     UInt8,
	technique_id LowCardinality(String),
	description  String,
	timestamp    DateTime64(3, 'UTC'),
	expired_at   DateTime64(3, 'UTC')
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(expired_at)
ORDER BY (group_key, timestamp)`}

	if days := retention / (24 * time.Hour); days > 0 {
		stmts = append(stmts, fmt.Sprintf(
			"ALTER TABLE %s MODIFY TTL toDateTime(expired_at) + INTERVAL %d DAY", auditTable, days))
	}
	return stmts
}

const insertAudit = `INSERT INTO ` + auditTable + ` (
	event_id, group_key, reason, event_type, rule_id, source,
	severity, technique_id, description, timestamp, expired_at
)`
