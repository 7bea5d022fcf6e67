package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"endpoint-xdr/internal/correlation"
	"endpoint-xdr/internal/schema"
)

// AuditWriterConfig controls batching of audit rows.
type AuditWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	// InsertTimeout bounds one attempt at sending a batch.
	InsertTimeout time.Duration `yaml:"insert_timeout"`
}

// DefaultAuditWriterConfig returns the default audit writer configuration.
func DefaultAuditWriterConfig() AuditWriterConfig {
	return AuditWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		InsertTimeout: 30 * time.Second,
	}
}

// auditRow is one event of an expired group.
type auditRow struct {
	group     string
	reason    string
	expiredAt time.Time
	event     schema.SecurityEvent
}

func (r auditRow) values() []any {
	var technique string
	if r.event.Enrichment != nil {
		technique = r.event.Enrichment.TechniqueID
	}
	return []any{
		r.event.ID,
		r.group,
		r.reason,
		r.event.Type,
		r.event.RuleID,
		r.event.Source,
		uint8(r.event.Severity),
		technique,
		r.event.Description,
		r.event.Timestamp,
		r.expiredAt,
	}
}

// AuditWriter stores the events of expired correlation groups. Rows are
// buffered and sent when BatchSize is reached, when FlushInterval passes,
// or on Close.
type AuditWriter struct {
	client *Client
	cfg    AuditWriterConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending []auditRow
	timer   *time.Timer
	closed  bool

	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

var _ correlation.AuditSink = (*AuditWriter)(nil)

// NewAuditWriter starts a writer on client.
func NewAuditWriter(client *Client, cfg AuditWriterConfig, logger *slog.Logger) *AuditWriter {
	def := DefaultAuditWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = def.InsertTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &AuditWriter{client: client, cfg: cfg, logger: logger}
	w.timer = time.AfterFunc(cfg.FlushInterval, w.tick)
	return w
}

// RecordExpired buffers one row per event of g. It flushes inline once the
// buffer reaches BatchSize.
func (w *AuditWriter) RecordExpired(ctx context.Context, g correlation.ExpiredGroup) error {
	at := g.ExpiredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	for _, ev := range g.Events {
		w.pending = append(w.pending, auditRow{group: g.Key, reason: g.Reason, expiredAt: at, event: ev})
	}
	if len(w.pending) < w.cfg.BatchSize {
		return nil
	}
	return w.flushLocked(ctx)
}

// Flush sends whatever is buffered.
func (w *AuditWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// Close stops the timer and sends the remaining rows. Later calls are
// no-ops.
func (w *AuditWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.timer.Stop()
	return w.flushLocked(ctx)
}

func (w *AuditWriter) tick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if err := w.flushLocked(context.Background()); err != nil {
		w.logger.Error("audit flush failed", "error", err)
	}
	w.timer.Reset(w.cfg.FlushInterval)
}

// flushLocked sends the buffer, retrying with a linearly growing delay.
// Rows of a batch that exhausts its retries are dropped and counted.
func (w *AuditWriter) flushLocked(ctx context.Context) error {
	rows := w.pending
	if len(rows) == 0 {
		return nil
	}
	w.pending = nil

	attempts := w.cfg.MaxRetries + 1
	var err error
	for n := 1; n <= attempts; n++ {
		if err = w.send(ctx, rows); err == nil {
			w.written.Add(uint64(len(rows)))
			w.batches.Add(1)
			w.logger.Debug("audit batch stored", "rows", len(rows), "attempt", n)
			return nil
		}
		w.logger.Warn("audit batch not stored", "rows", len(rows), "attempt", n, "of", attempts, "error", err)
		if n == attempts {
			break
		}

		select {
		case <-ctx.Done():
			w.failed.Add(uint64(len(rows)))
			return insertFailed(auditTable, len(rows), n, ctx.Err())
		case <-time.After(time.Duration(n) * w.cfg.RetryDelay):
		}
	}
	w.failed.Add(uint64(len(rows)))
	return insertFailed(auditTable, len(rows), attempts, err)
}

func (w *AuditWriter) send(ctx context.Context, rows []auditRow) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.InsertTimeout)
	defer cancel()

	batch, err := w.client.conn.PrepareBatch(ctx, insertAudit)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	for i, r := range rows {
		if err := batch.Append(r.values()...); err != nil {
			batch.Abort()
			return fmt.Errorf("row %d of group %s: %w", i, r.group, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// AuditStats counts rows handled by the writer.
type AuditStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// Stats returns the writer counters.
func (w *AuditWriter) Stats() AuditStats {
	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()
	return AuditStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Batches: w.batches.Load(),
		Pending: pending,
	}
}
