package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"endpoint-xdr/internal/correlation"
	"endpoint-xdr/internal/schema"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// mockConn satisfies driver.Conn without a ClickHouse server.
type mockConn struct {
	mu               sync.Mutex
	execs            []string
	execErr          error
	prepareBatchFunc func(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

func (m *mockConn) Contributors() []string                                           { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                    { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error        { return nil }
func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) { return nil, nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row        { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error  { return nil }
func (m *mockConn) Ping(_ context.Context) error                                     { return nil }
func (m *mockConn) Stats() driver.Stats                                              { return driver.Stats{} }
func (m *mockConn) Close() error                                                     { return nil }

func (m *mockConn) Exec(_ context.Context, query string, _ ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, query)
	return m.execErr
}

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query, opts...)
	}
	return &mockBatch{}, nil
}

type mockBatch struct {
	mu       sync.Mutex
	rows     [][]any
	sendFunc func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(v ...any) error {
	m.mu.Lock()
	m.rows = append(m.rows, v)
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return len(m.rows) }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

func newMockClient(conn driver.Conn) *Client {
	return &Client{conn: conn, retention: DefaultClickHouseConfig().Retention}
}

func expiredGroup(n int) correlation.ExpiredGroup {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := correlation.ExpiredGroup{
		Key:       "ssh-brute-force|10.0.0.5",
		Reason:    correlation.ReasonWindow,
		ExpiredAt: base.Add(10 * time.Minute),
	}
	for i := 0; i < n; i++ {
		g.Events = append(g.Events, schema.SecurityEvent{
			ID:        uuid.New(),
			Type:      "ssh-brute-force",
			RuleID:    "ssh-brute-force",
			Source:    "10.0.0.5",
			Severity:  4,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Enrichment: &schema.Enrichment{
				TechniqueID: "T1110",
			},
		})
	}
	return g
}

func testWriterConfig() AuditWriterConfig {
	return AuditWriterConfig{
		BatchSize:     10,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
	}
}

func TestDefaultClickHouseConfig(t *testing.T) {
	cfg := DefaultClickHouseConfig()
	if cfg.Database != "xdr" {
		t.Errorf("Database = %q, want xdr", cfg.Database)
	}
	if cfg.Retention != 30*24*time.Hour {
		t.Errorf("Retention = %v, want 720h", cfg.Retention)
	}
}

func TestOpen_InvalidDatabase(t *testing.T) {
	cfg := DefaultClickHouseConfig()
	cfg.Database = "xdr; DROP TABLE x"
	if _, err := Open(context.Background(), cfg); !errors.Is(err, ErrInvalidData) {
		t.Errorf("Open() error = %v, want ErrInvalidData", err)
	}
}

func TestAuditSchema(t *testing.T) {
	tests := []struct {
		name      string
		retention time.Duration
		wantStmts int
		wantTTL   string
	}{
		{"no retention", 0, 1, ""},
		{"sub-day retention", 6 * time.Hour, 1, ""},
		{"thirty days", 30 * 24 * time.Hour, 2, "INTERVAL 30 DAY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmts := auditSchema(tt.retention)
			if len(stmts) != tt.wantStmts {
				t.Fatalf("len(stmts) = %d, want %d", len(stmts), tt.wantStmts)
			}
			if !strings.Contains(stmts[0], "CREATE TABLE IF NOT EXISTS expired_events") {
				t.Errorf("first statement does not create the audit table: %s", stmts[0])
			}
			if tt.wantTTL != "" && !strings.Contains(stmts[1], tt.wantTTL) {
				t.Errorf("TTL statement = %q, want %q", stmts[1], tt.wantTTL)
			}
		})
	}
}

func TestEnsureSchema(t *testing.T) {
	conn := &mockConn{}
	client := newMockClient(conn)

	if err := client.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if len(conn.execs) != 2 {
		t.Errorf("executed %d statements, want 2", len(conn.execs))
	}

	conn.execErr = errors.New("readonly")
	err := client.EnsureSchema(context.Background())
	if !errors.Is(err, ErrSchema) || !errors.Is(err, conn.execErr) {
		t.Errorf("EnsureSchema() error = %v, want ErrSchema wrapping the cause", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.Table != auditTable {
		t.Errorf("expected *Error for %s, got %v", auditTable, err)
	}
	if IsRetryable(err) {
		t.Error("schema failures should not be retryable")
	}
}

func TestAuditWriter_BuffersUntilBatchSize(t *testing.T) {
	batch := &mockBatch{}
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return batch, nil
		},
	}
	aw := NewAuditWriter(newMockClient(conn), testWriterConfig(), nil)
	defer aw.Close(context.Background())

	if err := aw.RecordExpired(context.Background(), expiredGroup(4)); err != nil {
		t.Fatalf("RecordExpired() error = %v", err)
	}
	if m := aw.Stats(); m.Pending != 4 || m.Batches != 0 {
		t.Fatalf("stats = %+v, want 4 pending and no batches", m)
	}

	if err := aw.RecordExpired(context.Background(), expiredGroup(6)); err != nil {
		t.Fatalf("RecordExpired() error = %v", err)
	}
	m := aw.Stats()
	if m.Written != 10 || m.Batches != 1 || m.Pending != 0 {
		t.Errorf("stats = %+v, want 10 written in 1 batch", m)
	}
	if batch.Rows() != 10 {
		t.Fatalf("batch rows = %d, want 10", batch.Rows())
	}

	row := batch.rows[0]
	if row[1] != "ssh-brute-force|10.0.0.5" || row[2] != correlation.ReasonWindow {
		t.Errorf("group/reason columns = %v/%v", row[1], row[2])
	}
	if row[6] != uint8(4) {
		t.Errorf("severity column = %v (%T), want uint8(4)", row[6], row[6])
	}
	if row[7] != "T1110" {
		t.Errorf("technique column = %v, want T1110", row[7])
	}
}

func TestAuditWriter_RetriesThenSucceeds(t *testing.T) {
	var attempts int
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("connection reset")
			}
			return &mockBatch{}, nil
		},
	}
	aw := NewAuditWriter(newMockClient(conn), testWriterConfig(), nil)
	defer aw.Close(context.Background())

	aw.RecordExpired(context.Background(), expiredGroup(3))
	if err := aw.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if m := aw.Stats(); m.Written != 3 || m.Failed != 0 {
		t.Errorf("stats = %+v", m)
	}
}

func TestAuditWriter_FailsAfterRetries(t *testing.T) {
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{sendFunc: func() error { return errors.New("disk full") }}, nil
		},
	}
	aw := NewAuditWriter(newMockClient(conn), testWriterConfig(), nil)

	aw.RecordExpired(context.Background(), expiredGroup(2))
	err := aw.Flush(context.Background())
	if !errors.Is(err, ErrInsert) {
		t.Fatalf("Flush() error = %v, want ErrInsert", err)
	}
	if !IsRetryable(err) {
		t.Error("batch failures should be retryable")
	}
	var se *Error
	if !errors.As(err, &se) || se.Attempts != 3 || se.Rows != 2 {
		t.Errorf("expected *Error with 3 attempts on 2 rows, got %v", err)
	}
	if m := aw.Stats(); m.Failed != 2 || m.Pending != 0 {
		t.Errorf("stats = %+v, want 2 failed", m)
	}
	aw.Close(context.Background())
}

func TestAuditWriter_Close(t *testing.T) {
	batch := &mockBatch{}
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return batch, nil
		},
	}
	aw := NewAuditWriter(newMockClient(conn), testWriterConfig(), nil)
	aw.RecordExpired(context.Background(), expiredGroup(3))

	if err := aw.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if batch.Rows() != 3 {
		t.Errorf("final flush wrote %d rows, want 3", batch.Rows())
	}
	if err := aw.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := aw.RecordExpired(context.Background(), expiredGroup(1)); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("RecordExpired after Close error = %v, want ErrWriterClosed", err)
	}
}

func TestAuditWriter_TimerFlush(t *testing.T) {
	batch := &mockBatch{}
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return batch, nil
		},
	}
	cfg := testWriterConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	aw := NewAuditWriter(newMockClient(conn), cfg, nil)
	defer aw.Close(context.Background())

	aw.RecordExpired(context.Background(), expiredGroup(1))

	deadline := time.Now().Add(2 * time.Second)
	for aw.Stats().Written == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := aw.Stats().Written; got != 1 {
		t.Errorf("Written = %d, want 1 after timer flush", got)
	}
}

func TestError_Message(t *testing.T) {
	cause := errors.New("connection refused")
	tests := []struct {
		name      string
		err       error
		want      string
		retryable bool
	}{
		{
			name:      "unavailable",
			err:       unavailable("ping", cause),
			want:      "storage: clickhouse unavailable [ping]: connection refused",
			retryable: true,
		},
		{
			name:      "insert",
			err:       insertFailed(auditTable, 12, 4, cause),
			want:      "storage: audit insert failed [insert expired_events, 12 rows, 4 attempts]: connection refused",
			retryable: true,
		},
		{
			name: "schema",
			err:  schemaFailed(auditTable, cause),
			want: "storage: schema statement failed [ensure schema expired_events]: connection refused",
		},
		{
			name: "plain error",
			err:  cause,
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if !errors.Is(tt.err, cause) {
				t.Error("cause not reachable with errors.Is")
			}
		})
	}
}
