package correlation

import (
	"context"
	"log/slog"
	"time"

	"endpoint-xdr/internal/schema"
)

// Reasons a group or event leaves active state without escalating.
const (
	ReasonWindow   = "window"
	ReasonPruned   = "pruned"
	ReasonLate     = "late"
	ReasonOverflow = "overflow"
	ReasonShutdown = "shutdown"
)

// ExpiredGroup is the audit record of events that left correlation without
// becoming part of a threat.
type ExpiredGroup struct {
	Key         string                 `json:"key"`
	Reason      string                 `json:"reason"`
	Events      []schema.SecurityEvent `json:"events"`
	MaxSeverity int                    `json:"max_severity"`
	FirstSeen   time.Time              `json:"first_seen"`
	LastSeen    time.Time              `json:"last_seen"`
	ExpiredAt   time.Time              `json:"expired_at"`
}

// AuditSink retains expired correlation state.
type AuditSink interface {
	RecordExpired(ctx context.Context, g ExpiredGroup) error
}

// LogAuditSink writes expired groups to a structured logger.
type LogAuditSink struct {
	logger *slog.Logger
}

// NewLogAuditSink creates an audit sink that logs at debug level.
func NewLogAuditSink(logger *slog.Logger) *LogAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAuditSink{logger: logger}
}

// RecordExpired implements AuditSink.
func (s *LogAuditSink) RecordExpired(ctx context.Context, g ExpiredGroup) error {
	s.logger.Debug("correlation group expired",
		"key", g.Key,
		"reason", g.Reason,
		"events", len(g.Events),
		"max_severity", g.MaxSeverity,
		"first_seen", g.FirstSeen,
		"last_seen", g.LastSeen,
	)
	return nil
}
