// Package correlation groups security events over event time and escalates
// groups that cross a count or severity threshold into threats.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"endpoint-xdr/internal/metrics"
	"endpoint-xdr/internal/queue"
	"endpoint-xdr/internal/schema"

	"github.com/google/uuid"
)

// Escalation triggers.
const (
	TriggerCount    = "count"
	TriggerSeverity = "severity"
)

// ErrQueueSaturated is reported by Health while the event queue is full.
var ErrQueueSaturated = errors.New("correlation queue saturated")

// ThreatHandler is called for every escalated threat. Handlers run on the
// correlation worker and must hand off slow work.
type ThreatHandler func(context.Context, schema.Threat) error

// Engine correlates security events into threats. Events are processed by
// a single worker in timestamp order.
type Engine struct {
	config   Config
	queue    *queue.EventQueue
	audit    AuditSink
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	handlers []ThreatHandler
	hmu      sync.RWMutex

	// stateMu serializes every mutation of groups.
	stateMu       sync.Mutex
	groups        map[string]*group
	lastProcessed time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	processed    uint64
	escalated    uint64
	expired      uint64
	deduplicated uint64
	late         uint64
}

// NewEngine creates a correlation engine. A nil audit sink logs expired
// groups.
func NewEngine(cfg Config, audit AuditSink, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = NewLogAuditSink(logger)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	return &Engine{
		config:  cfg,
		queue:   queue.NewEventQueue(cfg.QueueSize),
		audit:   audit,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		groups:  make(map[string]*group),
		stopCh:  make(chan struct{}),
	}, nil
}

// AddHandler registers a threat handler.
func (e *Engine) AddHandler(h ThreatHandler) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Key derives the correlation key of an event.
func (e *Engine) Key(ev schema.SecurityEvent) string {
	parts := make([]string, len(e.config.KeyBy))
	for i, f := range e.config.KeyBy {
		switch f {
		case KeyType:
			parts[i] = ev.Type
		case KeySource:
			parts[i] = ev.Source
		case KeyRule:
			parts[i] = ev.RuleID
		}
	}
	return strings.Join(parts, "|")
}

// Submit queues an event for correlation. When the queue is full it waits
// for space until ctx is done (or SubmitTimeout if ctx has no deadline),
// then returns queue.ErrQueueFull.
func (e *Engine) Submit(ctx context.Context, ev schema.SecurityEvent) error {
	if _, ok := ctx.Deadline(); !ok && e.config.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.SubmitTimeout)
		defer cancel()
	}
	if err := e.queue.Push(ctx, ev); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			e.logger.Warn("correlation queue full, event rejected",
				"event_id", ev.ID,
				"event_type", ev.Type,
			)
		}
		return fmt.Errorf("submit event %s: %w", ev.ID, err)
	}
	e.metrics.SetQueueDepth(e.queue.Len())
	return nil
}

// Start starts the correlation worker.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go e.worker(ctx)

	e.logger.Info("correlation engine started",
		"window", e.config.Window,
		"count_threshold", e.config.CountThreshold,
		"severity_threshold", e.config.SeverityThreshold,
	)
}

// Stop rejects new events, processes everything still queued, expires the
// remaining groups to the audit sink and stops the worker's timers.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.queue.Close()
		close(e.stopCh)
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("correlation engine stop: %w", ctx.Err())
	}

	// Covers an engine that was never started or whose context was
	// cancelled before Stop.
	e.shutdown(ctx)

	e.logger.Info("correlation engine stopped",
		"processed", atomic.LoadUint64(&e.processed),
		"escalated", atomic.LoadUint64(&e.escalated),
		"expired", atomic.LoadUint64(&e.expired),
	)
	return nil
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()

	sweep := time.NewTicker(e.config.SweepInterval)
	defer sweep.Stop()

	release := time.NewTimer(time.Hour)
	defer release.Stop()

	for {
		e.processReady(ctx)

		changed := e.queue.Changed()
		var releaseC <-chan time.Time
		if head, ok := e.queue.Peek(); ok {
			d := head.Timestamp.Add(e.config.ReorderDelay).Sub(e.now())
			if d < 10*time.Millisecond {
				d = 10 * time.Millisecond
			}
			if !release.Stop() {
				select {
				case <-release.C:
				default:
				}
			}
			release.Reset(d)
			releaseC = release.C
		}

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			e.shutdown(ctx)
			return
		case <-changed:
		case <-releaseC:
		case <-sweep.C:
			e.Sweep(ctx)
		}
	}
}

// processReady processes queued events older than the reorder delay.
func (e *Engine) processReady(ctx context.Context) int {
	cutoff := e.now().Add(-e.config.ReorderDelay)
	n := 0
	for {
		e.stateMu.Lock()
		ev, ok := e.queue.PopReady(cutoff)
		if !ok {
			e.stateMu.Unlock()
			break
		}
		e.process(ctx, ev)
		e.stateMu.Unlock()
		n++
	}
	if n > 0 {
		e.metrics.SetQueueDepth(e.queue.Len())
	}
	return n
}

// Flush processes every queued event regardless of the reorder delay.
func (e *Engine) Flush(ctx context.Context) int {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	events := e.queue.Drain()
	for _, ev := range events {
		e.process(ctx, ev)
	}
	e.metrics.SetQueueDepth(0)
	return len(events)
}

func (e *Engine) shutdown(ctx context.Context) {
	e.Flush(ctx)

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	for key, g := range e.groups {
		e.expireLocked(ctx, key, g, ReasonShutdown)
	}
}

// process runs one event through the group state machine. Must hold stateMu.
func (e *Engine) process(ctx context.Context, ev schema.SecurityEvent) {
	atomic.AddUint64(&e.processed, 1)

	if ev.Timestamp.Before(e.lastProcessed) {
		atomic.AddUint64(&e.late, 1)
		e.metrics.IncLate()
	} else {
		e.lastProcessed = ev.Timestamp
	}

	key := e.Key(ev)
	g, ok := e.groups[key]
	if ok && ev.Timestamp.Before(g.newest.Add(-e.config.Window)) {
		// Too late to join the open group.
		e.record(ctx, ExpiredGroup{
			Key:         key,
			Reason:      ReasonLate,
			Events:      []schema.SecurityEvent{ev},
			MaxSeverity: ev.Severity,
			FirstSeen:   ev.Timestamp,
			LastSeen:    ev.Timestamp,
		})
		return
	}
	if !ok {
		if len(e.groups) >= e.config.MaxGroups {
			e.evictOldestLocked(ctx)
		}
		g = newGroup(key)
		e.groups[key] = g
		e.metrics.SetGroupsActive(len(e.groups))
	}

	if dup := g.add(ev, e.config.DedupBucket); dup {
		atomic.AddUint64(&e.deduplicated, 1)
		e.metrics.IncDeduplicated()
	}

	if pruned := g.prune(g.newest.Add(-e.config.Window), e.config.DedupBucket); len(pruned) > 0 {
		e.record(ctx, ExpiredGroup{
			Key:         key,
			Reason:      ReasonPruned,
			Events:      pruned,
			MaxSeverity: maxSeverity(pruned),
			FirstSeen:   pruned[0].Timestamp,
			LastSeen:    pruned[len(pruned)-1].Timestamp,
		})
	}

	e.logger.Debug("event grouped",
		"event_id", ev.ID,
		"key", key,
		"state", schema.StateGrouped,
		"occurrences", g.occurrences(),
	)

	if trigger := e.trigger(g); trigger != "" {
		e.escalateLocked(ctx, key, g, trigger)
	}
}

func (e *Engine) trigger(g *group) string {
	if e.config.CountThreshold > 0 && g.occurrences() >= e.config.CountThreshold {
		return TriggerCount
	}
	if e.config.SeverityThreshold > 0 && g.maxSeverity() >= e.config.SeverityThreshold {
		return TriggerSeverity
	}
	return ""
}

// escalateLocked finalizes the group into a threat and removes it, so the
// next event for the key starts a fresh group.
func (e *Engine) escalateLocked(ctx context.Context, key string, g *group, trigger string) {
	delete(e.groups, key)
	e.metrics.SetGroupsActive(len(e.groups))

	events := make([]schema.SecurityEvent, len(g.events))
	copy(events, g.events)

	name := dominantType(events)
	if srcs := (schema.Threat{Events: events}).Sources(); len(srcs) == 1 {
		name = fmt.Sprintf("%s from %s", name, srcs[0])
	}

	threat := schema.Threat{
		ID:        uuid.New(),
		Name:      name,
		Severity:  g.maxSeverity(),
		Key:       key,
		Events:    events,
		CreatedAt: e.now().UTC(),
		Trigger:   trigger,
	}

	atomic.AddUint64(&e.escalated, 1)
	e.metrics.IncThreatsEscalated(trigger)
	e.logger.Info("threat escalated",
		"threat_id", threat.ID,
		"name", threat.Name,
		"severity", threat.Severity,
		"events", len(threat.Events),
		"trigger", trigger,
		"state", schema.StateEscalated,
	)

	e.hmu.RLock()
	handlers := e.handlers
	e.hmu.RUnlock()
	for _, h := range handlers {
		if err := h(ctx, threat); err != nil {
			e.logger.Error("threat handler failed", "threat_id", threat.ID, "error", err)
		}
	}
}

func (e *Engine) expireLocked(ctx context.Context, key string, g *group, reason string) {
	delete(e.groups, key)
	e.metrics.SetGroupsActive(len(e.groups))
	if g.empty() {
		return
	}
	atomic.AddUint64(&e.expired, 1)
	e.metrics.IncGroupsExpired(reason)
	e.record(ctx, ExpiredGroup{
		Key:         key,
		Reason:      reason,
		Events:      g.events,
		MaxSeverity: g.maxSeverity(),
		FirstSeen:   g.events[0].Timestamp,
		LastSeen:    g.events[len(g.events)-1].Timestamp,
	})
}

// evictOldestLocked expires the least recently active group.
func (e *Engine) evictOldestLocked(ctx context.Context) {
	var (
		oldestKey string
		oldest    *group
	)
	for k, g := range e.groups {
		if oldest == nil || g.newest.Before(oldest.newest) {
			oldestKey, oldest = k, g
		}
	}
	if oldest != nil {
		e.logger.Warn("correlation group limit reached, expiring oldest group",
			"key", oldestKey,
			"max_groups", e.config.MaxGroups,
		)
		e.expireLocked(ctx, oldestKey, oldest, ReasonOverflow)
	}
}

func (e *Engine) record(ctx context.Context, g ExpiredGroup) {
	g.ExpiredAt = e.now().UTC()
	if err := e.audit.RecordExpired(ctx, g); err != nil {
		e.logger.Warn("failed to record expired events",
			"key", g.Key,
			"reason", g.Reason,
			"error", err,
		)
	}
}

// Sweep expires groups idle for longer than the window. It returns at once
// if there are no groups or the worker is busy.
func (e *Engine) Sweep(ctx context.Context) int {
	if !e.stateMu.TryLock() {
		return 0
	}
	defer e.stateMu.Unlock()

	if len(e.groups) == 0 {
		return 0
	}

	cutoff := e.now().Add(-e.config.Window)
	n := 0
	for key, g := range e.groups {
		if g.newest.Before(cutoff) {
			e.expireLocked(ctx, key, g, ReasonWindow)
			n++
		}
	}
	return n
}

// Health reports whether the engine can accept events.
func (e *Engine) Health() error {
	if e.queue.Closed() {
		return queue.ErrQueueClosed
	}
	if e.queue.Len() >= e.queue.Cap() {
		return ErrQueueSaturated
	}
	return nil
}

// Stats holds correlation counters.
type Stats struct {
	Processed    uint64             `json:"processed"`
	Escalated    uint64             `json:"escalated"`
	Expired      uint64             `json:"expired"`
	Deduplicated uint64             `json:"deduplicated"`
	Late         uint64             `json:"late"`
	ActiveGroups int                `json:"active_groups"`
	Queue        queue.QueueMetrics `json:"queue"`
}

// Stats returns correlation counters.
func (e *Engine) Stats() Stats {
	e.stateMu.Lock()
	active := len(e.groups)
	e.stateMu.Unlock()

	return Stats{
		Processed:    atomic.LoadUint64(&e.processed),
		Escalated:    atomic.LoadUint64(&e.escalated),
		Expired:      atomic.LoadUint64(&e.expired),
		Deduplicated: atomic.LoadUint64(&e.deduplicated),
		Late:         atomic.LoadUint64(&e.late),
		ActiveGroups: active,
		Queue:        e.queue.Metrics(),
	}
}
