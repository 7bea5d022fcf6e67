// Package detection evaluates telemetry against the active rule set and
// produces security events.
package detection

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"endpoint-xdr/internal/metrics"
	"endpoint-xdr/internal/rules"
	"endpoint-xdr/internal/schema"

	"github.com/google/uuid"
)

// EngineConfig holds configuration for the detection engine.
type EngineConfig struct {
	// Workers is the size of the pool started by Run.
	Workers int
	// Validator checks telemetry before evaluation. Nil uses defaults.
	Validator *schema.Validator
	// Emitter receives every produced event. Optional.
	Emitter *Emitter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{Workers: 4}
}

// Engine is the intrusion detection engine. It is safe for concurrent use;
// every evaluation works on one rule snapshot.
type Engine struct {
	store     *rules.Store
	validator *schema.Validator
	emitter   *Emitter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	workers   int
	now       func() time.Time

	evaluated uint64
	matched   uint64
	malformed uint64
	disabled  uint64
}

// NewEngine creates a detection engine reading rules from store.
func NewEngine(store *rules.Store, cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Validator == nil {
		cfg.Validator = schema.NewValidator()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Engine{
		store:     store,
		validator: cfg.Validator,
		emitter:   cfg.Emitter,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		workers:   cfg.Workers,
		now:       time.Now,
	}
}

// EvaluatePacket matches a packet against every in-scope active rule and
// returns one event per matching rule. Malformed packets are skipped.
func (e *Engine) EvaluatePacket(p schema.NetworkPacket) []schema.SecurityEvent {
	if err := e.validator.ValidatePacket(p); err != nil {
		e.skip(schema.KindPacket, err)
		return nil
	}
	atomic.AddUint64(&e.evaluated, 1)
	e.metrics.IncTelemetry(schema.KindPacket)

	snap := e.store.Snapshot()
	input := NormalizePacket(p)

	var events []schema.SecurityEvent
	for _, rule := range snap.Rules {
		if !rule.AppliesToPacket(p) {
			continue
		}
		if e.match(rule, input) {
			events = append(events, e.newEvent(rule, p.SourceIP(), packetIndicators(p)))
		}
	}
	e.publish(schema.KindPacket, events)
	return events
}

// EvaluateLog matches a log message against every in-scope active rule.
func (e *Engine) EvaluateLog(l schema.LogEntry) []schema.SecurityEvent {
	if err := e.validator.ValidateLog(l); err != nil {
		e.skip(schema.KindLog, err)
		return nil
	}
	atomic.AddUint64(&e.evaluated, 1)
	e.metrics.IncTelemetry(schema.KindLog)

	snap := e.store.Snapshot()
	input := l.Message()

	var (
		events     []schema.SecurityEvent
		indicators []string
	)
	for _, rule := range snap.Rules {
		if !rule.AppliesToLog() {
			continue
		}
		if e.match(rule, input) {
			if indicators == nil {
				indicators = logIndicators(l)
			}
			events = append(events, e.newEvent(rule, l.Source(), indicators))
		}
	}
	e.publish(schema.KindLog, events)
	return events
}

// Evaluate dispatches a telemetry item to the matching evaluator.
func (e *Engine) Evaluate(t schema.Telemetry) []schema.SecurityEvent {
	switch {
	case t.Packet != nil:
		return e.EvaluatePacket(*t.Packet)
	case t.Log != nil:
		return e.EvaluateLog(*t.Log)
	}
	e.skip("unknown", fmt.Errorf("empty telemetry item"))
	return nil
}

// Run evaluates telemetry from in with a fixed worker pool until in is
// closed or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, in <-chan schema.Telemetry) {
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(ctx, id, in)
		}(i)
	}
	wg.Wait()
}

func (e *Engine) worker(ctx context.Context, id int, in <-chan schema.Telemetry) {
	e.logger.Debug("detection worker started", "worker_id", id)
	defer e.logger.Debug("detection worker stopped", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			e.Evaluate(t)
		}
	}
}

// match runs one rule, disabling it if the matcher fails or panics.
func (e *Engine) match(rule *rules.Compiled, input string) bool {
	ok, err := safeMatch(rule, input)
	if err == nil {
		return ok
	}

	reason := err.Error()
	if derr := e.store.DisableCompiled(rule, reason); derr == nil {
		atomic.AddUint64(&e.disabled, 1)
		e.metrics.IncRulesDisabled()
	}
	e.logger.Error("rule evaluation failed, rule disabled",
		"rule_id", rule.ID,
		"error", reason,
	)
	return false
}

func safeMatch(rule *rules.Compiled, input string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("matcher panic: %v\n%s", r, debug.Stack())
		}
	}()
	return rule.Match(input)
}

func (e *Engine) newEvent(rule *rules.Compiled, source string, indicators []string) schema.SecurityEvent {
	desc := rule.Description
	if desc == "" {
		desc = fmt.Sprintf("rule %s matched", rule.ID)
	}
	return schema.SecurityEvent{
		ID:          uuid.New(),
		Type:        rule.ID,
		Description: desc,
		Severity:    rule.Severity,
		Timestamp:   e.now().UTC(),
		Source:      source,
		RuleID:      rule.ID,
		Indicators:  indicators,
	}
}

func (e *Engine) publish(kind string, events []schema.SecurityEvent) {
	if len(events) == 0 {
		return
	}
	atomic.AddUint64(&e.matched, uint64(len(events)))
	e.metrics.AddEventsEmitted(kind, len(events))

	for _, ev := range events {
		e.logger.Info("intrusion alert",
			"alert_id", ev.ID,
			"rule_id", ev.RuleID,
			"severity", ev.Severity,
			"source", ev.Source,
		)
		if e.emitter != nil {
			e.emitter.Emit(ev)
		}
	}
}

func (e *Engine) skip(kind string, err error) {
	atomic.AddUint64(&e.malformed, 1)
	e.metrics.IncTelemetryDropped(kind)
	e.logger.Debug("skipping malformed telemetry", "kind", kind, "error", err)
}

// AlertFor derives the operator-facing alert for a detected event.
func AlertFor(event schema.SecurityEvent) schema.IntrusionAlert {
	return schema.AlertFromEvent(event)
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Evaluated:     atomic.LoadUint64(&e.evaluated),
		Matched:       atomic.LoadUint64(&e.matched),
		Malformed:     atomic.LoadUint64(&e.malformed),
		RulesDisabled: atomic.LoadUint64(&e.disabled),
	}
}

// Stats holds detection counters.
type Stats struct {
	Evaluated     uint64 `json:"evaluated"`
	Matched       uint64 `json:"matched"`
	Malformed     uint64 `json:"malformed"`
	RulesDisabled uint64 `json:"rules_disabled"`
}
