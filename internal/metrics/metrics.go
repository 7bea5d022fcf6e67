// Package metrics exposes the agent's Prometheus counters and gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xdr"

// Metrics holds all the Prometheus metrics for the agent. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TelemetryReceived  *prometheus.CounterVec
	TelemetryTotal     *prometheus.CounterVec
	TelemetryDropped   *prometheus.CounterVec
	EventsEmitted      *prometheus.CounterVec
	EmitterDropped     prometheus.Counter
	RulesDisabled      prometheus.Counter
	RulesActive        prometheus.Gauge
	IOCMatches         prometheus.Counter
	IndicatorsLoaded   prometheus.Gauge
	FeedUpdates        *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	EventsDeduplicated prometheus.Counter
	EventsLate         prometheus.Counter
	GroupsActive       prometheus.Gauge
	GroupsExpired      *prometheus.CounterVec
	ThreatsEscalated   *prometheus.CounterVec
	ResponseIntents    *prometheus.CounterVec
	IntentsSuppressed  prometheus.Counter
	ExportsTotal       *prometheus.CounterVec
	ExportFailures     *prometheus.CounterVec
}

// New creates the agent metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TelemetryReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_received_total",
			Help:      "Telemetry records received by transport and result",
		}, []string{"transport", "result"}),
		TelemetryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_total",
			Help:      "Total number of telemetry items evaluated",
		}, []string{"kind"}),
		TelemetryDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_dropped_total",
			Help:      "Total number of malformed telemetry items skipped",
		}, []string{"kind"}),
		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Total number of security events produced by detection",
		}, []string{"kind"}),
		EmitterDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emitter_dropped_total",
			Help:      "Total number of events dropped because the emitter buffer was full",
		}),
		RulesDisabled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_disabled_total",
			Help:      "Total number of rules disabled after an evaluation failure",
		}),
		RulesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_active",
			Help:      "Number of active detection rules",
		}),
		IOCMatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ioc_matches_total",
			Help:      "Total number of events enriched with an indicator match",
		}),
		IndicatorsLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indicators_loaded",
			Help:      "Number of indicators in the active snapshot",
		}),
		FeedUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_updates_total",
			Help:      "Threat feed pulls by source and result",
		}, []string{"source", "result"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correlation_queue_depth",
			Help:      "Events waiting in the correlation queue",
		}),
		EventsDeduplicated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deduplicated_total",
			Help:      "Total number of duplicate events ignored by correlation",
		}),
		EventsLate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_late_total",
			Help:      "Total number of events processed after newer events",
		}),
		GroupsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correlation_groups_active",
			Help:      "Number of open correlation groups",
		}),
		GroupsExpired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_groups_expired_total",
			Help:      "Correlation groups expired without escalation",
		}, []string{"reason"}),
		ThreatsEscalated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threats_escalated_total",
			Help:      "Threats escalated by trigger",
		}, []string{"trigger"}),
		ResponseIntents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_intents_total",
			Help:      "Response intents issued by action",
		}, []string{"action"}),
		IntentsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_intents_suppressed_total",
			Help:      "Response intents suppressed as repeats",
		}),
		ExportsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Threat summaries sent by exporter",
		}, []string{"exporter"}),
		ExportFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_failures_total",
			Help:      "Threat summary exports that failed by exporter",
		}, []string{"exporter"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncReceived records a telemetry record read by a receiver. Result is
// one of "accepted", "rejected", "limited" or "dropped".
func (m *Metrics) IncReceived(transport, result string) {
	if m != nil {
		m.TelemetryReceived.WithLabelValues(transport, result).Inc()
	}
}

// IncTelemetry records an evaluated telemetry item.
func (m *Metrics) IncTelemetry(kind string) {
	if m != nil {
		m.TelemetryTotal.WithLabelValues(kind).Inc()
	}
}

// IncTelemetryDropped records a malformed telemetry item.
func (m *Metrics) IncTelemetryDropped(kind string) {
	if m != nil {
		m.TelemetryDropped.WithLabelValues(kind).Inc()
	}
}

// AddEventsEmitted records events produced by detection.
func (m *Metrics) AddEventsEmitted(kind string, n int) {
	if m != nil && n > 0 {
		m.EventsEmitted.WithLabelValues(kind).Add(float64(n))
	}
}

// IncEmitterDropped records an event lost to a full emitter.
func (m *Metrics) IncEmitterDropped() {
	if m != nil {
		m.EmitterDropped.Inc()
	}
}

// IncRulesDisabled records a rule disabled at evaluation time.
func (m *Metrics) IncRulesDisabled() {
	if m != nil {
		m.RulesDisabled.Inc()
	}
}

// SetRulesActive records the active rule count.
func (m *Metrics) SetRulesActive(n int) {
	if m != nil {
		m.RulesActive.Set(float64(n))
	}
}

// IncIOCMatches records an enrichment with at least one indicator match.
func (m *Metrics) IncIOCMatches() {
	if m != nil {
		m.IOCMatches.Inc()
	}
}

// SetIndicatorsLoaded records the indicator count.
func (m *Metrics) SetIndicatorsLoaded(n int) {
	if m != nil {
		m.IndicatorsLoaded.Set(float64(n))
	}
}

// IncFeedUpdate records a feed pull outcome.
func (m *Metrics) IncFeedUpdate(source string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.FeedUpdates.WithLabelValues(source, result).Inc()
}

// SetQueueDepth records the correlation queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

// IncDeduplicated records a duplicate event.
func (m *Metrics) IncDeduplicated() {
	if m != nil {
		m.EventsDeduplicated.Inc()
	}
}

// IncLate records a late event.
func (m *Metrics) IncLate() {
	if m != nil {
		m.EventsLate.Inc()
	}
}

// SetGroupsActive records the open group count.
func (m *Metrics) SetGroupsActive(n int) {
	if m != nil {
		m.GroupsActive.Set(float64(n))
	}
}

// IncGroupsExpired records an expired group.
func (m *Metrics) IncGroupsExpired(reason string) {
	if m != nil {
		m.GroupsExpired.WithLabelValues(reason).Inc()
	}
}

// IncThreatsEscalated records an escalated threat.
func (m *Metrics) IncThreatsEscalated(trigger string) {
	if m != nil {
		m.ThreatsEscalated.WithLabelValues(trigger).Inc()
	}
}

// IncResponseIntent records an issued response intent.
func (m *Metrics) IncResponseIntent(action string) {
	if m != nil {
		m.ResponseIntents.WithLabelValues(action).Inc()
	}
}

// IncIntentsSuppressed records a suppressed response intent.
func (m *Metrics) IncIntentsSuppressed() {
	if m != nil {
		m.IntentsSuppressed.Inc()
	}
}

// IncExport records an export attempt result.
func (m *Metrics) IncExport(exporter string, err error) {
	if m == nil {
		return
	}
	m.ExportsTotal.WithLabelValues(exporter).Inc()
	if err != nil {
		m.ExportFailures.WithLabelValues(exporter).Inc()
	}
}
