// Package schema defines the telemetry and detection types shared by the
// detection, intelligence, correlation and response packages.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity bounds for rules and events.
const (
	MinSeverity = 0
	MaxSeverity = 10
)

// NetworkPacket is one captured network unit. Fields are unexported so a
// packet cannot be modified after construction.
type NetworkPacket struct {
	payload    []byte
	sourceIP   string
	destIP     string
	sourcePort uint16
	destPort   uint16
	protocol   string
}

// PacketFields carries the values used to build a NetworkPacket.
type PacketFields struct {
	Payload    []byte `json:"payload"`
	SourceIP   string `json:"source_ip" validate:"required,ip"`
	DestIP     string `json:"dest_ip" validate:"required,ip"`
	SourcePort uint16 `json:"source_port"`
	DestPort   uint16 `json:"dest_port"`
	Protocol   string `json:"protocol" validate:"required,max=16,protocol"`
}

// NewNetworkPacket builds an immutable packet. The payload is copied and the
// protocol tag is folded to lower case, so "TCP" and "tcp" are the same.
func NewNetworkPacket(f PacketFields) NetworkPacket {
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	return NetworkPacket{
		payload:    payload,
		sourceIP:   f.SourceIP,
		destIP:     f.DestIP,
		sourcePort: f.SourcePort,
		destPort:   f.DestPort,
		protocol:   strings.ToLower(strings.TrimSpace(f.Protocol)),
	}
}

// Payload returns a copy of the raw packet bytes.
func (p NetworkPacket) Payload() []byte {
	out := make([]byte, len(p.payload))
	copy(out, p.payload)
	return out
}

func (p NetworkPacket) SourceIP() string   { return p.sourceIP }
func (p NetworkPacket) DestIP() string     { return p.destIP }
func (p NetworkPacket) SourcePort() uint16 { return p.sourcePort }
func (p NetworkPacket) DestPort() uint16   { return p.destPort }
func (p NetworkPacket) Protocol() string   { return p.protocol }

// Fields returns the packet as a plain value for validation or encoding.
func (p NetworkPacket) Fields() PacketFields {
	return PacketFields{
		Payload:    p.Payload(),
		SourceIP:   p.sourceIP,
		DestIP:     p.destIP,
		SourcePort: p.sourcePort,
		DestPort:   p.destPort,
		Protocol:   p.protocol,
	}
}

// LogEntry is one log record handed in by a log collaborator.
type LogEntry struct {
	timestamp time.Time
	source    string
	message   string
	severity  int
}

// LogFields carries the values used to build a LogEntry.
type LogFields struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source" validate:"required,max=256"`
	Message   string    `json:"message" validate:"required,max=65536"`
	Severity  int       `json:"severity" validate:"min=0,max=10"`
}

// NewLogEntry builds an immutable log entry.
func NewLogEntry(f LogFields) LogEntry {
	return LogEntry{
		timestamp: f.Timestamp,
		source:    f.Source,
		message:   f.Message,
		severity:  f.Severity,
	}
}

func (l LogEntry) Timestamp() time.Time { return l.timestamp }
func (l LogEntry) Source() string       { return l.source }
func (l LogEntry) Message() string      { return l.message }
func (l LogEntry) Severity() int        { return l.severity }

// Fields returns the entry as a plain value.
func (l LogEntry) Fields() LogFields {
	return LogFields{
		Timestamp: l.timestamp,
		Source:    l.source,
		Message:   l.message,
		Severity:  l.severity,
	}
}

// EventState tracks where an event is in the correlation lifecycle.
type EventState string

const (
	StateIngested  EventState = "ingested"
	StateEnriched  EventState = "enriched"
	StateQueued    EventState = "queued"
	StateGrouped   EventState = "grouped"
	StateEscalated EventState = "escalated"
	StateExpired   EventState = "expired"
)

// SecurityEvent is a detection hit.
type SecurityEvent struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Severity    int       `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`

	// Seq breaks timestamp ties in insertion order.
	Seq uint64 `json:"seq"`

	// Source is the actor identity used in the correlation key
	// (packet source IP, log source).
	Source string `json:"source"`
	RuleID string `json:"rule_id"`

	// Indicators holds artifacts extracted from the telemetry that are
	// worth checking against the IOC set.
	Indicators []string `json:"indicators,omitempty"`

	Enrichment *Enrichment `json:"enrichment,omitempty"`
}

// Less orders events by timestamp, then insertion sequence.
func (e SecurityEvent) Less(other SecurityEvent) bool {
	if e.Timestamp.Equal(other.Timestamp) {
		return e.Seq < other.Seq
	}
	return e.Timestamp.Before(other.Timestamp)
}

// WithEnrichment returns a copy of the event carrying the enrichment. The
// enrichment of an already enriched event is never replaced.
func (e SecurityEvent) WithEnrichment(en Enrichment) SecurityEvent {
	if e.Enrichment != nil {
		return e
	}
	e.Enrichment = &en
	return e
}

// Enrichment is the threat intelligence context attached to an event.
type Enrichment struct {
	TechniqueID   string         `json:"technique_id,omitempty"`
	TechniqueName string         `json:"technique_name,omitempty"`
	Tactic        string         `json:"tactic,omitempty"`
	IOCMatches    []IndicatorRef `json:"ioc_matches,omitempty"`
}

// Matched reports whether any indicator matched.
func (e *Enrichment) Matched() bool {
	return e != nil && len(e.IOCMatches) > 0
}

// IndicatorRef names an indicator that matched an event.
type IndicatorRef struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Indicator is a known-bad artifact.
type Indicator struct {
	Type   string `json:"type" yaml:"type" validate:"required,oneof=ip domain hash url email"`
	Value  string `json:"value" yaml:"value" validate:"required,max=2048"`
	Source string `json:"source" yaml:"source"`
}

// Key returns the (type, value) identity of the indicator.
func (i Indicator) Key() string {
	return i.Type + "|" + i.Value
}

// IntrusionAlert is the raw IDS alert surfaced to operators.
type IntrusionAlert struct {
	ID          uuid.UUID `json:"id"`
	Description string    `json:"description"`
	Severity    int       `json:"severity"`
	Source      string    `json:"source"`
}

// AlertFromEvent derives the operator alert for a rule-matched event.
func AlertFromEvent(e SecurityEvent) IntrusionAlert {
	return IntrusionAlert{
		ID:          e.ID,
		Description: fmt.Sprintf("[%s] %s", e.RuleID, e.Description),
		Severity:    e.Severity,
		Source:      e.Source,
	}
}

// Threat is a correlated, escalated finding. A Threat is finalized when it
// is created and must not be modified afterwards.
type Threat struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Severity  int             `json:"severity"`
	Key       string          `json:"key"`
	Events    []SecurityEvent `json:"events"`
	CreatedAt time.Time       `json:"created_at"`
	Trigger   string          `json:"trigger"`
}

// Techniques returns the distinct technique ids of the related events.
func (t Threat) Techniques() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range t.Events {
		if e.Enrichment == nil || e.Enrichment.TechniqueID == "" {
			continue
		}
		if !seen[e.Enrichment.TechniqueID] {
			seen[e.Enrichment.TechniqueID] = true
			out = append(out, e.Enrichment.TechniqueID)
		}
	}
	return out
}

// Sources returns the distinct source identities of the related events.
func (t Threat) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range t.Events {
		if e.Source != "" && !seen[e.Source] {
			seen[e.Source] = true
			out = append(out, e.Source)
		}
	}
	return out
}
