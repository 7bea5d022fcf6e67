package schema

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SummaryVersion is bumped whenever the ThreatSummary shape changes.
const SummaryVersion = "1"

// ThreatSummary is the serialized form of a Threat sent to SIEM/SOAR
// platforms.
type ThreatSummary struct {
	Version    string         `json:"version"`
	ID         uuid.UUID      `json:"id"`
	Name       string         `json:"name"`
	Severity   int            `json:"severity"`
	Key        string         `json:"key"`
	Trigger    string         `json:"trigger"`
	CreatedAt  time.Time      `json:"created_at"`
	Techniques []string       `json:"techniques,omitempty"`
	Events     []EventSummary `json:"events"`
}

// EventSummary is one related event inside a ThreatSummary.
type EventSummary struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Severity  int       `json:"severity"`
}

// Summarize builds the export summary of a threat, keeping event order.
func Summarize(t Threat) ThreatSummary {
	events := make([]EventSummary, 0, len(t.Events))
	for _, e := range t.Events {
		events = append(events, EventSummary{
			ID:        e.ID,
			Type:      e.Type,
			Timestamp: e.Timestamp.UTC(),
			Severity:  e.Severity,
		})
	}
	return ThreatSummary{
		Version:    SummaryVersion,
		ID:         t.ID,
		Name:       t.Name,
		Severity:   t.Severity,
		Key:        t.Key,
		Trigger:    t.Trigger,
		CreatedAt:  t.CreatedAt.UTC(),
		Techniques: t.Techniques(),
		Events:     events,
	}
}

// Marshal encodes the summary as JSON.
func (s ThreatSummary) Marshal() ([]byte, error) {
	return json.Marshal(s)
}
