// Package telemetry receives packet and log records from remote collectors
// and hands them to detection.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"endpoint-xdr/internal/schema"
)

// ErrEmptyRecord is returned for a JSON record carrying neither a packet
// nor a log entry.
var ErrEmptyRecord = errors.New("record has no packet or log")

// Record is the wire form of one telemetry item. Collectors send one record
// per line; lines that are not JSON objects are taken as raw log messages.
type Record struct {
	Kind   string               `json:"kind,omitempty"`
	Packet *schema.PacketFields `json:"packet,omitempty"`
	Log    *schema.LogFields    `json:"log,omitempty"`
}

// Telemetry converts the record. A log without a source is attributed to
// peer, and one without a timestamp is stamped with now.
func (r Record) Telemetry(peer string, now time.Time) (schema.Telemetry, error) {
	kind := r.Kind
	if kind == "" {
		switch {
		case r.Packet != nil && r.Log == nil:
			kind = schema.KindPacket
		case r.Log != nil && r.Packet == nil:
			kind = schema.KindLog
		}
	}

	switch kind {
	case schema.KindPacket:
		if r.Packet == nil {
			return schema.Telemetry{}, ErrEmptyRecord
		}
		return schema.PacketTelemetry(schema.NewNetworkPacket(*r.Packet)), nil
	case schema.KindLog:
		if r.Log == nil {
			return schema.Telemetry{}, ErrEmptyRecord
		}
		f := *r.Log
		if f.Source == "" {
			f.Source = peer
		}
		if f.Timestamp.IsZero() {
			f.Timestamp = now
		}
		return schema.LogTelemetry(schema.NewLogEntry(f)), nil
	case "":
		return schema.Telemetry{}, ErrEmptyRecord
	}
	return schema.Telemetry{}, fmt.Errorf("unknown record kind %q", kind)
}

// Decode splits data into lines and converts each one. Blank lines are
// ignored. Bad lines are skipped and reported together in the error; the
// items decoded from good lines are still returned.
func Decode(data []byte, peer string, now time.Time) ([]schema.Telemetry, error) {
	var (
		out  []schema.Telemetry
		errs []error
	)
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		if line[0] != '{' {
			out = append(out, schema.LogTelemetry(schema.NewLogEntry(schema.LogFields{
				Timestamp: now,
				Source:    peer,
				Message:   string(line),
			})))
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", i+1, err))
			continue
		}
		t, err := rec.Telemetry(peer, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", i+1, err))
			continue
		}
		out = append(out, t)
	}
	return out, errors.Join(errs...)
}
