package schema

// Telemetry kinds.
const (
	KindPacket = "packet"
	KindLog    = "log"
)

// Telemetry is one item handed from a producer to detection. Exactly one of
// Packet or Log is set.
type Telemetry struct {
	Packet *NetworkPacket
	Log    *LogEntry
}

// Kind reports which telemetry field is set.
func (t Telemetry) Kind() string {
	switch {
	case t.Packet != nil:
		return KindPacket
	case t.Log != nil:
		return KindLog
	}
	return ""
}

// PacketTelemetry wraps a packet.
func PacketTelemetry(p NetworkPacket) Telemetry {
	return Telemetry{Packet: &p}
}

// LogTelemetry wraps a log entry.
func LogTelemetry(l LogEntry) Telemetry {
	return Telemetry{Log: &l}
}
