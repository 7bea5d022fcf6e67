package detection

import (
	"regexp"
	"strconv"
	"strings"

	"endpoint-xdr/internal/schema"
)

// maxPayloadBytes bounds how much payload is rendered for matching.
const maxPayloadBytes = 4096

// NormalizePacket renders a packet as the text rules are matched against:
//
//	proto:<p> src:<ip>:<port> dst:<ip>:<port> port:<dport> sp:<sport> payload:<text>
//
// "port:" occurs exactly once, so a pattern such as port:4444 only ever
// sees the destination port. Non-printable payload bytes are rendered as '.'.
func NormalizePacket(p schema.NetworkPacket) string {
	var b strings.Builder
	b.Grow(96 + maxPayloadBytes)

	b.WriteString("proto:")
	b.WriteString(strings.ToLower(p.Protocol()))
	b.WriteString(" src:")
	b.WriteString(p.SourceIP())
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(int(p.SourcePort())))
	b.WriteString(" dst:")
	b.WriteString(p.DestIP())
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(int(p.DestPort())))
	b.WriteString(" port:")
	b.WriteString(strconv.Itoa(int(p.DestPort())))
	b.WriteString(" sp:")
	b.WriteString(strconv.Itoa(int(p.SourcePort())))
	b.WriteString(" payload:")
	b.WriteString(printable(p.Payload()))

	return b.String()
}

func printable(data []byte) string {
	if len(data) > maxPayloadBytes {
		data = data[:maxPayloadBytes]
	}
	out := make([]byte, len(data))
	for i, c := range data {
		if c >= 0x20 && c < 0x7f {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

var (
	ipv4Pattern = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)
	hashPattern = regexp.MustCompile(`\b(?:[a-fA-F0-9]{64}|[a-fA-F0-9]{40}|[a-fA-F0-9]{32})\b`)
)

// packetIndicators returns the artifacts of a packet worth checking against
// the indicator set.
func packetIndicators(p schema.NetworkPacket) []string {
	if p.SourceIP() == p.DestIP() {
		return []string{p.SourceIP()}
	}
	return []string{p.SourceIP(), p.DestIP()}
}

// logIndicators extracts addresses and hashes mentioned in a log message.
func logIndicators(l schema.LogEntry) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, m := range ipv4Pattern.FindAllString(l.Message(), -1) {
		add(m)
	}
	for _, m := range hashPattern.FindAllString(l.Message(), -1) {
		add(strings.ToLower(m))
	}
	return out
}
