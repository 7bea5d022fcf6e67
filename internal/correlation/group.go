package correlation

import (
	"sort"
	"strconv"
	"time"

	"endpoint-xdr/internal/schema"
)

// group is a candidate group of events sharing a correlation key. Groups
// are owned by the correlation worker and never shared.
type group struct {
	key     string
	events  []schema.SecurityEvent // ordered by SecurityEvent.Less
	buckets map[string]int         // dedup bucket -> events in it
	newest  time.Time
}

func newGroup(key string) *group {
	return &group{
		key:     key,
		buckets: make(map[string]int),
	}
}

func bucketKey(e schema.SecurityEvent, bucket time.Duration) string {
	ts := e.Timestamp
	if bucket > 0 {
		ts = ts.Truncate(bucket)
	}
	return e.Type + "|" + strconv.FormatInt(ts.UnixNano(), 10)
}

// add inserts the event in order. It reports whether the event was a
// duplicate occurrence.
func (g *group) add(e schema.SecurityEvent, bucket time.Duration) bool {
	i := sort.Search(len(g.events), func(i int) bool { return e.Less(g.events[i]) })
	g.events = append(g.events, schema.SecurityEvent{})
	copy(g.events[i+1:], g.events[i:])
	g.events[i] = e

	if e.Timestamp.After(g.newest) {
		g.newest = e.Timestamp
	}

	k := bucketKey(e, bucket)
	g.buckets[k]++
	return g.buckets[k] > 1
}

// prune removes events older than cutoff and returns them.
func (g *group) prune(cutoff time.Time, bucket time.Duration) []schema.SecurityEvent {
	n := 0
	for n < len(g.events) && g.events[n].Timestamp.Before(cutoff) {
		n++
	}
	if n == 0 {
		return nil
	}

	removed := make([]schema.SecurityEvent, n)
	copy(removed, g.events[:n])
	g.events = append(g.events[:0], g.events[n:]...)

	for _, e := range removed {
		k := bucketKey(e, bucket)
		if g.buckets[k] <= 1 {
			delete(g.buckets, k)
		} else {
			g.buckets[k]--
		}
	}
	return removed
}

// occurrences returns the number of distinct occurrences in the group.
func (g *group) occurrences() int {
	return len(g.buckets)
}

func (g *group) maxSeverity() int {
	return maxSeverity(g.events)
}

func (g *group) empty() bool {
	return len(g.events) == 0
}

func maxSeverity(events []schema.SecurityEvent) int {
	m := 0
	for _, e := range events {
		if e.Severity > m {
			m = e.Severity
		}
	}
	return m
}

// dominantType returns the most frequent event type, ties broken by the
// type seen first.
func dominantType(events []schema.SecurityEvent) string {
	counts := make(map[string]int)
	best, bestCount := "", 0
	for _, e := range events {
		counts[e.Type]++
	}
	for _, e := range events {
		if c := counts[e.Type]; c > bestCount {
			best, bestCount = e.Type, c
		}
	}
	return best
}
