// Package intel maintains the indicator of compromise set and the MITRE
// ATT&CK mapping table, and enriches security events with both.
package intel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"endpoint-xdr/internal/metrics"
	"endpoint-xdr/internal/schema"
)

// snapshot is an immutable view of the intelligence data. Lookups read one
// snapshot, so a concurrent update is never observed half applied.
type snapshot struct {
	version    uint64
	updatedAt  time.Time
	byKey      map[string]schema.Indicator
	byValue    map[string][]schema.Indicator
	techniques map[string]Technique
}

func (s *snapshot) withIndicator(ioc schema.Indicator) *snapshot {
	next := &snapshot{
		version:    s.version + 1,
		updatedAt:  time.Now(),
		byKey:      make(map[string]schema.Indicator, len(s.byKey)+1),
		byValue:    make(map[string][]schema.Indicator, len(s.byValue)+1),
		techniques: s.techniques,
	}
	for k, v := range s.byKey {
		next.byKey[k] = v
	}
	for k, v := range s.byValue {
		next.byValue[k] = v
	}
	next.add(ioc)
	return next
}

func (s *snapshot) add(ioc schema.Indicator) {
	key := ioc.Key()
	if _, ok := s.byKey[key]; ok {
		return
	}
	s.byKey[key] = ioc
	// Append to a fresh slice so older snapshots keep their own.
	existing := s.byValue[ioc.Value]
	list := make([]schema.Indicator, len(existing), len(existing)+1)
	copy(list, existing)
	s.byValue[ioc.Value] = append(list, ioc)
}

// Config holds configuration for the intelligence service.
type Config struct {
	// Techniques overrides or extends the built-in mapping table.
	Techniques map[string]Technique
	Validator  *schema.Validator
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Service is the threat intelligence component. All lookups are lock-free.
type Service struct {
	current atomic.Pointer[snapshot]

	mu            sync.Mutex // serializes writers
	sources       []FeedSource
	contributions map[string]*Feed
	manual        map[string]schema.Indicator
	techniques    map[string]Technique

	validator *schema.Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewService creates a service with the built-in technique table and the
// given feed sources. No source is fetched until UpdateThreatFeeds.
func NewService(cfg Config, sources ...FeedSource) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Validator == nil {
		cfg.Validator = schema.NewValidator()
	}

	techniques := BuiltinTechniques()
	for k, v := range cfg.Techniques {
		techniques[k] = v
	}

	s := &Service{
		sources:       sources,
		contributions: make(map[string]*Feed),
		manual:        make(map[string]schema.Indicator),
		techniques:    techniques,
		validator:     cfg.Validator,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
	s.current.Store(s.build(0))
	return s
}

// NormalizeValue canonicalizes an indicator value for lookup. IP addresses
// are rendered in canonical form; everything else is lower-cased.
func NormalizeValue(v string) string {
	v = strings.TrimSpace(v)
	if addr, err := netip.ParseAddr(v); err == nil {
		return addr.Unmap().String()
	}
	return strings.ToLower(v)
}

func normalize(ioc schema.Indicator) schema.Indicator {
	ioc.Type = strings.ToLower(strings.TrimSpace(ioc.Type))
	ioc.Value = NormalizeValue(ioc.Value)
	return ioc
}

// CheckIndicator reports whether value matches any known indicator.
func (s *Service) CheckIndicator(value string) bool {
	_, ok := s.current.Load().byValue[NormalizeValue(value)]
	return ok
}

// CheckTyped reports whether the (type, value) pair is a known indicator.
func (s *Service) CheckTyped(typ, value string) bool {
	key := schema.Indicator{Type: strings.ToLower(typ), Value: NormalizeValue(value)}.Key()
	_, ok := s.current.Load().byKey[key]
	return ok
}

// Lookup returns every indicator matching value.
func (s *Service) Lookup(value string) []schema.Indicator {
	found := s.current.Load().byValue[NormalizeValue(value)]
	out := make([]schema.Indicator, len(found))
	copy(out, found)
	return out
}

// AddIndicator inserts an indicator. Adding a known indicator is a no-op.
// Manually added indicators survive feed updates.
func (s *Service) AddIndicator(ioc schema.Indicator) error {
	ioc = normalize(ioc)
	if err := s.validator.ValidateIndicator(ioc); err != nil {
		return err
	}
	if ioc.Source == "" {
		ioc.Source = "manual"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.manual[ioc.Key()] = ioc
	cur := s.current.Load()
	if _, ok := cur.byKey[ioc.Key()]; ok {
		return nil
	}
	next := cur.withIndicator(ioc)
	s.current.Store(next)
	s.metrics.SetIndicatorsLoaded(len(next.byKey))
	return nil
}

// MapToMITRE looks up the technique for an event type. An event without a
// mapping yields the Unmapped technique and false.
func (s *Service) MapToMITRE(event schema.SecurityEvent) (Technique, bool) {
	return lookupTechnique(s.current.Load().techniques, event)
}

// Enrich attaches technique and indicator context to the event. Identity
// fields are never changed, and an already enriched event is returned as is.
func (s *Service) Enrich(event schema.SecurityEvent) schema.SecurityEvent {
	if event.Enrichment != nil {
		return event
	}
	snap := s.current.Load()

	var en schema.Enrichment
	if t, ok := lookupTechnique(snap.techniques, event); ok {
		en.TechniqueID = t.ID
		en.TechniqueName = t.Name
		en.Tactic = t.Tactic
	}

	seen := make(map[string]bool)
	check := func(v string) {
		for _, ioc := range snap.byValue[NormalizeValue(v)] {
			if seen[ioc.Key()] {
				continue
			}
			seen[ioc.Key()] = true
			en.IOCMatches = append(en.IOCMatches, schema.IndicatorRef{Type: ioc.Type, Value: ioc.Value})
		}
	}
	if event.Source != "" {
		check(event.Source)
	}
	for _, v := range event.Indicators {
		check(v)
	}

	if en.Matched() {
		s.metrics.IncIOCMatches()
		s.logger.Info("indicator match",
			"event_id", event.ID,
			"event_type", event.Type,
			"matches", len(en.IOCMatches),
		)
	}
	return event.WithEnrichment(en)
}

// UpdateThreatFeeds pulls every source and swaps in a complete new
// snapshot. A source that fails keeps its previous contribution; the
// failures are returned joined. Safe to call concurrently with lookups.
func (s *Service) UpdateThreatFeeds(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, src := range s.sources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		feed, err := src.Fetch(ctx)
		if err != nil {
			s.metrics.IncFeedUpdate(src.Name(), false)
			s.logger.Warn("threat feed update failed, keeping previous data",
				"source", src.Name(),
				"error", err,
			)
			errs = append(errs, fmt.Errorf("feed %s: %w", src.Name(), err))
			continue
		}

		s.contributions[src.Name()] = s.sanitize(src.Name(), feed)
		s.metrics.IncFeedUpdate(src.Name(), true)
	}

	next := s.build(s.current.Load().version + 1)
	s.current.Store(next)
	s.metrics.SetIndicatorsLoaded(len(next.byKey))

	s.logger.Info("threat feeds updated",
		"indicators", len(next.byKey),
		"techniques", len(next.techniques),
		"version", next.version,
		"failed_sources", len(errs),
	)
	return errors.Join(errs...)
}

// sanitize drops invalid indicators from a fetched feed.
func (s *Service) sanitize(name string, feed *Feed) *Feed {
	clean := &Feed{Techniques: feed.Techniques}
	rejected := 0
	for _, ioc := range feed.Indicators {
		ioc = normalize(ioc)
		if err := s.validator.ValidateIndicator(ioc); err != nil {
			rejected++
			continue
		}
		if ioc.Source == "" {
			ioc.Source = name
		}
		clean.Indicators = append(clean.Indicators, ioc)
	}
	if rejected > 0 {
		s.logger.Warn("invalid indicators skipped", "source", name, "count", rejected)
	}
	return clean
}

// build assembles a snapshot from the built-in table, manual indicators
// and every source's latest contribution. Must hold mu (or be called
// before the service is shared).
func (s *Service) build(version uint64) *snapshot {
	snap := &snapshot{
		version:    version,
		updatedAt:  time.Now(),
		byKey:      make(map[string]schema.Indicator),
		byValue:    make(map[string][]schema.Indicator),
		techniques: make(map[string]Technique, len(s.techniques)),
	}
	for k, v := range s.techniques {
		snap.techniques[k] = v
	}
	for _, ioc := range s.manual {
		snap.add(ioc)
	}
	for _, src := range s.sources {
		feed, ok := s.contributions[src.Name()]
		if !ok {
			continue
		}
		for _, ioc := range feed.Indicators {
			snap.add(ioc)
		}
		for k, v := range feed.Techniques {
			snap.techniques[k] = v
		}
	}
	return snap
}

// Stats describes the active snapshot.
type Stats struct {
	Version    uint64    `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
	Indicators int       `json:"indicators"`
	Techniques int       `json:"techniques"`
	Sources    int       `json:"sources"`
}

// Stats returns statistics of the active snapshot.
func (s *Service) Stats() Stats {
	snap := s.current.Load()
	return Stats{
		Version:    snap.version,
		UpdatedAt:  snap.updatedAt,
		Indicators: len(snap.byKey),
		Techniques: len(snap.techniques),
		Sources:    len(s.sources),
	}
}
