package rules

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is an immutable, versioned view of the active rule set.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time
	Rules    []*Compiled
	Disabled map[string]string

	byID map[string]*Compiled
}

// Get returns the active rule with the given id.
func (s *Snapshot) Get(id string) (*Compiled, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// Len returns the number of active rules.
func (s *Snapshot) Len() int { return len(s.Rules) }

func newSnapshot(version uint64, byID map[string]*Compiled, disabled map[string]string) *Snapshot {
	list := make([]*Compiled, 0, len(byID))
	for _, c := range byID {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	return &Snapshot{
		Version:  version,
		LoadedAt: time.Now(),
		Rules:    list,
		Disabled: disabled,
		byID:     byID,
	}
}

// Store holds the active rule set. Readers take snapshots without locking;
// writers build a complete replacement and swap it in.
type Store struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex // serializes writers
	logger  *slog.Logger
}

// NewStore creates an empty rule store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger}
	s.current.Store(newSnapshot(0, map[string]*Compiled{}, map[string]string{}))
	return s
}

// Snapshot returns the current rule set.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Add compiles and activates a single rule.
func (s *Store) Add(r Rule) error {
	c, err := Compile(r)
	if err != nil {
		return err
	}
	return s.AddCompiled(c)
}

// AddCompiled activates an already compiled rule.
func (s *Store) AddCompiled(c *Compiled) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if _, exists := cur.byID[c.ID]; exists {
		return &RuleError{ID: c.ID, Err: ErrDuplicateID}
	}

	byID := make(map[string]*Compiled, len(cur.byID)+1)
	for id, existing := range cur.byID {
		byID[id] = existing
	}
	byID[c.ID] = c

	disabled := copyReasons(cur.Disabled)
	delete(disabled, c.ID)

	s.current.Store(newSnapshot(cur.Version+1, byID, disabled))
	s.logger.Info("added detection rule", "rule_id", c.ID, "severity", c.Severity, "match", c.Rule.Match)
	return nil
}

// Disable removes a rule from the active set and records why.
func (s *Store) Disable(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.current.Load().byID[id]; !ok {
		return &RuleError{ID: id, Err: ErrUnknownRule}
	}
	s.disableLocked(id, reason)
	return nil
}

// DisableCompiled disables c only while c itself is the active rule for its
// id. A rule replaced by a reload since c was read is left alone and
// ErrUnknownRule is returned.
func (s *Store) DisableCompiled(c *Compiled, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if active, ok := s.current.Load().byID[c.ID]; !ok || active != c {
		return &RuleError{ID: c.ID, Err: ErrUnknownRule, Detail: "rule was replaced"}
	}
	s.disableLocked(c.ID, reason)
	return nil
}

func (s *Store) disableLocked(id, reason string) {
	cur := s.current.Load()

	byID := make(map[string]*Compiled, len(cur.byID))
	for rid, c := range cur.byID {
		if rid != id {
			byID[rid] = c
		}
	}
	disabled := copyReasons(cur.Disabled)
	disabled[id] = reason

	s.current.Store(newSnapshot(cur.Version+1, byID, disabled))
	s.logger.Warn("detection rule disabled", "rule_id", id, "reason", reason)
}

// Load reads a rule file and replaces the active set with its valid rules.
// Malformed rules are rejected individually and reported in the result.
func (s *Store) Load(path string) (LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{Path: path}, fmt.Errorf("failed to read rule file: %w", err)
	}
	res, err := s.LoadBytes(data)
	res.Path = path
	return res, err
}

// LoadBytes parses a YAML rule document and swaps in the valid rules. A
// document without any valid rule, including an empty one written while an
// editor saves the file, returns ErrNoRules and keeps the current set.
func (s *Store) LoadBytes(data []byte) (LoadResult, error) {
	compiled, rejected, err := ParseRules(data)
	if err != nil {
		return LoadResult{}, err
	}
	for _, r := range rejected {
		s.logger.Warn("rule rejected", "rule_id", r.ID, "reason", r.Reason)
	}
	if len(compiled) == 0 {
		return LoadResult{Rejected: rejected, Version: s.current.Load().Version},
			fmt.Errorf("%w (%d rejected)", ErrNoRules, len(rejected))
	}

	byID := make(map[string]*Compiled, len(compiled))
	for _, c := range compiled {
		byID[c.ID] = c
	}

	s.mu.Lock()
	cur := s.current.Load()
	snap := newSnapshot(cur.Version+1, byID, map[string]string{})
	s.current.Store(snap)
	s.mu.Unlock()

	s.logger.Info("rule set loaded",
		"loaded", len(compiled),
		"rejected", len(rejected),
		"version", snap.Version,
	)

	return LoadResult{
		Loaded:   len(compiled),
		Rejected: rejected,
		Version:  snap.Version,
	}, nil
}

// ParseRules decodes a YAML rule document. The document may be a list of
// rules, a mapping with a "rules" list, or a single rule. Each entry is
// decoded and compiled on its own so one bad rule does not hide the rest.
// Later duplicates of an id are rejected.
func ParseRules(data []byte) ([]*Compiled, []Rejection, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil, nil
	}

	root := doc.Content[0]
	var entries []*yaml.Node
	switch root.Kind {
	case yaml.SequenceNode:
		entries = root.Content
	case yaml.MappingNode:
		if list := mappingValue(root, "rules"); list != nil {
			if list.Kind != yaml.SequenceNode {
				return nil, nil, fmt.Errorf("failed to parse rules: \"rules\" must be a list")
			}
			entries = list.Content
		} else {
			entries = []*yaml.Node{root}
		}
	default:
		return nil, nil, fmt.Errorf("failed to parse rules: unexpected document kind")
	}

	var (
		compiled []*Compiled
		rejected []Rejection
		seen     = make(map[string]bool)
	)
	for i, node := range entries {
		id := ""
		if v := mappingValue(node, "id"); v != nil {
			id = v.Value
		}

		var r Rule
		if err := node.Decode(&r); err != nil {
			rejected = append(rejected, Rejection{
				ID:     fallbackID(id, i),
				Reason: fmt.Sprintf("decode: %v", err),
				Err:    &RuleError{ID: id, Err: ErrInvalidRule, Detail: err.Error()},
			})
			continue
		}

		c, err := Compile(r)
		if err != nil {
			rejected = append(rejected, Rejection{ID: fallbackID(r.ID, i), Reason: err.Error(), Err: err})
			continue
		}
		if seen[c.ID] {
			err := &RuleError{ID: c.ID, Err: ErrDuplicateID}
			rejected = append(rejected, Rejection{ID: c.ID, Reason: err.Error(), Err: err})
			continue
		}
		seen[c.ID] = true
		compiled = append(compiled, c)
	}
	return compiled, rejected, nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func fallbackID(id string, index int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("#%d", index)
}

func copyReasons(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
