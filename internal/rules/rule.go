// Package rules holds the detection rule set and its atomic reload.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"endpoint-xdr/internal/schema"

	"github.com/gobwas/glob"
)

// MatchKind selects how a rule pattern is interpreted.
type MatchKind string

const (
	// MatchSubstring matches when the pattern occurs anywhere in the input.
	// A pattern that starts or ends with a digit does not match inside a
	// longer number: port:4444 does not match port:44445.
	MatchSubstring MatchKind = "substring"
	// MatchRegex matches using RE2 syntax.
	MatchRegex MatchKind = "regex"
	// MatchGlob matches the whole input against a glob.
	MatchGlob MatchKind = "glob"
)

// Telemetry sources a rule may be scoped to.
const (
	SourcePacket = "packet"
	SourceLog    = "log"
)

// Rule is a detection signature as written in a rule file.
type Rule struct {
	ID              string    `yaml:"id" json:"id"`
	Description     string    `yaml:"description" json:"description"`
	Severity        int       `yaml:"severity" json:"severity"`
	Pattern         string    `yaml:"pattern" json:"pattern"`
	Match           MatchKind `yaml:"match,omitempty" json:"match,omitempty"`
	CaseInsensitive bool      `yaml:"case_insensitive,omitempty" json:"case_insensitive,omitempty"`
	Scope           Scope     `yaml:"scope,omitempty" json:"scope,omitempty"`
	Tags            []string  `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Scope narrows the telemetry a rule is evaluated against. Empty fields
// match everything.
type Scope struct {
	Source    string   `yaml:"source,omitempty" json:"source,omitempty"`
	Protocols []string `yaml:"protocols,omitempty" json:"protocols,omitempty"`
	Ports     []int    `yaml:"ports,omitempty" json:"ports,omitempty"`
}

// Matcher reports whether a normalized telemetry string matches.
type Matcher interface {
	Match(input string) (bool, error)
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc func(string) (bool, error)

// Match implements Matcher.
func (f MatcherFunc) Match(s string) (bool, error) { return f(s) }

// Compiled is a validated rule with its compiled matcher. Compiled rules are
// shared between snapshots and never modified.
type Compiled struct {
	Rule
	matcher   Matcher
	protocols map[string]bool
	ports     map[int]bool
}

// Validate checks the rule fields that do not depend on compilation.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return &RuleError{Err: ErrInvalidRule, Detail: "rule id is required"}
	}
	if r.Severity < schema.MinSeverity || r.Severity > schema.MaxSeverity {
		return &RuleError{ID: r.ID, Err: ErrSeverityOutOfRange,
			Detail: fmt.Sprintf("severity %d not in [%d,%d]", r.Severity, schema.MinSeverity, schema.MaxSeverity)}
	}
	if r.Pattern == "" {
		return &RuleError{ID: r.ID, Err: ErrInvalidPattern, Detail: "pattern is required"}
	}
	switch r.Scope.Source {
	case "", SourcePacket, SourceLog:
	default:
		return &RuleError{ID: r.ID, Err: ErrInvalidRule, Detail: fmt.Sprintf("unknown scope source %q", r.Scope.Source)}
	}
	for _, port := range r.Scope.Ports {
		if port < 0 || port > 65535 {
			return &RuleError{ID: r.ID, Err: ErrInvalidRule, Detail: fmt.Sprintf("port %d out of range", port)}
		}
	}
	return nil
}

// Compile validates the rule and compiles its pattern.
func Compile(r Rule) (*Compiled, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	m, err := compilePattern(r)
	if err != nil {
		return nil, &RuleError{ID: r.ID, Err: ErrInvalidPattern, Detail: err.Error()}
	}
	return CompileWith(r, m)
}

// CompileWith validates the rule and pairs it with a caller-supplied
// matcher, for signatures that are not expressible as a pattern string.
func CompileWith(r Rule, m Matcher) (*Compiled, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &RuleError{ID: r.ID, Err: ErrInvalidPattern, Detail: "nil matcher"}
	}
	if r.Match == "" {
		r.Match = MatchSubstring
	}

	c := &Compiled{Rule: r, matcher: m}
	if len(r.Scope.Protocols) > 0 {
		c.protocols = make(map[string]bool, len(r.Scope.Protocols))
		for _, p := range r.Scope.Protocols {
			c.protocols[strings.ToLower(p)] = true
		}
	}
	if len(r.Scope.Ports) > 0 {
		c.ports = make(map[int]bool, len(r.Scope.Ports))
		for _, p := range r.Scope.Ports {
			c.ports[p] = true
		}
	}
	return c, nil
}

func compilePattern(r Rule) (Matcher, error) {
	pattern := r.Pattern
	switch r.Match {
	case "", MatchSubstring:
		if r.CaseInsensitive {
			pattern = strings.ToLower(pattern)
			return MatcherFunc(func(s string) (bool, error) {
				return containsBounded(strings.ToLower(s), pattern), nil
			}), nil
		}
		return MatcherFunc(func(s string) (bool, error) {
			return containsBounded(s, pattern), nil
		}), nil

	case MatchRegex:
		if r.CaseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		return MatcherFunc(func(s string) (bool, error) {
			return re.MatchString(s), nil
		}), nil

	case MatchGlob:
		if r.CaseInsensitive {
			pattern = strings.ToLower(pattern)
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		fold := r.CaseInsensitive
		return MatcherFunc(func(s string) (bool, error) {
			if fold {
				s = strings.ToLower(s)
			}
			return g.Match(s), nil
		}), nil
	}
	return nil, fmt.Errorf("unknown match kind %q", r.Match)
}

// containsBounded reports whether pattern occurs in s without extending a
// number at either end.
func containsBounded(s, pattern string) bool {
	if pattern == "" {
		return true
	}
	leading := isDigit(pattern[0])
	trailing := isDigit(pattern[len(pattern)-1])
	if !leading && !trailing {
		return strings.Contains(s, pattern)
	}

	for off := 0; off+len(pattern) <= len(s); {
		i := strings.Index(s[off:], pattern)
		if i < 0 {
			return false
		}
		start, end := off+i, off+i+len(pattern)
		if (!leading || start == 0 || !isDigit(s[start-1])) &&
			(!trailing || end == len(s) || !isDigit(s[end])) {
			return true
		}
		off = start + 1
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// Match runs the compiled matcher against input.
func (c *Compiled) Match(input string) (bool, error) {
	return c.matcher.Match(input)
}

// AppliesToPacket reports whether the rule's scope admits the packet.
func (c *Compiled) AppliesToPacket(p schema.NetworkPacket) bool {
	if c.Scope.Source == SourceLog {
		return false
	}
	if c.protocols != nil && !c.protocols[strings.ToLower(p.Protocol())] {
		return false
	}
	if c.ports != nil && !c.ports[int(p.DestPort())] && !c.ports[int(p.SourcePort())] {
		return false
	}
	return true
}

// AppliesToLog reports whether the rule's scope admits log entries.
func (c *Compiled) AppliesToLog() bool {
	return c.Scope.Source != SourcePacket && c.protocols == nil && c.ports == nil
}
