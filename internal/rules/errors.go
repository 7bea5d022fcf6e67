package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned when a rule id is already in the store.
	ErrDuplicateID = errors.New("duplicate rule id")
	// ErrInvalidPattern is returned when a rule pattern does not compile.
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrSeverityOutOfRange is returned for severities outside the scale.
	ErrSeverityOutOfRange = errors.New("severity out of range")
	// ErrInvalidRule covers other structural problems with a rule.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrUnknownRule is returned when disabling a rule that is not active.
	ErrUnknownRule = errors.New("unknown rule")
	// ErrNoRules is returned by a load that yields no valid rule. The
	// previous rule set stays active.
	ErrNoRules = errors.New("rule document has no valid rules")
)

// RuleError ties a rule failure to the offending rule id.
type RuleError struct {
	ID     string
	Err    error
	Detail string
}

func (e *RuleError) Error() string {
	id := e.ID
	if id == "" {
		id = "<unnamed>"
	}
	if e.Detail != "" {
		return fmt.Sprintf("rule %s: %s: %s", id, e.Err, e.Detail)
	}
	return fmt.Sprintf("rule %s: %s", id, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// Rejection records a rule refused during a load.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// LoadResult summarises a rule file load.
type LoadResult struct {
	Path     string      `json:"path"`
	Loaded   int         `json:"loaded"`
	Rejected []Rejection `json:"rejected,omitempty"`
	Version  uint64      `json:"version"`
}
