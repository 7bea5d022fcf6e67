package correlation

import (
	"errors"
	"fmt"
	"time"
)

// Key fields that may make up a correlation key.
const (
	KeyType   = "type"
	KeySource = "source"
	KeyRule   = "rule"
)

// Config configures the correlation engine.
type Config struct {
	// Window is the sliding event-time window of a candidate group.
	Window time.Duration `yaml:"window"`
	// CountThreshold escalates a group once it holds this many distinct
	// occurrences. Zero disables the count trigger.
	CountThreshold int `yaml:"count_threshold"`
	// SeverityThreshold escalates a group once any event reaches this
	// severity. Zero disables the severity trigger.
	SeverityThreshold int `yaml:"severity_threshold"`
	// DedupBucket is the timestamp rounding used to detect duplicates.
	DedupBucket time.Duration `yaml:"dedup_bucket"`
	// ReorderDelay holds events back so stragglers can be ordered ahead of
	// them before processing.
	ReorderDelay time.Duration `yaml:"reorder_delay"`
	// MaxGroups bounds the number of open candidate groups.
	MaxGroups int `yaml:"max_groups"`
	// QueueSize bounds the number of events waiting for correlation.
	QueueSize int `yaml:"queue_size"`
	// SubmitTimeout bounds how long Submit waits for queue space when the
	// caller's context has no deadline.
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	// SweepInterval is how often idle groups are expired.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// KeyBy lists the event fields forming the correlation key.
	KeyBy []string `yaml:"key_by"`
}

// DefaultConfig returns the default correlation configuration.
func DefaultConfig() Config {
	return Config{
		Window:            5 * time.Minute,
		CountThreshold:    5,
		SeverityThreshold: 9,
		DedupBucket:       time.Second,
		ReorderDelay:      2 * time.Second,
		MaxGroups:         10000,
		QueueSize:         10000,
		SubmitTimeout:     5 * time.Second,
		SweepInterval:     30 * time.Second,
		KeyBy:             []string{KeyType, KeySource},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return errors.New("correlation: window must be positive")
	}
	if c.CountThreshold < 0 {
		return errors.New("correlation: count threshold must not be negative")
	}
	if c.SeverityThreshold < 0 || c.SeverityThreshold > 10 {
		return fmt.Errorf("correlation: severity threshold %d out of range", c.SeverityThreshold)
	}
	if c.CountThreshold == 0 && c.SeverityThreshold == 0 {
		return errors.New("correlation: at least one escalation trigger is required")
	}
	if c.DedupBucket < 0 || c.ReorderDelay < 0 {
		return errors.New("correlation: durations must not be negative")
	}
	if c.MaxGroups <= 0 {
		return errors.New("correlation: max groups must be positive")
	}
	if c.QueueSize <= 0 {
		return errors.New("correlation: queue size must be positive")
	}
	if len(c.KeyBy) == 0 {
		return errors.New("correlation: key fields are required")
	}
	for _, f := range c.KeyBy {
		switch f {
		case KeyType, KeySource, KeyRule:
		default:
			return fmt.Errorf("correlation: unknown key field %q", f)
		}
	}
	return nil
}
