package response

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"endpoint-xdr/internal/command"
	"endpoint-xdr/internal/schema"
)

// Action is a response the coordinator can request from collaborators.
type Action string

const (
	ActionCollectEvidence    Action = "collect_evidence"
	ActionBlockIP            Action = "block_ip"
	ActionNotify             Action = "notify"
	ActionIncreaseMonitoring Action = "increase_monitoring"
)

// ErrInvalidPolicy is returned for policies that fail validation.
var ErrInvalidPolicy = errors.New("invalid response policy")

// Policy selects actions for threats at or above MinSeverity whose related
// events match one of Types. An empty Types list matches every threat.
type Policy struct {
	Name        string   `yaml:"name" validate:"required"`
	MinSeverity int      `yaml:"min_severity" validate:"min=0,max=10"`
	Types       []string `yaml:"types"`
	Actions     []Action `yaml:"actions" validate:"required,min=1,dive,oneof=collect_evidence block_ip notify increase_monitoring"`
	// Commands are diagnostic command lines run by collect_evidence.
	Commands []string `yaml:"commands"`

	globs    []glob.Glob
	requests []command.Request
}

var policyValidator = validator.New()

// compile validates the policy and prepares its globs and commands.
func (p *Policy) compile() error {
	if err := policyValidator.Struct(p); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidPolicy, p.Name, err)
	}

	p.globs = make([]glob.Glob, 0, len(p.Types))
	for _, pattern := range p.Types {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w %q: type pattern %q: %v", ErrInvalidPolicy, p.Name, pattern, err)
		}
		p.globs = append(p.globs, g)
	}

	p.requests = make([]command.Request, 0, len(p.Commands))
	for _, line := range p.Commands {
		req, err := command.Parse(line)
		if err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidPolicy, p.Name, err)
		}
		p.requests = append(p.requests, req)
	}
	if p.has(ActionCollectEvidence) && len(p.requests) == 0 {
		return fmt.Errorf("%w %q: collect_evidence needs at least one command", ErrInvalidPolicy, p.Name)
	}
	return nil
}

func (p *Policy) has(a Action) bool {
	for _, act := range p.Actions {
		if act == a {
			return true
		}
	}
	return false
}

// Matches reports whether the policy applies to the threat.
func (p *Policy) Matches(t schema.Threat) bool {
	if t.Severity < p.MinSeverity {
		return false
	}
	if len(p.globs) == 0 {
		return true
	}
	for _, ev := range t.Events {
		for _, g := range p.globs {
			if g.Match(ev.Type) {
				return true
			}
		}
	}
	return false
}

// ParsePolicies decodes and compiles a YAML list of policies. Order is
// significant: the first matching policy wins.
func ParsePolicies(data []byte) ([]Policy, error) {
	var doc struct {
		Policies []Policy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse response policies: %w", err)
	}
	return compilePolicies(doc.Policies)
}

// LoadPolicies reads policies from a YAML file.
func LoadPolicies(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read response policies: %w", err)
	}
	return ParsePolicies(data)
}

func compilePolicies(in []Policy) ([]Policy, error) {
	out := make([]Policy, len(in))
	var errs []error
	for i := range in {
		out[i] = in[i]
		if err := out[i].compile(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// DefaultPolicies returns the built-in response policies.
func DefaultPolicies() []Policy {
	policies, err := compilePolicies([]Policy{
		{
			Name:        "critical",
			MinSeverity: 9,
			Actions:     []Action{ActionCollectEvidence, ActionBlockIP, ActionNotify},
			Commands:    []string{"netstat -a -n -o", "tasklist /v"},
		},
		{
			Name:        "lateral-movement",
			MinSeverity: 6,
			Types:       []string{"smb-*", "*-brute-force", "port-scan"},
			Actions:     []Action{ActionCollectEvidence, ActionNotify, ActionIncreaseMonitoring},
			Commands:    []string{"netstat -a -n", "arp -a"},
		},
		{
			Name:        "elevated",
			MinSeverity: 5,
			Actions:     []Action{ActionNotify, ActionIncreaseMonitoring},
		},
	})
	if err != nil {
		panic(err)
	}
	return policies
}
