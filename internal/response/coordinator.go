// Package response turns finalized threats into response intents and
// forwards threat summaries to SIEM and SOAR platforms.
//
// The coordinator never opens sockets or spawns processes itself. Evidence
// collection is handed to a CommandExecutor, control and notification
// payloads to a Transport, and summaries to the registered exporters.
package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"endpoint-xdr/internal/command"
	"endpoint-xdr/internal/kafka"
	"endpoint-xdr/internal/metrics"
	"endpoint-xdr/internal/schema"
)

var (
	// ErrNoExecutor is returned when evidence collection is requested
	// without a command executor.
	ErrNoExecutor = errors.New("no command executor configured")
	// ErrNoTransport is returned when a payload must be sent without a
	// transport.
	ErrNoTransport = errors.New("no transport configured")
	// ErrStopped is returned by Handle after Stop.
	ErrStopped = errors.New("response coordinator stopped")
)

// CommandExecutor runs whitelisted diagnostic commands.
type CommandExecutor interface {
	Execute(ctx context.Context, req command.Request) (command.Result, error)
}

// Transport delivers already serialized payloads to a destination.
type Transport interface {
	Send(ctx context.Context, destination string, payload []byte) error
}

// IntentStatus records what happened to an intent.
type IntentStatus string

const (
	StatusDispatched IntentStatus = "dispatched"
	StatusSuppressed IntentStatus = "suppressed"
	StatusFailed     IntentStatus = "failed"
)

// Intent is one requested response action.
type Intent struct {
	ID        uuid.UUID        `json:"id"`
	ThreatID  uuid.UUID        `json:"threat_id"`
	Policy    string           `json:"policy"`
	Action    Action           `json:"action"`
	Target    string           `json:"target"`
	Command   *command.Request `json:"command,omitempty"`
	Result    *command.Result  `json:"result,omitempty"`
	Status    IntentStatus     `json:"status"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

func (i Intent) suppressKey() string {
	key := string(i.Action) + "|" + i.Target
	if i.Command != nil {
		key += "|" + i.Command.String()
	}
	return key
}

// controlMessage is the payload for block and monitoring requests.
type controlMessage struct {
	Action   Action     `json:"action"`
	Target   string     `json:"target"`
	ThreatID uuid.UUID  `json:"threat_id"`
	Severity int        `json:"severity"`
	Until    *time.Time `json:"until,omitempty"`
	IssuedAt time.Time  `json:"issued_at"`
}

// Config holds coordinator settings and collaborators.
type Config struct {
	// ControlDestination receives block_ip and increase_monitoring payloads.
	ControlDestination string `yaml:"control_destination"`
	// NotifyDestination receives notify payloads.
	NotifyDestination string        `yaml:"notify_destination"`
	SuppressFor       time.Duration `yaml:"suppress_for"`
	SuppressSize      int           `yaml:"suppress_size"`
	MonitorFor        time.Duration `yaml:"monitor_for"`
	ActionTimeout     time.Duration `yaml:"action_timeout"`
	QueueSize         int           `yaml:"queue_size"`
	Workers           int           `yaml:"workers"`

	Policies []Policy        `yaml:"-"`
	Executor CommandExecutor `yaml:"-"`
	// Transport is used for control and notify payloads and for exporter
	// endpoints that are neither kafka:// nor nats://.
	Transport Transport        `yaml:"-"`
	Kafka     *kafka.Config    `yaml:"-"`
	Metrics   *metrics.Metrics `yaml:"-"`
	Logger    *slog.Logger     `yaml:"-"`
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		ControlDestination: "control",
		NotifyDestination:  "admin",
		SuppressFor:        10 * time.Minute,
		SuppressSize:       4096,
		MonitorFor:         time.Hour,
		ActionTimeout:      30 * time.Second,
		QueueSize:          256,
		Workers:            2,
	}
}

// Coordinator selects response policies for threats and dispatches the
// resulting intents.
type Coordinator struct {
	cfg      Config
	policies []Policy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	suppress *lru.Cache[string, time.Time]

	mu        sync.Mutex
	blocked   map[string]time.Time
	monitored map[string]time.Time

	expMu     sync.RWMutex
	exporters []registration
	dialKafka func(endpoint string) (publisher, error)
	dialNATS  func(server string) (natsConn, error)

	threats  chan schema.Threat
	stateMu  sync.RWMutex
	started  bool
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCoordinator creates a coordinator. Missing policies default to
// DefaultPolicies.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	def := DefaultConfig()
	if cfg.SuppressSize <= 0 {
		cfg.SuppressSize = def.SuppressSize
	}
	if cfg.SuppressFor <= 0 {
		cfg.SuppressFor = def.SuppressFor
	}
	if cfg.MonitorFor <= 0 {
		cfg.MonitorFor = def.MonitorFor
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies()
	} else {
		var err error
		if policies, err = compilePolicies(policies); err != nil {
			return nil, err
		}
	}

	suppress, err := lru.New[string, time.Time](cfg.SuppressSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create suppression cache: %w", err)
	}

	c := &Coordinator{
		cfg:       cfg,
		policies:  policies,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       time.Now,
		suppress:  suppress,
		blocked:   make(map[string]time.Time),
		monitored: make(map[string]time.Time),
		threats:   make(chan schema.Threat, cfg.QueueSize),
	}
	c.dialKafka = c.defaultDialKafka
	c.dialNATS = defaultDialNATS
	return c, nil
}

// SelectPolicy returns the first policy matching the threat.
func (c *Coordinator) SelectPolicy(t schema.Threat) (*Policy, bool) {
	for i := range c.policies {
		if c.policies[i].Matches(t) {
			return &c.policies[i], true
		}
	}
	return nil, false
}

// AutomateResponse issues the intents of the first matching policy. Every
// planned intent is returned, including suppressed and failed ones; the
// error joins the dispatch failures.
func (c *Coordinator) AutomateResponse(ctx context.Context, t schema.Threat) ([]Intent, error) {
	policy, ok := c.SelectPolicy(t)
	if !ok {
		c.logger.Debug("no response policy matched", "threat_id", t.ID, "severity", t.Severity)
		return nil, nil
	}

	intents := c.plan(policy, t)
	var errs []error
	for i := range intents {
		if err := c.dispatch(ctx, t, &intents[i]); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", intents[i].Action, intents[i].Target, err))
		}
	}

	c.logger.Info("response issued",
		"threat_id", t.ID,
		"policy", policy.Name,
		"intents", len(intents),
		"failed", len(errs),
	)
	return intents, errors.Join(errs...)
}

func (c *Coordinator) plan(p *Policy, t schema.Threat) []Intent {
	now := c.now().UTC()
	newIntent := func(a Action, target string) Intent {
		return Intent{
			ID:        uuid.New(),
			ThreatID:  t.ID,
			Policy:    p.Name,
			Action:    a,
			Target:    target,
			CreatedAt: now,
		}
	}

	var out []Intent
	for _, action := range p.Actions {
		switch action {
		case ActionCollectEvidence:
			for _, req := range p.requests {
				in := newIntent(action, t.Key)
				r := req
				in.Command = &r
				out = append(out, in)
			}
		case ActionBlockIP:
			for _, ip := range addressSources(t) {
				out = append(out, newIntent(action, ip))
			}
		case ActionNotify:
			out = append(out, newIntent(action, t.Key))
		case ActionIncreaseMonitoring:
			targets := t.Sources()
			if len(targets) == 0 {
				targets = []string{t.Key}
			}
			for _, src := range targets {
				out = append(out, newIntent(action, src))
			}
		}
	}
	return out
}

// addressSources returns the threat's sources that are IP addresses.
func addressSources(t schema.Threat) []string {
	var out []string
	for _, src := range t.Sources() {
		if addr, err := netip.ParseAddr(src); err == nil {
			out = append(out, addr.Unmap().String())
		}
	}
	return out
}

func (c *Coordinator) dispatch(ctx context.Context, t schema.Threat, in *Intent) error {
	key := in.suppressKey()
	if c.isSuppressed(in, key) {
		in.Status = StatusSuppressed
		c.metrics.IncIntentsSuppressed()
		c.logger.Debug("response intent suppressed", "action", in.Action, "target", in.Target)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	defer cancel()

	var err error
	switch in.Action {
	case ActionCollectEvidence:
		err = c.collectEvidence(ctx, in)
	case ActionBlockIP:
		err = c.sendControl(ctx, t, in, nil)
		if err == nil {
			c.mu.Lock()
			c.blocked[in.Target] = c.now()
			c.mu.Unlock()
		}
	case ActionNotify:
		err = c.notify(ctx, t)
	case ActionIncreaseMonitoring:
		until := c.now().Add(c.cfg.MonitorFor).UTC()
		err = c.sendControl(ctx, t, in, &until)
		if err == nil {
			c.mu.Lock()
			c.monitored[in.Target] = until
			c.mu.Unlock()
		}
	default:
		err = fmt.Errorf("unknown action %q", in.Action)
	}

	c.metrics.IncResponseIntent(string(in.Action))
	if err != nil {
		in.Status = StatusFailed
		in.Error = err.Error()
		c.logger.Warn("response intent failed",
			"action", in.Action,
			"target", in.Target,
			"threat_id", t.ID,
			"error", err,
		)
		return err
	}

	in.Status = StatusDispatched
	c.suppress.Add(key, c.now())
	return nil
}

func (c *Coordinator) isSuppressed(in *Intent, key string) bool {
	if in.Action == ActionBlockIP {
		c.mu.Lock()
		_, blocked := c.blocked[in.Target]
		c.mu.Unlock()
		if blocked {
			return true
		}
	}
	at, ok := c.suppress.Get(key)
	if !ok {
		return false
	}
	if c.now().Sub(at) >= c.cfg.SuppressFor {
		c.suppress.Remove(key)
		return false
	}
	return true
}

func (c *Coordinator) collectEvidence(ctx context.Context, in *Intent) error {
	if c.cfg.Executor == nil {
		return ErrNoExecutor
	}
	res, err := c.cfg.Executor.Execute(ctx, *in.Command)
	if err != nil {
		return err
	}
	in.Result = &res
	if !res.Success() {
		return fmt.Errorf("command %q exited %d: %s", in.Command.String(), res.ExitCode, res.Error)
	}
	c.logger.Debug("evidence collected", "command", in.Command.String(), "output", res.Output)
	return nil
}

func (c *Coordinator) sendControl(ctx context.Context, t schema.Threat, in *Intent, until *time.Time) error {
	if c.cfg.Transport == nil {
		return ErrNoTransport
	}
	payload, err := json.Marshal(controlMessage{
		Action:   in.Action,
		Target:   in.Target,
		ThreatID: t.ID,
		Severity: t.Severity,
		Until:    until,
		IssuedAt: in.CreatedAt,
	})
	if err != nil {
		return err
	}
	return c.cfg.Transport.Send(ctx, c.cfg.ControlDestination, payload)
}

func (c *Coordinator) notify(ctx context.Context, t schema.Threat) error {
	if c.cfg.Transport == nil {
		return ErrNoTransport
	}
	payload, err := schema.Summarize(t).Marshal()
	if err != nil {
		return err
	}
	return c.cfg.Transport.Send(ctx, c.cfg.NotifyDestination, payload)
}

// Blocked returns the addresses a block was requested for, sorted.
func (c *Coordinator) Blocked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.blocked))
	for ip := range c.blocked {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// Unblock forgets a block so that a later threat can request it again.
func (c *Coordinator) Unblock(ip string) {
	c.mu.Lock()
	delete(c.blocked, ip)
	c.mu.Unlock()
}

// Monitored reports whether source is under increased monitoring.
func (c *Coordinator) Monitored(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.monitored[source]
	if !ok {
		return false
	}
	if !c.now().Before(until) {
		delete(c.monitored, source)
		return false
	}
	return true
}

// Handle queues a finalized threat for response and export. It matches the
// correlation engine's threat handler signature.
func (c *Coordinator) Handle(ctx context.Context, t schema.Threat) error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.stopped {
		return ErrStopped
	}

	select {
	case c.threats <- t:
		return nil
	case <-ctx.Done():
		c.logger.Error("response queue full, threat not handled", "threat_id", t.ID)
		return fmt.Errorf("response queue full: %w", ctx.Err())
	}
}

// Start launches the response workers.
func (c *Coordinator) Start(ctx context.Context) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for t := range c.threats {
				c.process(context.WithoutCancel(ctx), t)
			}
		}()
	}
	c.logger.Info("response coordinator started", "workers", c.cfg.Workers, "policies", len(c.policies))
}

func (c *Coordinator) process(ctx context.Context, t schema.Threat) {
	if _, err := c.AutomateResponse(ctx, t); err != nil {
		c.logger.Warn("response incomplete", "threat_id", t.ID, "error", err)
	}
	if err := c.Export(ctx, t); err != nil {
		c.logger.Warn("threat export incomplete", "threat_id", t.ID, "error", err)
	}
}

// Stop stops intake, waits for queued threats to be handled and closes the
// exporters. Threats still queued when ctx ends are abandoned.
func (c *Coordinator) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.stateMu.Lock()
		c.stopped = true
		started := c.started
		close(c.threats)
		c.stateMu.Unlock()

		if !started {
			// Nothing consumes the queue; handle it inline.
			for t := range c.threats {
				c.process(ctx, t)
			}
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("response workers did not finish: %w", ctx.Err())
		}

		if cerr := c.closeExporters(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		c.logger.Info("response coordinator stopped")
	})
	return err
}
