// Package agent composes the detection pipeline: telemetry producers feed
// detection, detected events are enriched and correlated, and escalated
// threats are handed to the response coordinator.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"endpoint-xdr/internal/config"
	"endpoint-xdr/internal/correlation"
	"endpoint-xdr/internal/detection"
	"endpoint-xdr/internal/intel"
	"endpoint-xdr/internal/metrics"
	"endpoint-xdr/internal/response"
	"endpoint-xdr/internal/rules"
	"endpoint-xdr/internal/schema"
	"endpoint-xdr/internal/storage"
	"endpoint-xdr/internal/telemetry"
)

// Agent lifecycle errors.
var (
	ErrNotStarted     = errors.New("agent not started")
	ErrAlreadyStarted = errors.New("agent already started")
	ErrStopped        = errors.New("agent stopped")
)

// Options carries collaborators that are not part of the configuration.
type Options struct {
	Executor  response.CommandExecutor
	Transport response.Transport
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// FeedSources are added to the sources built from configuration.
	FeedSources []intel.FeedSource
	// AuditSink replaces the configured audit sink.
	AuditSink correlation.AuditSink
}

// Agent owns every pipeline component and their lifecycle.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	rules       *rules.Store
	watcher     *rules.Watcher
	emitter     *detection.Emitter
	detection   *detection.Engine
	intel       *intel.Service
	correlation *correlation.Engine
	response    *response.Coordinator

	clickhouse  *storage.Client
	auditWriter *storage.AuditWriter
	receiver    *telemetry.Receiver
	kafkaSource *telemetry.KafkaSource
	closers     []io.Closer

	telemetry chan schema.Telemetry
	inMu      sync.RWMutex
	inClosed  bool

	server   *http.Server
	listener net.Listener

	stateMu        sync.Mutex
	started        bool
	stopped        bool
	cancelProducer context.CancelFunc
	cancelRun      context.CancelFunc
	producers      sync.WaitGroup
	detectionDone  chan struct{}
	forwarderDone  chan struct{}
	startedAt      time.Time
}

// New builds the agent from cfg. Components that connect to external
// systems (ClickHouse, Redis, NATS) are dialed here.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		telemetry: make(chan schema.Telemetry, cfg.Detection.TelemetryBuffer),
	}

	a.rules = rules.NewStore(logger.With("component", "rules"))
	if cfg.Rules.Watch {
		a.watcher = rules.NewWatcher(a.rules, cfg.Rules.Path, cfg.Rules.Debounce, logger.With("component", "rule-watcher"))
		a.watcher.OnReload(func(res rules.LoadResult) {
			m.SetRulesActive(res.Loaded)
		})
	}

	a.emitter = detection.NewEmitter(cfg.Detection.EmitterBuffer, m)
	validator := schema.NewValidatorWithLimits(schema.ValidatorLimits{
		MaxLogAge:    cfg.Detection.MaxLogAge,
		MaxClockSkew: cfg.Detection.MaxClockSkew,
	})
	a.detection = detection.NewEngine(a.rules, detection.EngineConfig{
		Workers:   cfg.Detection.Workers,
		Validator: validator,
		Emitter:   a.emitter,
		Metrics:   m,
		Logger:    logger.With("component", "detection"),
	})

	sources, err := a.feedSources(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.intel = intel.NewService(intel.Config{
		Metrics: m,
		Logger:  logger.With("component", "intel"),
	}, append(sources, opts.FeedSources...)...)

	sink := opts.AuditSink
	if sink == nil && cfg.Storage.Enabled {
		if sink, err = a.openAuditWriter(ctx); err != nil {
			a.closeAll()
			return nil, err
		}
	}

	a.correlation, err = correlation.NewEngine(cfg.Correlation, sink, m, logger.With("component", "correlation"))
	if err != nil {
		a.closeAll()
		return nil, err
	}

	if a.response, err = a.newCoordinator(opts); err != nil {
		a.closeAll()
		return nil, err
	}
	a.correlation.AddHandler(a.response.Handle)

	if cfg.Telemetry.Receiver.Enabled {
		a.receiver, err = telemetry.NewReceiver(cfg.Telemetry.Receiver.ReceiverConfig, a.telemetry, m, logger)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("telemetry receiver: %w", err)
		}
	}
	if cfg.Telemetry.Kafka.Enabled {
		a.kafkaSource, err = telemetry.NewKafkaSource(cfg.TelemetryKafka(), a.telemetry, m, logger)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("telemetry kafka source: %w", err)
		}
		a.closers = append(a.closers, a.kafkaSource)
	}

	return a, nil
}

// feedSources builds the configured feed sources. A Redis feed that cannot
// be reached at startup is skipped so the agent runs in degraded mode.
func (a *Agent) feedSources(ctx context.Context) ([]intel.FeedSource, error) {
	var sources []intel.FeedSource
	for _, path := range a.cfg.Intel.Files {
		sources = append(sources, intel.NewFileSource(path))
	}
	if len(a.cfg.Intel.Indicators) > 0 {
		sources = append(sources, intel.NewStaticSource("config", intel.Feed{Indicators: a.cfg.Intel.Indicators}))
	}

	if a.cfg.Intel.Redis.Enabled {
		src, err := intel.NewRedisSource(a.cfg.Intel.Redis.RedisConfig)
		if err != nil {
			a.logger.Error("redis feed unavailable, continuing without it",
				"addr", a.cfg.Intel.Redis.Addr,
				"error", err,
			)
		} else {
			sources = append(sources, src)
			a.closers = append(a.closers, src)
		}
	}

	if a.cfg.Intel.S3.Enabled {
		src, err := intel.NewS3Source(ctx, a.cfg.Intel.S3.S3Config)
		if err != nil {
			return nil, fmt.Errorf("s3 feed: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (a *Agent) openAuditWriter(ctx context.Context) (*storage.AuditWriter, error) {
	a.logger.Info("initializing ClickHouse audit storage",
		"hosts", a.cfg.Storage.ClickHouse.Hosts,
		"database", a.cfg.Storage.ClickHouse.Database,
	)

	client, err := storage.Open(ctx, a.cfg.Storage.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := client.EnsureSchema(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to prepare audit schema: %w", err)
	}

	a.clickhouse = client
	a.auditWriter = storage.NewAuditWriter(client, a.cfg.Storage.AuditWriter, a.logger.With("component", "audit-writer"))
	return a.auditWriter, nil
}

func (a *Agent) newCoordinator(opts Options) (*response.Coordinator, error) {
	rc := a.cfg.Response.Config
	if a.cfg.Response.PoliciesFile != "" {
		policies, err := response.LoadPolicies(a.cfg.Response.PoliciesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load response policies: %w", err)
		}
		rc.Policies = policies
	}
	rc.Executor = opts.Executor
	rc.Transport = opts.Transport
	rc.Kafka = &a.cfg.Kafka
	rc.Metrics = a.metrics
	rc.Logger = a.logger.With("component", "response")

	c, err := response.NewCoordinator(rc)
	if err != nil {
		return nil, err
	}

	// Exports are best effort: an unreachable endpoint must not stop the
	// agent from detecting and responding.
	for _, e := range a.cfg.Response.SIEMEndpoints {
		if err := c.IntegrateWithSIEM(e); err != nil {
			a.logger.Error("SIEM integration failed", "endpoint", e, "error", err)
		}
	}
	for _, e := range a.cfg.Response.SOAREndpoints {
		if err := c.IntegrateWithSOAR(e); err != nil {
			a.logger.Error("SOAR integration failed", "endpoint", e, "error", err)
		}
	}
	return c, nil
}

// Start loads the rules, pulls the threat feeds once and starts every
// component: detection first, then correlation and response, then the
// telemetry producers.
func (a *Agent) Start(ctx context.Context) error {
	a.stateMu.Lock()
	if a.stopped {
		a.stateMu.Unlock()
		return ErrStopped
	}
	if a.started {
		a.stateMu.Unlock()
		return ErrAlreadyStarted
	}

	res, err := a.rules.Load(a.cfg.Rules.Path)
	if err != nil {
		a.stateMu.Unlock()
		return err
	}
	a.metrics.SetRulesActive(res.Loaded)

	if err := a.intel.UpdateThreatFeeds(ctx); err != nil {
		a.logger.Warn("initial threat feed update incomplete", "error", err)
	}

	if err := a.startMetricsServer(); err != nil {
		a.stateMu.Unlock()
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	prodCtx, cancelProducer := context.WithCancel(ctx)
	a.cancelRun = cancelRun
	a.cancelProducer = cancelProducer

	a.response.Start(runCtx)
	a.correlation.Start(runCtx)

	a.forwarderDone = make(chan struct{})
	go a.forward(runCtx)

	a.detectionDone = make(chan struct{})
	go func() {
		defer close(a.detectionDone)
		a.detection.Run(runCtx, a.telemetry)
	}()

	a.started = true
	a.startedAt = time.Now()
	err = a.startProducers(prodCtx)
	a.stateMu.Unlock()

	if err != nil {
		if serr := a.Shutdown(context.Background()); serr != nil {
			a.logger.Warn("shutdown after failed start", "error", serr)
		}
		return err
	}

	a.logger.Info("agent started",
		"rules", res.Loaded,
		"rules_rejected", len(res.Rejected),
		"indicators", a.intel.Stats().Indicators,
		"exporters", a.response.Exporters(),
	)
	return nil
}

func (a *Agent) startProducers(ctx context.Context) error {
	if a.receiver != nil {
		if err := a.receiver.Start(ctx); err != nil {
			return fmt.Errorf("failed to start telemetry receiver: %w", err)
		}
	}

	if a.kafkaSource != nil {
		a.producers.Add(1)
		go func() {
			defer a.producers.Done()
			if err := a.kafkaSource.Run(ctx); err != nil {
				a.logger.Error("kafka telemetry source stopped", "error", err)
			}
		}()
	}

	if a.watcher != nil {
		a.producers.Add(1)
		go func() {
			defer a.producers.Done()
			if err := a.watcher.Run(ctx); err != nil {
				a.logger.Error("rule watcher stopped", "error", err)
			}
		}()
	}

	if a.cfg.Intel.RefreshInterval > 0 && a.intel.Stats().Sources > 0 {
		a.producers.Add(1)
		go func() {
			defer a.producers.Done()
			a.refreshFeeds(ctx)
		}()
	}
	return nil
}

// refreshFeeds pulls the threat feeds on every tick until ctx is done.
func (a *Agent) refreshFeeds(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Intel.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.intel.UpdateThreatFeeds(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("threat feed update incomplete", "error", err)
			}
		}
	}
}

// forward enriches detected events and submits them for correlation until
// the emitter is closed.
func (a *Agent) forward(ctx context.Context) {
	defer close(a.forwarderDone)

	for ev := range a.emitter.Events() {
		alert := detection.AlertFor(ev)
		a.logger.Info("intrusion alert",
			"alert_id", alert.ID,
			"severity", alert.Severity,
			"source", alert.Source,
			"description", alert.Description,
		)

		enriched := a.intel.Enrich(ev)
		if err := a.correlation.Submit(ctx, enriched); err != nil {
			a.logger.Error("event not correlated", "event_id", ev.ID, "error", err)
		}
	}
}

// Submit hands one telemetry item to detection, waiting for buffer space
// until ctx is done. It is the entry point for in-process producers such
// as a packet capture collaborator.
func (a *Agent) Submit(ctx context.Context, t schema.Telemetry) error {
	a.inMu.RLock()
	defer a.inMu.RUnlock()
	if a.inClosed {
		return ErrStopped
	}

	select {
	case a.telemetry <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) closeTelemetry() {
	a.inMu.Lock()
	defer a.inMu.Unlock()
	if !a.inClosed {
		a.inClosed = true
		close(a.telemetry)
	}
}

// Shutdown stops the agent in pipeline order: producers, detection,
// correlation (which flushes its queue and expires open groups), response
// and exporters, then storage. It is safe to call more than once.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.stateMu.Lock()
	if a.stopped {
		a.stateMu.Unlock()
		return nil
	}
	a.stopped = true
	started := a.started
	a.stateMu.Unlock()

	var errs []error

	if started {
		a.cancelProducer()
		if a.receiver != nil {
			a.receiver.Stop()
		}
		a.producers.Wait()
	}

	a.closeTelemetry()
	if started {
		if err := waitFor(ctx, a.detectionDone); err != nil {
			errs = append(errs, fmt.Errorf("detection: %w", err))
		}
	}

	a.emitter.Close()
	if started {
		if err := waitFor(ctx, a.forwarderDone); err != nil {
			errs = append(errs, fmt.Errorf("event forwarder: %w", err))
		}
	}

	if err := a.correlation.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.response.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if a.auditWriter != nil {
		if err := a.auditWriter.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit writer: %w", err))
		}
	}

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if a.cancelRun != nil {
		a.cancelRun()
	}
	a.closeAll()

	a.logger.Info("pipeline stopped",
		"detection", a.detection.Stats(),
		"correlation", a.correlation.Stats(),
		"emitter_dropped", a.emitter.Dropped(),
	)
	return errors.Join(errs...)
}

// closeAll releases external connections.
func (a *Agent) closeAll() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
	if a.clickhouse != nil {
		if err := a.clickhouse.Close(); err != nil {
			a.logger.Warn("clickhouse close error", "error", err)
		}
		a.clickhouse = nil
	}
}

func waitFor(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rules returns the rule store.
func (a *Agent) Rules() *rules.Store { return a.rules }

// Intel returns the threat intelligence service.
func (a *Agent) Intel() *intel.Service { return a.intel }

// Response returns the response coordinator.
func (a *Agent) Response() *response.Coordinator { return a.response }

// Metrics returns the agent metrics.
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }
