// Command xdr-agent runs the endpoint detection and correlation pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"endpoint-xdr/internal/agent"
	"endpoint-xdr/internal/config"
	"endpoint-xdr/internal/logging"
	"endpoint-xdr/internal/startup"
)

var errDiagnostics = errors.New("startup diagnostics failed")

func main() {
	if err := run(); err != nil {
		slog.Error("xdr-agent exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	slog.SetDefault(logger)
	logger.Info("xdr-agent starting",
		"config", config.Path(),
		"rules", cfg.Rules.Path,
		"workers", cfg.Detection.Workers,
		"window", cfg.Correlation.Window,
		"receiver", cfg.Telemetry.Receiver.Enabled,
		"kafka_telemetry", cfg.Telemetry.Kafka.Enabled,
		"audit_storage", cfg.Storage.Enabled,
	)

	diag := startup.NewDiagnostics(cfg, config.Path(), logger)
	diag.RunAll()
	if diag.HasErrors() {
		return errDiagnostics
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Command execution and control delivery belong to the host integration.
	// Without them the coordinator records those intents as failed.
	a, err := agent.New(ctx, cfg, agent.Options{Logger: logger})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		a.Shutdown(context.Background())
		return err
	}
	if addr := a.MetricsAddr(); addr != nil {
		logger.Info("health and metrics endpoint up", "address", addr.String())
	}

	<-ctx.Done()
	stop()
	logger.Info("stopping xdr-agent", "timeout", cfg.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	shutdownErr := a.Shutdown(shutdownCtx)

	st := a.Status()
	logger.Info("xdr-agent stopped",
		"evaluated", st.Detection.Evaluated,
		"matched", st.Detection.Matched,
		"escalated", st.Correlation.Escalated,
		"expired", st.Correlation.Expired,
		"blocked", len(st.Blocked),
	)
	return shutdownErr
}
