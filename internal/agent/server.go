package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"endpoint-xdr/internal/correlation"
	"endpoint-xdr/internal/detection"
	"endpoint-xdr/internal/intel"
)

// Status is the agent state reported by /health.
type Status struct {
	Status        string            `json:"status"`
	Error         string            `json:"error,omitempty"`
	UptimeSeconds int               `json:"uptime_seconds"`
	RulesVersion  uint64            `json:"rules_version"`
	RulesActive   int               `json:"rules_active"`
	Detection     detection.Stats   `json:"detection"`
	Intel         intel.Stats       `json:"intel"`
	Correlation   correlation.Stats `json:"correlation"`
	Exporters     []string          `json:"exporters"`
	Blocked       []string          `json:"blocked"`
}

// Status returns a snapshot of the agent state.
func (a *Agent) Status() Status {
	snap := a.rules.Snapshot()
	s := Status{
		Status:       "healthy",
		RulesVersion: snap.Version,
		RulesActive:  snap.Len(),
		Detection:    a.detection.Stats(),
		Intel:        a.intel.Stats(),
		Correlation:  a.correlation.Stats(),
		Exporters:    a.response.Exporters(),
		Blocked:      a.response.Blocked(),
	}

	a.stateMu.Lock()
	if !a.startedAt.IsZero() {
		s.UptimeSeconds = int(time.Since(a.startedAt).Seconds())
	}
	a.stateMu.Unlock()

	if err := a.correlation.Health(); err != nil {
		s.Status = "degraded"
		s.Error = err.Error()
	}
	return s
}

// HealthCheck handles GET /health. A degraded agent answers 503 so that
// orchestrators stop routing telemetry to it.
func (a *Agent) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s := a.Status()
	code := http.StatusOK
	if s.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, s)
}

// Handler returns the HTTP handler serving health and metrics.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.HealthCheck)
	mux.Handle("GET "+a.cfg.Metrics.Path, a.metrics.Handler())
	return mux
}

// MetricsAddr returns the bound address of the metrics server, or nil when
// it is disabled or not started.
func (a *Agent) MetricsAddr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *Agent) startMetricsServer() error {
	if !a.cfg.Metrics.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", a.cfg.Metrics.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Metrics.Address, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("metrics server listening",
		"address", ln.Addr().String(),
		"path", a.cfg.Metrics.Path,
	)
	return nil
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
