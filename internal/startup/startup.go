// Package startup runs preflight diagnostics before the agent starts.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"endpoint-xdr/internal/config"
)

// Status is the outcome of one check.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

var statusNames = [...]string{
	StatusOK:      "OK",
	StatusWarning: "WARNING",
	StatusError:   "ERROR",
	StatusSkipped: "SKIPPED",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// DiagnosticResult is the outcome of a named check.
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

func result(name string, s Status, msg string, kv ...string) DiagnosticResult {
	r := DiagnosticResult{Name: name, Status: s, Message: msg}
	if len(kv) > 0 {
		r.Details = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			r.Details[kv[i]] = kv[i+1]
		}
	}
	return r
}

// check produces one or more results from the configuration.
type check func(d *Diagnostics) []DiagnosticResult

// Diagnostics runs the preflight checks for one configuration.
type Diagnostics struct {
	cfg     *config.Config
	path    string
	logger  *slog.Logger
	checks  []check
	results []DiagnosticResult

	// dialTimeout bounds connectivity checks.
	dialTimeout time.Duration
}

// NewDiagnostics creates a diagnostics runner for cfg loaded from path.
func NewDiagnostics(cfg *config.Config, path string, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:         cfg,
		path:        path,
		logger:      logger,
		dialTimeout: 5 * time.Second,
		checks: []check{
			checkRuntime,
			checkConfigFile,
			checkValidation,
			checkFiles,
			checkMetricsAddress,
			checkReceiver,
			checkKafka,
			checkStorage,
		},
	}
}

// RunAll runs every check in order and logs a summary.
func (d *Diagnostics) RunAll() []DiagnosticResult {
	d.results = d.results[:0]
	d.logger.Info("running startup diagnostics", "config", d.path)

	for _, c := range d.checks {
		for _, r := range c(d) {
			d.record(r)
		}
	}

	counts := make(map[Status]int, len(statusNames))
	for _, r := range d.results {
		counts[r.Status]++
	}
	d.logger.Info("diagnostics summary",
		"passed", counts[StatusOK],
		"warnings", counts[StatusWarning],
		"errors", counts[StatusError],
		"skipped", counts[StatusSkipped],
	)
	if counts[StatusError] > 0 {
		d.logger.Error("agent cannot start safely, fix the failed checks")
	}
	return d.results
}

func (d *Diagnostics) record(r DiagnosticResult) {
	d.results = append(d.results, r)

	attrs := []any{"check", r.Name, "status", r.Status.String()}
	if r.Message != "" {
		attrs = append(attrs, "message", r.Message)
	}
	for k, v := range r.Details {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	switch r.Status {
	case StatusWarning:
		level = slog.LevelWarn
	case StatusError:
		level = slog.LevelError
	case StatusSkipped:
		level = slog.LevelDebug
	}
	d.logger.Log(context.Background(), level, "diagnostic check", attrs...)
}

// HasErrors reports whether any check failed.
func (d *Diagnostics) HasErrors() bool { return d.count(StatusError) > 0 }

// HasWarnings reports whether any check warned.
func (d *Diagnostics) HasWarnings() bool { return d.count(StatusWarning) > 0 }

func (d *Diagnostics) count(s Status) int {
	n := 0
	for _, r := range d.results {
		if r.Status == s {
			n++
		}
	}
	return n
}

func checkRuntime(*Diagnostics) []DiagnosticResult {
	return []DiagnosticResult{result("runtime", StatusOK, runtime.Version(),
		"os", runtime.GOOS,
		"arch", runtime.GOARCH,
		"cpus", strconv.Itoa(runtime.NumCPU()),
	)}
}

func checkConfigFile(d *Diagnostics) []DiagnosticResult {
	if fileExists(d.path) {
		return []DiagnosticResult{result("config_file", StatusOK, "loaded", "path", d.path)}
	}
	return []DiagnosticResult{result("config_file", StatusWarning, "not found, running on defaults", "path", d.path)}
}

func checkValidation(d *Diagnostics) []DiagnosticResult {
	if err := d.cfg.Validate(); err != nil {
		msg := strings.ReplaceAll(err.Error(), "\n", "; ")
		return []DiagnosticResult{result("config_validation", StatusError, msg)}
	}
	return []DiagnosticResult{result("config_validation", StatusOK, "")}
}

// checkFiles verifies the files read at start. A missing rule or policy
// file stops the agent; a missing feed only degrades enrichment.
func checkFiles(d *Diagnostics) []DiagnosticResult {
	out := []DiagnosticResult{statFile("rules_file", d.cfg.Rules.Path, StatusError)}
	if p := d.cfg.Response.PoliciesFile; p != "" {
		out = append(out, statFile("policies_file", p, StatusError))
	}
	for _, p := range d.cfg.Intel.Files {
		out = append(out, statFile("intel_feed", p, StatusWarning))
	}
	return out
}

func statFile(name, path string, onMissing Status) DiagnosticResult {
	info, err := os.Stat(path)
	if err != nil {
		return result(name, onMissing, err.Error(), "path", path)
	}
	if info.IsDir() {
		return result(name, StatusError, "is a directory", "path", path)
	}
	return result(name, StatusOK, "", "path", path, "size", strconv.FormatInt(info.Size(), 10))
}

func checkMetricsAddress(d *Diagnostics) []DiagnosticResult {
	m := d.cfg.Metrics
	if !m.Enabled {
		return []DiagnosticResult{result("metrics_port", StatusSkipped, "metrics endpoint disabled")}
	}
	ln, err := net.Listen("tcp", m.Address)
	if err != nil {
		return []DiagnosticResult{result("metrics_port", StatusError, err.Error(), "address", m.Address)}
	}
	ln.Close()
	return []DiagnosticResult{result("metrics_port", StatusOK, "", "address", m.Address)}
}

func checkReceiver(d *Diagnostics) []DiagnosticResult {
	rc := d.cfg.Telemetry.Receiver
	var r DiagnosticResult
	switch {
	case !rc.Enabled:
		r = result("receiver_security", StatusSkipped, "telemetry receiver disabled")
	case rc.CertFile == "" && rc.AllowInsecure:
		r = result("receiver_security", StatusWarning, "plain UDP, telemetry can be spoofed",
			"listen", rc.Address)
	case !fileExists(rc.CertFile) || !fileExists(rc.KeyFile):
		r = result("receiver_security", StatusError, "DTLS certificate or key missing",
			"cert_file", rc.CertFile, "key_file", rc.KeyFile)
	case !rc.RateLimit.Enabled:
		r = result("receiver_security", StatusWarning, "per-peer rate limiting disabled",
			"listen", rc.Address)
	default:
		r = result("receiver_security", StatusOK, "DTLS",
			"records_per_peer", strconv.Itoa(rc.RateLimit.RecordsPerPeer),
			"window", rc.RateLimit.WindowSize.String())
	}
	return []DiagnosticResult{r}
}

func checkKafka(d *Diagnostics) []DiagnosticResult {
	if !d.cfg.KafkaUsed() {
		return []DiagnosticResult{result("kafka_security", StatusSkipped, "no kafka source or exporter")}
	}
	sec := d.cfg.Kafka.Security
	if !sec.Encrypted() {
		return []DiagnosticResult{result("kafka_security", StatusWarning,
			"threat summaries leave the host unencrypted", "protocol", sec.Protocol)}
	}
	return []DiagnosticResult{result("kafka_security", StatusOK, "", "protocol", sec.Protocol)}
}

func checkStorage(d *Diagnostics) []DiagnosticResult {
	if !d.cfg.Storage.Enabled {
		return []DiagnosticResult{result("storage", StatusWarning, "expired groups are only logged")}
	}

	host := "localhost:9000"
	if hosts := d.cfg.Storage.ClickHouse.Hosts; len(hosts) > 0 {
		host = hosts[0]
	}
	start := time.Now()
	conn, err := net.DialTimeout("tcp", host, d.dialTimeout)
	if err != nil {
		return []DiagnosticResult{result("clickhouse_connectivity", StatusError, err.Error(), "host", host)}
	}
	conn.Close()
	return []DiagnosticResult{result("clickhouse_connectivity", StatusOK, "",
		"host", host, "dial", fmt.Sprint(time.Since(start).Round(time.Millisecond)))}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
