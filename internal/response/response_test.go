package response

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"endpoint-xdr/internal/command"
	"endpoint-xdr/internal/schema"
)

type fakeExecutor struct {
	mu   sync.Mutex
	runs []string
	fail bool
}

func (f *fakeExecutor) Execute(_ context.Context, req command.Request) (command.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req.String())
	if f.fail {
		return command.Result{ExitCode: 1, Error: "access denied"}, nil
	}
	return command.Result{Output: "ok"}, nil
}

type sent struct {
	destination string
	payload     []byte
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeTransport) Send(_ context.Context, destination string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{destination, payload})
	return nil
}

func (f *fakeTransport) to(destination string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.sent {
		if s.destination == destination {
			out = append(out, s)
		}
	}
	return out
}

type fakePublisher struct {
	mu       sync.Mutex
	messages [][]byte
	keys     []string
	err      error
	closed   bool
}

func (f *fakePublisher) Produce(_ context.Context, key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, string(key))
	f.messages = append(f.messages, value)
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

type fakeNATS struct {
	mu       sync.Mutex
	subjects []string
	drained  bool
}

func (f *fakeNATS) Publish(subject string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakeNATS) FlushWithContext(context.Context) error { return nil }

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, exec CommandExecutor, tr Transport) (*Coordinator, *clock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Executor = exec
	cfg.Transport = tr
	cfg.Logger = testLogger()
	c, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	clk := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	c.now = clk.now
	return c, clk
}

func threat(severity int, source string, types ...string) schema.Threat {
	base := time.Date(2026, 5, 1, 8, 59, 0, 0, time.UTC)
	th := schema.Threat{
		ID:        uuid.New(),
		Name:      types[0] + " from " + source,
		Severity:  severity,
		Key:       types[0] + "|" + source,
		CreatedAt: base.Add(time.Minute),
		Trigger:   "count",
	}
	for i, typ := range types {
		th.Events = append(th.Events, schema.SecurityEvent{
			ID:        uuid.New(),
			Type:      typ,
			Severity:  severity,
			Source:    source,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	return th
}

func TestSelectPolicy(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)

	tests := []struct {
		name   string
		threat schema.Threat
		want   string
	}{
		{"critical by severity", threat(10, "10.0.0.5", "dns-tunnel"), "critical"},
		{"lateral by type glob", threat(7, "10.0.0.5", "smb-lateral"), "lateral-movement"},
		{"brute force suffix glob", threat(6, "10.0.0.5", "rdp-brute-force"), "lateral-movement"},
		{"elevated fallback", threat(7, "10.0.0.5", "dns-tunnel"), "elevated"},
		{"below every policy", threat(3, "10.0.0.5", "port-scan"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := c.SelectPolicy(tt.threat)
			got := ""
			if ok {
				got = p.Name
			}
			if got != tt.want {
				t.Errorf("SelectPolicy() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParsePolicies(t *testing.T) {
	valid := `
policies:
  - name: ransomware
    min_severity: 8
    types: ["ransom-*"]
    actions: [collect_evidence, notify]
    commands: ["tasklist /v", "dir /b C:\\Users\\Public"]
`
	policies, err := ParsePolicies([]byte(valid))
	if err != nil {
		t.Fatalf("ParsePolicies() error = %v", err)
	}
	if len(policies) != 1 || len(policies[0].requests) != 2 {
		t.Fatalf("policies = %+v", policies)
	}
	if !policies[0].Matches(threat(8, "h1", "ransom-note")) {
		t.Error("policy should match ransom-note")
	}

	invalid := []struct {
		name string
		doc  string
	}{
		{"unknown action", "policies:\n  - name: x\n    actions: [wipe_disk]\n"},
		{"bad glob", "policies:\n  - name: x\n    types: [\"[\"]\n    actions: [notify]\n"},
		{"disallowed command", "policies:\n  - name: x\n    actions: [collect_evidence]\n    commands: [\"powershell -enc AAA\"]\n"},
		{"evidence without commands", "policies:\n  - name: x\n    actions: [collect_evidence]\n"},
		{"severity out of range", "policies:\n  - name: x\n    min_severity: 11\n    actions: [notify]\n"},
		{"missing name", "policies:\n  - actions: [notify]\n"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePolicies([]byte(tt.doc)); !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("ParsePolicies() error = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestAutomateResponse_Critical(t *testing.T) {
	exec := &fakeExecutor{}
	tr := &fakeTransport{}
	c, _ := newTestCoordinator(t, exec, tr)

	th := threat(10, "203.0.113.7", "reverse-shell-port")
	intents, err := c.AutomateResponse(context.Background(), th)
	if err != nil {
		t.Fatalf("AutomateResponse() error = %v", err)
	}

	var actions []Action
	for _, in := range intents {
		actions = append(actions, in.Action)
		if in.Status != StatusDispatched {
			t.Errorf("intent %s status = %s, want dispatched (%s)", in.Action, in.Status, in.Error)
		}
		if in.ThreatID != th.ID || in.Policy != "critical" {
			t.Errorf("intent not tied to threat/policy: %+v", in)
		}
	}
	want := []Action{ActionCollectEvidence, ActionCollectEvidence, ActionBlockIP, ActionNotify}
	if !reflect.DeepEqual(actions, want) {
		t.Errorf("actions = %v, want %v", actions, want)
	}

	if !reflect.DeepEqual(exec.runs, []string{"netstat -a -n -o", "tasklist /v"}) {
		t.Errorf("executed = %v", exec.runs)
	}
	if intents[0].Result == nil || intents[0].Result.Output != "ok" {
		t.Errorf("command result not recorded: %+v", intents[0].Result)
	}

	control := tr.to("control")
	if len(control) != 1 {
		t.Fatalf("control payloads = %d, want 1", len(control))
	}
	var msg controlMessage
	if err := json.Unmarshal(control[0].payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Action != ActionBlockIP || msg.Target != "203.0.113.7" || msg.ThreatID != th.ID {
		t.Errorf("block payload = %+v", msg)
	}

	notify := tr.to("admin")
	if len(notify) != 1 {
		t.Fatalf("notify payloads = %d, want 1", len(notify))
	}
	var summary schema.ThreatSummary
	if err := json.Unmarshal(notify[0].payload, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.ID != th.ID || len(summary.Events) != 1 {
		t.Errorf("notify summary = %+v", summary)
	}

	if got := c.Blocked(); !reflect.DeepEqual(got, []string{"203.0.113.7"}) {
		t.Errorf("Blocked() = %v", got)
	}
}

func TestAutomateResponse_NonIPSourceNotBlocked(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestCoordinator(t, &fakeExecutor{}, tr)

	intents, err := c.AutomateResponse(context.Background(), threat(10, "sshd", "log-cleared"))
	if err != nil {
		t.Fatalf("AutomateResponse() error = %v", err)
	}
	for _, in := range intents {
		if in.Action == ActionBlockIP {
			t.Errorf("block intent for non-address source: %+v", in)
		}
	}
}

func TestAutomateResponse_Suppression(t *testing.T) {
	exec := &fakeExecutor{}
	tr := &fakeTransport{}
	c, clk := newTestCoordinator(t, exec, tr)

	first := threat(10, "198.51.100.9", "reverse-shell-port")
	if _, err := c.AutomateResponse(context.Background(), first); err != nil {
		t.Fatal(err)
	}

	second := first
	second.ID = uuid.New()
	intents, err := c.AutomateResponse(context.Background(), second)
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range intents {
		if in.Status != StatusSuppressed {
			t.Errorf("repeat %s status = %s, want suppressed", in.Action, in.Status)
		}
	}
	if len(exec.runs) != 2 {
		t.Errorf("executor ran %d commands, want 2", len(exec.runs))
	}

	clk.t = clk.t.Add(11 * time.Minute)
	intents, _ = c.AutomateResponse(context.Background(), second)
	for _, in := range intents {
		want := StatusDispatched
		if in.Action == ActionBlockIP {
			want = StatusSuppressed
		}
		if in.Status != want {
			t.Errorf("after window %s status = %s, want %s", in.Action, in.Status, want)
		}
	}
	if n := len(tr.to("control")); n != 1 {
		t.Errorf("block sent %d times, want 1", n)
	}

	c.Unblock("198.51.100.9")
	intents, _ = c.AutomateResponse(context.Background(), second)
	var reblocked bool
	for _, in := range intents {
		if in.Action == ActionBlockIP && in.Status == StatusDispatched {
			reblocked = true
		}
	}
	if !reblocked {
		t.Error("block not re-issued after Unblock")
	}
}

func TestAutomateResponse_MissingCollaborators(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)

	intents, err := c.AutomateResponse(context.Background(), threat(9, "192.0.2.1", "port-scan"))
	if !errors.Is(err, ErrNoExecutor) || !errors.Is(err, ErrNoTransport) {
		t.Errorf("AutomateResponse() error = %v, want ErrNoExecutor and ErrNoTransport", err)
	}
	for _, in := range intents {
		if in.Status != StatusFailed || in.Error == "" {
			t.Errorf("intent %s = %s (%q), want failed", in.Action, in.Status, in.Error)
		}
	}
	if len(c.Blocked()) != 0 {
		t.Error("failed block should not be tracked")
	}

	// Failed intents are not suppressed.
	c.cfg.Executor = &fakeExecutor{}
	c.cfg.Transport = &fakeTransport{}
	intents, err = c.AutomateResponse(context.Background(), threat(9, "192.0.2.1", "port-scan"))
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	for _, in := range intents {
		if in.Status != StatusDispatched {
			t.Errorf("retry %s status = %s", in.Action, in.Status)
		}
	}
}

func TestAutomateResponse_CommandFailure(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeExecutor{fail: true}, &fakeTransport{})

	intents, err := c.AutomateResponse(context.Background(), threat(10, "192.0.2.1", "x"))
	if err == nil {
		t.Fatal("expected error for failing command")
	}
	if intents[0].Result == nil || intents[0].Result.ExitCode != 1 {
		t.Errorf("failed command result not recorded: %+v", intents[0])
	}
}

func TestIncreaseMonitoring(t *testing.T) {
	tr := &fakeTransport{}
	c, clk := newTestCoordinator(t, nil, tr)

	if _, err := c.AutomateResponse(context.Background(), threat(5, "10.1.1.1", "dns-tunnel")); err != nil {
		t.Fatal(err)
	}
	if !c.Monitored("10.1.1.1") {
		t.Error("source should be monitored")
	}
	if c.Monitored("10.9.9.9") {
		t.Error("unrelated source monitored")
	}

	clk.t = clk.t.Add(2 * time.Hour)
	if c.Monitored("10.1.1.1") {
		t.Error("monitoring should lapse after MonitorFor")
	}
}

func TestIntegrateAndExport(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestCoordinator(t, nil, tr)

	pub := &fakePublisher{}
	var kafkaEndpoint string
	c.dialKafka = func(endpoint string) (publisher, error) {
		kafkaEndpoint = endpoint
		return pub, nil
	}
	nc := &fakeNATS{}
	var natsServer string
	c.dialNATS = func(server string) (natsConn, error) {
		natsServer = server
		return nc, nil
	}

	if err := c.IntegrateWithSIEM("kafka://k1:9092,k2:9092/xdr.threats"); err != nil {
		t.Fatalf("IntegrateWithSIEM(kafka) error = %v", err)
	}
	if err := c.IntegrateWithSOAR("nats://soar:4222/soar.threats"); err != nil {
		t.Fatalf("IntegrateWithSOAR(nats) error = %v", err)
	}
	if err := c.IntegrateWithSIEM("https://siem.example/ingest"); err != nil {
		t.Fatalf("IntegrateWithSIEM(https) error = %v", err)
	}
	if err := c.IntegrateWithSIEM("kafka://k1:9092,k2:9092/xdr.threats"); err != nil {
		t.Fatalf("duplicate registration error = %v", err)
	}

	if kafkaEndpoint != "kafka://k1:9092,k2:9092/xdr.threats" || natsServer != "nats://soar:4222" {
		t.Errorf("dialed kafka=%q nats=%q", kafkaEndpoint, natsServer)
	}
	wantNames := []string{"siem:kafka", "soar:nats", "siem:transport"}
	if got := c.Exporters(); !reflect.DeepEqual(got, wantNames) {
		t.Errorf("Exporters() = %v, want %v", got, wantNames)
	}

	th := threat(9, "10.0.0.5", "ssh-brute-force", "ssh-brute-force", "port-scan")
	if err := c.Export(context.Background(), th); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	if len(pub.messages) != 1 || pub.keys[0] != th.ID.String() {
		t.Fatalf("kafka messages = %d keys = %v", len(pub.messages), pub.keys)
	}
	var summary schema.ThreatSummary
	if err := json.Unmarshal(pub.messages[0], &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Version != schema.SummaryVersion || summary.ID != th.ID || summary.Severity != 9 {
		t.Errorf("summary header = %+v", summary)
	}
	if len(summary.Events) != 3 || summary.Events[2].Type != "port-scan" {
		t.Errorf("summary events = %+v", summary.Events)
	}
	if !reflect.DeepEqual(nc.subjects, []string{"soar.threats"}) {
		t.Errorf("nats subjects = %v", nc.subjects)
	}
	if len(tr.to("https://siem.example/ingest")) != 1 {
		t.Error("transport exporter not used")
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !pub.closed || !nc.drained {
		t.Error("exporters not closed on Stop")
	}
}

func TestExport_FailureDoesNotStopOthers(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestCoordinator(t, nil, tr)

	broken := &fakePublisher{err: errors.New("all brokers down")}
	c.dialKafka = func(string) (publisher, error) { return broken, nil }

	if err := c.IntegrateWithSIEM("kafka://k1:9092/threats"); err != nil {
		t.Fatal(err)
	}
	if err := c.IntegrateWithSOAR("soar-webhook"); err != nil {
		t.Fatal(err)
	}

	err := c.Export(context.Background(), threat(9, "10.0.0.5", "port-scan"))
	if err == nil {
		t.Fatal("expected export error")
	}
	if len(tr.to("soar-webhook")) != 1 {
		t.Error("healthy exporter skipped after failure")
	}
}

func TestIntegrate_Errors(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)

	if err := c.IntegrateWithSIEM(""); !errors.Is(err, ErrInvalidEndpoint) {
		t.Errorf("empty endpoint error = %v", err)
	}
	if err := c.IntegrateWithSOAR("nats://soar:4222"); !errors.Is(err, ErrInvalidEndpoint) {
		t.Errorf("nats without subject error = %v", err)
	}
	if err := c.IntegrateWithSIEM("https://siem.example"); !errors.Is(err, ErrNoTransport) {
		t.Errorf("transport endpoint without transport error = %v", err)
	}
}

func TestIntegrate_OtherSchemesUseTransport(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestCoordinator(t, nil, tr)
	c.dialNATS = func(server string) (natsConn, error) {
		t.Errorf("dialNATS(%q) called for a non-nats endpoint", server)
		return &fakeNATS{}, nil
	}

	if err := c.IntegrateWithSOAR("tls://relay.example:4443/soar"); err != nil {
		t.Fatalf("IntegrateWithSOAR(tls) error = %v", err)
	}
	if got, want := c.Exporters(), []string{"soar:transport"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Exporters() = %v, want %v", got, want)
	}
	if err := c.Export(context.Background(), threat(9, "10.0.0.5", "port-scan")); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(tr.to("tls://relay.example:4443/soar")) != 1 {
		t.Error("tls endpoint not handed to the transport")
	}
}

func TestParseNATSEndpoint(t *testing.T) {
	tests := []struct {
		endpoint    string
		wantServer  string
		wantSubject string
		wantErr     bool
	}{
		{"nats://localhost:4222/xdr.threats", "nats://localhost:4222", "xdr.threats", false},
		{"nats://user:pw@nats.example:4443/soar", "nats://user:pw@nats.example:4443", "soar", false},
		{"tls://nats.example:4443/soar", "", "", true},
		{"nats://localhost:4222/", "", "", true},
		{"nats:///subject", "", "", true},
		{"nats://localhost:4222/a/b", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			server, subject, err := parseNATSEndpoint(tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseNATSEndpoint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if server != tt.wantServer || subject != tt.wantSubject {
				t.Errorf("parseNATSEndpoint() = %q, %q; want %q, %q", server, subject, tt.wantServer, tt.wantSubject)
			}
		})
	}
}

func TestCoordinator_HandleLifecycle(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestCoordinator(t, &fakeExecutor{}, tr)
	c.cfg.Workers = 1
	c.Start(context.Background())

	for i := 0; i < 3; i++ {
		if err := c.Handle(context.Background(), threat(5, "10.0.0.1", "dns-tunnel")); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// Three threats with the same key: the first notifies, the rest are
	// suppressed.
	if n := len(tr.to("admin")); n != 1 {
		t.Errorf("notify sent %d times, want 1", n)
	}
	if err := c.Handle(context.Background(), threat(5, "10.0.0.1", "dns-tunnel")); !errors.Is(err, ErrStopped) {
		t.Errorf("Handle() after Stop error = %v, want ErrStopped", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestCoordinator_StopWithoutStart(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestCoordinator(t, nil, tr)

	if err := c.Handle(context.Background(), threat(5, "10.0.0.2", "dns-tunnel")); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n := len(tr.to("admin")); n != 1 {
		t.Errorf("queued threat not handled on Stop: %d notifications", n)
	}
}
