package riskmonitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
	"github.com/MichaelAyles/AgentTool-sub003/internal/ratelimit"
	"github.com/MichaelAyles/AgentTool-sub003/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type fakeController struct {
	mu       sync.Mutex
	disabled []string
}

func (f *fakeController) DisableDangerousMode(ctx context.Context, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = append(f.disabled, sessionID)
	return nil
}

func (f *fakeController) disabledSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disabled...)
}

type fakeLimiter struct {
	decision ratelimit.Decision
}

func (f *fakeLimiter) Allow(key string, limit int, window time.Duration) ratelimit.Decision {
	return f.decision
}

func (f *fakeLimiter) Close() {}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []domain.MonitoringAlert
}

func (f *fakeAlerts) InsertAlert(ctx context.Context, alert *domain.MonitoringAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, *alert)
	return nil
}

func (f *fakeAlerts) AcknowledgeAlert(ctx context.Context, alertID string) error { return nil }

func (f *fakeAlerts) ListAlerts(ctx context.Context, onlyUnacknowledged bool, limit int) ([]domain.MonitoringAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MonitoringAlert(nil), f.alerts...), nil
}

func (f *fakeAlerts) byRule(rule string) []domain.MonitoringAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.MonitoringAlert
	for _, a := range f.alerts {
		if a.Rule == rule {
			out = append(out, a)
		}
	}
	return out
}

type fakeAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (f *fakeAudit) InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeAudit) ListAuditEvents(ctx context.Context, sessionID string, since time.Time, limit int) ([]domain.AuditEvent, error) {
	return nil, nil
}

func newMonitor(t *testing.T, limiter ratelimit.Limiter) (*Monitor, *fakeController, *fakeAlerts, *fakeAudit, *time.Time) {
	t.Helper()
	controller := &fakeController{}
	alerts := &fakeAlerts{}
	audit := &fakeAudit{}
	cfg := config.OrchestratorConfig{
		MaxRiskScore:       100,
		RiskDecayPerMinute: 2,
		RiskScoreCeiling:   75,
		CommandRateLimit:   30,
		DangerousModeTTL:   30 * time.Minute,
	}
	m := New(controller, limiter, alerts, audit, nil, testLogger(), cfg)
	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, controller, alerts, audit, &clock
}

func safeCommand(cmd string) domain.CommandExecution {
	return domain.CommandExecution{Command: cmd, RiskLevel: domain.SeverityLow}
}

func TestHistoryIsBounded(t *testing.T) {
	m, _, _, _, _ := newMonitor(t, nil)
	for i := 0; i < 150; i++ {
		if err := m.MonitorCommandExecution(context.Background(), "s1", safeCommand("ls")); err != nil {
			t.Fatalf("monitor: %v", err)
		}
	}
	m.mu.Lock()
	got := len(m.sessions["s1"].history)
	m.mu.Unlock()
	if got != historyLimit {
		t.Fatalf("expected history capped at %d, got %d", historyLimit, got)
	}
}

func TestRiskScoreBoundedAndDecaying(t *testing.T) {
	m, _, _, _, clock := newMonitor(t, nil)

	for i := 0; i < 10; i++ {
		m.RecordViolation("s1", domain.SeverityCritical)
	}
	if score := m.RiskScore("s1"); score != 100 {
		t.Fatalf("score must cap at max, got %.1f", score)
	}

	// with no new violations the score strictly decreases until zero
	prev := m.RiskScore("s1")
	for i := 0; i < 60; i++ {
		*clock = clock.Add(time.Minute)
		score := m.RiskScore("s1")
		if score > prev {
			t.Fatalf("score rose from %.2f to %.2f without violations", prev, score)
		}
		if prev > 0 && score >= prev {
			t.Fatalf("score must strictly decrease while positive, %.2f -> %.2f", prev, score)
		}
		prev = score
	}
	if prev != 0 {
		t.Fatalf("score must decay to zero, got %.2f", prev)
	}

	*clock = clock.Add(time.Hour)
	if score := m.RiskScore("s1"); score != 0 {
		t.Fatalf("score must never go negative, got %.2f", score)
	}
}

func TestRecordViolationCountsAndScores(t *testing.T) {
	m, _, _, _, _ := newMonitor(t, nil)

	m.RecordViolation("s1", domain.SeverityMedium)
	m.RecordViolation("s1", domain.SeverityLow)

	sec, ok := m.Context("s1")
	if !ok {
		t.Fatal("expected session context after violations")
	}
	if sec.ViolationCount != 2 {
		t.Fatalf("expected 2 violations counted, got %d", sec.ViolationCount)
	}
	if score := m.RiskScore("s1"); score != 15 {
		t.Fatalf("expected medium+low = 15, got %.1f", score)
	}
}

func TestEscalationVerbDisablesSession(t *testing.T) {
	m, controller, alerts, _, _ := newMonitor(t, nil)
	m.SetDangerousMode("s1", true)

	err := m.MonitorCommandExecution(context.Background(), "s1", domain.CommandExecution{
		Command:   "sudo",
		Args:      []string{"rm", "-rf", "/"},
		RiskLevel: domain.SeverityCritical,
	})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}

	if got := controller.disabledSessions(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("expected dangerous mode disabled for s1, got %v", got)
	}
	if raised := alerts.byRule("escalation_verb"); len(raised) != 1 || raised[0].Action != domain.ActionDisable {
		t.Fatalf("expected one disable alert, got %+v", raised)
	}
	if ctx, _ := m.Context("s1"); ctx.DangerousMode {
		t.Fatalf("session must leave dangerous mode")
	}
}

func TestEscalationVerbMatchesTokensNotSubstrings(t *testing.T) {
	if got := matchEscalationVerb(safeCommand("sum")); got != "" {
		t.Fatalf("'sum' must not match 'su', got %q", got)
	}
	if got := matchEscalationVerb(domain.CommandExecution{Command: "chmod", Args: []string{"777", "/tmp/x"}}); got != "chmod 777" {
		t.Fatalf("expected chmod 777 match, got %q", got)
	}
}

func TestHighRiskStreakDisables(t *testing.T) {
	m, controller, alerts, _, _ := newMonitor(t, nil)
	m.SetDangerousMode("s1", true)

	for i := 0; i < 3; i++ {
		exec := domain.CommandExecution{Command: "nmap", RiskLevel: domain.SeverityHigh}
		if err := m.MonitorCommandExecution(context.Background(), "s1", exec); err != nil {
			t.Fatalf("monitor: %v", err)
		}
	}
	if raised := alerts.byRule("high_risk_sequence"); len(raised) == 0 {
		t.Fatalf("expected high-risk sequence alert")
	}
	if got := controller.disabledSessions(); len(got) == 0 {
		t.Fatalf("expected session disabled")
	}
}

func TestReconSignatureWarnsOnly(t *testing.T) {
	m, controller, alerts, _, _ := newMonitor(t, nil)
	m.SetDangerousMode("s1", true)

	for _, cmd := range []string{"whoami", "id", "uname"} {
		if err := m.MonitorCommandExecution(context.Background(), "s1", safeCommand(cmd)); err != nil {
			t.Fatalf("monitor: %v", err)
		}
	}
	raised := alerts.byRule("reconnaissance")
	if len(raised) == 0 {
		t.Fatalf("expected reconnaissance alert")
	}
	if raised[0].Action != domain.ActionWarn {
		t.Fatalf("reconnaissance must warn, not %s", raised[0].Action)
	}
	if got := controller.disabledSessions(); len(got) != 0 {
		t.Fatalf("warn alerts must not disable, got %v", got)
	}
}

func TestCommandRateThreshold(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, Count: 35}}
	m, controller, alerts, _, _ := newMonitor(t, limiter)
	m.SetDangerousMode("s1", true)

	if err := m.MonitorCommandExecution(context.Background(), "s1", safeCommand("ls")); err != nil {
		t.Fatalf("monitor: %v", err)
	}
	raised := alerts.byRule("command_rate")
	if len(raised) != 1 || raised[0].Action != domain.ActionWarn {
		t.Fatalf("expected a warn at moderate overrun, got %+v", raised)
	}

	limiter.decision = ratelimit.Decision{Allowed: false, Count: 70}
	if err := m.MonitorCommandExecution(context.Background(), "s1", safeCommand("ls")); err != nil {
		t.Fatalf("monitor: %v", err)
	}
	raised = alerts.byRule("command_rate")
	if len(raised) != 2 || raised[1].Action != domain.ActionDisable {
		t.Fatalf("expected disable at doubled rate, got %+v", raised)
	}
	if got := controller.disabledSessions(); len(got) != 1 {
		t.Fatalf("expected one disable call, got %v", got)
	}
}

func TestRulesSkippedOutsideDangerousMode(t *testing.T) {
	m, controller, alerts, audit, _ := newMonitor(t, nil)

	err := m.MonitorCommandExecution(context.Background(), "s1", domain.CommandExecution{
		Command:   "sudo",
		Args:      []string{"whoami"},
		RiskLevel: domain.SeverityHigh,
	})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	alerts.mu.Lock()
	raised := len(alerts.alerts)
	alerts.mu.Unlock()
	if raised != 0 {
		t.Fatalf("rules only apply in dangerous mode, got %d alerts", raised)
	}
	if got := controller.disabledSessions(); len(got) != 0 {
		t.Fatalf("no disables expected, got %v", got)
	}

	// the audit trail still records everything
	audit.mu.Lock()
	events := len(audit.events)
	audit.mu.Unlock()
	if events != 1 {
		t.Fatalf("expected one audit event, got %d", events)
	}
}

func TestSweepDisablesExpiredDangerousMode(t *testing.T) {
	m, controller, alerts, _, clock := newMonitor(t, nil)
	m.SetDangerousMode("s1", true)
	m.SetDangerousMode("s2", true)

	*clock = clock.Add(31 * time.Minute)
	m.runSweep(context.Background())

	if got := controller.disabledSessions(); len(got) != 2 {
		t.Fatalf("expected both expired sessions disabled, got %v", got)
	}
	if raised := alerts.byRule("dangerous_mode_expired"); len(raised) != 2 {
		t.Fatalf("expected two expiry alerts, got %d", len(raised))
	}
}

func TestEmergencyDisableAll(t *testing.T) {
	m, controller, alerts, _, _ := newMonitor(t, nil)
	m.SetDangerousMode("s1", true)
	m.SetDangerousMode("s2", true)
	m.SetDangerousMode("s3", false)

	m.EmergencyDisableAll(context.Background(), "system anomaly")

	if got := controller.disabledSessions(); len(got) != 2 {
		t.Fatalf("expected the two dangerous sessions disabled, got %v", got)
	}
	raised := alerts.byRule("emergency_disable")
	if len(raised) != 1 || raised[0].Severity != domain.SeverityCritical {
		t.Fatalf("expected one critical system alert, got %+v", raised)
	}
	if !m.Halted() {
		t.Fatalf("monitor must halt")
	}
	if err := m.MonitorCommandExecution(context.Background(), "s1", safeCommand("ls")); err == nil {
		t.Fatalf("halted monitor must reject new commands")
	}

	// a second emergency is a no-op
	m.EmergencyDisableAll(context.Background(), "again")
	if got := alerts.byRule("emergency_disable"); len(got) != 1 {
		t.Fatalf("emergency must not repeat, got %d alerts", len(got))
	}
}
