package isolation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
	"github.com/MichaelAyles/AgentTool-sub003/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type fakeRuntime struct {
	mu        sync.Mutex
	created   []sandbox.Envelope
	executed  []string
	destroyed []string
	usage     sandbox.Usage
	nextID    int
	execErr   error
}

func (f *fakeRuntime) CreateSandbox(ctx context.Context, envelope sandbox.Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, envelope)
	f.nextID++
	return fmt.Sprintf("sbx-%d", f.nextID), nil
}

func (f *fakeRuntime) ExecuteCommand(ctx context.Context, sandboxID, command string, args []string, timeout time.Duration) (sandbox.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return sandbox.ExecResult{}, f.execErr
	}
	f.executed = append(f.executed, command)
	return sandbox.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *fakeRuntime) SandboxUsage(ctx context.Context, sandboxID string) (sandbox.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, nil
}

func (f *fakeRuntime) DestroySandbox(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, sandboxID)
	return nil
}

func (f *fakeRuntime) executedCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func newEngine(t *testing.T) (*Engine, *fakeRuntime) {
	t.Helper()
	runtime := &fakeRuntime{}
	return New(runtime, nil, nil, testLogger()), runtime
}

func TestBuiltinPoliciesRegistered(t *testing.T) {
	engine, _ := newEngine(t)
	for _, name := range []string{"ultra-secure", "secure-dev", "research"} {
		policy, err := engine.Policy(name)
		if err != nil {
			t.Fatalf("builtin %s missing: %v", name, err)
		}
		if policy.Fingerprint == "" {
			t.Fatalf("builtin %s has no fingerprint", name)
		}
	}
}

func TestRegisterPolicyReplacesAndFingerprints(t *testing.T) {
	engine, _ := newEngine(t)
	policy := domain.IsolationPolicy{
		Name:      "custom",
		Resources: domain.ResourceLimits{MaxMemoryBytes: 1 << 20},
	}
	if err := engine.RegisterPolicy(context.Background(), policy); err != nil {
		t.Fatalf("register: %v", err)
	}
	first, _ := engine.Policy("custom")

	policy.Resources.MaxMemoryBytes = 2 << 20
	if err := engine.RegisterPolicy(context.Background(), policy); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	second, _ := engine.Policy("custom")
	if first.Fingerprint == second.Fingerprint {
		t.Fatalf("fingerprint must change when the bundle changes")
	}

	if err := engine.RegisterPolicy(context.Background(), domain.IsolationPolicy{}); err == nil {
		t.Fatalf("expected rejection of unnamed policy")
	}
}

func TestCreateContainerRejectsUnknownPolicy(t *testing.T) {
	engine, _ := newEngine(t)
	_, err := engine.CreateContainer(context.Background(), "alpine:3.20", "no-such-policy", CreateOptions{})
	if !errors.Is(err, ErrPolicyNotFound) {
		t.Fatalf("expected ErrPolicyNotFound, got %v", err)
	}
}

func TestCreateContainerBuildsEnvelopeFromPolicy(t *testing.T) {
	engine, runtime := newEngine(t)
	container, err := engine.CreateContainer(context.Background(), "alpine:3.20", "ultra-secure", CreateOptions{
		SessionID: "sess-1",
		Env:       map[string]string{"HOME": "/tmp"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if container.SandboxID == "" || container.PolicyName != "ultra-secure" {
		t.Fatalf("unexpected container record: %+v", container)
	}

	envelope := runtime.created[0]
	if envelope.NetworkMode != "none" {
		t.Fatalf("expected no network, got %q", envelope.NetworkMode)
	}
	if !envelope.ReadOnlyRoot || !envelope.NoNewPrivileges {
		t.Fatalf("expected hardened envelope: %+v", envelope)
	}
	if len(envelope.CapDrop) != 1 || envelope.CapDrop[0] != "ALL" {
		t.Fatalf("expected all capabilities dropped, got %v", envelope.CapDrop)
	}
	if envelope.MemoryBytes != 256*1024*1024 {
		t.Fatalf("unexpected memory limit %d", envelope.MemoryBytes)
	}
	if envelope.Labels["orchestrator.session"] != "sess-1" {
		t.Fatalf("expected session label, got %v", envelope.Labels)
	}
}

func TestPortsPublishedOnlyWithNetwork(t *testing.T) {
	engine, runtime := newEngine(t)
	ports := []domain.PortMapping{{ContainerPort: 8080, HostPort: 18080}}

	if _, err := engine.CreateContainer(context.Background(), "alpine:3.20", "ultra-secure", CreateOptions{Ports: ports}); err != nil {
		t.Fatalf("create ultra-secure: %v", err)
	}
	if got := runtime.created[0].Ports; len(got) != 0 {
		t.Fatalf("networkless container must not publish ports, got %v", got)
	}

	if _, err := engine.CreateContainer(context.Background(), "alpine:3.20", "secure-dev", CreateOptions{Ports: ports}); err != nil {
		t.Fatalf("create secure-dev: %v", err)
	}
	got := runtime.created[1].Ports
	if len(got) != 1 || got[0].ContainerPort != 8080 || got[0].HostPort != 18080 {
		t.Fatalf("expected port mapping carried into envelope, got %v", got)
	}
}

func TestCriticalCommandBlockedAndRecorded(t *testing.T) {
	engine, runtime := newEngine(t)
	container, err := engine.CreateContainer(context.Background(), "alpine:3.20", "secure-dev", CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = engine.Execute(context.Background(), container.ID, "sudo", []string{"rm", "-rf", "/"}, time.Second)
	if !errors.Is(err, ErrCommandBlocked) {
		t.Fatalf("expected ErrCommandBlocked, got %v", err)
	}
	if len(runtime.executedCommands()) != 0 {
		t.Fatalf("blocked command must never reach the runtime")
	}

	violations := engine.Violations(container.ID)
	if len(violations) == 0 {
		t.Fatalf("expected recorded violations")
	}
	foundCritical := false
	for _, v := range violations {
		if v.Severity == domain.SeverityCritical && v.Blocked {
			foundCritical = true
		}
	}
	if !foundCritical {
		t.Fatalf("expected a blocked critical violation, got %+v", violations)
	}
	if engine.RiskLevel(container.ID) != domain.SeverityCritical {
		t.Fatalf("expected critical risk level")
	}
}

func TestNonCriticalCommandRunsButIsRecorded(t *testing.T) {
	engine, runtime := newEngine(t)
	container, _ := engine.CreateContainer(context.Background(), "alpine:3.20", "secure-dev", CreateOptions{})

	result, err := engine.Execute(context.Background(), container.ID, "curl", []string{"https://example.com"}, time.Second)
	if err != nil {
		t.Fatalf("non-critical command must run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("unexpected exit code %d", result.ExitCode)
	}
	if len(runtime.executedCommands()) != 1 {
		t.Fatalf("expected command to reach the runtime")
	}
	violations := engine.Violations(container.ID)
	if len(violations) != 1 || violations[0].Type != "outbound_network_tool" {
		t.Fatalf("expected one network-tool violation, got %+v", violations)
	}
}

func TestCleanCommandRecordsNothing(t *testing.T) {
	engine, _ := newEngine(t)
	container, _ := engine.CreateContainer(context.Background(), "alpine:3.20", "research", CreateOptions{})

	if _, err := engine.Execute(context.Background(), container.ID, "ls", []string{"-la"}, time.Second); err != nil {
		t.Fatalf("clean command: %v", err)
	}
	if got := engine.Violations(container.ID); len(got) != 0 {
		t.Fatalf("expected no violations, got %+v", got)
	}
	if engine.RiskLevel(container.ID) != domain.SeverityLow {
		t.Fatalf("expected low risk level")
	}
}

func TestRiskLevelAggregation(t *testing.T) {
	engine, _ := newEngine(t)
	container, _ := engine.CreateContainer(context.Background(), "alpine:3.20", "research", CreateOptions{})

	for i := 0; i < 3; i++ {
		engine.recordViolation(container.ID, domain.SecurityViolation{Type: "test", Severity: domain.SeverityHigh})
	}
	if engine.RiskLevel(container.ID) != domain.SeverityHigh {
		t.Fatalf("three high violations must classify as high")
	}

	other, _ := engine.CreateContainer(context.Background(), "alpine:3.20", "research", CreateOptions{})
	engine.recordViolation(other.ID, domain.SecurityViolation{Type: "test", Severity: domain.SeverityHigh})
	if engine.RiskLevel(other.ID) != domain.SeverityMedium {
		t.Fatalf("a single high violation must classify as medium")
	}
}

type fakeViolationSink struct {
	mu       sync.Mutex
	recorded []string
}

func (f *fakeViolationSink) RecordViolation(sessionID string, severity domain.ViolationSeverity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, sessionID+":"+string(severity))
}

func (f *fakeViolationSink) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.recorded...)
}

func TestViolationsReachSessionSink(t *testing.T) {
	engine, _ := newEngine(t)
	sink := &fakeViolationSink{}
	engine.SetViolationSink(sink)

	owned, err := engine.CreateContainer(context.Background(), "alpine:3.20", "secure-dev", CreateOptions{SessionID: "sess-9"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Execute(context.Background(), owned.ID, "sudo", []string{"id"}, time.Second); !errors.Is(err, ErrCommandBlocked) {
		t.Fatalf("expected blocked command, got %v", err)
	}

	entries := sink.entries()
	if len(entries) == 0 {
		t.Fatal("expected blocked violation forwarded to the session sink")
	}
	if entries[0] != "sess-9:"+string(domain.SeverityCritical) {
		t.Fatalf("unexpected sink entry %q", entries[0])
	}

	// containers without an owning session stay off the session ledger
	anon, err := engine.CreateContainer(context.Background(), "alpine:3.20", "secure-dev", CreateOptions{})
	if err != nil {
		t.Fatalf("create anonymous: %v", err)
	}
	if _, err := engine.Execute(context.Background(), anon.ID, "curl", []string{"https://example.com"}, time.Second); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := sink.entries(); len(got) != len(entries) {
		t.Fatalf("anonymous container must not feed the sink, got %v", got)
	}
}

func TestUsageCheckFlagsNearLimitUsage(t *testing.T) {
	engine, runtime := newEngine(t)
	container, _ := engine.CreateContainer(context.Background(), "alpine:3.20", "ultra-secure", CreateOptions{})

	runtime.usage = sandbox.Usage{MemoryBytes: 250 * 1024 * 1024, CPUPercent: 5}
	engine.runUsageCheck(context.Background())

	violations := engine.Violations(container.ID)
	if len(violations) != 1 || violations[0].Type != "resource_memory" {
		t.Fatalf("expected one memory violation, got %+v", violations)
	}
}

func TestDestroyContainer(t *testing.T) {
	engine, runtime := newEngine(t)
	container, _ := engine.CreateContainer(context.Background(), "alpine:3.20", "research", CreateOptions{})

	if err := engine.DestroyContainer(context.Background(), container.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if len(runtime.destroyed) != 1 {
		t.Fatalf("expected runtime destroy call")
	}
	if err := engine.DestroyContainer(context.Background(), container.ID); !errors.Is(err, ErrContainerNotFound) {
		t.Fatalf("expected ErrContainerNotFound, got %v", err)
	}
}
