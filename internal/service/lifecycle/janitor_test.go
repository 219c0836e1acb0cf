package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
	"github.com/MichaelAyles/AgentTool-sub003/internal/sandbox"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/isolation"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/process"
	"github.com/MichaelAyles/AgentTool-sub003/pkg/config"
)

type fakeDestroyer struct {
	mu        sync.Mutex
	destroyed []string
	err       error
}

func (f *fakeDestroyer) DestroyContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.destroyed = append(f.destroyed, containerID)
	return nil
}

func driveTo(t *testing.T, machine *process.Machine, sessionID string, events ...process.Event) {
	t.Helper()
	for _, event := range events {
		if _, err := machine.Trigger(sessionID, event); err != nil {
			t.Fatalf("drive %s: %v", event, err)
		}
	}
}

func newJanitorFixture(t *testing.T, sandboxID string) (*Janitor, *process.Machine, *fakeDestroyer) {
	t.Helper()
	machine := process.NewMachine(testLogger(), nil)
	if err := machine.Create(domain.ProcessContext{SessionID: "sess-1", SandboxID: sandboxID}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	destroyer := &fakeDestroyer{}
	return NewJanitor(machine, destroyer, testLogger()), machine, destroyer
}

func TestPerformCleanupDestroysContainerAndRemovesSession(t *testing.T) {
	janitor, machine, destroyer := newJanitorFixture(t, "ctr-1")
	driveTo(t, machine, "sess-1", process.EventInitialize, process.EventStart, process.EventRunningAck, process.EventStop)

	if err := janitor.PerformCleanup(context.Background(), "sess-1", "stopped"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if got := destroyer.destroyed; len(got) != 1 || got[0] != "ctr-1" {
		t.Fatalf("expected ctr-1 destroyed, got %v", got)
	}
	if _, err := machine.State("sess-1"); err == nil {
		t.Fatal("expected session removed after cleanup")
	}
}

func TestPerformCleanupToleratesMissingContainer(t *testing.T) {
	janitor, machine, destroyer := newJanitorFixture(t, "ctr-1")
	destroyer.err = isolation.ErrContainerNotFound
	driveTo(t, machine, "sess-1", process.EventInitialize, process.EventStart, process.EventRunningAck, process.EventStop)

	if err := janitor.PerformCleanup(context.Background(), "sess-1", "stopped"); err != nil {
		t.Fatalf("cleanup with missing container: %v", err)
	}
}

func TestPerformCleanupTerminatesLiveSession(t *testing.T) {
	janitor, machine, destroyer := newJanitorFixture(t, "ctr-1")
	driveTo(t, machine, "sess-1", process.EventInitialize, process.EventStart, process.EventRunningAck)

	if err := janitor.PerformCleanup(context.Background(), "sess-1", "escalation"); err != nil {
		t.Fatalf("cleanup of running session: %v", err)
	}
	if got := destroyer.destroyed; len(got) != 1 || got[0] != "ctr-1" {
		t.Fatalf("expected ctr-1 destroyed, got %v", got)
	}
	if _, err := machine.State("sess-1"); err == nil {
		t.Fatal("expected live session terminated and removed")
	}
}

func TestHandleProcessErrorKeepsSessionRecoverable(t *testing.T) {
	janitor, machine, destroyer := newJanitorFixture(t, "ctr-1")
	driveTo(t, machine, "sess-1", process.EventInitialize, process.EventStart, process.EventRunningAck, process.EventError)

	if err := janitor.HandleProcessError(context.Background(), "sess-1", errors.New("adapter crashed")); err != nil {
		t.Fatalf("error cleanup: %v", err)
	}
	state, err := machine.State("sess-1")
	if err != nil {
		t.Fatalf("state after error cleanup: %v", err)
	}
	if state != domain.StateStopped {
		t.Fatalf("expected stopped, got %s", state)
	}
	if len(destroyer.destroyed) != 1 {
		t.Fatalf("expected one container destroyed, got %d", len(destroyer.destroyed))
	}
}

func TestHandleProcessErrorPropagatesDestroyFailure(t *testing.T) {
	janitor, machine, destroyer := newJanitorFixture(t, "ctr-1")
	destroyer.err = errors.New("daemon unavailable")
	driveTo(t, machine, "sess-1", process.EventInitialize, process.EventStart, process.EventRunningAck, process.EventError)

	if err := janitor.HandleProcessError(context.Background(), "sess-1", errors.New("adapter crashed")); err == nil {
		t.Fatal("expected destroy failure to propagate")
	}
}

// TestEscalationTerminatesRunawaySession drives the manager's health loop
// against the real janitor: a session stuck over its memory limit must be
// terminated and removed once failures reach the escalation threshold, not
// re-flagged forever.
func TestEscalationTerminatesRunawaySession(t *testing.T) {
	machine := process.NewMachine(testLogger(), nil)
	destroyer := &fakeDestroyer{}
	janitor := NewJanitor(machine, destroyer, testLogger())
	sampler := &fakeSampler{}
	cfg := config.OrchestratorConfig{MaxConcurrentProcesses: 5, RecoveryThreshold: 3, EscalationThreshold: 5}
	mgr := New(machine, janitor, nil, sampler, testLogger(), cfg)
	machine.Observe(mgr.ObserveTransition)

	id, err := mgr.Create(CreateParams{SessionID: "runaway", SandboxID: "ctr-1", Command: "bash", Limits: domain.ResourceLimits{MaxMemoryBytes: 1000}})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sampler.set(domain.ResourceUsage{MemoryBytes: 5000})

	for i := 0; i < 10; i++ {
		mgr.runHealthCheck(context.Background())
	}

	if state, err := machine.State(id); err == nil {
		t.Fatalf("expected runaway session removed, still tracked in state %q", state)
	}
	destroyer.mu.Lock()
	defer destroyer.mu.Unlock()
	if len(destroyer.destroyed) != 1 || destroyer.destroyed[0] != "ctr-1" {
		t.Fatalf("expected container destroyed on escalation, got %v", destroyer.destroyed)
	}
}

// fakeSandboxRuntime backs a real isolation engine in cleanup tests.
type fakeSandboxRuntime struct {
	mu        sync.Mutex
	nextID    int
	destroyed []string
}

func (f *fakeSandboxRuntime) CreateSandbox(ctx context.Context, envelope sandbox.Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("sbx-%d", f.nextID), nil
}

func (f *fakeSandboxRuntime) ExecuteCommand(ctx context.Context, sandboxID, command string, args []string, timeout time.Duration) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{}, nil
}

func (f *fakeSandboxRuntime) SandboxUsage(ctx context.Context, sandboxID string) (sandbox.Usage, error) {
	return sandbox.Usage{}, nil
}

func (f *fakeSandboxRuntime) DestroySandbox(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, sandboxID)
	return nil
}

// TestCleanupReleasesEngineContainer verifies the production id chain: the
// engine container id rides on the process context, and cleanup resolves it
// back through the engine to the runtime sandbox.
func TestCleanupReleasesEngineContainer(t *testing.T) {
	runtime := &fakeSandboxRuntime{}
	engine := isolation.New(runtime, nil, nil, testLogger())
	container, err := engine.CreateContainer(context.Background(), "alpine:3.20", "ultra-secure", isolation.CreateOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("create container: %v", err)
	}

	machine := process.NewMachine(testLogger(), nil)
	if err := machine.Create(domain.ProcessContext{SessionID: "sess-1", SandboxID: container.ID}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	janitor := NewJanitor(machine, engine, testLogger())
	driveTo(t, machine, "sess-1", process.EventInitialize, process.EventStart, process.EventRunningAck, process.EventStop)

	if err := janitor.PerformCleanup(context.Background(), "sess-1", "stopped"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	runtime.mu.Lock()
	destroyed := append([]string(nil), runtime.destroyed...)
	runtime.mu.Unlock()
	if len(destroyed) != 1 || destroyed[0] != container.SandboxID {
		t.Fatalf("expected runtime sandbox %s destroyed, got %v", container.SandboxID, destroyed)
	}
	if _, err := engine.ContainerUsage(context.Background(), container.ID); !errors.Is(err, isolation.ErrContainerNotFound) {
		t.Fatalf("expected container untracked after cleanup, got %v", err)
	}
}
