package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"log/slog"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
	"github.com/MichaelAyles/AgentTool-sub003/internal/sandbox"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/isolation"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/process"
)

// ContainerDestroyer tears down the container backing a session.
type ContainerDestroyer interface {
	DestroyContainer(ctx context.Context, containerID string) error
}

// Janitor is the production CleanupHandler. It releases the sandbox container
// behind a session and drives the state machine through its cleanup edges.
type Janitor struct {
	machine    *process.Machine
	containers ContainerDestroyer
	logger     *slog.Logger
}

// NewJanitor builds a Janitor. containers may be nil when sessions run
// without sandboxes.
func NewJanitor(machine *process.Machine, containers ContainerDestroyer, logger *slog.Logger) *Janitor {
	if logger != nil {
		logger = logger.With("component", "janitor")
	}
	return &Janitor{machine: machine, containers: containers, logger: logger}
}

// PerformCleanup finalizes a session: the backing container is destroyed and
// the session ends up terminated and removed. Sessions not yet in stopped,
// such as escalations out of running, are force-terminated.
func (j *Janitor) PerformCleanup(ctx context.Context, sessionID, reason string) error {
	procCtx, err := j.machine.Context(sessionID)
	if err != nil {
		return fmt.Errorf("cleanup context: %w", err)
	}
	if err := j.releaseSandbox(ctx, procCtx.SandboxID); err != nil {
		return err
	}
	if _, err := j.machine.Trigger(sessionID, process.EventCleanup); err != nil {
		// the session may already be terminated by a forced stop
		if j.logger != nil {
			j.logger.Debug("cleanup transition skipped", "session_id", sessionID, "error", err)
		}
	}
	if state, err := j.machine.State(sessionID); err == nil && state != domain.StateTerminated {
		if _, err := j.machine.ForceTerminate(sessionID, reason); err != nil {
			return fmt.Errorf("cleanup terminate: %w", err)
		}
	}
	if err := j.machine.Remove(sessionID); err != nil {
		return fmt.Errorf("cleanup remove: %w", err)
	}
	if j.logger != nil {
		j.logger.Info("session cleaned up", "session_id", sessionID, "reason", reason)
	}
	return nil
}

// HandleProcessError runs the error-state cleanup. The container is released
// but the session stays resident in stopped so it can be restarted.
func (j *Janitor) HandleProcessError(ctx context.Context, sessionID string, procErr error) error {
	procCtx, err := j.machine.Context(sessionID)
	if err != nil {
		return fmt.Errorf("error cleanup context: %w", err)
	}
	if err := j.releaseSandbox(ctx, procCtx.SandboxID); err != nil {
		return err
	}
	if _, err := j.machine.Trigger(sessionID, process.EventCleanup); err != nil {
		return fmt.Errorf("error cleanup transition: %w", err)
	}
	if j.logger != nil {
		j.logger.Warn("error-state cleanup complete", "session_id", sessionID, "cause", procErr)
	}
	return nil
}

func (j *Janitor) releaseSandbox(ctx context.Context, sandboxID string) error {
	if j.containers == nil || sandboxID == "" {
		return nil
	}
	if err := j.containers.DestroyContainer(ctx, sandboxID); err != nil {
		if errors.Is(err, sandbox.ErrNotFound) || errors.Is(err, isolation.ErrContainerNotFound) {
			return nil
		}
		return fmt.Errorf("release sandbox %s: %w", sandboxID, err)
	}
	return nil
}
