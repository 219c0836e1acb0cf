package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

// ErrNotFound indicates the referenced sandbox does not exist. Adapters must
// return it rather than silently succeeding on unknown ids.
var ErrNotFound = errors.New("sandbox: not found")

// Envelope is the concrete creation configuration derived from an isolation
// policy.
type Envelope struct {
	Image           string
	Command         []string
	Env             []string
	WorkingDir      string
	NetworkMode     string
	ReadOnlyRoot    bool
	TmpfsSizeMB     int64
	CapDrop         []string
	CapAdd          []string
	NoNewPrivileges bool
	SecurityOpt     []string
	MemoryBytes     int64
	CPUPercent      float64
	PidsLimit       int
	Ulimits         map[string]int64
	Labels          map[string]string
	Ports           []domain.PortMapping
}

// ExecResult captures the outcome of a command executed inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Usage is a live resource sample for a sandbox.
type Usage struct {
	MemoryBytes  int64
	MemoryLimit  int64
	CPUPercent   float64
	ProcessCount int
}

// Runtime creates, executes commands in, and destroys isolated execution
// environments. Implementations block only up to the supplied context or
// timeout.
type Runtime interface {
	CreateSandbox(ctx context.Context, envelope Envelope) (string, error)
	ExecuteCommand(ctx context.Context, sandboxID, command string, args []string, timeout time.Duration) (ExecResult, error)
	SandboxUsage(ctx context.Context, sandboxID string) (Usage, error)
	DestroySandbox(ctx context.Context, sandboxID string) error
}
