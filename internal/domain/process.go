package domain

import "time"

// ProcessState enumerates lifecycle states for a sandboxed process session.
type ProcessState string

const (
	StateIdle         ProcessState = "idle"
	StateInitializing ProcessState = "initializing"
	StateStarting     ProcessState = "starting"
	StateRunning      ProcessState = "running"
	StatePaused       ProcessState = "paused"
	StateError        ProcessState = "error"
	StateStopped      ProcessState = "stopped"
	StateTerminated   ProcessState = "terminated"
)

// ActiveStates are the states that count against the process concurrency ceiling.
var ActiveStates = []ProcessState{StateInitializing, StateStarting, StateRunning, StatePaused}

// ResourceLimits bounds a single session's consumption.
type ResourceLimits struct {
	MaxMemoryBytes  int64
	MaxCPUPercent   float64
	MaxRuntime      time.Duration
	MaxFileSizeMB   int64
	MaxProcessCount int
}

// ProcessContext carries the launch parameters and identity of one session.
// It is owned by the lifecycle manager for the lifetime of the session.
type ProcessContext struct {
	SessionID     string
	UserID        string
	AdapterName   string
	SandboxID     string
	Command       string
	Args          []string
	WorkingDir    string
	Environment   map[string]string
	DangerousMode bool
	Limits        ResourceLimits
	CreatedAt     time.Time
}

// ResourceUsage is a point-in-time sample of a session's consumption.
type ResourceUsage struct {
	MemoryBytes  int64
	CPUPercent   float64
	ProcessCount int
	SampledAt    time.Time
}

// ProcessHealth is recomputed each health-check tick; never persisted.
type ProcessHealth struct {
	SessionID           string
	Healthy             bool
	State               ProcessState
	Usage               ResourceUsage
	Issues              []string
	ConsecutiveFailures int
	CheckedAt           time.Time
}

// ProcessMetrics accumulates peak usage and transition counts for a session.
type ProcessMetrics struct {
	PeakMemoryBytes int64
	PeakCPUPercent  float64
	Transitions     int
	RestartCount    int
	StartedAt       time.Time
	LastSampledAt   time.Time
}
