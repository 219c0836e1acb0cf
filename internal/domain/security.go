package domain

import (
	"encoding/json"
	"time"
)

// ViolationSeverity ranks security violations.
type ViolationSeverity string

const (
	SeverityLow      ViolationSeverity = "low"
	SeverityMedium   ViolationSeverity = "medium"
	SeverityHigh     ViolationSeverity = "high"
	SeverityCritical ViolationSeverity = "critical"
)

// Rank orders severities for comparison; higher is worse.
func (s ViolationSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// SecurityViolation records one policy or pattern breach.
type SecurityViolation struct {
	ID          string
	ContainerID string
	SessionID   string
	Type        string
	Severity    ViolationSeverity
	Command     string
	Detail      string
	Blocked     bool
	OccurredAt  time.Time
}

// CommandExecution is one command observed flowing through a session.
type CommandExecution struct {
	Command    string
	Args       []string
	ExitCode   int
	Failed     bool
	RiskLevel  ViolationSeverity
	ExecutedAt time.Time
}

// SecurityContext is the per-session risk accounting record.
type SecurityContext struct {
	SessionID       string
	RiskScore       float64
	ViolationCount  int
	DangerousMode   bool
	DangerousSince  time.Time
	ActivationCount int
	ActiveProjects  []string
	LastCommandAt   time.Time
	UpdatedAt       time.Time
}

// AlertAction is the remediation a monitoring alert recommends.
type AlertAction string

const (
	ActionWarn      AlertAction = "warn"
	ActionDisable   AlertAction = "disable"
	ActionEmergency AlertAction = "emergency"
)

// MonitoringAlert is emitted when a threshold or pattern rule fires. Alerts
// are durable until acknowledged.
type MonitoringAlert struct {
	ID           string
	SessionID    string
	Rule         string
	Severity     ViolationSeverity
	Action       AlertAction
	Message      string
	Acknowledged bool
	CreatedAt    time.Time
}

// AuditEvent is a structured security/audit record.
type AuditEvent struct {
	ID         string
	SessionID  string
	Category   string
	Action     string
	Severity   ViolationSeverity
	Outcome    string
	Detail     json.RawMessage
	OccurredAt time.Time
}
