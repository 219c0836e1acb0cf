// Package metrics exposes the orchestrator's Prometheus collectors. A single
// Registry is constructed at startup and handed to each service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Registry struct {
	registry *prometheus.Registry

	StateTransitions  *prometheus.CounterVec
	BlockedCommands   prometheus.Counter
	Violations        *prometheus.CounterVec
	Rollouts          *prometheus.CounterVec
	ScalingDecisions  *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	RunningInstances  prometheus.Gauge
	RiskScore         *prometheus.GaugeVec
	AlertsRaised      *prometheus.CounterVec
	RecoveryAttempts  prometheus.Counter
	SandboxOperations *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.StateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "state_transitions_total",
		Help:      "Process state machine transitions by source and target state.",
	}, []string{"from", "to"})

	r.BlockedCommands = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "blocked_commands_total",
		Help:      "Commands rejected by the static pattern validator.",
	})

	r.Violations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "security_violations_total",
		Help:      "Security violations recorded, by severity.",
	}, []string{"severity"})

	r.Rollouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "rollouts_total",
		Help:      "Deployment rollouts by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	r.ScalingDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "scaling_decisions_total",
		Help:      "Autoscaler decisions by direction.",
	}, []string{"direction"})

	r.ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "active_sessions",
		Help:      "Sessions currently in an active lifecycle state.",
	})

	r.RunningInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "running_instances",
		Help:      "Service instances currently tracked as running.",
	})

	r.RiskScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "session_risk_score",
		Help:      "Current risk score per monitored session.",
	}, []string{"session_id"})

	r.AlertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "alerts_raised_total",
		Help:      "Monitoring alerts raised, by action.",
	}, []string{"action"})

	r.RecoveryAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "recovery_attempts_total",
		Help:      "Automatic session recovery attempts.",
	})

	r.SandboxOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "sandbox_operations_total",
		Help:      "Sandbox runtime operations by kind and outcome.",
	}, []string{"operation", "outcome"})

	r.registry.MustRegister(
		r.StateTransitions,
		r.BlockedCommands,
		r.Violations,
		r.Rollouts,
		r.ScalingDecisions,
		r.ActiveSessions,
		r.RunningInstances,
		r.RiskScore,
		r.AlertsRaised,
		r.RecoveryAttempts,
		r.SandboxOperations,
	)
	return r
}

// Gatherer exposes the underlying registry for the HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
