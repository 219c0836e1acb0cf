package riskmonitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

// activationFrequencyLimit flags sessions that re-enable dangerous mode over
// and over within one monitor lifetime.
const activationFrequencyLimit = 5

// Run executes the periodic sweep until the context is cancelled. The sweep
// evaluates sessions that went silent, which command-driven checks never see.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	if m.logger != nil {
		m.logger.Info("risk monitor sweep started", "interval", m.sweepInterval)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runSweep(ctx)
		}
	}
}

func (m *Monitor) runSweep(ctx context.Context) {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return
	}
	type candidate struct {
		sessionID   string
		dangerous   bool
		since       time.Time
		activations int
	}
	candidates := make([]candidate, 0, len(m.sessions))
	for sessionID, state := range m.sessions {
		m.applyDecayLocked(state)
		candidates = append(candidates, candidate{
			sessionID:   sessionID,
			dangerous:   state.ctx.DangerousMode,
			since:       state.ctx.DangerousSince,
			activations: state.ctx.ActivationCount,
		})
	}
	m.mu.Unlock()

	now := m.now()
	for _, c := range candidates {
		if !c.dangerous {
			continue
		}
		if now.Sub(c.since) > m.dangerousModeTTL {
			m.raiseAlert(ctx, c.sessionID, "dangerous_mode_expired", domain.SeverityMedium, domain.ActionDisable,
				fmt.Sprintf("dangerous mode active for %s, limit %s", now.Sub(c.since).Round(time.Second), m.dangerousModeTTL))
			continue
		}
		if c.activations > activationFrequencyLimit {
			m.raiseAlert(ctx, c.sessionID, "activation_frequency", domain.SeverityMedium, domain.ActionWarn,
				fmt.Sprintf("dangerous mode activated %d times", c.activations))
		}
	}
}

// EmergencyDisableAll halts monitoring, disables dangerous mode on every
// tracked session, and raises a critical system alert.
// NotifyEmergencyShutdown reacts to a platform-wide shutdown by revoking
// every dangerous-mode grant. Satisfies the lifecycle notifier contract.
func (m *Monitor) NotifyEmergencyShutdown(ctx context.Context, sessionIDs []string, reason string) error {
	m.EmergencyDisableAll(ctx, reason)
	return nil
}

func (m *Monitor) EmergencyDisableAll(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return
	}
	m.halted = true
	var affected []string
	for sessionID, state := range m.sessions {
		if state.ctx.DangerousMode {
			state.ctx.DangerousMode = false
			state.ctx.UpdatedAt = m.now()
			affected = append(affected, sessionID)
		}
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Error("emergency disable of all sessions", "reason", reason, "sessions", len(affected))
	}
	for _, sessionID := range affected {
		if m.controller != nil {
			if err := m.controller.DisableDangerousMode(ctx, sessionID, reason); err != nil && m.logger != nil {
				m.logger.Error("emergency disable failed", "session_id", sessionID, "error", err)
			}
		}
	}

	alert := domain.MonitoringAlert{
		ID:        uuid.NewString(),
		Rule:      "emergency_disable",
		Severity:  domain.SeverityCritical,
		Action:    domain.ActionEmergency,
		Message:   reason,
		CreatedAt: m.now(),
	}
	if m.alerts != nil {
		if err := m.alerts.InsertAlert(ctx, &alert); err != nil && m.logger != nil {
			m.logger.Error("emergency alert persist failed", "error", err)
		}
	}
	if m.sink != nil {
		m.sink.Broadcast(alert)
	}
	if m.metrics != nil {
		m.metrics.AlertsRaised.WithLabelValues(string(domain.ActionEmergency)).Inc()
	}
}

// Halted reports whether an emergency disable has stopped the monitor.
func (m *Monitor) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}
