package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/process"
)

// usage within this fraction of a limit counts as exceeding it, so sessions
// are flagged before the kernel enforces the hard cap.
const limitMargin = 0.9

var healthyStates = map[domain.ProcessState]struct{}{
	domain.StateIdle:    {},
	domain.StateRunning: {},
	domain.StatePaused:  {},
}

// runHealthCheck recomputes ProcessHealth for every tracked session and
// drives recovery for repeat offenders.
func (m *Manager) runHealthCheck(ctx context.Context) {
	for _, sessionID := range m.trackedSessions() {
		health, shouldRecover, escalate := m.checkSession(ctx, sessionID)
		if health == nil {
			continue
		}
		switch {
		case escalate:
			if m.logger != nil {
				m.logger.Error("session escalated after repeated failures", "session_id", sessionID, "failures", health.ConsecutiveFailures)
			}
			if m.cleanup != nil {
				if err := m.cleanup.PerformCleanup(ctx, sessionID, "health escalation"); err != nil && m.logger != nil {
					m.logger.Warn("escalation cleanup failed", "session_id", sessionID, "error", err)
				}
			}
		case shouldRecover:
			m.attemptRecovery(sessionID)
		}
	}
}

// checkSession computes one session's health. It returns whether a recovery
// should be attempted (exactly at the recovery threshold) or the failure
// escalated (at the escalation threshold).
func (m *Manager) checkSession(ctx context.Context, sessionID string) (*domain.ProcessHealth, bool, bool) {
	state, err := m.machine.State(sessionID)
	if err != nil {
		m.forget(sessionID)
		return nil, false, false
	}
	if state == domain.StateTerminated {
		return nil, false, false
	}

	procCtx, err := m.machine.Context(sessionID)
	if err != nil {
		return nil, false, false
	}

	health := domain.ProcessHealth{
		SessionID: sessionID,
		State:     state,
		Healthy:   true,
		CheckedAt: m.now(),
	}
	if _, ok := healthyStates[state]; !ok {
		health.Healthy = false
		health.Issues = append(health.Issues, fmt.Sprintf("unhealthy state: %s", state))
	}

	if m.sampler != nil {
		usage, err := m.sampler.Sample(ctx, procCtx)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("usage sample failed", "session_id", sessionID, "error", err)
			}
		} else {
			health.Usage = usage
			for _, issue := range limitIssues(usage, procCtx.Limits) {
				health.Healthy = false
				health.Issues = append(health.Issues, issue)
			}
		}
	}
	if procCtx.Limits.MaxRuntime > 0 && m.now().Sub(procCtx.CreatedAt) > procCtx.Limits.MaxRuntime {
		health.Healthy = false
		health.Issues = append(health.Issues, "Max runtime exceeded")
	}

	m.mu.Lock()
	rec, ok := m.tracked[sessionID]
	if !ok {
		rec = &tracked{}
		m.tracked[sessionID] = rec
	}
	if health.Healthy {
		health.ConsecutiveFailures = 0
	} else {
		health.ConsecutiveFailures = rec.health.ConsecutiveFailures + 1
	}
	rec.health = health
	m.mu.Unlock()

	escalate := health.ConsecutiveFailures >= m.escalationThreshold
	shouldRecover := !escalate && health.ConsecutiveFailures == m.recoveryThreshold
	return &health, shouldRecover, escalate
}

func limitIssues(usage domain.ResourceUsage, limits domain.ResourceLimits) []string {
	var issues []string
	if limits.MaxMemoryBytes > 0 && float64(usage.MemoryBytes) >= float64(limits.MaxMemoryBytes)*limitMargin {
		issues = append(issues, "Memory limit exceeded")
	}
	if limits.MaxCPUPercent > 0 && usage.CPUPercent >= limits.MaxCPUPercent*limitMargin {
		issues = append(issues, "CPU limit exceeded")
	}
	if limits.MaxProcessCount > 0 && float64(usage.ProcessCount) >= float64(limits.MaxProcessCount)*limitMargin {
		issues = append(issues, "Process count limit exceeded")
	}
	return issues
}

// attemptRecovery drives the cleanup→reset→restart chain once.
func (m *Manager) attemptRecovery(sessionID string) {
	state, err := m.machine.State(sessionID)
	if err != nil {
		return
	}
	if m.logger != nil {
		m.logger.Info("attempting automatic recovery", "session_id", sessionID, "state", state)
	}
	m.mu.Lock()
	reg := m.reg
	m.mu.Unlock()
	if reg != nil {
		reg.RecoveryAttempts.Inc()
	}

	switch state {
	case domain.StateError:
		if _, err := m.machine.Trigger(sessionID, process.EventCleanup); err != nil {
			m.logRecoveryFailure(sessionID, "cleanup", err)
			return
		}
	case domain.StateRunning, domain.StatePaused, domain.StateStarting:
		if _, err := m.machine.Trigger(sessionID, process.EventStop); err != nil {
			m.logRecoveryFailure(sessionID, "stop", err)
			return
		}
	case domain.StateStopped:
		// already cleaned, fall through to reset
	default:
		return
	}

	time.Sleep(restartSettleDelay)
	for _, event := range []process.Event{process.EventReset, process.EventInitialize, process.EventStart} {
		if _, err := m.machine.Trigger(sessionID, event); err != nil {
			m.logRecoveryFailure(sessionID, string(event), err)
			return
		}
	}

	m.mu.Lock()
	if rec, ok := m.tracked[sessionID]; ok {
		rec.metrics.RestartCount++
	}
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("automatic recovery completed", "session_id", sessionID)
	}
}

func (m *Manager) logRecoveryFailure(sessionID, step string, err error) {
	if m.logger != nil {
		m.logger.Warn("recovery step failed", "session_id", sessionID, "step", step, "error", err)
	}
}

// runResourceCheck refreshes usage samples and peak metrics.
func (m *Manager) runResourceCheck(ctx context.Context) {
	if m.sampler == nil {
		return
	}
	for _, sessionID := range m.trackedSessions() {
		procCtx, err := m.machine.Context(sessionID)
		if err != nil {
			continue
		}
		usage, err := m.sampler.Sample(ctx, procCtx)
		if err != nil {
			continue
		}
		m.mu.Lock()
		if rec, ok := m.tracked[sessionID]; ok {
			rec.health.Usage = usage
			if usage.MemoryBytes > rec.metrics.PeakMemoryBytes {
				rec.metrics.PeakMemoryBytes = usage.MemoryBytes
			}
			if usage.CPUPercent > rec.metrics.PeakCPUPercent {
				rec.metrics.PeakCPUPercent = usage.CPUPercent
			}
			rec.metrics.LastSampledAt = m.now()
		}
		m.mu.Unlock()
	}
}

func (m *Manager) trackedSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	return ids
}
