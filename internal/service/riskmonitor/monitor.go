// Package riskmonitor keeps per-session risk accounting for dangerous-mode
// sessions: command histories, decaying risk scores, threshold and pattern
// rules, and the emergency disable path.
package riskmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
	"github.com/MichaelAyles/AgentTool-sub003/internal/metrics"
	"github.com/MichaelAyles/AgentTool-sub003/internal/ratelimit"
	"github.com/MichaelAyles/AgentTool-sub003/internal/repository"
	"github.com/MichaelAyles/AgentTool-sub003/pkg/config"
)

// historyLimit bounds the per-session command history.
const historyLimit = 100

// DangerousModeController flips dangerous mode off when the monitor decides a
// session can no longer be trusted with it.
type DangerousModeController interface {
	DisableDangerousMode(ctx context.Context, sessionID, reason string) error
}

// AlertSink receives every raised alert, typically for live streaming.
type AlertSink interface {
	Broadcast(alert domain.MonitoringAlert)
}

type sessionState struct {
	ctx     domain.SecurityContext
	history []domain.CommandExecution
}

// Monitor tracks risk per session. All state is in memory; alerts and audit
// entries are the durable record.
type Monitor struct {
	controller DangerousModeController
	limiter    ratelimit.Limiter
	alerts     repository.AlertRepository
	audit      repository.AuditRepository
	sink       AlertSink
	metrics    *metrics.Registry
	logger     *slog.Logger
	now        func() time.Time

	maxRiskScore     float64
	decayPerMinute   float64
	riskCeiling      float64
	commandRateLimit int
	dangerousModeTTL time.Duration
	sweepInterval    time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState
	halted   bool
}

func New(controller DangerousModeController, limiter ratelimit.Limiter, alerts repository.AlertRepository, audit repository.AuditRepository, reg *metrics.Registry, logger *slog.Logger, cfg config.OrchestratorConfig) *Monitor {
	m := &Monitor{
		controller:       controller,
		limiter:          limiter,
		alerts:           alerts,
		audit:            audit,
		metrics:          reg,
		logger:           logger,
		now:              time.Now,
		maxRiskScore:     cfg.MaxRiskScore,
		decayPerMinute:   cfg.RiskDecayPerMinute,
		riskCeiling:      cfg.RiskScoreCeiling,
		commandRateLimit: cfg.CommandRateLimit,
		dangerousModeTTL: cfg.DangerousModeTTL,
		sweepInterval:    cfg.SweepInterval,
		sessions:         make(map[string]*sessionState),
	}
	if m.maxRiskScore <= 0 {
		m.maxRiskScore = 100
	}
	if m.decayPerMinute <= 0 {
		m.decayPerMinute = 1
	}
	if m.riskCeiling <= 0 {
		m.riskCeiling = 75
	}
	if m.commandRateLimit <= 0 {
		m.commandRateLimit = 30
	}
	if m.dangerousModeTTL <= 0 {
		m.dangerousModeTTL = 30 * time.Minute
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = 30 * time.Second
	}
	if m.logger != nil {
		m.logger = m.logger.With("component", "riskmonitor")
	}
	return m
}

// SetSink wires the live alert stream after construction.
func (m *Monitor) SetSink(sink AlertSink) {
	m.sink = sink
}

func (m *Monitor) session(sessionID string) *sessionState {
	state, ok := m.sessions[sessionID]
	if !ok {
		state = &sessionState{ctx: domain.SecurityContext{SessionID: sessionID, UpdatedAt: m.now()}}
		m.sessions[sessionID] = state
	}
	return state
}

// SetDangerousMode records a dangerous-mode toggle for a session. Enabling
// counts as one activation.
func (m *Monitor) SetDangerousMode(sessionID string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.session(sessionID)
	if enabled && !state.ctx.DangerousMode {
		state.ctx.DangerousSince = m.now()
		state.ctx.ActivationCount++
	}
	state.ctx.DangerousMode = enabled
	state.ctx.UpdatedAt = m.now()
}

// MonitorCommandExecution appends a command to the session history and, for
// dangerous-mode sessions, evaluates every threshold and pattern rule. The
// command itself already ran (or was blocked); monitoring never retroactively
// stops it.
func (m *Monitor) MonitorCommandExecution(ctx context.Context, sessionID string, exec domain.CommandExecution) error {
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = m.now()
	}

	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return fmt.Errorf("risk monitor halted")
	}
	state := m.session(sessionID)
	state.history = append(state.history, exec)
	if len(state.history) > historyLimit {
		state.history = state.history[len(state.history)-historyLimit:]
	}
	state.ctx.LastCommandAt = exec.ExecutedAt
	m.applyDecayLocked(state)
	m.addRiskLocked(state, riskWeight(exec.RiskLevel))
	dangerous := state.ctx.DangerousMode
	history := append([]domain.CommandExecution(nil), state.history...)
	score := state.ctx.RiskScore
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RiskScore.WithLabelValues(sessionID).Set(score)
	}

	if dangerous {
		m.checkThresholds(ctx, sessionID, score)
		m.checkPatterns(ctx, sessionID, exec, history)
	}

	m.recordAudit(ctx, sessionID, exec)
	return nil
}

// RiskScore returns the session's current decayed risk score.
func (m *Monitor) RiskScore(sessionID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[sessionID]
	if !ok {
		return 0
	}
	m.applyDecayLocked(state)
	return state.ctx.RiskScore
}

// Context returns a copy of the session's security context.
func (m *Monitor) Context(sessionID string) (domain.SecurityContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[sessionID]
	if !ok {
		return domain.SecurityContext{}, false
	}
	m.applyDecayLocked(state)
	return state.ctx, true
}

// RecordViolation folds an externally detected violation into the session's
// score.
func (m *Monitor) RecordViolation(sessionID string, severity domain.ViolationSeverity) {
	m.mu.Lock()
	state := m.session(sessionID)
	m.applyDecayLocked(state)
	m.addRiskLocked(state, riskWeight(severity))
	state.ctx.ViolationCount++
	score := state.ctx.RiskScore
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.RiskScore.WithLabelValues(sessionID).Set(score)
	}
}

// applyDecayLocked reduces the score by the decay rate per elapsed minute
// since the last update. The score never drops below zero.
func (m *Monitor) applyDecayLocked(state *sessionState) {
	now := m.now()
	elapsed := now.Sub(state.ctx.UpdatedAt)
	if elapsed <= 0 {
		return
	}
	decay := m.decayPerMinute * elapsed.Minutes()
	state.ctx.RiskScore -= decay
	if state.ctx.RiskScore < 0 {
		state.ctx.RiskScore = 0
	}
	state.ctx.UpdatedAt = now
}

// addRiskLocked raises the score, capped at the configured maximum.
func (m *Monitor) addRiskLocked(state *sessionState, weight float64) {
	state.ctx.RiskScore += weight
	if state.ctx.RiskScore > m.maxRiskScore {
		state.ctx.RiskScore = m.maxRiskScore
	}
}

func riskWeight(severity domain.ViolationSeverity) float64 {
	switch severity {
	case domain.SeverityCritical:
		return 40
	case domain.SeverityHigh:
		return 20
	case domain.SeverityMedium:
		return 10
	case domain.SeverityLow:
		return 5
	default:
		return 0
	}
}

// raiseAlert persists the alert, streams it, and applies its action.
func (m *Monitor) raiseAlert(ctx context.Context, sessionID, rule string, severity domain.ViolationSeverity, action domain.AlertAction, message string) {
	alert := domain.MonitoringAlert{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Rule:      rule,
		Severity:  severity,
		Action:    action,
		Message:   message,
		CreatedAt: m.now(),
	}
	if m.logger != nil {
		m.logger.Warn("monitoring alert raised",
			"session_id", sessionID,
			"rule", rule,
			"severity", severity,
			"action", action,
			"message", message)
	}
	if m.alerts != nil {
		if err := m.alerts.InsertAlert(ctx, &alert); err != nil && m.logger != nil {
			m.logger.Error("alert persist failed", "rule", rule, "error", err)
		}
	}
	if m.sink != nil {
		m.sink.Broadcast(alert)
	}
	if m.metrics != nil {
		m.metrics.AlertsRaised.WithLabelValues(string(action)).Inc()
	}

	switch action {
	case domain.ActionDisable:
		m.disableSession(ctx, sessionID, rule)
	case domain.ActionEmergency:
		m.EmergencyDisableAll(ctx, rule)
	}
}

func (m *Monitor) disableSession(ctx context.Context, sessionID, reason string) {
	m.mu.Lock()
	state := m.session(sessionID)
	wasDangerous := state.ctx.DangerousMode
	state.ctx.DangerousMode = false
	state.ctx.UpdatedAt = m.now()
	m.mu.Unlock()
	if !wasDangerous {
		return
	}
	if m.controller != nil {
		if err := m.controller.DisableDangerousMode(ctx, sessionID, reason); err != nil && m.logger != nil {
			m.logger.Error("dangerous mode disable failed", "session_id", sessionID, "error", err)
		}
	}
}

func (m *Monitor) recordAudit(ctx context.Context, sessionID string, exec domain.CommandExecution) {
	if m.audit == nil {
		return
	}
	outcome := "success"
	if exec.Failed {
		outcome = "failed"
	}
	detail, err := json.Marshal(map[string]any{
		"command":   exec.Command,
		"args":      exec.Args,
		"exit_code": exec.ExitCode,
	})
	if err != nil {
		return
	}
	event := domain.AuditEvent{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Category:   "command_execution",
		Action:     exec.Command,
		Severity:   exec.RiskLevel,
		Outcome:    outcome,
		Detail:     detail,
		OccurredAt: m.now(),
	}
	if err := m.audit.InsertAuditEvent(ctx, &event); err != nil && m.logger != nil {
		m.logger.Error("audit persist failed", "session_id", sessionID, "error", err)
	}
}
