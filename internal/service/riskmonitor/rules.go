package riskmonitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

const (
	// patternWindow bounds how far back pattern rules look.
	patternWindow = 10 * time.Minute

	rapidFireWindow = 10 * time.Second
	rapidFireCount  = 10

	highRiskStreak   = 3
	failedSpikeCount = 5
	reconThreshold   = 3
)

var escalationVerbs = []string{"sudo", "su", "chmod 777", "passwd"}

var reconCommands = map[string]struct{}{
	"whoami":   {},
	"id":       {},
	"uname":    {},
	"hostname": {},
	"ps":       {},
	"netstat":  {},
	"ss":       {},
	"ifconfig": {},
	"ip":       {},
	"env":      {},
	"printenv": {},
	"last":     {},
	"who":      {},
	"w":        {},
}

// checkThresholds evaluates the command-rate and risk-score ceilings. Rate
// overruns warn first and disable once the rate doubles the limit; a score
// over the ceiling disables outright.
func (m *Monitor) checkThresholds(ctx context.Context, sessionID string, score float64) {
	if m.limiter != nil {
		decision := m.limiter.Allow("cmd:"+sessionID, m.commandRateLimit, time.Minute)
		if !decision.Allowed {
			action := domain.ActionWarn
			severity := domain.SeverityMedium
			if decision.Count > m.commandRateLimit*2 {
				action = domain.ActionDisable
				severity = domain.SeverityHigh
			}
			m.raiseAlert(ctx, sessionID, "command_rate", severity, action,
				fmt.Sprintf("%d commands in the last minute (limit %d)", decision.Count, m.commandRateLimit))
		}
	}

	if score > m.riskCeiling {
		m.raiseAlert(ctx, sessionID, "risk_score_ceiling", domain.SeverityHigh, domain.ActionDisable,
			fmt.Sprintf("risk score %.1f over ceiling %.1f", score, m.riskCeiling))
	}
}

// checkPatterns evaluates every pattern rule over the trailing window of the
// session's history.
func (m *Monitor) checkPatterns(ctx context.Context, sessionID string, latest domain.CommandExecution, history []domain.CommandExecution) {
	cutoff := m.now().Add(-patternWindow)
	var window []domain.CommandExecution
	for _, exec := range history {
		if exec.ExecutedAt.After(cutoff) {
			window = append(window, exec)
		}
	}

	if verb := matchEscalationVerb(latest); verb != "" {
		m.raiseAlert(ctx, sessionID, "escalation_verb", domain.SeverityHigh, domain.ActionDisable,
			fmt.Sprintf("escalation verb %q observed", verb))
		return
	}

	if streak := trailingHighRisk(window); streak >= highRiskStreak {
		m.raiseAlert(ctx, sessionID, "high_risk_sequence", domain.SeverityHigh, domain.ActionDisable,
			fmt.Sprintf("%d consecutive high-risk commands", streak))
		return
	}

	rapidCutoff := m.now().Add(-rapidFireWindow)
	rapid := 0
	for _, exec := range window {
		if exec.ExecutedAt.After(rapidCutoff) {
			rapid++
		}
	}
	if rapid >= rapidFireCount {
		m.raiseAlert(ctx, sessionID, "rapid_fire", domain.SeverityMedium, domain.ActionWarn,
			fmt.Sprintf("%d commands in %s", rapid, rapidFireWindow))
	}

	failed := 0
	for _, exec := range window {
		if exec.Failed {
			failed++
		}
	}
	if failed >= failedSpikeCount {
		m.raiseAlert(ctx, sessionID, "failed_command_spike", domain.SeverityMedium, domain.ActionWarn,
			fmt.Sprintf("%d failed commands in the window", failed))
	}

	recon := make(map[string]struct{})
	for _, exec := range window {
		if _, ok := reconCommands[exec.Command]; ok {
			recon[exec.Command] = struct{}{}
		}
	}
	if len(recon) >= reconThreshold {
		m.raiseAlert(ctx, sessionID, "reconnaissance", domain.SeverityMedium, domain.ActionWarn,
			fmt.Sprintf("%d distinct exploration commands in the window", len(recon)))
	}
}

func matchEscalationVerb(exec domain.CommandExecution) string {
	line := exec.Command
	if len(exec.Args) > 0 {
		line += " " + strings.Join(exec.Args, " ")
	}
	tokens := strings.Fields(line)
	for _, verb := range escalationVerbs {
		if strings.Contains(verb, " ") {
			if strings.Contains(line, verb) {
				return verb
			}
			continue
		}
		for _, token := range tokens {
			if token == verb {
				return verb
			}
		}
	}
	return ""
}

// trailingHighRisk counts how many of the most recent commands are high or
// critical risk, stopping at the first lower-risk command.
func trailingHighRisk(window []domain.CommandExecution) int {
	streak := 0
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].RiskLevel != domain.SeverityHigh && window[i].RiskLevel != domain.SeverityCritical {
			break
		}
		streak++
	}
	return streak
}
