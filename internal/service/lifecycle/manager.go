package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
	"github.com/MichaelAyles/AgentTool-sub003/internal/metrics"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/process"
	"github.com/MichaelAyles/AgentTool-sub003/pkg/config"
)

const (
	defaultHealthInterval   = 30 * time.Second
	defaultResourceInterval = 10 * time.Second
	defaultGracePeriod      = 5 * time.Second
	restartSettleDelay      = 500 * time.Millisecond
)

// CleanupHandler is the external collaborator invoked on ungraceful stops,
// repeated health failures, and error-state entry.
type CleanupHandler interface {
	PerformCleanup(ctx context.Context, sessionID, reason string) error
	HandleProcessError(ctx context.Context, sessionID string, procErr error) error
}

// Notifier receives the emergency-shutdown notification.
type Notifier interface {
	NotifyEmergencyShutdown(ctx context.Context, sessionIDs []string, reason string) error
}

// UsageSampler provides live resource usage for a tracked process.
type UsageSampler interface {
	Sample(ctx context.Context, proc domain.ProcessContext) (domain.ResourceUsage, error)
}

// CreateParams are the launch parameters for a new session.
type CreateParams struct {
	SessionID     string
	UserID        string
	AdapterName   string
	SandboxID     string
	Command       string
	Args          []string
	WorkingDir    string
	Environment   map[string]string
	DangerousMode bool
	Limits        domain.ResourceLimits
}

type tracked struct {
	health  domain.ProcessHealth
	metrics domain.ProcessMetrics
}

// Manager drives sessions through the state machine and keeps them healthy.
type Manager struct {
	machine *process.Machine
	cleanup CleanupHandler
	notify  Notifier
	sampler UsageSampler
	logger  *slog.Logger
	reg     *metrics.Registry

	maxConcurrent       int
	healthInterval      time.Duration
	resourceInterval    time.Duration
	gracePeriod         time.Duration
	recoveryThreshold   int
	escalationThreshold int

	mu      sync.Mutex
	tracked map[string]*tracked
	halted  bool
	stop    context.CancelFunc

	now func() time.Time
}

// New constructs a lifecycle manager.
func New(machine *process.Machine, cleanup CleanupHandler, notify Notifier, sampler UsageSampler, logger *slog.Logger, cfg config.OrchestratorConfig) *Manager {
	healthInterval := cfg.HealthCheckInterval
	if healthInterval <= 0 {
		healthInterval = defaultHealthInterval
	}
	resourceInterval := cfg.ResourceCheckInterval
	if resourceInterval <= 0 {
		resourceInterval = defaultResourceInterval
	}
	gracePeriod := cfg.CleanupGracePeriod
	if gracePeriod <= 0 {
		gracePeriod = defaultGracePeriod
	}
	recovery := cfg.RecoveryThreshold
	if recovery <= 0 {
		recovery = 3
	}
	escalation := cfg.EscalationThreshold
	if escalation <= recovery {
		escalation = recovery + 2
	}
	maxConcurrent := cfg.MaxConcurrentProcesses
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if logger != nil {
		logger = logger.With("component", "lifecycle")
	}
	return &Manager{
		machine:             machine,
		cleanup:             cleanup,
		notify:              notify,
		sampler:             sampler,
		logger:              logger,
		maxConcurrent:       maxConcurrent,
		healthInterval:      healthInterval,
		resourceInterval:    resourceInterval,
		gracePeriod:         gracePeriod,
		recoveryThreshold:   recovery,
		escalationThreshold: escalation,
		tracked:             make(map[string]*tracked),
		now:                 time.Now,
	}
}

// SetNotifier installs the emergency-shutdown notifier. Intended for wiring
// during startup when the notifier is constructed after the manager.
func (m *Manager) SetNotifier(notify Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = notify
}

// SetMetrics installs the metrics registry. Intended for wiring during
// startup.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reg = reg
}

// ObserveTransition consumes state-machine change notifications. Error-state
// entries are forwarded to the cleanup handler.
func (m *Manager) ObserveTransition(tr process.Transition) {
	m.mu.Lock()
	if rec, ok := m.tracked[tr.SessionID]; ok {
		rec.metrics.Transitions++
	}
	reg := m.reg
	m.mu.Unlock()

	// the observer runs under the session record lock, so no machine calls here
	if reg != nil {
		reg.StateTransitions.WithLabelValues(string(tr.From), string(tr.To)).Inc()
	}
	if m.logger != nil {
		m.logger.Debug("transition observed", "session_id", tr.SessionID, "from", tr.From, "to", tr.To, "dwell", tr.Dwell)
	}
	if tr.To == domain.StateError && m.cleanup != nil {
		// observer runs under the session record lock; hand off
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.cleanup.HandleProcessError(ctx, tr.SessionID, fmt.Errorf("session entered error state via %s", tr.Event)); err != nil && m.logger != nil {
				m.logger.Warn("error handler failed", "session_id", tr.SessionID, "error", err)
			}
		}()
	}
}

// Create registers a new session and drives it to starting. The caller
// confirms the running state via ConfirmRunning once the process is up.
func (m *Manager) Create(params CreateParams) (string, error) {
	if m.isHalted() {
		return "", fmt.Errorf("lifecycle manager halted")
	}
	active := m.machine.SessionsInState(domain.ActiveStates...)
	if len(active) >= m.maxConcurrent {
		return "", fmt.Errorf("concurrency ceiling reached (%d active, max %d)", len(active), m.maxConcurrent)
	}

	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	procCtx := domain.ProcessContext{
		SessionID:     sessionID,
		UserID:        params.UserID,
		AdapterName:   params.AdapterName,
		SandboxID:     params.SandboxID,
		Command:       params.Command,
		Args:          params.Args,
		WorkingDir:    params.WorkingDir,
		Environment:   params.Environment,
		DangerousMode: params.DangerousMode,
		Limits:        params.Limits,
		CreatedAt:     m.now(),
	}
	if err := m.machine.Create(procCtx); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.tracked[sessionID] = &tracked{
		health:  domain.ProcessHealth{SessionID: sessionID, Healthy: true, State: domain.StateIdle},
		metrics: domain.ProcessMetrics{StartedAt: m.now()},
	}
	m.mu.Unlock()

	for _, event := range []process.Event{process.EventInitialize, process.EventStart} {
		if _, err := m.machine.Trigger(sessionID, event); err != nil {
			m.forget(sessionID)
			_, _ = m.machine.ForceTerminate(sessionID, "create aborted")
			_ = m.machine.Remove(sessionID)
			return "", fmt.Errorf("drive %s: %w", event, err)
		}
	}
	if m.logger != nil {
		m.logger.Info("session created", "session_id", sessionID, "adapter", params.AdapterName, "dangerous_mode", params.DangerousMode)
	}
	m.updateActiveGauge()
	return sessionID, nil
}

// ConfirmRunning acknowledges that the underlying process is up.
func (m *Manager) ConfirmRunning(sessionID string) error {
	_, err := m.machine.Trigger(sessionID, process.EventRunningAck)
	return err
}

// Pause suspends a running session. Only valid from running.
func (m *Manager) Pause(sessionID string) error {
	_, err := m.machine.Trigger(sessionID, process.EventPause)
	return err
}

// Resume reactivates a paused session. Only valid from paused.
func (m *Manager) Resume(sessionID string) error {
	_, err := m.machine.Trigger(sessionID, process.EventResume)
	return err
}

// Stop halts a session. The graceful path issues a stop event; the forced
// path terminates unconditionally. Either path schedules cleanup after the
// grace period.
func (m *Manager) Stop(sessionID string, graceful bool) error {
	var err error
	if graceful {
		_, err = m.machine.Trigger(sessionID, process.EventStop)
	} else {
		_, err = m.machine.ForceTerminate(sessionID, "forced stop")
	}
	if err != nil {
		return err
	}
	m.scheduleCleanup(sessionID, "stopped")
	m.updateActiveGauge()
	return nil
}

// Restart stops, resets, and restarts a session. Any failing step aborts the
// restart without retrying.
func (m *Manager) Restart(sessionID string) error {
	if _, err := m.machine.Trigger(sessionID, process.EventStop); err != nil {
		return fmt.Errorf("restart stop: %w", err)
	}
	time.Sleep(restartSettleDelay)
	for _, event := range []process.Event{process.EventReset, process.EventInitialize, process.EventStart} {
		if _, err := m.machine.Trigger(sessionID, event); err != nil {
			return fmt.Errorf("restart %s: %w", event, err)
		}
	}
	m.mu.Lock()
	if rec, ok := m.tracked[sessionID]; ok {
		rec.metrics.RestartCount++
		rec.health.ConsecutiveFailures = 0
	}
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("session restarted", "session_id", sessionID)
	}
	return nil
}

// DisableDangerousMode revokes elevated permissions from a session. The
// process keeps running with standard restrictions.
func (m *Manager) DisableDangerousMode(ctx context.Context, sessionID, reason string) error {
	if err := m.machine.SetDangerousMode(sessionID, false); err != nil {
		return fmt.Errorf("disable dangerous mode: %w", err)
	}
	if m.logger != nil {
		m.logger.Warn("dangerous mode revoked", "session_id", sessionID, "reason", reason)
	}
	return nil
}

// Health returns the last computed health record for a session.
func (m *Manager) Health(sessionID string) (domain.ProcessHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tracked[sessionID]
	if !ok {
		return domain.ProcessHealth{}, false
	}
	return rec.health, true
}

// Metrics returns the accumulated metrics for a session.
func (m *Manager) Metrics(sessionID string) (domain.ProcessMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tracked[sessionID]
	if !ok {
		return domain.ProcessMetrics{}, false
	}
	return rec.metrics, true
}

// EmergencyShutdown force-terminates every active session, notifies the
// security collaborator, and halts monitoring loops.
func (m *Manager) EmergencyShutdown(ctx context.Context, reason string) {
	m.mu.Lock()
	m.halted = true
	stop := m.stop
	m.mu.Unlock()
	if stop != nil {
		stop()
	}

	active := m.machine.SessionsInState(domain.ActiveStates...)
	for _, sessionID := range active {
		if _, err := m.machine.ForceTerminate(sessionID, reason); err != nil && m.logger != nil {
			m.logger.Warn("emergency terminate failed", "session_id", sessionID, "error", err)
		}
	}
	if m.logger != nil {
		m.logger.Error("emergency shutdown executed", "reason", reason, "sessions", len(active))
	}
	if m.notify != nil {
		if err := m.notify.NotifyEmergencyShutdown(ctx, active, reason); err != nil && m.logger != nil {
			m.logger.Warn("emergency notification failed", "error", err)
		}
	}
}

// Run executes the health and resource check loops until the context is
// cancelled or an emergency shutdown halts the manager.
func (m *Manager) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.stop = cancel
	m.mu.Unlock()
	defer cancel()

	healthTicker := time.NewTicker(m.healthInterval)
	defer healthTicker.Stop()
	resourceTicker := time.NewTicker(m.resourceInterval)
	defer resourceTicker.Stop()

	if m.logger != nil {
		m.logger.Info("lifecycle loops started", "health_interval", m.healthInterval, "resource_interval", m.resourceInterval)
	}
	for {
		select {
		case <-runCtx.Done():
			if m.logger != nil {
				m.logger.Info("lifecycle loops stopped")
			}
			return
		case <-healthTicker.C:
			m.runHealthCheck(runCtx)
		case <-resourceTicker.C:
			m.runResourceCheck(runCtx)
		}
	}
}

func (m *Manager) updateActiveGauge() {
	m.mu.Lock()
	reg := m.reg
	m.mu.Unlock()
	if reg != nil {
		reg.ActiveSessions.Set(float64(len(m.machine.SessionsInState(domain.ActiveStates...))))
	}
}

func (m *Manager) isHalted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.tracked, sessionID)
	m.mu.Unlock()
}

func (m *Manager) scheduleCleanup(sessionID, reason string) {
	if m.cleanup == nil {
		return
	}
	time.AfterFunc(m.gracePeriod, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.cleanup.PerformCleanup(ctx, sessionID, reason); err != nil && m.logger != nil {
			m.logger.Warn("scheduled cleanup failed", "session_id", sessionID, "error", err)
		}
		m.forget(sessionID)
	})
}
