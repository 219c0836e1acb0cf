// Package httpx exposes the orchestrator's operational HTTP surface.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
	"github.com/MichaelAyles/AgentTool-sub003/internal/metrics"
	"github.com/MichaelAyles/AgentTool-sub003/internal/ratelimit"
	"github.com/MichaelAyles/AgentTool-sub003/internal/repository"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/isolation"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/lifecycle"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/orchestrator"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/riskmonitor"
	"github.com/MichaelAyles/AgentTool-sub003/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	rateLimitWrite     = 60
	rateLimitRead      = 240
	rateLimitEmergency = 5
	healthCheckTimeout = 2 * time.Second
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	lifecycle *lifecycle.Manager
	orch      *orchestrator.Orchestrator
	engine    *isolation.Engine
	monitor   *riskmonitor.Monitor
	alerts    repository.AlertRepository
	audit     repository.AuditRepository
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   ratelimit.Limiter
	metrics   *metrics.Registry
	dbHealth  func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, manager *lifecycle.Manager, orch *orchestrator.Orchestrator, engine *isolation.Engine, monitor *riskmonitor.Monitor, alerts repository.AlertRepository, audit repository.AuditRepository, hub *ws.Hub, limiter ratelimit.Limiter, reg *metrics.Registry, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		lifecycle: manager,
		orch:      orch,
		engine:    engine,
		monitor:   monitor,
		alerts:    alerts,
		audit:     audit,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		metrics:  reg,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = ratelimit.NewMemory()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.handleHealthz)
	if r.metrics != nil {
		r.mux.Handle("/metrics", promhttp.HandlerFor(r.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}
	r.mux.HandleFunc("/v1/processes", r.withRateLimit(rateLimitWrite, r.handleProcesses))
	r.mux.HandleFunc("/v1/processes/", r.withRateLimit(rateLimitWrite, r.handleProcessSubroutes))
	r.mux.HandleFunc("/v1/deployments", r.withRateLimit(rateLimitWrite, r.handleDeployments))
	r.mux.HandleFunc("/v1/deployments/", r.withRateLimit(rateLimitWrite, r.handleDeploymentSubroutes))
	r.mux.HandleFunc("/v1/policies", r.withRateLimit(rateLimitWrite, r.handlePolicies))
	r.mux.HandleFunc("/v1/scaling-policies", r.withRateLimit(rateLimitWrite, r.handleScalingPolicies))
	r.mux.HandleFunc("/v1/alerts", r.withRateLimit(rateLimitRead, r.handleAlerts))
	r.mux.HandleFunc("/v1/alerts/", r.withRateLimit(rateLimitWrite, r.handleAlertAck))
	r.mux.HandleFunc("/v1/alerts/stream", r.handleAlertStream)
	r.mux.HandleFunc("/v1/emergency-shutdown", r.withRateLimit(rateLimitEmergency, r.handleEmergencyShutdown))
}

func (r *Router) withRateLimit(limit int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		decision := r.limiter.Allow(rateLimitKeyIP(req), limit, rateWindowDefault)
		if !decision.Allowed {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func rateLimitKeyIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleProcesses(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		SessionID       string            `json:"session_id"`
		UserID          string            `json:"user_id"`
		Command         string            `json:"command"`
		Args            []string          `json:"args"`
		WorkingDir      string            `json:"working_dir"`
		Environment     map[string]string `json:"environment"`
		Image           string            `json:"image"`
		IsolationPolicy string            `json:"isolation_policy"`
		DangerousMode   bool              `json:"dangerous_mode"`
		MaxMemoryMB     int64             `json:"max_memory_mb"`
		MaxCPUPercent   float64           `json:"max_cpu_percent"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// sessions launched with an image get a container under the requested
	// isolation policy; the container id rides on the process context so
	// sampling and cleanup resolve through the engine
	var containerID string
	if payload.Image != "" && r.engine != nil {
		policy := payload.IsolationPolicy
		if policy == "" {
			policy = "ultra-secure"
		}
		container, err := r.engine.CreateContainer(req.Context(), payload.Image, policy, isolation.CreateOptions{
			SessionID:  sessionID,
			Command:    append([]string{payload.Command}, payload.Args...),
			Env:        payload.Environment,
			WorkingDir: payload.WorkingDir,
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, isolation.ErrPolicyNotFound) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		containerID = container.ID
	}

	created, err := r.lifecycle.Create(lifecycle.CreateParams{
		SessionID:     sessionID,
		UserID:        payload.UserID,
		SandboxID:     containerID,
		Command:       payload.Command,
		Args:          payload.Args,
		WorkingDir:    payload.WorkingDir,
		Environment:   payload.Environment,
		DangerousMode: payload.DangerousMode,
		Limits: domain.ResourceLimits{
			MaxMemoryBytes: payload.MaxMemoryMB * 1024 * 1024,
			MaxCPUPercent:  payload.MaxCPUPercent,
		},
	})
	if err != nil {
		if containerID != "" {
			if destroyErr := r.engine.DestroyContainer(req.Context(), containerID); destroyErr != nil && r.logger != nil {
				r.logger.Warn("orphaned container teardown failed", "container_id", containerID, "error", destroyErr)
			}
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if payload.DangerousMode && r.monitor != nil {
		r.monitor.SetDangerousMode(created, true)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": created, "container_id": containerID})
}

func (r *Router) handleProcessSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/v1/processes/")
	parts := strings.SplitN(rest, "/", 2)
	sessionID := parts[0]
	if sessionID == "" {
		writeError(w, http.StatusNotFound, "session id required")
		return
	}

	if len(parts) == 1 {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		health, ok := r.lifecycle.Health(sessionID)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		processMetrics, _ := r.lifecycle.Metrics(sessionID)
		writeJSON(w, http.StatusOK, map[string]any{"health": health, "metrics": processMetrics})
		return
	}

	if parts[1] == "audit" {
		r.handleAuditTrail(w, req, sessionID)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var err error
	switch parts[1] {
	case "pause":
		err = r.lifecycle.Pause(sessionID)
	case "resume":
		err = r.lifecycle.Resume(sessionID)
	case "stop":
		graceful := req.URL.Query().Get("force") != "true"
		err = r.lifecycle.Stop(sessionID, graceful)
	case "restart":
		err = r.lifecycle.Restart(sessionID)
	case "confirm-running":
		err = r.lifecycle.ConfirmRunning(sessionID)
	case "commands":
		r.handleCommandReport(w, req, sessionID)
		return
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAuditTrail returns recent audit events for a session.
func (r *Router) handleAuditTrail(w http.ResponseWriter, req *http.Request, sessionID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.audit == nil {
		writeJSON(w, http.StatusOK, []domain.AuditEvent{})
		return
	}
	since := time.Time{}
	if raw := req.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	events, err := r.audit.ListAuditEvents(req.Context(), sessionID, since, 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit listing failed")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleCommandReport ingests a command execution observed by an agent
// adapter and returns the session's updated risk score.
func (r *Router) handleCommandReport(w http.ResponseWriter, req *http.Request, sessionID string) {
	if r.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "risk monitor unavailable")
		return
	}
	var payload struct {
		Command   string   `json:"command"`
		Args      []string `json:"args"`
		ExitCode  int      `json:"exit_code"`
		Failed    bool     `json:"failed"`
		RiskLevel string   `json:"risk_level"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || payload.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	err := r.monitor.MonitorCommandExecution(req.Context(), sessionID, domain.CommandExecution{
		Command:   payload.Command,
		Args:      payload.Args,
		ExitCode:  payload.ExitCode,
		Failed:    payload.Failed,
		RiskLevel: domain.ViolationSeverity(payload.RiskLevel),
	})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"risk_score": r.monitor.RiskScore(sessionID),
	})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodGet {
		deployments, err := r.orch.ListDeployments(req.Context(), req.URL.Query().Get("namespace"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "deployment listing failed")
			return
		}
		writeJSON(w, http.StatusOK, deployments)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var dep domain.Deployment
	if err := json.NewDecoder(req.Body).Decode(&dep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := r.orch.Deploy(req.Context(), dep)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"deployment_id": id})
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/v1/deployments/")
	parts := strings.SplitN(rest, "/", 2)
	deploymentID := parts[0]
	if deploymentID == "" {
		writeError(w, http.StatusNotFound, "deployment id required")
		return
	}

	if len(parts) == 1 {
		switch req.Method {
		case http.MethodGet:
			dep, err := r.orch.GetDeployment(deploymentID)
			if err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, dep)
		case http.MethodDelete:
			if err := r.orch.StopDeployment(req.Context(), deploymentID); err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		default:
			r.methodNotAllowed(w)
		}
		return
	}

	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	switch parts[1] {
	case "scale":
		var payload struct {
			Service  string `json:"service"`
			Replicas int    `json:"replicas"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := r.orch.ScaleService(req.Context(), deploymentID, payload.Service, payload.Replicas); err != nil {
			writeError(w, deploymentErrStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case "update":
		var svc domain.ServiceDefinition
		if err := json.NewDecoder(req.Body).Decode(&svc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := r.orch.UpdateService(req.Context(), deploymentID, svc); err != nil {
			writeError(w, deploymentErrStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

func deploymentErrStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrDeploymentNotFound), errors.Is(err, orchestrator.ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handlePolicies(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, r.engine.ListPolicies())
	case http.MethodPost:
		var policy domain.IsolationPolicy
		if err := json.NewDecoder(req.Body).Decode(&policy); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := r.engine.RegisterPolicy(req.Context(), policy); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleScalingPolicies(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var policy domain.ScalingPolicy
	if err := json.NewDecoder(req.Body).Decode(&policy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := r.orch.RegisterScalingPolicy(req.Context(), policy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (r *Router) handleAlerts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.alerts == nil {
		writeJSON(w, http.StatusOK, []domain.MonitoringAlert{})
		return
	}
	onlyOpen := req.URL.Query().Get("all") != "true"
	alerts, err := r.alerts.ListAlerts(req.Context(), onlyOpen, 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "alert listing failed")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (r *Router) handleAlertAck(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/v1/alerts/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] != "ack" || req.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if r.alerts == nil {
		writeError(w, http.StatusNotFound, "alert store unavailable")
		return
	}
	if err := r.alerts.AcknowledgeAlert(req.Context(), parts[0]); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown alert")
			return
		}
		writeError(w, http.StatusInternalServerError, "acknowledge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Router) handleAlertStream(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "alert stream unavailable")
		return
	}
	sessionID := req.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = "*"
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(sessionID, client)
	defer r.hub.Unregister(sessionID, client)

	// hold the connection open; the client never sends application data
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) handleEmergencyShutdown(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || payload.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if r.monitor != nil {
		r.monitor.EmergencyDisableAll(req.Context(), payload.Reason)
	}
	r.lifecycle.EmergencyShutdown(req.Context(), payload.Reason)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
