package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
	"github.com/MichaelAyles/AgentTool-sub003/internal/ratelimit"
	"github.com/MichaelAyles/AgentTool-sub003/internal/repository"
	"github.com/MichaelAyles/AgentTool-sub003/internal/sandbox"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/isolation"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/lifecycle"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/orchestrator"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/process"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/riskmonitor"
	"github.com/MichaelAyles/AgentTool-sub003/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRuntime struct {
	mu      sync.Mutex
	counter int
}

func (s *stubRuntime) CreateSandbox(ctx context.Context, envelope sandbox.Envelope) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return "sbx-1", nil
}

func (s *stubRuntime) ExecuteCommand(ctx context.Context, sandboxID, command string, args []string, timeout time.Duration) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{ExitCode: 0}, nil
}

func (s *stubRuntime) SandboxUsage(ctx context.Context, sandboxID string) (sandbox.Usage, error) {
	return sandbox.Usage{}, nil
}

func (s *stubRuntime) DestroySandbox(ctx context.Context, sandboxID string) error { return nil }

type stubStore struct {
	mu     sync.Mutex
	alerts []domain.MonitoringAlert
}

func (s *stubStore) UpsertPolicy(ctx context.Context, policy *domain.IsolationPolicy) error {
	return nil
}

func (s *stubStore) GetPolicyByName(ctx context.Context, name string) (*domain.IsolationPolicy, error) {
	return nil, repository.ErrNotFound
}

func (s *stubStore) ListPolicies(ctx context.Context) ([]domain.IsolationPolicy, error) {
	return nil, nil
}

func (s *stubStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return nil
}

func (s *stubStore) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	return nil
}

func (s *stubStore) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (s *stubStore) ListDeployments(ctx context.Context, namespace string, limit int) ([]domain.Deployment, error) {
	return nil, nil
}

func (s *stubStore) DeleteDeployment(ctx context.Context, deploymentID string) error { return nil }

func (s *stubStore) UpsertScalingPolicy(ctx context.Context, policy domain.ScalingPolicy) error {
	return nil
}

func (s *stubStore) ListScalingPolicies(ctx context.Context) ([]domain.ScalingPolicy, error) {
	return nil, nil
}

func (s *stubStore) DeleteScalingPolicy(ctx context.Context, deploymentID, serviceName string) error {
	return nil
}

func (s *stubStore) InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	return nil
}

func (s *stubStore) ListAuditEvents(ctx context.Context, sessionID string, since time.Time, limit int) ([]domain.AuditEvent, error) {
	return nil, nil
}

func (s *stubStore) InsertAlert(ctx context.Context, alert *domain.MonitoringAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, *alert)
	return nil
}

func (s *stubStore) AcknowledgeAlert(ctx context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == alertID {
			s.alerts[i].Acknowledged = true
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *stubStore) ListAlerts(ctx context.Context, onlyUnacknowledged bool, limit int) ([]domain.MonitoringAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MonitoringAlert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		if onlyUnacknowledged && alert.Acknowledged {
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

func newTestRouter(t *testing.T) (*Router, *stubStore) {
	t.Helper()
	log := testLogger()
	store := &stubStore{}
	cfg := config.OrchestratorConfig{
		MaxConcurrentProcesses: 4,
		CanaryHealthyRatio:     0.8,
	}

	machine := process.NewMachine(log, nil)
	manager := lifecycle.New(machine, nil, nil, nil, log, cfg)
	machine.Observe(manager.ObserveTransition)

	engine := isolation.New(&stubRuntime{}, store, nil, log)
	orch := orchestrator.New(engine, store, store, nil, log, cfg)
	monitor := riskmonitor.New(manager, ratelimit.NewMemory(), store, store, nil, log, cfg)

	router := NewRouter(log, manager, orch, engine, monitor, store, store, nil, nil, nil, nil)
	t.Cleanup(router.Close)
	return router, store
}

func doJSON(t *testing.T, router *Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, payload)
	req.RemoteAddr = "10.0.0.1:50001"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsOK(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProcessLifecycleOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/processes", map[string]any{
		"session_id": "sess-1",
		"command":    "claude",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/processes/sess-1/confirm-running", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/processes/sess-1/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", rec.Code)
	}

	// a paused process cannot pause again
	rec = doJSON(t, router, http.MethodPost, "/v1/processes/sess-1/pause", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double pause: expected 409, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/processes/sess-1/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/processes/sess-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/processes/sess-1/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rec.Code)
	}
}

func TestCreateProcessWithImageBindsContainer(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/processes", map[string]any{
		"session_id":       "sess-ctr",
		"command":          "claude",
		"image":            "alpine:3.20",
		"isolation_policy": "secure-dev",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["container_id"] == "" {
		t.Fatal("expected a container bound to the session")
	}
	// the engine tracks the container under the returned id
	if _, err := router.engine.ContainerUsage(context.Background(), body["container_id"]); err != nil {
		t.Fatalf("container not tracked by engine: %v", err)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/processes", map[string]any{
		"command":          "claude",
		"image":            "alpine:3.20",
		"isolation_policy": "no-such-policy",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown policy: expected 400, got %d", rec.Code)
	}
}

func TestCreateProcessRequiresCommand(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/processes", map[string]any{"session_id": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeployRejectsInvalidConfig(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/deployments", domain.Deployment{
		Name: "web",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPoliciesListIncludesBuiltins(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/v1/policies", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var policies []domain.IsolationPolicy
	if err := json.Unmarshal(rec.Body.Bytes(), &policies); err != nil {
		t.Fatalf("decode policies: %v", err)
	}
	if len(policies) < 3 {
		t.Fatalf("expected at least 3 policies, got %d", len(policies))
	}
}

func TestAlertAcknowledgeRoundTrip(t *testing.T) {
	router, store := newTestRouter(t)
	_ = store.InsertAlert(context.Background(), &domain.MonitoringAlert{ID: "alert-1", Rule: "test"})

	rec := doJSON(t, router, http.MethodPost, "/v1/alerts/alert-1/ack", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/alerts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var alerts []domain.MonitoringAlert
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected acknowledged alert filtered out, got %d", len(alerts))
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/alerts/missing/ack", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing ack: expected 404, got %d", rec.Code)
	}
}

func TestCommandReportReturnsRiskScore(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/processes/sess-9/commands", map[string]any{
		"command":    "make",
		"args":       []string{"test"},
		"risk_level": "low",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["risk_score"] != 5 {
		t.Fatalf("expected risk score 5, got %v", body["risk_score"])
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/processes/sess-9/commands", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing command: expected 400, got %d", rec.Code)
	}
}

func TestEmergencyShutdownRequiresReason(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/emergency-shutdown", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEmergencyShutdownHaltsProcessCreation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/emergency-shutdown", map[string]string{"reason": "containment drill"})
	if rec.Code != http.StatusOK {
		t.Fatalf("shutdown: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/processes", map[string]any{"command": "claude"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("post-shutdown create: expected 409, got %d", rec.Code)
	}
}
