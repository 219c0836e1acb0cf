// Package isolation turns named isolation policies into concrete sandbox
// configurations and validates everything that runs inside them.
package isolation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
	"github.com/MichaelAyles/AgentTool-sub003/internal/metrics"
	"github.com/MichaelAyles/AgentTool-sub003/internal/repository"
	"github.com/MichaelAyles/AgentTool-sub003/internal/sandbox"
	"github.com/MichaelAyles/AgentTool-sub003/pkg/crypto"
)

var (
	ErrPolicyNotFound    = errors.New("isolation: policy not registered")
	ErrContainerNotFound = errors.New("isolation: container not found")
	ErrCommandBlocked    = errors.New("isolation: command blocked by policy")
)

// violationWindow bounds the history considered when classifying a
// container's aggregate risk level.
const violationWindow = time.Hour

type containerRecord struct {
	container  domain.IsolatedContainer
	policy     domain.IsolationPolicy
	sessionID  string
	violations []domain.SecurityViolation
}

// ViolationSink receives violations for containers owned by a session, so
// engine-detected breaches feed session risk scoring.
type ViolationSink interface {
	RecordViolation(sessionID string, severity domain.ViolationSeverity)
}

// Engine holds the policy registry and every isolated container it created.
type Engine struct {
	runtime sandbox.Runtime
	repo    repository.PolicyRepository
	metrics *metrics.Registry
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	policies   map[string]domain.IsolationPolicy
	containers map[string]*containerRecord
	sink       ViolationSink
}

func New(runtime sandbox.Runtime, repo repository.PolicyRepository, reg *metrics.Registry, logger *slog.Logger) *Engine {
	e := &Engine{
		runtime:    runtime,
		repo:       repo,
		metrics:    reg,
		logger:     logger,
		now:        time.Now,
		policies:   make(map[string]domain.IsolationPolicy),
		containers: make(map[string]*containerRecord),
	}
	for _, policy := range builtinPolicies() {
		policy.Fingerprint = fingerprintPolicy(policy)
		policy.RegisteredAt = e.now()
		e.policies[policy.Name] = policy
	}
	return e
}

// SetViolationSink installs the session-risk collaborator. Intended for
// wiring during startup.
func (e *Engine) SetViolationSink(sink ViolationSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// RegisterPolicy validates and stores a policy, replacing any previous bundle
// under the same name. The stored copy carries a content fingerprint so
// operators can tell whether two registrations are identical.
func (e *Engine) RegisterPolicy(ctx context.Context, policy domain.IsolationPolicy) error {
	if policy.Name == "" {
		return fmt.Errorf("register policy: name is required")
	}
	if policy.Resources.MaxMemoryBytes < 0 || policy.Resources.MaxCPUPercent < 0 {
		return fmt.Errorf("register policy %s: negative resource limits", policy.Name)
	}
	policy.Fingerprint = fingerprintPolicy(policy)
	policy.RegisteredAt = e.now()

	if e.repo != nil {
		if err := e.repo.UpsertPolicy(ctx, &policy); err != nil {
			return fmt.Errorf("persist policy %s: %w", policy.Name, err)
		}
	}

	e.mu.Lock()
	e.policies[policy.Name] = policy
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.Info("isolation policy registered", "policy", policy.Name, "fingerprint", policy.Fingerprint)
	}
	return nil
}

// Policy returns a registered policy by name.
func (e *Engine) Policy(name string) (domain.IsolationPolicy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	policy, ok := e.policies[name]
	if !ok {
		return domain.IsolationPolicy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	return policy, nil
}

// HasPolicy reports whether a policy name is registered.
func (e *Engine) HasPolicy(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.policies[name]
	return ok
}

// ListPolicies returns every registered policy.
func (e *Engine) ListPolicies() []domain.IsolationPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.IsolationPolicy, 0, len(e.policies))
	for _, policy := range e.policies {
		out = append(out, policy)
	}
	return out
}

// CreateOptions carries per-container overrides applied on top of a policy.
type CreateOptions struct {
	SessionID  string
	Command    []string
	Env        map[string]string
	WorkingDir string
	Labels     map[string]string
	Ports      []domain.PortMapping
}

// CreateContainer builds the sandbox envelope for the named policy and creates
// the isolated instance through the runtime adapter.
func (e *Engine) CreateContainer(ctx context.Context, image, policyName string, opts CreateOptions) (domain.IsolatedContainer, error) {
	policy, err := e.Policy(policyName)
	if err != nil {
		return domain.IsolatedContainer{}, err
	}

	envelope := buildEnvelope(policy, image, opts)
	sandboxID, err := e.runtime.CreateSandbox(ctx, envelope)
	if err != nil {
		if e.metrics != nil {
			e.metrics.SandboxOperations.WithLabelValues("create", "error").Inc()
		}
		return domain.IsolatedContainer{}, fmt.Errorf("create isolated container: %w", err)
	}
	if e.metrics != nil {
		e.metrics.SandboxOperations.WithLabelValues("create", "ok").Inc()
	}

	container := domain.IsolatedContainer{
		ID:         uuid.NewString(),
		SandboxID:  sandboxID,
		Image:      image,
		PolicyName: policyName,
		CreatedAt:  e.now(),
	}
	e.mu.Lock()
	e.containers[container.ID] = &containerRecord{container: container, policy: policy, sessionID: opts.SessionID}
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.Info("isolated container created", "container_id", container.ID, "policy", policyName, "image", image)
	}
	return container, nil
}

// Execute runs a command inside an isolated container after static pattern
// validation. A critical match blocks the command outright; lesser matches are
// recorded as violations and the command still runs.
func (e *Engine) Execute(ctx context.Context, containerID, command string, args []string, timeout time.Duration) (sandbox.ExecResult, error) {
	e.mu.RLock()
	rec, ok := e.containers[containerID]
	e.mu.RUnlock()
	if !ok {
		return sandbox.ExecResult{}, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
	}

	matches := validateCommand(command, args)
	if len(matches) > 0 {
		severity := worstSeverity(matches)
		blocked := severity == domain.SeverityCritical
		for _, match := range matches {
			e.recordViolation(containerID, domain.SecurityViolation{
				Type:     match.name,
				Severity: match.severity,
				Command:  command,
				Blocked:  blocked && match.severity == domain.SeverityCritical,
			})
		}
		if blocked {
			if e.metrics != nil {
				e.metrics.BlockedCommands.Inc()
			}
			if e.logger != nil {
				e.logger.Warn("command blocked", "container_id", containerID, "command", command, "severity", severity)
			}
			return sandbox.ExecResult{}, fmt.Errorf("%w: %s", ErrCommandBlocked, command)
		}
	}

	result, err := e.runtime.ExecuteCommand(ctx, rec.container.SandboxID, command, args, timeout)
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("execute in %s: %w", containerID, err)
	}
	return result, nil
}

// ContainerUsage samples live resource usage for an isolated container.
func (e *Engine) ContainerUsage(ctx context.Context, containerID string) (sandbox.Usage, error) {
	e.mu.RLock()
	rec, ok := e.containers[containerID]
	e.mu.RUnlock()
	if !ok {
		return sandbox.Usage{}, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
	}
	return e.runtime.SandboxUsage(ctx, rec.container.SandboxID)
}

// DestroyContainer tears down the sandbox and stops tracking the container.
func (e *Engine) DestroyContainer(ctx context.Context, containerID string) error {
	e.mu.Lock()
	rec, ok := e.containers[containerID]
	if ok {
		delete(e.containers, containerID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
	}
	if err := e.runtime.DestroySandbox(ctx, rec.container.SandboxID); err != nil {
		if e.metrics != nil {
			e.metrics.SandboxOperations.WithLabelValues("destroy", "error").Inc()
		}
		return fmt.Errorf("destroy container %s: %w", containerID, err)
	}
	if e.metrics != nil {
		e.metrics.SandboxOperations.WithLabelValues("destroy", "ok").Inc()
	}
	return nil
}

// Violations returns the violations recorded for a container inside the
// classification window.
func (e *Engine) Violations(containerID string) []domain.SecurityViolation {
	cutoff := e.now().Add(-violationWindow)
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.containers[containerID]
	if !ok {
		return nil
	}
	var recent []domain.SecurityViolation
	for _, v := range rec.violations {
		if v.OccurredAt.After(cutoff) {
			recent = append(recent, v)
		}
	}
	return recent
}

// RiskLevel classifies a container's aggregate risk from its recent
// violations: critical if any critical, high past two high-severity or ten
// total, medium past any high or five total, low otherwise.
func (e *Engine) RiskLevel(containerID string) domain.ViolationSeverity {
	recent := e.Violations(containerID)
	var highCount, total int
	for _, v := range recent {
		switch v.Severity {
		case domain.SeverityCritical:
			return domain.SeverityCritical
		case domain.SeverityHigh:
			highCount++
		}
		total++
	}
	switch {
	case highCount > 2 || total > 10:
		return domain.SeverityHigh
	case highCount > 0 || total > 5:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func (e *Engine) recordViolation(containerID string, violation domain.SecurityViolation) {
	violation.ID = uuid.NewString()
	violation.ContainerID = containerID
	violation.OccurredAt = e.now()

	e.mu.Lock()
	if rec, ok := e.containers[containerID]; ok {
		violation.SessionID = rec.sessionID
		rec.violations = append(rec.violations, violation)
	}
	sink := e.sink
	e.mu.Unlock()

	if sink != nil && violation.SessionID != "" {
		sink.RecordViolation(violation.SessionID, violation.Severity)
	}

	if e.metrics != nil {
		e.metrics.Violations.WithLabelValues(string(violation.Severity)).Inc()
	}
	if e.logger != nil {
		e.logger.Warn("security violation recorded",
			"container_id", containerID,
			"type", violation.Type,
			"severity", violation.Severity,
			"blocked", violation.Blocked)
	}
}

// buildEnvelope flattens a policy and per-container options into the concrete
// sandbox creation configuration.
func buildEnvelope(policy domain.IsolationPolicy, image string, opts CreateOptions) sandbox.Envelope {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	networkMode := policy.Network.Mode
	if networkMode == "" {
		networkMode = "none"
	}

	securityOpt := []string{}
	if policy.Process.SeccompProfile != "" {
		securityOpt = append(securityOpt, "seccomp="+policy.Process.SeccompProfile)
	}
	if policy.Process.AppArmorProfile != "" {
		securityOpt = append(securityOpt, "apparmor="+policy.Process.AppArmorProfile)
	}
	if policy.Process.SELinuxLabel != "" {
		securityOpt = append(securityOpt, "label="+policy.Process.SELinuxLabel)
	}

	labels := map[string]string{"orchestrator.policy": policy.Name}
	for k, v := range opts.Labels {
		labels[k] = v
	}
	if opts.SessionID != "" {
		labels["orchestrator.session"] = opts.SessionID
	}

	ulimits := map[string]int64{}
	if policy.Resources.MaxFileSizeMB > 0 {
		ulimits["fsize"] = policy.Resources.MaxFileSizeMB * 1024 * 1024
	}
	if policy.Resources.MaxProcessCount > 0 {
		ulimits["nproc"] = int64(policy.Resources.MaxProcessCount)
	}

	// a container with no network cannot publish ports
	ports := opts.Ports
	if networkMode == "none" {
		ports = nil
	}

	return sandbox.Envelope{
		Image:           image,
		Command:         opts.Command,
		Env:             env,
		WorkingDir:      opts.WorkingDir,
		NetworkMode:     networkMode,
		ReadOnlyRoot:    policy.Filesystem.ReadOnlyRoot,
		TmpfsSizeMB:     policy.Filesystem.TmpfsSizeMB,
		CapDrop:         policy.Process.CapDrop,
		CapAdd:          policy.Process.CapAdd,
		NoNewPrivileges: policy.Process.NoNewPrivileges,
		SecurityOpt:     securityOpt,
		MemoryBytes:     policy.Resources.MaxMemoryBytes,
		CPUPercent:      policy.Resources.MaxCPUPercent,
		PidsLimit:       policy.Process.MaxPids,
		Ulimits:         ulimits,
		Labels:          labels,
		Ports:           ports,
	}
}

// fingerprintPolicy hashes the policy content, excluding registration
// metadata, so identical bundles produce identical fingerprints.
func fingerprintPolicy(policy domain.IsolationPolicy) string {
	policy.Fingerprint = ""
	policy.RegisteredAt = time.Time{}
	payload, err := json.Marshal(policy)
	if err != nil {
		return ""
	}
	return crypto.Fingerprint(payload)
}

func builtinPolicies() []domain.IsolationPolicy {
	return []domain.IsolationPolicy{
		{
			Name:        "ultra-secure",
			Description: "No network, read-only root, minimal capabilities. For untrusted code.",
			Network:     domain.NetworkPolicy{Mode: "none"},
			Filesystem: domain.FilesystemPolicy{
				ReadOnlyRoot: true,
				TmpfsSizeMB:  64,
				MaskedPaths:  []string{"/proc/kcore", "/proc/keys", "/sys/firmware"},
			},
			Process: domain.ProcessPolicy{
				CapDrop:         []string{"ALL"},
				NoNewPrivileges: true,
				SeccompProfile:  "runtime/default",
				MaxPids:         32,
			},
			Resources: domain.ResourceLimits{
				MaxMemoryBytes:  256 * 1024 * 1024,
				MaxCPUPercent:   25,
				MaxProcessCount: 32,
				MaxFileSizeMB:   64,
			},
			MonitorUsage: true,
		},
		{
			Name:        "secure-dev",
			Description: "Restricted development environment with scratch space.",
			Network:     domain.NetworkPolicy{Mode: "bridge", AllowedHosts: []string{"registry.npmjs.org", "proxy.golang.org", "pypi.org"}},
			Filesystem: domain.FilesystemPolicy{
				ReadOnlyRoot:  true,
				TmpfsSizeMB:   256,
				WritablePaths: []string{"/workspace", "/tmp"},
			},
			Process: domain.ProcessPolicy{
				CapDrop:         []string{"ALL"},
				CapAdd:          []string{"CHOWN", "SETUID", "SETGID"},
				NoNewPrivileges: true,
				SeccompProfile:  "runtime/default",
				MaxPids:         128,
			},
			Resources: domain.ResourceLimits{
				MaxMemoryBytes:  1024 * 1024 * 1024,
				MaxCPUPercent:   50,
				MaxProcessCount: 128,
				MaxFileSizeMB:   512,
			},
			MonitorUsage: true,
		},
		{
			Name:        "research",
			Description: "Permissive environment for vetted workloads needing network access.",
			Network:     domain.NetworkPolicy{Mode: "bridge"},
			Filesystem: domain.FilesystemPolicy{
				TmpfsSizeMB:   512,
				WritablePaths: []string{"/workspace", "/tmp", "/home"},
			},
			Process: domain.ProcessPolicy{
				CapDrop:         []string{"SYS_ADMIN", "NET_ADMIN", "SYS_MODULE", "SYS_PTRACE"},
				NoNewPrivileges: true,
				MaxPids:         256,
			},
			Resources: domain.ResourceLimits{
				MaxMemoryBytes:  2 * 1024 * 1024 * 1024,
				MaxCPUPercent:   80,
				MaxProcessCount: 256,
				MaxFileSizeMB:   2048,
			},
			MonitorUsage: false,
		},
	}
}
