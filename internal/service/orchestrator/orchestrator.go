// Package orchestrator manages named deployments: rollout strategies,
// scaling, per-instance health checking, and autoscaling.
package orchestrator

import (
	"context"
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
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/isolation"
	"github.com/MichaelAyles/AgentTool-sub003/pkg/config"
)

var (
	ErrInvalidConfig      = errors.New("orchestrator: invalid deployment configuration")
	ErrDeploymentNotFound = errors.New("orchestrator: deployment not found")
	ErrServiceNotFound    = errors.New("orchestrator: service not found in deployment")
)

// ContainerEngine is the slice of the isolation engine the orchestrator
// drives instances through.
type ContainerEngine interface {
	HasPolicy(name string) bool
	CreateContainer(ctx context.Context, image, policyName string, opts isolation.CreateOptions) (domain.IsolatedContainer, error)
	Execute(ctx context.Context, containerID, command string, args []string, timeout time.Duration) (sandbox.ExecResult, error)
	ContainerUsage(ctx context.Context, containerID string) (sandbox.Usage, error)
	DestroyContainer(ctx context.Context, containerID string) error
}

type deploymentRecord struct {
	deployment domain.Deployment
	// instances holds the live instance set per service, in creation order.
	instances map[string][]*domain.ServiceInstance
	lastScale map[string]time.Time
}

// Orchestrator owns every deployment it created. Strategy execution is
// synchronous; health checking and autoscaling run on their own loops.
type Orchestrator struct {
	engine  ContainerEngine
	repo    repository.DeploymentRepository
	scaling repository.ScalingPolicyRepository
	metrics *metrics.Registry
	logger  *slog.Logger
	now     func() time.Time

	healthInterval     time.Duration
	autoscaleInterval  time.Duration
	rolloutWaitTimeout time.Duration
	canaryWindow       time.Duration
	canaryHealthyRatio float64
	probePollInterval  time.Duration
	commandTimeout     time.Duration

	mu       sync.Mutex
	records  map[string]*deploymentRecord
	policies map[string]domain.ScalingPolicy
}

func New(engine ContainerEngine, repo repository.DeploymentRepository, scaling repository.ScalingPolicyRepository, reg *metrics.Registry, logger *slog.Logger, cfg config.OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		engine:             engine,
		repo:               repo,
		scaling:            scaling,
		metrics:            reg,
		logger:             logger,
		now:                time.Now,
		healthInterval:     cfg.HealthCheckInterval,
		autoscaleInterval:  cfg.AutoscaleInterval,
		rolloutWaitTimeout: cfg.RolloutWaitTimeout,
		canaryWindow:       cfg.CanaryWindow,
		canaryHealthyRatio: cfg.CanaryHealthyRatio,
		probePollInterval:  time.Second,
		commandTimeout:     cfg.CommandTimeout,
		records:            make(map[string]*deploymentRecord),
		policies:           make(map[string]domain.ScalingPolicy),
	}
	if o.healthInterval <= 0 {
		o.healthInterval = 30 * time.Second
	}
	if o.autoscaleInterval <= 0 {
		o.autoscaleInterval = time.Minute
	}
	if o.rolloutWaitTimeout <= 0 {
		o.rolloutWaitTimeout = 2 * time.Minute
	}
	if o.canaryWindow <= 0 {
		o.canaryWindow = 5 * time.Minute
	}
	if o.canaryHealthyRatio <= 0 {
		o.canaryHealthyRatio = 0.8
	}
	if o.commandTimeout <= 0 {
		o.commandTimeout = 2 * time.Minute
	}
	return o
}

// Deploy validates the configuration, records the deployment, and executes
// its rollout strategy. Validation failures reject before any side effect.
func (o *Orchestrator) Deploy(ctx context.Context, dep domain.Deployment) (string, error) {
	if err := o.validate(dep); err != nil {
		return "", err
	}

	dep.ID = uuid.NewString()
	dep.Version = 1
	dep.Status = domain.DeploymentPending
	dep.DesiredReplicas = desiredReplicas(dep.Services)
	dep.CreatedAt = o.now()
	dep.UpdatedAt = dep.CreatedAt

	if o.repo != nil {
		if err := o.repo.CreateDeployment(ctx, &dep); err != nil {
			return "", fmt.Errorf("persist deployment %s: %w", dep.Name, err)
		}
	}

	rec := &deploymentRecord{
		deployment: dep,
		instances:  make(map[string][]*domain.ServiceInstance),
		lastScale:  make(map[string]time.Time),
	}
	o.mu.Lock()
	o.records[dep.ID] = rec
	o.mu.Unlock()

	if o.logger != nil {
		o.logger.Info("deployment starting", "deployment_id", dep.ID, "name", dep.Name, "strategy", dep.Strategy)
	}

	var err error
	switch dep.Strategy {
	case domain.StrategyRolling:
		err = o.rollingDeploy(ctx, rec)
	case domain.StrategyBlueGreen:
		err = o.blueGreenDeploy(ctx, rec)
	case domain.StrategyCanary:
		err = o.canaryDeploy(ctx, rec)
	}

	outcome := "ok"
	if err != nil {
		outcome = "failed"
		o.setStatus(ctx, rec, domain.DeploymentFailed, err.Error())
	} else {
		o.setStatus(ctx, rec, domain.DeploymentRunning, "")
	}
	if o.metrics != nil {
		o.metrics.Rollouts.WithLabelValues(string(dep.Strategy), outcome).Inc()
	}
	if err != nil {
		return dep.ID, err
	}
	return dep.ID, nil
}

func (o *Orchestrator) validate(dep domain.Deployment) error {
	if dep.Name == "" || dep.Namespace == "" {
		return fmt.Errorf("%w: name and namespace are required", ErrInvalidConfig)
	}
	if len(dep.Services) == 0 {
		return fmt.Errorf("%w: at least one service is required", ErrInvalidConfig)
	}
	switch dep.Strategy {
	case domain.StrategyRolling, domain.StrategyBlueGreen, domain.StrategyCanary:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, dep.Strategy)
	}
	for _, svc := range dep.Services {
		if svc.Name == "" || svc.Image == "" {
			return fmt.Errorf("%w: service name and image are required", ErrInvalidConfig)
		}
		if svc.Replicas <= 0 {
			return fmt.Errorf("%w: service %s needs at least one replica", ErrInvalidConfig, svc.Name)
		}
		if !o.engine.HasPolicy(svc.PolicyName) {
			return fmt.Errorf("%w: service %s references unregistered policy %q", ErrInvalidConfig, svc.Name, svc.PolicyName)
		}
	}
	return nil
}

// createInstance makes one container for a service and tracks it under the
// deployment. The index continues the service's existing sequence.
func (o *Orchestrator) createInstance(ctx context.Context, rec *deploymentRecord, svc domain.ServiceDefinition, index int) (*domain.ServiceInstance, error) {
	container, err := o.engine.CreateContainer(ctx, svc.Image, svc.PolicyName, buildOptions(rec, svc))
	if err != nil {
		return nil, fmt.Errorf("create instance %s-%d: %w", svc.Name, index, err)
	}

	instance := &domain.ServiceInstance{
		ID:           container.ID,
		DeploymentID: rec.deployment.ID,
		ServiceName:  svc.Name,
		Index:        index,
		SandboxID:    container.SandboxID,
		State:        domain.InstanceRunning,
		Healthy:      true,
		CreatedAt:    o.now(),
		UpdatedAt:    o.now(),
	}
	o.mu.Lock()
	rec.instances[svc.Name] = append(rec.instances[svc.Name], instance)
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.RunningInstances.Inc()
	}
	return instance, nil
}

func (o *Orchestrator) destroyInstance(ctx context.Context, rec *deploymentRecord, instance *domain.ServiceInstance) error {
	if err := o.engine.DestroyContainer(ctx, instance.ID); err != nil {
		return err
	}
	o.mu.Lock()
	live := rec.instances[instance.ServiceName]
	for i, other := range live {
		if other.ID == instance.ID {
			rec.instances[instance.ServiceName] = append(live[:i], live[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.RunningInstances.Dec()
	}
	return nil
}

// probeInstance runs the service's health command inside the instance. A
// service without a configured probe is considered healthy.
func (o *Orchestrator) probeInstance(ctx context.Context, svc domain.ServiceDefinition, instance *domain.ServiceInstance) bool {
	if len(svc.HealthCheck.Command) == 0 {
		return true
	}
	timeout := svc.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cmd := svc.HealthCheck.Command
	result, err := o.engine.Execute(ctx, instance.ID, cmd[0], cmd[1:], timeout)
	return err == nil && result.ExitCode == 0
}

// waitHealthy polls an instance's probe until it passes or the rollout wait
// bound is exhausted.
func (o *Orchestrator) waitHealthy(ctx context.Context, svc domain.ServiceDefinition, instance *domain.ServiceInstance) error {
	deadline := o.now().Add(o.rolloutWaitTimeout)
	for {
		if o.probeInstance(ctx, svc, instance) {
			instance.Healthy = true
			return nil
		}
		instance.Healthy = false
		if o.now().After(deadline) {
			return fmt.Errorf("instance %s-%d not healthy within %s", svc.Name, instance.Index, o.rolloutWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.probePollInterval):
		}
	}
}

func (o *Orchestrator) record(deploymentID string) (*deploymentRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[deploymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}
	return rec, nil
}

func (o *Orchestrator) service(rec *deploymentRecord, name string) (domain.ServiceDefinition, error) {
	for _, svc := range rec.deployment.Services {
		if svc.Name == name {
			return svc, nil
		}
	}
	return domain.ServiceDefinition{}, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
}

// setStatus refreshes the deployment's aggregate counters and persists the
// new status.
func (o *Orchestrator) setStatus(ctx context.Context, rec *deploymentRecord, status, errMsg string) {
	o.mu.Lock()
	rec.deployment.Status = status
	rec.deployment.Error = errMsg
	rec.deployment.UpdatedAt = o.now()
	running, ready := 0, 0
	for _, live := range rec.instances {
		for _, instance := range live {
			if instance.State == domain.InstanceRunning || instance.State == domain.InstanceUnhealthy {
				running++
			}
			if instance.Healthy && instance.State == domain.InstanceRunning {
				ready++
			}
		}
	}
	rec.deployment.RunningReplicas = running
	rec.deployment.ReadyReplicas = ready
	update := domain.DeploymentStatusUpdate{
		DeploymentID:    rec.deployment.ID,
		Status:          status,
		Error:           errMsg,
		Version:         rec.deployment.Version,
		DesiredReplicas: rec.deployment.DesiredReplicas,
		RunningReplicas: running,
		ReadyReplicas:   ready,
	}
	o.mu.Unlock()

	if o.repo != nil {
		if err := o.repo.UpdateDeploymentStatus(ctx, update); err != nil && o.logger != nil {
			o.logger.Warn("deployment status persist failed", "deployment_id", update.DeploymentID, "error", err)
		}
	}
}

// GetDeployment returns the current state of a deployment.
func (o *Orchestrator) GetDeployment(deploymentID string) (domain.Deployment, error) {
	rec, err := o.record(deploymentID)
	if err != nil {
		return domain.Deployment{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return rec.deployment, nil
}

// ListDeployments returns stored deployments, newest first, optionally
// filtered by namespace.
func (o *Orchestrator) ListDeployments(ctx context.Context, namespace string) ([]domain.Deployment, error) {
	if o.repo == nil {
		return nil, nil
	}
	return o.repo.ListDeployments(ctx, namespace, 100)
}

// Instances returns copies of the live instances for one service.
func (o *Orchestrator) Instances(deploymentID, serviceName string) ([]domain.ServiceInstance, error) {
	rec, err := o.record(deploymentID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	live := rec.instances[serviceName]
	out := make([]domain.ServiceInstance, 0, len(live))
	for _, instance := range live {
		out = append(out, *instance)
	}
	return out, nil
}

// StopDeployment destroys every instance concurrently, best effort. Failures
// are logged and do not abort the remaining teardown.
func (o *Orchestrator) StopDeployment(ctx context.Context, deploymentID string) error {
	rec, err := o.record(deploymentID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	var all []*domain.ServiceInstance
	for _, live := range rec.instances {
		all = append(all, live...)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, instance := range all {
		wg.Add(1)
		go func(instance *domain.ServiceInstance) {
			defer wg.Done()
			if err := o.destroyInstance(ctx, rec, instance); err != nil && o.logger != nil {
				o.logger.Warn("instance teardown failed", "instance_id", instance.ID, "error", err)
			}
		}(instance)
	}
	wg.Wait()

	o.setStatus(ctx, rec, domain.DeploymentStopped, "")
	if o.logger != nil {
		o.logger.Info("deployment stopped", "deployment_id", deploymentID)
	}
	return nil
}

func desiredReplicas(services []domain.ServiceDefinition) int {
	total := 0
	for _, svc := range services {
		total += svc.Replicas
	}
	return total
}
