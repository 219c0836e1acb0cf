package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

// ScaleService adjusts a service's live instance count to the requested
// replica count. Scaling up continues the index sequence; scaling down
// destroys the most recently created instances first. Requesting the current
// count is a no-op.
func (o *Orchestrator) ScaleService(ctx context.Context, deploymentID, serviceName string, replicas int) error {
	if replicas < 0 {
		return fmt.Errorf("%w: negative replica count", ErrInvalidConfig)
	}
	rec, err := o.record(deploymentID)
	if err != nil {
		return err
	}
	svc, err := o.service(rec, serviceName)
	if err != nil {
		return err
	}

	o.mu.Lock()
	live := append([]*domain.ServiceInstance(nil), rec.instances[serviceName]...)
	nextIndex := 0
	for _, instance := range live {
		if instance.Index >= nextIndex {
			nextIndex = instance.Index + 1
		}
	}
	o.mu.Unlock()

	delta := replicas - len(live)
	switch {
	case delta == 0:
		return nil
	case delta > 0:
		for i := 0; i < delta; i++ {
			if _, err := o.createInstance(ctx, rec, svc, nextIndex+i); err != nil {
				return err
			}
		}
	default:
		// newest first
		for i := 0; i < -delta; i++ {
			victim := live[len(live)-1-i]
			if err := o.destroyInstance(ctx, rec, victim); err != nil {
				return fmt.Errorf("scale down %s: %w", serviceName, err)
			}
		}
	}

	o.mu.Lock()
	for i, def := range rec.deployment.Services {
		if def.Name == serviceName {
			rec.deployment.Services[i].Replicas = replicas
		}
	}
	rec.deployment.DesiredReplicas = desiredReplicas(rec.deployment.Services)
	status := rec.deployment.Status
	o.mu.Unlock()
	o.setStatus(ctx, rec, status, "")

	if o.logger != nil {
		o.logger.Info("service scaled", "deployment_id", deploymentID, "service", serviceName, "replicas", replicas, "delta", delta)
	}
	return nil
}

// UpdateService replaces a service definition, bumps the deployment version,
// and rolls every instance of that service one by one: create new, wait
// healthy, destroy old.
func (o *Orchestrator) UpdateService(ctx context.Context, deploymentID string, updated domain.ServiceDefinition) error {
	rec, err := o.record(deploymentID)
	if err != nil {
		return err
	}
	if _, err := o.service(rec, updated.Name); err != nil {
		return err
	}
	if updated.Image == "" || updated.Replicas <= 0 {
		return fmt.Errorf("%w: updated service %s needs an image and replicas", ErrInvalidConfig, updated.Name)
	}
	if !o.engine.HasPolicy(updated.PolicyName) {
		return fmt.Errorf("%w: updated service %s references unregistered policy %q", ErrInvalidConfig, updated.Name, updated.PolicyName)
	}

	o.mu.Lock()
	for i, def := range rec.deployment.Services {
		if def.Name == updated.Name {
			rec.deployment.Services[i] = updated
		}
	}
	rec.deployment.Version++
	version := rec.deployment.Version
	old := append([]*domain.ServiceInstance(nil), rec.instances[updated.Name]...)
	nextIndex := 0
	for _, instance := range old {
		if instance.Index >= nextIndex {
			nextIndex = instance.Index + 1
		}
	}
	o.mu.Unlock()

	if o.logger != nil {
		o.logger.Info("rolling update starting", "deployment_id", deploymentID, "service", updated.Name, "version", version)
	}

	for i, victim := range old {
		replacement, err := o.createInstance(ctx, rec, updated, nextIndex+i)
		if err != nil {
			return fmt.Errorf("rolling update of %s: %w", updated.Name, err)
		}
		if err := o.waitHealthy(ctx, updated, replacement); err != nil {
			return fmt.Errorf("rolling update of %s: %w", updated.Name, err)
		}
		if err := o.destroyInstance(ctx, rec, victim); err != nil {
			return fmt.Errorf("rolling update of %s: %w", updated.Name, err)
		}
	}

	o.setStatus(ctx, rec, domain.DeploymentRunning, "")
	return nil
}

// RegisterScalingPolicy stores an autoscaling policy for one service.
func (o *Orchestrator) RegisterScalingPolicy(ctx context.Context, policy domain.ScalingPolicy) error {
	if policy.DeploymentID == "" || policy.ServiceName == "" {
		return fmt.Errorf("%w: scaling policy needs deployment and service", ErrInvalidConfig)
	}
	if policy.MinReplicas < 1 || policy.MaxReplicas < policy.MinReplicas {
		return fmt.Errorf("%w: scaling policy bounds are inconsistent", ErrInvalidConfig)
	}
	if o.scaling != nil {
		if err := o.scaling.UpsertScalingPolicy(ctx, policy); err != nil {
			return fmt.Errorf("persist scaling policy: %w", err)
		}
	}
	o.mu.Lock()
	o.policies[policy.DeploymentID+"/"+policy.ServiceName] = policy
	o.mu.Unlock()
	return nil
}

// runAutoscale evaluates every scaling policy once. Each evaluation moves a
// service by at most one replica in either direction.
func (o *Orchestrator) runAutoscale(ctx context.Context) {
	o.mu.Lock()
	policies := make([]domain.ScalingPolicy, 0, len(o.policies))
	for _, policy := range o.policies {
		policies = append(policies, policy)
	}
	o.mu.Unlock()

	for _, policy := range policies {
		o.evaluatePolicy(ctx, policy)
	}
}

func (o *Orchestrator) evaluatePolicy(ctx context.Context, policy domain.ScalingPolicy) {
	rec, err := o.record(policy.DeploymentID)
	if err != nil {
		return
	}

	o.mu.Lock()
	live := append([]*domain.ServiceInstance(nil), rec.instances[policy.ServiceName]...)
	lastScale := rec.lastScale[policy.ServiceName]
	o.mu.Unlock()
	if len(live) == 0 {
		return
	}

	var cpuSum, memSum float64
	sampled := 0
	for _, instance := range live {
		usage, err := o.engine.ContainerUsage(ctx, instance.ID)
		if err != nil {
			continue
		}
		cpuSum += usage.CPUPercent
		if usage.MemoryLimit > 0 {
			memSum += float64(usage.MemoryBytes) / float64(usage.MemoryLimit) * 100
		}
		sampled++
	}
	if sampled == 0 {
		return
	}
	avgCPU := cpuSum / float64(sampled)
	avgMem := memSum / float64(sampled)

	current := len(live)
	var target int
	var direction string
	switch {
	case (avgCPU > policy.TargetCPUPercent || avgMem > policy.TargetMemoryPct) && current < policy.MaxReplicas:
		if policy.ScaleUpCooldown > 0 && o.now().Sub(lastScale) < policy.ScaleUpCooldown {
			return
		}
		target = current + 1
		direction = "up"
	case avgCPU < policy.TargetCPUPercent/2 && avgMem < policy.TargetMemoryPct/2 && current > policy.MinReplicas:
		if policy.ScaleDownCooldown > 0 && o.now().Sub(lastScale) < policy.ScaleDownCooldown {
			return
		}
		target = current - 1
		direction = "down"
	default:
		return
	}

	if o.logger != nil {
		o.logger.Info("autoscaling",
			"deployment_id", policy.DeploymentID,
			"service", policy.ServiceName,
			"direction", direction,
			"avg_cpu", avgCPU,
			"avg_mem", avgMem,
			"target", target)
	}
	if err := o.ScaleService(ctx, policy.DeploymentID, policy.ServiceName, target); err != nil {
		if o.logger != nil {
			o.logger.Warn("autoscale step failed", "deployment_id", policy.DeploymentID, "service", policy.ServiceName, "error", err)
		}
		return
	}
	o.mu.Lock()
	rec.lastScale[policy.ServiceName] = o.now()
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.ScalingDecisions.WithLabelValues(direction).Inc()
	}
}

// Run executes the health-check and autoscaling loops until the context is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	healthTicker := time.NewTicker(o.healthInterval)
	defer healthTicker.Stop()
	scaleTicker := time.NewTicker(o.autoscaleInterval)
	defer scaleTicker.Stop()

	if o.logger != nil {
		o.logger.Info("orchestrator loops started",
			"health_interval", o.healthInterval,
			"autoscale_interval", o.autoscaleInterval)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-healthTicker.C:
			o.runHealthChecks(ctx)
		case <-scaleTicker.C:
			o.runAutoscale(ctx)
		}
	}
}
