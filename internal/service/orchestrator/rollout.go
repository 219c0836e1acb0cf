package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/isolation"
)

// canaryFraction is the share of replicas created during the canary phase.
// At least one instance is always created.
const canaryFraction = 0.25

// rollingDeploy creates every replica of every service sequentially.
func (o *Orchestrator) rollingDeploy(ctx context.Context, rec *deploymentRecord) error {
	for _, svc := range rec.deployment.Services {
		for i := 0; i < svc.Replicas; i++ {
			instance, err := o.createInstance(ctx, rec, svc, i)
			if err != nil {
				return err
			}
			if err := o.waitHealthy(ctx, svc, instance); err != nil {
				return err
			}
		}
	}
	return nil
}

// blueGreenDeploy stands up the full new instance set, waits for every
// instance to report healthy within the rollout bound, then swaps the tracked
// set in one step. A single unhealthy instance fails the whole rollout and
// tears the new set down.
func (o *Orchestrator) blueGreenDeploy(ctx context.Context, rec *deploymentRecord) error {
	staged := make(map[string][]*domain.ServiceInstance)
	for _, svc := range rec.deployment.Services {
		for i := 0; i < svc.Replicas; i++ {
			container, err := o.engine.CreateContainer(ctx, svc.Image, svc.PolicyName, buildOptions(rec, svc))
			if err != nil {
				o.teardownStaged(ctx, staged)
				return fmt.Errorf("stage instance %s-%d: %w", svc.Name, i, err)
			}
			staged[svc.Name] = append(staged[svc.Name], &domain.ServiceInstance{
				ID:           container.ID,
				DeploymentID: rec.deployment.ID,
				ServiceName:  svc.Name,
				Index:        i,
				SandboxID:    container.SandboxID,
				State:        domain.InstanceCreating,
				CreatedAt:    o.now(),
				UpdatedAt:    o.now(),
			})
		}
	}

	for _, svc := range rec.deployment.Services {
		for _, instance := range staged[svc.Name] {
			if err := o.waitHealthy(ctx, svc, instance); err != nil {
				o.teardownStaged(ctx, staged)
				return fmt.Errorf("blue-green swap aborted: %w", err)
			}
		}
	}

	// every staged instance is healthy; swap the tracked set atomically
	o.mu.Lock()
	old := rec.instances
	for _, live := range staged {
		for _, instance := range live {
			instance.State = domain.InstanceRunning
			instance.Healthy = true
		}
	}
	rec.instances = staged
	o.mu.Unlock()

	for _, live := range old {
		for _, instance := range live {
			if err := o.engine.DestroyContainer(ctx, instance.ID); err != nil && o.logger != nil {
				o.logger.Warn("old instance teardown failed", "instance_id", instance.ID, "error", err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) teardownStaged(ctx context.Context, staged map[string][]*domain.ServiceInstance) {
	for _, live := range staged {
		for _, instance := range live {
			if err := o.engine.DestroyContainer(ctx, instance.ID); err != nil && o.logger != nil {
				o.logger.Warn("staged instance teardown failed", "instance_id", instance.ID, "error", err)
			}
		}
	}
}

// canaryDeploy creates a fraction of each service first and watches it for
// the monitoring window. The rollout aborts, destroying the canaries, the
// moment the healthy ratio drops below the configured threshold.
func (o *Orchestrator) canaryDeploy(ctx context.Context, rec *deploymentRecord) error {
	for _, svc := range rec.deployment.Services {
		canaryCount := int(float64(svc.Replicas) * canaryFraction)
		if canaryCount < 1 {
			canaryCount = 1
		}

		var canaries []*domain.ServiceInstance
		for i := 0; i < canaryCount; i++ {
			instance, err := o.createInstance(ctx, rec, svc, i)
			if err != nil {
				return err
			}
			canaries = append(canaries, instance)
		}

		if err := o.monitorCanaries(ctx, svc, canaries); err != nil {
			for _, instance := range canaries {
				if derr := o.destroyInstance(ctx, rec, instance); derr != nil && o.logger != nil {
					o.logger.Warn("canary teardown failed", "instance_id", instance.ID, "error", derr)
				}
			}
			return err
		}

		if o.logger != nil {
			o.logger.Info("canary promoted", "deployment_id", rec.deployment.ID, "service", svc.Name, "canaries", canaryCount)
		}
		for i := canaryCount; i < svc.Replicas; i++ {
			instance, err := o.createInstance(ctx, rec, svc, i)
			if err != nil {
				return err
			}
			if err := o.waitHealthy(ctx, svc, instance); err != nil {
				return err
			}
		}
	}
	return nil
}

// monitorCanaries probes the canary set repeatedly for the full window. The
// healthy ratio must stay at or above the threshold throughout.
func (o *Orchestrator) monitorCanaries(ctx context.Context, svc domain.ServiceDefinition, canaries []*domain.ServiceInstance) error {
	deadline := o.now().Add(o.canaryWindow)
	for {
		healthy := 0
		for _, instance := range canaries {
			if o.probeInstance(ctx, svc, instance) {
				healthy++
				instance.Healthy = true
			} else {
				instance.Healthy = false
			}
		}
		ratio := float64(healthy) / float64(len(canaries))
		if ratio < o.canaryHealthyRatio {
			return fmt.Errorf("canary rollout aborted for %s: healthy ratio %.2f below %.2f", svc.Name, ratio, o.canaryHealthyRatio)
		}
		if !o.now().Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.probePollInterval):
		}
	}
}

func buildOptions(rec *deploymentRecord, svc domain.ServiceDefinition) isolation.CreateOptions {
	return isolation.CreateOptions{
		Env:   svc.Environment,
		Ports: svc.Ports,
		Labels: map[string]string{
			"orchestrator.deployment": rec.deployment.ID,
			"orchestrator.service":    svc.Name,
		},
	}
}
