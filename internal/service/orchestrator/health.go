package orchestrator

import (
	"context"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

// runHealthChecks probes every live instance whose service configures a
// probe. Unhealthy instances are restarted within the service's restart
// budget; past it they are marked permanently failed.
func (o *Orchestrator) runHealthChecks(ctx context.Context) {
	o.mu.Lock()
	recs := make([]*deploymentRecord, 0, len(o.records))
	for _, rec := range o.records {
		recs = append(recs, rec)
	}
	o.mu.Unlock()

	for _, rec := range recs {
		o.mu.Lock()
		services := append([]domain.ServiceDefinition(nil), rec.deployment.Services...)
		o.mu.Unlock()
		for _, svc := range services {
			if len(svc.HealthCheck.Command) == 0 {
				continue
			}
			o.mu.Lock()
			live := append([]*domain.ServiceInstance(nil), rec.instances[svc.Name]...)
			o.mu.Unlock()
			for _, instance := range live {
				o.checkInstance(ctx, rec, svc, instance)
			}
		}
		o.mu.Lock()
		status, errMsg := rec.deployment.Status, rec.deployment.Error
		o.mu.Unlock()
		o.setStatus(ctx, rec, status, errMsg)
	}
}

func (o *Orchestrator) checkInstance(ctx context.Context, rec *deploymentRecord, svc domain.ServiceDefinition, instance *domain.ServiceInstance) {
	o.mu.Lock()
	failed := instance.State == domain.InstanceFailed
	o.mu.Unlock()
	if failed {
		return
	}
	if o.probeInstance(ctx, svc, instance) {
		o.mu.Lock()
		instance.Healthy = true
		instance.State = domain.InstanceRunning
		instance.UpdatedAt = o.now()
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	instance.Healthy = false
	instance.State = domain.InstanceUnhealthy
	instance.UpdatedAt = o.now()
	restarts := instance.RestartCount
	o.mu.Unlock()

	if restarts >= svc.MaxRestarts {
		o.mu.Lock()
		instance.State = domain.InstanceFailed
		instance.Error = "restart budget exhausted"
		o.mu.Unlock()
		if o.logger != nil {
			o.logger.Error("instance permanently failed",
				"instance_id", instance.ID,
				"service", svc.Name,
				"restarts", restarts)
		}
		return
	}

	o.restartInstance(ctx, rec, svc, instance)
}

// restartInstance replaces the unhealthy instance's container in place,
// preserving its index and incrementing its restart count.
func (o *Orchestrator) restartInstance(ctx context.Context, rec *deploymentRecord, svc domain.ServiceDefinition, instance *domain.ServiceInstance) {
	if o.logger != nil {
		o.logger.Info("restarting unhealthy instance", "instance_id", instance.ID, "service", svc.Name)
	}
	if err := o.engine.DestroyContainer(ctx, instance.ID); err != nil && o.logger != nil {
		o.logger.Warn("unhealthy instance teardown failed", "instance_id", instance.ID, "error", err)
	}

	container, err := o.engine.CreateContainer(ctx, svc.Image, svc.PolicyName, buildOptions(rec, svc))
	if err != nil {
		o.mu.Lock()
		instance.State = domain.InstanceFailed
		instance.Error = err.Error()
		o.mu.Unlock()
		if o.logger != nil {
			o.logger.Error("instance replacement failed", "instance_id", instance.ID, "error", err)
		}
		return
	}

	o.mu.Lock()
	instance.ID = container.ID
	instance.SandboxID = container.SandboxID
	instance.State = domain.InstanceRunning
	instance.Healthy = true
	instance.RestartCount++
	instance.Error = ""
	instance.UpdatedAt = o.now()
	o.mu.Unlock()
}
