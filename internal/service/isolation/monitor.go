package isolation

import (
	"context"
	"fmt"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

// usageMargin is the fraction of a policy limit at which usage is flagged.
const usageMargin = 0.9

// Run polls container resource usage on the configured interval. Detection is
// observational: violations are recorded, never acted on here.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runUsageCheck(ctx)
		}
	}
}

func (e *Engine) runUsageCheck(ctx context.Context) {
	e.mu.RLock()
	monitored := make([]containerRecord, 0, len(e.containers))
	for _, rec := range e.containers {
		if rec.policy.MonitorUsage {
			monitored = append(monitored, *rec)
		}
	}
	e.mu.RUnlock()

	for _, rec := range monitored {
		usage, err := e.runtime.SandboxUsage(ctx, rec.container.SandboxID)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("usage check failed", "container_id", rec.container.ID, "error", err)
			}
			continue
		}
		for _, violation := range usageViolations(usage.MemoryBytes, usage.CPUPercent, usage.ProcessCount, rec.policy.Resources) {
			e.recordViolation(rec.container.ID, violation)
		}
	}
}

func usageViolations(memoryBytes int64, cpuPercent float64, processCount int, limits domain.ResourceLimits) []domain.SecurityViolation {
	var out []domain.SecurityViolation
	if limits.MaxMemoryBytes > 0 && float64(memoryBytes) >= float64(limits.MaxMemoryBytes)*usageMargin {
		out = append(out, domain.SecurityViolation{
			Type:     "resource_memory",
			Severity: domain.SeverityMedium,
			Detail:   fmt.Sprintf("memory %d of limit %d", memoryBytes, limits.MaxMemoryBytes),
		})
	}
	if limits.MaxCPUPercent > 0 && cpuPercent >= limits.MaxCPUPercent*usageMargin {
		out = append(out, domain.SecurityViolation{
			Type:     "resource_cpu",
			Severity: domain.SeverityMedium,
			Detail:   fmt.Sprintf("cpu %.1f%% of limit %.1f%%", cpuPercent, limits.MaxCPUPercent),
		})
	}
	if limits.MaxProcessCount > 0 && float64(processCount) >= float64(limits.MaxProcessCount)*usageMargin {
		out = append(out, domain.SecurityViolation{
			Type:     "resource_pids",
			Severity: domain.SeverityMedium,
			Detail:   fmt.Sprintf("%d processes of limit %d", processCount, limits.MaxProcessCount),
		})
	}
	return out
}
