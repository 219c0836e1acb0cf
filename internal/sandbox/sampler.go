package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

// ContainerUsageSource resolves a tracked container id to a live usage
// sample. The isolation engine is the production source; it owns the mapping
// from container ids to runtime sandbox ids.
type ContainerUsageSource interface {
	ContainerUsage(ctx context.Context, containerID string) (Usage, error)
}

// UsageSampler reads live resource usage for a session through the container
// recorded on its process context. Sessions created without a container
// report an empty sample.
type UsageSampler struct {
	source ContainerUsageSource
}

func NewUsageSampler(source ContainerUsageSource) *UsageSampler {
	return &UsageSampler{source: source}
}

func (s *UsageSampler) Sample(ctx context.Context, proc domain.ProcessContext) (domain.ResourceUsage, error) {
	if proc.SandboxID == "" {
		return domain.ResourceUsage{SampledAt: time.Now()}, nil
	}
	usage, err := s.source.ContainerUsage(ctx, proc.SandboxID)
	if err != nil {
		return domain.ResourceUsage{}, fmt.Errorf("sample container %s: %w", proc.SandboxID, err)
	}
	return domain.ResourceUsage{
		MemoryBytes:  usage.MemoryBytes,
		CPUPercent:   usage.CPUPercent,
		ProcessCount: usage.ProcessCount,
		SampledAt:    time.Now(),
	}, nil
}
