package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/MichaelAyles/AgentTool-sub003/internal/sandbox"
)

const execStopTimeoutSeconds = 10

// ensure Runtime interface is satisfied.
var _ sandbox.Runtime = (*Client)(nil)

// CreateSandbox creates and starts a container constrained by the envelope.
func (c *Client) CreateSandbox(ctx context.Context, envelope sandbox.Envelope) (string, error) {
	if strings.TrimSpace(envelope.Image) == "" {
		return "", fmt.Errorf("sandbox image cannot be empty")
	}

	cfg := &container.Config{
		Image:      envelope.Image,
		Cmd:        envelope.Command,
		Env:        envelope.Env,
		WorkingDir: envelope.WorkingDir,
		Labels:     envelope.Labels,
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: envelope.ReadOnlyRoot,
		CapDrop:        envelope.CapDrop,
		CapAdd:         envelope.CapAdd,
		SecurityOpt:    envelope.SecurityOpt,
		RestartPolicy:  container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	if envelope.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(envelope.NetworkMode)
	}
	if envelope.TmpfsSizeMB > 0 {
		hostCfg.Tmpfs = map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%dm", envelope.TmpfsSizeMB),
		}
	}

	resources := container.Resources{}
	if envelope.MemoryBytes > 0 {
		resources.Memory = envelope.MemoryBytes
		resources.MemorySwap = envelope.MemoryBytes
	}
	if envelope.CPUPercent > 0 {
		resources.NanoCPUs = int64(envelope.CPUPercent / 100 * 1e9)
	}
	if envelope.PidsLimit > 0 {
		pids := int64(envelope.PidsLimit)
		resources.PidsLimit = &pids
	}
	for name, limit := range envelope.Ulimits {
		resources.Ulimits = append(resources.Ulimits, &units.Ulimit{
			Name: name,
			Soft: limit,
			Hard: limit,
		})
	}
	hostCfg.Resources = resources

	if len(envelope.Ports) > 0 {
		exposed := nat.PortSet{}
		bindings := nat.PortMap{}
		for _, mapping := range envelope.Ports {
			proto := mapping.Protocol
			if proto == "" {
				proto = "tcp"
			}
			port, err := nat.NewPort(proto, strconv.Itoa(mapping.ContainerPort))
			if err != nil {
				return "", fmt.Errorf("invalid port mapping: %w", err)
			}
			exposed[port] = struct{}{}
			binding := nat.PortBinding{HostIP: "127.0.0.1"}
			if mapping.HostPort > 0 {
				binding.HostPort = strconv.Itoa(mapping.HostPort)
			}
			bindings[port] = append(bindings[port], binding)
		}
		cfg.ExposedPorts = exposed
		hostCfg.PortBindings = bindings
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("sandbox create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = c.inner.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return "", fmt.Errorf("sandbox start: %w", err)
	}
	return created.ID, nil
}

// ExecuteCommand runs the command inside the sandbox and collects its output.
func (c *Client) ExecuteCommand(ctx context.Context, sandboxID, command string, args []string, timeout time.Duration) (sandbox.ExecResult, error) {
	if strings.TrimSpace(sandboxID) == "" {
		return sandbox.ExecResult{}, fmt.Errorf("sandbox id cannot be empty")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := append([]string{command}, args...)
	exec, err := c.inner.ContainerExecCreate(ctx, sandboxID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.ExecResult{}, sandbox.ErrNotFound
		}
		return sandbox.ExecResult{}, fmt.Errorf("sandbox exec create: %w", err)
	}

	attach, err := c.inner.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("sandbox exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()
	select {
	case err := <-copyDone:
		if err != nil {
			return sandbox.ExecResult{}, fmt.Errorf("sandbox exec output: %w", err)
		}
	case <-ctx.Done():
		return sandbox.ExecResult{}, fmt.Errorf("sandbox exec: %w", ctx.Err())
	}

	inspect, err := c.inner.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("sandbox exec inspect: %w", err)
	}
	return sandbox.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// SandboxUsage samples live resource consumption for a sandbox.
func (c *Client) SandboxUsage(ctx context.Context, sandboxID string) (sandbox.Usage, error) {
	if strings.TrimSpace(sandboxID) == "" {
		return sandbox.Usage{}, fmt.Errorf("sandbox id cannot be empty")
	}
	stats, err := c.inner.ContainerStatsOneShot(ctx, sandboxID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.Usage{}, sandbox.ErrNotFound
		}
		return sandbox.Usage{}, fmt.Errorf("sandbox stats: %w", err)
	}
	defer stats.Body.Close()

	var payload container.StatsResponse
	if err := json.NewDecoder(stats.Body).Decode(&payload); err != nil {
		return sandbox.Usage{}, fmt.Errorf("decode sandbox stats: %w", err)
	}

	usage := sandbox.Usage{
		MemoryBytes:  int64(payload.MemoryStats.Usage),
		MemoryLimit:  int64(payload.MemoryStats.Limit),
		ProcessCount: int(payload.PidsStats.Current),
	}
	cpuDelta := float64(payload.CPUStats.CPUUsage.TotalUsage) - float64(payload.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(payload.CPUStats.SystemUsage) - float64(payload.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && systemDelta > 0 {
		cores := float64(payload.CPUStats.OnlineCPUs)
		if cores <= 0 {
			cores = float64(len(payload.CPUStats.CPUUsage.PercpuUsage))
		}
		if cores <= 0 {
			cores = 1
		}
		usage.CPUPercent = cpuDelta / systemDelta * cores * 100
	}
	return usage, nil
}

// DestroySandbox stops and removes a sandbox. Unknown ids fail loudly.
func (c *Client) DestroySandbox(ctx context.Context, sandboxID string) error {
	if strings.TrimSpace(sandboxID) == "" {
		return fmt.Errorf("sandbox id cannot be empty")
	}
	stopTimeout := execStopTimeoutSeconds
	if err := c.inner.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.ErrNotFound
		}
		return fmt.Errorf("sandbox stop: %w", err)
	}
	if err := c.inner.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.ErrNotFound
		}
		return fmt.Errorf("sandbox remove: %w", err)
	}
	return nil
}
