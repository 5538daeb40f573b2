package runtime

import (
	"context"
	"fmt"
	"math"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace holding workload containers
	DefaultNamespace = "burrow"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// cpuPeriod is the CFS period in microseconds
	cpuPeriod uint64 = 100000

	sharesPerCPU = 1024
	bytesPerMiB  = 1024 * 1024
)

// ContainerdLimiter enacts limits by updating the resources of the
// containerd task whose container id is the workload id
type ContainerdLimiter struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// NewContainerdLimiter connects to containerd
func NewContainerdLimiter(socketPath, namespace string) (*ContainerdLimiter, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdLimiter{
		client:    client,
		namespace: namespace,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (l *ContainerdLimiter) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// ApplyLimits updates the cpu quota and memory limit of the workload's task.
// A workload without a container or running task rejects the limits.
func (l *ContainerdLimiter) ApplyLimits(ctx context.Context, workloadID string, limits types.Limits) (bool, error) {
	res, err := LinuxResources(limits)
	if err != nil {
		l.logger.Warn().Err(err).Str("workload_id", workloadID).Msg("Rejecting limits")
		return false, nil
	}

	if err := l.update(ctx, workloadID, res); err != nil {
		if errdefs.IsNotFound(err) {
			l.logger.Warn().Err(err).Str("workload_id", workloadID).Msg("No task to limit")
			return false, nil
		}
		return false, err
	}

	l.logger.Debug().
		Str("workload_id", workloadID).
		Float64("cpu", limits.CPU).
		Float64("memory", limits.Memory).
		Msg("Limits applied")
	return true, nil
}

// ReleaseResources lifts the limits of the workload's task. A workload whose
// task is already gone has nothing to release.
func (l *ContainerdLimiter) ReleaseResources(ctx context.Context, workloadID string) error {
	if err := l.update(ctx, workloadID, Unlimited()); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (l *ContainerdLimiter) update(ctx context.Context, workloadID string, res *specs.LinuxResources) error {
	ctx = namespaces.WithNamespace(ctx, l.namespace)

	container, err := l.client.LoadContainer(ctx, workloadID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", workloadID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to get task for %s: %w", workloadID, err)
	}

	if err := task.Update(ctx, containerd.WithResources(res)); err != nil {
		return fmt.Errorf("failed to update task for %s: %w", workloadID, err)
	}
	return nil
}

// LinuxResources converts limits into cgroup resources: cpu cores become a
// CFS quota over a 100ms period plus proportional shares, memory MiB become
// a byte limit. A zero dimension is left unlimited.
func LinuxResources(limits types.Limits) (*specs.LinuxResources, error) {
	if limits.CPU < 0 || limits.Memory < 0 || math.IsNaN(limits.CPU) || math.IsNaN(limits.Memory) {
		return nil, fmt.Errorf("invalid limits cpu=%v memory=%v", limits.CPU, limits.Memory)
	}

	res := &specs.LinuxResources{}
	if limits.CPU > 0 {
		quota := int64(math.Round(limits.CPU * float64(cpuPeriod)))
		period := cpuPeriod
		shares := uint64(math.Max(2, math.Round(limits.CPU*sharesPerCPU)))
		res.CPU = &specs.LinuxCPU{Quota: &quota, Period: &period, Shares: &shares}
	}
	if limits.Memory > 0 {
		limit := int64(limits.Memory * bytesPerMiB)
		res.Memory = &specs.LinuxMemory{Limit: &limit}
	}
	return res, nil
}

// Unlimited returns resources that lift the cpu quota and memory limit
func Unlimited() *specs.LinuxResources {
	quota := int64(-1)
	period := cpuPeriod
	limit := int64(-1)
	return &specs.LinuxResources{
		CPU:    &specs.LinuxCPU{Quota: &quota, Period: &period},
		Memory: &specs.LinuxMemory{Limit: &limit},
	}
}
