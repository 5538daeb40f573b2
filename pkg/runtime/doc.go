// Package runtime enacts allocation decisions in the workload runtime.
//
// ContainerdLimiter maps a workload id to the containerd container of the
// same id and updates its task's cgroup resources: a CFS cpu quota over a
// 100ms period with proportional cpu shares, and a memory limit in bytes.
// Releasing a workload lifts both limits. NopLimiter accepts every limit and
// is used when no runtime is attached.
package runtime
