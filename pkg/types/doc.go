/*
Package types defines the core data structures shared by every Burrow component.

It holds the workload and resource model, the allocation record, the recovery
snapshot, the collaborator interfaces the engine consumes, and the sentinel
errors that make up the engine's error taxonomy.

# Core Types

Workloads:
  - Workload: unit of work with requirements, priority, status and metrics history
  - WorkloadSpec: what a caller submits for admission
  - Priority: high, normal, low
  - WorkloadStatus: pending, running, stopping, completed, failed, warning

Resources:
  - ResourceInstance: allocatable capacity with health and bound workloads
  - HealthStatus: available, degraded, unavailable
  - AllocationRecord: workload -> resource -> granted amount
  - RecoverySnapshot: state/config/workloads/timestamp used to restore an instance

Outcomes:
  - ScalingEvent: one autoscaling decision
  - RecoveryResult: success flag, duration and actions of one recovery

# Collaborators

The engine never talks to the outside world directly. It consumes:

	MetricsSource     utilisation samples per workload
	Predictor         demand estimates for load-based allocation
	ResourceLimiter   enacts limits in the workload runtime
	Notifier          non-blocking alert delivery
	PersistenceStore  durable recovery snapshots
	ResourceProber    reachability checks for resource instances

# Errors

Errors are sentinels wrapped with fmt.Errorf("...: %w", err). Use errors.Is or
the IsAdmissionError / IsAllocationError helpers to classify them, and
ClassifyFailure to map a recovery error onto resourceExhausted, systemOverload,
networkError or generic.
*/
package types
