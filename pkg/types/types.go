package types

import (
	"sort"
	"time"
)

// Priority is the admission priority level of a workload
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the known priority levels
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// WorkloadStatus represents the lifecycle state of a workload
type WorkloadStatus string

const (
	WorkloadPending   WorkloadStatus = "pending"
	WorkloadRunning   WorkloadStatus = "running"
	WorkloadStopping  WorkloadStatus = "stopping"
	WorkloadCompleted WorkloadStatus = "completed"
	WorkloadFailed    WorkloadStatus = "failed"
	WorkloadWarning   WorkloadStatus = "warning"
)

// Terminal reports whether no further transitions are allowed from s
func (s WorkloadStatus) Terminal() bool {
	return s == WorkloadCompleted || s == WorkloadFailed
}

// Active reports whether a workload in state s holds an allocation
func (s WorkloadStatus) Active() bool {
	return s == WorkloadRunning || s == WorkloadWarning
}

// HealthStatus represents the health of a resource instance
type HealthStatus string

const (
	HealthAvailable   HealthStatus = "available"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
)

// SizeClass is the declared size of a workload, used by fixed quota allocation
type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

// Requirements is a resource vector. CPU is in cores, Memory in MiB.
type Requirements struct {
	CPU    float64 `json:"cpu" yaml:"cpu"`
	Memory float64 `json:"memory" yaml:"memory"`
}

// Add returns r + o
func (r Requirements) Add(o Requirements) Requirements {
	return Requirements{CPU: r.CPU + o.CPU, Memory: r.Memory + o.Memory}
}

// Sub returns r - o
func (r Requirements) Sub(o Requirements) Requirements {
	return Requirements{CPU: r.CPU - o.CPU, Memory: r.Memory - o.Memory}
}

// Scale returns r multiplied by f in every dimension
func (r Requirements) Scale(f float64) Requirements {
	return Requirements{CPU: r.CPU * f, Memory: r.Memory * f}
}

// Fits reports whether r fits inside capacity in every dimension
func (r Requirements) Fits(capacity Requirements) bool {
	const epsilon = 1e-9
	return r.CPU <= capacity.CPU+epsilon && r.Memory <= capacity.Memory+epsilon
}

// IsZero reports whether every dimension is zero
func (r Requirements) IsZero() bool {
	return r.CPU == 0 && r.Memory == 0
}

// Limits are the runtime limits enacted for a workload
type Limits = Requirements

// MetricsSample is one observation of a workload's utilisation.
// Usage values are percentages in [0, 100].
type MetricsSample struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	Timestamp   time.Time `json:"timestamp"`
}

// Peak returns the larger of the cpu and memory usage
func (m MetricsSample) Peak() float64 {
	if m.CPUUsage > m.MemoryUsage {
		return m.CPUUsage
	}
	return m.MemoryUsage
}

// WorkloadSpec is what a caller submits for admission
type WorkloadSpec struct {
	ID           string       `json:"id" yaml:"id"`
	Requirements Requirements `json:"requirements" yaml:"requirements"`
	Priority     Priority     `json:"priority" yaml:"priority"`
	Weight       float64      `json:"weight,omitempty" yaml:"weight,omitempty"`
	SizeClass    SizeClass    `json:"size,omitempty" yaml:"size,omitempty"`
}

// Workload represents a unit of work requesting resource capacity
type Workload struct {
	ID           string         `json:"id"`
	Requirements Requirements   `json:"requirements"`
	Priority     Priority       `json:"priority"`
	Status       WorkloadStatus `json:"status"`
	RetryCount   int            `json:"retry_count"`
	Weight       float64        `json:"weight,omitempty"`
	SizeClass    SizeClass      `json:"size,omitempty"`

	// Allocation state, set while the workload holds a binding
	ResourceID string       `json:"resource_id,omitempty"`
	Allocated  Requirements `json:"allocated"`
	Limits     Limits       `json:"limits"`

	// History holds the retained metrics samples, oldest first
	History []MetricsSample `json:"history,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	WarningSince time.Time `json:"warning_since"`
	Message      string    `json:"message,omitempty"`
}

// LastSample returns the most recent metrics sample, if any
func (w *Workload) LastSample() (MetricsSample, bool) {
	if len(w.History) == 0 {
		return MetricsSample{}, false
	}
	return w.History[len(w.History)-1], true
}

// ResourceInstance represents a unit of allocatable capacity such as a compute node
type ResourceInstance struct {
	ID          string       `json:"id" yaml:"id"`
	Capacity    Requirements `json:"capacity" yaml:"capacity"`
	Allocated   Requirements `json:"allocated" yaml:"-"`
	Health      HealthStatus `json:"health" yaml:"health,omitempty"`
	Workloads   []string     `json:"workloads" yaml:"-"`
	ProbeType   string       `json:"probe_type,omitempty" yaml:"probeType,omitempty"`
	ProbeAddr   string       `json:"probe_addr,omitempty" yaml:"probeAddr,omitempty"`
	LastUpdated time.Time    `json:"last_updated" yaml:"-"`
}

// Free returns the unallocated capacity
func (r *ResourceInstance) Free() Requirements {
	return r.Capacity.Sub(r.Allocated)
}

// Utilization returns the allocated fraction of the most constrained dimension
func (r *ResourceInstance) Utilization() float64 {
	var u float64
	if r.Capacity.CPU > 0 {
		u = r.Allocated.CPU / r.Capacity.CPU
	}
	if r.Capacity.Memory > 0 {
		if m := r.Allocated.Memory / r.Capacity.Memory; m > u {
			u = m
		}
	}
	return u
}

// Clone returns a deep copy of the instance
func (r *ResourceInstance) Clone() *ResourceInstance {
	c := *r
	c.Workloads = append([]string(nil), r.Workloads...)
	return &c
}

// Bind adds a workload id to the bound set, keeping it sorted
func (r *ResourceInstance) Bind(workloadID string) {
	i := sort.SearchStrings(r.Workloads, workloadID)
	if i < len(r.Workloads) && r.Workloads[i] == workloadID {
		return
	}
	r.Workloads = append(r.Workloads, "")
	copy(r.Workloads[i+1:], r.Workloads[i:])
	r.Workloads[i] = workloadID
}

// Unbind removes a workload id from the bound set
func (r *ResourceInstance) Unbind(workloadID string) {
	i := sort.SearchStrings(r.Workloads, workloadID)
	if i < len(r.Workloads) && r.Workloads[i] == workloadID {
		r.Workloads = append(r.Workloads[:i], r.Workloads[i+1:]...)
	}
}

// AllocationRecord binds a workload to a resource instance with a granted amount
type AllocationRecord struct {
	WorkloadID string       `json:"workload_id"`
	ResourceID string       `json:"resource_id"`
	Amount     Requirements `json:"amount"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ScaleDirection is the direction of an autoscaling action
type ScaleDirection string

const (
	ScaleUp   ScaleDirection = "up"
	ScaleDown ScaleDirection = "down"
)

// ScalingEvent records one autoscaling decision and its outcome
type ScalingEvent struct {
	ID         string         `json:"id"`
	WorkloadID string         `json:"workload_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Direction  ScaleDirection `json:"direction"`
	OldLimits  Limits         `json:"old_limits"`
	NewLimits  Limits         `json:"new_limits"`
	Success    bool           `json:"success"`
	Reason     string         `json:"reason,omitempty"`
}

// RecoveryAction is one step taken while recovering a workload
type RecoveryAction struct {
	Attempt   int       `json:"attempt"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// RecoveryResult is the outcome of handling one resource failure
type RecoveryResult struct {
	ID          string           `json:"id"`
	ResourceID  string           `json:"resource_id"`
	WorkloadID  string           `json:"workload_id"`
	Success     bool             `json:"success"`
	Duration    time.Duration    `json:"duration"`
	Attempts    int              `json:"attempts"`
	FailedOver  bool             `json:"failed_over"`
	NewResource string           `json:"new_resource,omitempty"`
	Delays      []time.Duration  `json:"delays,omitempty"`
	Actions     []RecoveryAction `json:"actions"`
	FailureType FailureType      `json:"failure_type,omitempty"`
}
