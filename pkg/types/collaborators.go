package types

import (
	"context"
	"time"
)

// MetricsSource supplies utilisation samples for running workloads
type MetricsSource interface {
	Sample(ctx context.Context, workloadID string) (MetricsSample, error)
}

// Predictor estimates near-term demand from a workload's metrics history.
// The returned values use the same percentage scale as MetricsSample.
type Predictor interface {
	PredictDemand(ctx context.Context, history []MetricsSample) (Requirements, error)
}

// ResourceLimiter enacts allocation decisions in the workload runtime
type ResourceLimiter interface {
	// ApplyLimits returns false when the runtime rejects the limits
	ApplyLimits(ctx context.Context, workloadID string, limits Limits) (bool, error)
	ReleaseResources(ctx context.Context, workloadID string) error
}

// Notifier delivers alerts. Implementations must not block the caller.
type Notifier interface {
	SendAlert(alert Alert)
}

// PersistenceStore keeps recovery snapshots in durable storage
type PersistenceStore interface {
	SaveSnapshot(ctx context.Context, snapshot *RecoverySnapshot) error
	LoadSnapshot(ctx context.Context, resourceID string) (*RecoverySnapshot, error)
}

// ResourceProber checks whether a resource instance is reachable
type ResourceProber interface {
	Probe(ctx context.Context, resource *ResourceInstance) error
}

// AlertType categorises alerts emitted by the engine
type AlertType string

const (
	AlertThreshold       AlertType = "threshold"
	AlertScaling         AlertType = "scaling"
	AlertRecovery        AlertType = "recovery"
	AlertRecoveryFailure AlertType = "recovery_failure"
	AlertResourceHealth  AlertType = "resource_health"
	AlertWorkloadFailed  AlertType = "workload_failed"
)

// Severity is the urgency of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a recovery, scaling or threshold event handed to a Notifier
type Alert struct {
	Type       AlertType
	Severity   Severity
	WorkloadID string
	ResourceID string
	Message    string
	Timestamp  time.Time
	Data       map[string]string
}
