package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workload metrics
	WorkloadsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_workloads_total",
			Help: "Total number of workloads by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_queue_depth",
			Help: "Number of workloads waiting in the priority queue",
		},
	)

	// Resource metrics
	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_resources_total",
			Help: "Total number of resource instances by health",
		},
		[]string{"health"},
	)

	ResourceUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_resource_utilization_ratio",
			Help: "Allocated fraction of the most constrained dimension per resource instance",
		},
		[]string{"resource_id"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_scheduling_latency_seconds",
			Help:    "Time taken by one scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkloadsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_workloads_scheduled_total",
			Help: "Total number of workloads bound to a resource instance",
		},
	)

	AllocationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_allocation_failures_total",
			Help: "Total number of failed allocation attempts by reason",
		},
		[]string{"reason"},
	)

	WorkloadsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_workloads_failed_total",
			Help: "Total number of workloads that reached the failed state",
		},
	)

	// Autoscaler metrics
	ScalingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_scaling_events_total",
			Help: "Total number of scaling actions by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	// Recovery metrics
	RecoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_recovery_attempts_total",
			Help: "Total number of recovery attempts by path and outcome",
		},
		[]string{"path", "outcome"},
	)

	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_recoveries_total",
			Help: "Total number of handled resource failures by outcome",
		},
		[]string{"outcome"},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_recovery_duration_seconds",
			Help:    "Time taken to recover a workload in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	// Monitoring loop metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_reconciliation_duration_seconds",
			Help:    "Time taken by one monitoring pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_reconciliation_cycles_total",
			Help: "Total number of monitoring passes",
		},
	)

	// Alert metrics
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_alerts_total",
			Help: "Total number of alerts emitted by type",
		},
		[]string{"type"},
	)

	AlertsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_alerts_dropped_total",
			Help: "Total number of alerts dropped because the event buffer was full",
		},
	)

	AlertsThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_alerts_throttled_total",
			Help: "Total number of repeated alerts suppressed by type",
		},
		[]string{"type"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkloadsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(ResourceUtilization)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(WorkloadsScheduled)
	prometheus.MustRegister(AllocationFailures)
	prometheus.MustRegister(WorkloadsFailed)
	prometheus.MustRegister(ScalingEventsTotal)
	prometheus.MustRegister(RecoveryAttemptsTotal)
	prometheus.MustRegister(RecoveriesTotal)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(AlertsTotal)
	prometheus.MustRegister(AlertsDropped)
	prometheus.MustRegister(AlertsThrottled)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
