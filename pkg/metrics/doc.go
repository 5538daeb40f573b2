/*
Package metrics exposes Prometheus instrumentation and process health for the
burrow engine.

All collectors are package-level variables registered with the default
Prometheus registry at init time, so any package can record a value without
plumbing a registry through constructors:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	metrics.AllocationFailures.WithLabelValues("insufficient_capacity").Inc()

Handler serves the text exposition format and is mounted on /metrics by the
burrow binary.

# Collector

Gauges describing the overall engine state (workloads per status, resource
instances per health, per-instance utilisation and queue depth) are written by
a Collector that polls a StateSource on a fixed interval. The manager
implements StateSource; tests supply a fake.

# Health

The health registry tracks named components. GetHealth reports unhealthy when
a critical component fails and degraded when only a non-critical component
fails. GetReadiness waits until every critical component (scheduler,
reconciler and store by default) has registered as healthy. HealthHandler,
ReadyHandler and LivenessHandler serve these as JSON.

# Metric names

	burrow_workloads_total{status}
	burrow_queue_depth
	burrow_resources_total{health}
	burrow_resource_utilization_ratio{resource_id}
	burrow_scheduling_latency_seconds
	burrow_workloads_scheduled_total
	burrow_allocation_failures_total{reason}
	burrow_workloads_failed_total
	burrow_scaling_events_total{direction,outcome}
	burrow_recovery_attempts_total{path,outcome}
	burrow_recoveries_total{outcome}
	burrow_recovery_duration_seconds
	burrow_reconciliation_duration_seconds
	burrow_reconciliation_cycles_total
	burrow_alerts_total{type}
	burrow_alerts_dropped_total
*/
package metrics
