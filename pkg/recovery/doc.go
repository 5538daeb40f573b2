// Package recovery restores workloads after their resource instance fails.
//
// A recovery runs up to MaxRetries local attempts. Each attempt is bounded by
// Timeout and first tries to restore the instance from its last snapshot,
// probing it when a prober is configured; otherwise, or when that does not
// bring the workload back, the workload is reallocated through the configured
// allocation strategy. Attempts are separated by exponential backoff
// (BaseDelay, 2*BaseDelay, ...). When every local attempt fails a single
// failover attempt places the workload, with its full requirements, on any
// other available instance.
//
// A workload whose recovery is exhausted is marked failed, its allocation is
// released and exactly one recovery failure alert is sent. At most Workers
// recoveries run concurrently.
package recovery
