/*
Package registry tracks resource instances: their capacity, the amount
allocated to workloads, their health and the set of workloads bound to them.

Every mutation of one instance (Allocate, Release, Resize, SetHealth,
Restore) runs under that instance's lock, so the sum of the allocations on
an instance never exceeds its capacity even when the scheduling loop and
recovery workers allocate concurrently. A workload holds at most one
allocation record at a time.

Only instances that are available accept new allocations. A degraded
instance keeps its current workloads but is skipped by Available.

Snapshot and Restore capture and reapply an instance's state, configuration
and allocation records for recovery.
*/
package registry
