/*
Package workload owns workload state: the status state machine, the bounded
metrics history, retry counters and the allocation a workload currently holds.

	pending  -> running | failed
	running  -> stopping | failed | warning
	warning  -> running | failed | stopping
	stopping -> completed | failed

completed and failed are terminal. Setting a workload's current status again
is a no-op; every other transition outside the table returns
types.ErrInvalidTransition.

The history is a ring buffer of HistoryMaxLength samples; once full, each new
sample evicts the oldest. Statistics summarises it with gonum/stat.

The scheduler, the monitoring loop, the autoscaler and recovery all mutate
workloads through a shared Lifecycle, which serialises access internally.
*/
package workload
