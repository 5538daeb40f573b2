/*
Package scheduler decides which pending workload is placed next and where.

# Queue

Queue orders pending workloads by

	score = base(priority) + min(wait/1h, 1)*aging - retries*retryPenalty

with defaults high=100, normal=50, low=10, aging=20 and retryPenalty=5. The
wait is measured from the workload's submission, so a re-enqueued workload
keeps the age it had already accumulated. Equal scores are ordered by the
time of first enqueue and then by id. Enqueue is idempotent per id and
Dequeue returns types.ErrQueueEmpty instead of blocking.

The aging bonus is capped at the aging weight: after an hour a low priority
workload gains no further ground, which bounds how long it can be starved
without ever letting it overtake higher priorities by age alone.

# Placement

Placer runs the configured allocation strategy against the free cpu of the
available instances, converts the proposed share into a grant, asks the
balancer for a ranked list of instances and reserves the grant on the first
one that still has room. The resource limiter then enacts the grant; a
rejection releases the reservation. After every placement a recovery snapshot
of the instance is saved when a store is configured.

# Scheduling loop

Every interval the Scheduler dequeues the entries present at the start of
the pass, computes shares for the batch and places the workloads in score
order. A workload that cannot be placed consumes one retry and goes back on
the queue after the pass. Once its retries are exhausted it is marked failed
and a workload_failed alert is sent.
*/
package scheduler
