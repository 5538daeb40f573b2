/*
Package reconciler implements the monitoring loop of the engine.

Every cycle the reconciler:

 1. Probes each resource instance and moves it between available, degraded
    and unavailable as its probe failure streak dictates.
 2. Records each instance's utilisation in the load balancer history.
 3. Hands workloads bound to an unavailable or deregistered instance to the
    recovery manager.
 4. Samples every running or warning workload, records the sample and raises
    threshold alerts.
 5. Moves workloads into warning while they breach the warning threshold and
    back to running when they stop; a workload in warning past the deadline
    fails and releases its allocation.
 6. Passes the sample to the autoscaler.

The loop runs independently of the scheduler. Both only touch shared state
through the registry and lifecycle accessors.
*/
package reconciler
