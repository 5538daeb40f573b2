// Package autoscaler grows and shrinks the limits of running workloads from
// their utilisation samples, at most once per cooldown per workload.
//
// A scaling attempt first resizes the workload's reservation in the registry,
// so it can never exceed the instance's capacity, and then enacts the new
// limits through the resource limiter. A rejection by either leaves the
// allocation unchanged. Every attempt is recorded as a ScalingEvent and
// announced through the notifier.
package autoscaler
