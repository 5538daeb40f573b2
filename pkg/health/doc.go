// Package health probes resource instances over HTTP or TCP.
//
// A Prober keeps the consecutive failure count of every probed instance and
// maps it onto a resource health: one failure makes an instance degraded,
// Retries failures in a row make it unavailable, and any success makes it
// available again. Instances without a probe type are never probed.
//
// HTTP agents may answer with a JSON load report ({"cpu": 0.4, "memory":
// 0.7}). The monitoring loop feeds the reported peak to the load balancer's
// history in place of the allocated fraction.
package health
