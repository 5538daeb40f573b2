// Package balancer ranks resource instances for a workload by combining
// current load, utilisation history and how well the free capacity fits the
// demand. The highest score wins and equal scores go to the smaller id.
package balancer
