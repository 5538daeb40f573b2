/*
Package api serves the engine over HTTP/JSON.

Endpoints:

	GET    /v1/status                      engine summary
	GET    /v1/workloads[?status=...]      list workloads
	POST   /v1/workloads                   submit a WorkloadSpec
	GET    /v1/workloads/{id}              get a workload
	POST   /v1/workloads/{id}/stop         stop a workload
	DELETE /v1/workloads/{id}              stop and forget a workload
	GET    /v1/workloads/{id}/statistics   utilisation statistics
	GET    /v1/workloads/{id}/scaling      retained scaling events
	GET    /v1/resources                   list resource instances
	POST   /v1/resources                   register an instance
	GET    /v1/resources/{id}              get an instance
	DELETE /v1/resources/{id}[?orphan=1]   deregister an instance
	GET    /v1/queue                       queued workloads by score
	GET    /v1/recoveries                  recent recovery results

The Prometheus /metrics endpoint and the /health, /ready and /live probes
are served on the same mux.

Errors are returned as {"error": "..."} with 404 for unknown ids, 409 for
duplicates, busy instances and invalid transitions, and 400 for rejected
submissions. A server configured ReadOnly answers every non-GET request
with 403; burrow run uses one on the metrics address.
*/
package api
