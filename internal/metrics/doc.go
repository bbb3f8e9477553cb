/*
Package metrics provides Prometheus-based instrumentation for the query
service, covering the HTTP surface, workflow executions, stage retries,
validation verdicts, and the human-review checkpoints.

The Collector registers its vectors through promauto against the default
registry, so the HTTP server only has to expose promhttp. A nil
*Collector is valid and records nothing, which keeps instrumentation
optional in tests and library use.
*/
package metrics
