// Package telemetry wraps OpenTelemetry SDK initialization, providing a
// centrally configured TracerProvider for workflow and stage spans. When
// telemetry is disabled a noop implementation is used and no external
// service is contacted.
package telemetry
