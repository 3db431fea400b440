// Package telemetry wires OpenTelemetry tracing and metrics for securerag.
//
// New installs global tracer and meter providers exporting over OTLP (gRPC or
// HTTP). Packages obtain tracers with otel.Tracer, so instrumentation works
// unchanged whether telemetry is enabled, disabled (no-op) or replaced by
// NewTestTelemetry in tests.
package telemetry
