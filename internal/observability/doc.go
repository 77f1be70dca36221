// Package observability provides monitoring and debugging capabilities for the
// gateway through metrics, structured logging, and distributed tracing.
//
// # Metrics
//
// Metrics are implemented with the Prometheus client libraries and track agent
// request outcomes, policy decisions, approval resolutions and wait times, the
// pending-approval backlog, agent connection state, and upstream dispatch
// latency. They are exposed on the HTTP surface at /metrics.
//
// # Logging
//
// Logging is built on log/slog. NewLogger wraps the chosen handler in a
// redaction layer that scrubs secrets (bot tokens, bearer tokens, API keys)
// from messages and attribute values before they are written. The gateway
// holds a shared secret for agent authentication; that value must never
// appear in log output.
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter. When no collector
// endpoint is configured the tracer is a no-op, so instrumentation points pay
// nothing in the default deployment.
package observability
