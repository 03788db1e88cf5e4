// Package observability provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the gateway.
//
// The logger is a thin wrapper over stdlib slog with JSON output. Metrics
// are registered against a caller-supplied Prometheus registry so tests can
// use isolated registries. Tracing is optional and configured via OTelConfig.
package observability
