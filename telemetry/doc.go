// Package telemetry bridges the RPC runtime to OpenTelemetry.
//
// Propagator carries W3C trace context through request envelope headers,
// Tracer opens one span per executed batch linked to every caller's span,
// and Init bootstraps the SDK with an OTLP/gRPC exporter. When telemetry is
// disabled the global providers stay noop.
package telemetry
