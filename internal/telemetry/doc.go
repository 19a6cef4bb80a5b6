// Package telemetry installs the OpenTelemetry tracer and meter providers
// used by the portal's HTTP middleware and batch client.
package telemetry
