// Package telemetry provides the audit and observability recorder for the
// payment core.
//
// The Recorder separates three concerns:
//
// # Audit log
//
// Every event and error is appended to a Sink (the payment store) as an
// AuditEntry. The audit log is the durable trail attached to a payment.
//
// # Counters
//
// Monotonic counters per event and error type, kept in memory for
// inspection and mirrored to Prometheus for scraping.
//
// # Traces
//
// Timed operations composed of ordered spans. Each trace is backed by an
// OpenTelemetry span, so traces reach whatever exporter NewTracing
// installed, and its duration lands in a Prometheus histogram.
//
// Recorder calls never fail the caller: sink errors are logged and dropped.
package telemetry
