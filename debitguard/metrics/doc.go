// Package metrics is a small factory over OpenTelemetry instruments with the
// metric definitions debitguard components emit.
package metrics
