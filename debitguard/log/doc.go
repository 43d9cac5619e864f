// Package log defines the logging interface used across debitguard and the
// typed fields attached to log events.
//
// Adapters such as the zap package implement Logger so components never
// depend on a concrete backend.
package log
