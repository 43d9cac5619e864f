// Package zap adapts go.uber.org/zap to the debitguard log.Logger interface
// and tees every entry into the OpenTelemetry log bridge.
package zap
