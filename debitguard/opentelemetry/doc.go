// Package opentelemetry holds the span helpers shared by components and the
// W3C trace context propagation used at the HTTP and AMQP boundaries.
//
// Call SetDefaultPropagator once at startup; ExtractHTTPContext continues an
// incoming trace and PrepareQueueHeaders carries the current one onto a
// published message.
package opentelemetry
