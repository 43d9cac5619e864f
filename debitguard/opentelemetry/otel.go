package opentelemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HandleSpanError marks span as failed and records err on it.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// HandleSpanBusinessOutcome annotates span with a non-error outcome, such as a
// rejection, without flagging the span as failed.
func HandleSpanBusinessOutcome(span trace.Span, kind, code, reason string) {
	if span == nil {
		return
	}

	span.SetAttributes(
		attribute.String("debitguard.outcome", kind),
		attribute.String("debitguard.outcome.code", code),
	)

	if reason != "" {
		span.AddEvent("outcome", trace.WithAttributes(attribute.String("reason", reason)))
	}
}
