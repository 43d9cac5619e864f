package http

import (
	"errors"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/metrics"
	"github.com/LerianStudio/lib-debitguard/debitguard/opentelemetry"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HeaderRequestID carries the correlation id in and out.
const HeaderRequestID = "X-Request-Id"

// WithTracking attaches the logger, tracer, metrics factory and a request id
// to the user context, opens a server span continuing any incoming W3C trace
// context and writes one access log line per request.
func WithTracking(logger log.Logger, tracer trace.Tracer, factory *metrics.Factory) fiber.Handler {
	logger = log.OrNop(logger)

	return func(c *fiber.Ctx) error {
		start := time.Now()

		requestID := c.Get(HeaderRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		c.Set(HeaderRequestID, requestID)

		ctx := opentelemetry.ExtractHTTPContext(c)
		ctx = debitguard.ContextWithLogger(ctx, logger)
		ctx = debitguard.ContextWithRequestID(ctx, requestID)
		ctx = debitguard.ContextWithMetrics(ctx, factory)

		if tracer != nil {
			ctx = debitguard.ContextWithTracer(ctx, tracer)
		}

		reqLogger, tr, _ := debitguard.NewTrackingFromContext(ctx)

		ctx, span := tr.Start(ctx, c.Method(), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Method()),
			attribute.String("http.target", c.Path()),
			attribute.String("debitguard.request_id", requestID),
		)

		c.SetUserContext(ctx)

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		// The matched route is only known once the handler ran.
		span.SetName(c.Method() + " " + c.Route().Path)
		span.SetAttributes(attribute.Int("http.status_code", status))

		reqLogger.Log(ctx, log.LevelInfo, "http request",
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Int("status", status),
			log.Duration("duration", time.Since(start)),
		)

		return err
	}
}

// ErrorHandler renders fiber errors with their own status and everything
// else as a generic 500, logging the cause.
func ErrorHandler(c *fiber.Ctx, err error) error {
	ctx := c.UserContext()
	opentelemetry.HandleSpanError(trace.SpanFromContext(ctx), "handler error", err)

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return WriteError(c, fe.Code, "request_failed", fe.Message)
	}

	logger, _, _ := debitguard.NewTrackingFromContext(ctx)
	logger.Log(ctx, log.LevelError, "handler error",
		log.String("method", c.Method()),
		log.String("path", c.Path()),
		log.Err(err),
	)

	return InternalServerError(c)
}
