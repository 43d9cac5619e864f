package opentelemetry

import (
	"context"
	"sync"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var propagatorOnce sync.Once

// SetDefaultPropagator installs the W3C trace context and baggage propagator
// globally. Later calls are no-ops.
func SetDefaultPropagator() {
	propagatorOnce.Do(func() {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	})
}

// ExtractHTTPContext returns the fiber user context carrying any trace
// context found in the request headers.
func ExtractHTTPContext(c *fiber.Ctx) context.Context {
	carrier := propagation.HeaderCarrier{}

	c.Request().Header.VisitAll(func(key, value []byte) {
		carrier.Set(string(key), string(value))
	})

	return otel.GetTextMapPropagator().Extract(c.UserContext(), carrier)
}

// PrepareQueueHeaders copies base and adds the trace context of ctx, ready
// for an AMQP publishing.
func PrepareQueueHeaders(ctx context.Context, base map[string]any) map[string]any {
	carrier := propagation.HeaderCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make(map[string]any, len(base)+len(carrier))
	for k, v := range base {
		headers[k] = v
	}

	for k, v := range carrier {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return headers
}

// ExtractQueueContext returns ctx carrying the trace context found in AMQP
// headers.
func ExtractQueueContext(ctx context.Context, headers map[string]any) context.Context {
	carrier := propagation.HeaderCarrier{}

	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier.Set(k, s)
		}
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
