package interceptors

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/conveyor/contracts"
)

// TraceParentKey is the W3C header the trace context value is stored under
const TraceParentKey = "traceparent"

// TracingInterceptor opens a consumer span per delivery. The span continues
// the trace found in the delivery's trace context.
type TracingInterceptor struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracingInterceptor creates a tracing interceptor. A nil tracer uses the
// global tracer provider.
func NewTracingInterceptor(tracer trace.Tracer) *TracingInterceptor {
	if tracer == nil {
		tracer = otel.Tracer("github.com/glimte/conveyor")
	}
	return &TracingInterceptor{
		tracer:     tracer,
		propagator: propagation.TraceContext{},
	}
}

// Intercept implements Interceptor
func (i *TracingInterceptor) Intercept(ctx context.Context, msg any, next Handler) error {
	dc, _ := contracts.DeliveryFromContext(ctx)

	name := "message process"
	var attrs []attribute.KeyValue
	attrs = append(attrs,
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.operation", "process"),
	)

	if dc != nil {
		if dc.TraceContext != "" {
			ctx = i.propagator.Extract(ctx, propagation.MapCarrier{TraceParentKey: dc.TraceContext})
		}
		name = fmt.Sprintf("%s process", dc.RoutingKey)
		attrs = append(attrs,
			attribute.String("messaging.destination.name", dc.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", dc.RoutingKey),
			attribute.String("messaging.message.id", dc.MessageID),
			attribute.String("messaging.message.conversation_id", dc.CorrelationID),
		)
	}

	spanCtx, span := i.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	if err := next.Handle(spanCtx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Name implements Interceptor
func (i *TracingInterceptor) Name() string {
	return "TracingInterceptor"
}

// InjectTraceParent returns the W3C traceparent of the span in ctx, or ""
// when ctx carries no valid span
func InjectTraceParent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier.Get(TraceParentKey)
}
