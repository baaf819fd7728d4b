package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

const instrumentationName = "github.com/next-trace/scg-rpc-bus"

// Tracer implements rpc.BatchTracer. A batch serves many callers, so instead
// of a single parent the batch span carries one link per member whose
// headers hold a valid span context.
type Tracer struct {
	tracer trace.Tracer
	prop   Propagator
}

var _ rpc.BatchTracer = (*Tracer)(nil)

// NewTracer uses tp, or the global provider when tp is nil.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Tracer{tracer: tp.Tracer(instrumentationName), prop: NewPropagator()}
}

func (t *Tracer) StartBatch(ctx context.Context, service string, members []map[string]string) (context.Context, func(kind string)) {
	links := make([]trace.Link, 0, len(members))

	for _, h := range members {
		sc := trace.SpanContextFromContext(t.prop.Extract(context.Background(), h))
		if sc.IsValid() {
			links = append(links, trace.Link{SpanContext: sc})
		}
	}

	ctx, span := t.tracer.Start(ctx, "rpc.batch "+service,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithLinks(links...),
		trace.WithAttributes(
			attribute.String("rpc.service", service),
			attribute.Int("rpc.batch_size", len(members)),
		),
	)

	return ctx, func(kind string) {
		if kind != "" {
			span.SetAttributes(attribute.String("rpc.error_kind", kind))
			span.SetStatus(codes.Error, kind)
		}

		span.End()
	}
}
