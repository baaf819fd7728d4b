package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/propagation"

	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// Propagator injects and extracts trace context in envelope headers.
type Propagator struct {
	prop propagation.TextMapPropagator
}

var (
	_ rpc.HeaderPropagator = Propagator{}
	_ rpc.HeaderExtractor  = Propagator{}
)

// NewPropagator uses W3C trace context and baggage.
func NewPropagator() Propagator {
	return Propagator{prop: defaultPropagator()}
}

func defaultPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func (p Propagator) Inject(ctx context.Context, headers map[string]string) {
	if headers == nil {
		return
	}

	p.propagator().Inject(ctx, propagation.MapCarrier(headers))
}

func (p Propagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return p.propagator().Extract(ctx, propagation.MapCarrier(headers))
}

func (p Propagator) propagator() propagation.TextMapPropagator {
	if p.prop == nil {
		return defaultPropagator()
	}

	return p.prop
}
