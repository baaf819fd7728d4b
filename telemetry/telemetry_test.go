package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/scg-rpc-bus/config"
)

func recorder(t *testing.T) (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return tp, sr
}

func TestPropagator_RoundTrip(t *testing.T) {
	tp, _ := recorder(t)

	ctx, span := tp.Tracer("test").Start(t.Context(), "caller")
	defer span.End()

	p := NewPropagator()
	headers := map[string]string{}
	p.Inject(ctx, headers)

	require.Contains(t, headers, "traceparent")

	got := trace.SpanContextFromContext(p.Extract(t.Context(), headers))
	assert.Equal(t, span.SpanContext().TraceID(), got.TraceID())
	assert.Equal(t, span.SpanContext().SpanID(), got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestPropagator_EmptyHeaders(t *testing.T) {
	p := Propagator{}

	assert.NotPanics(t, func() { p.Inject(t.Context(), nil) })

	ctx := p.Extract(t.Context(), nil)
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}

func TestTracer_LinksEveryCaller(t *testing.T) {
	tp, sr := recorder(t)
	p := NewPropagator()

	var (
		members []map[string]string
		callers []trace.SpanContext
	)

	for range 3 {
		ctx, span := tp.Tracer("caller").Start(t.Context(), "call")
		h := map[string]string{}
		p.Inject(ctx, h)
		members = append(members, h)
		callers = append(callers, span.SpanContext())
		span.End()
	}

	// a member without trace context gets no link
	members = append(members, map[string]string{})

	_, end := NewTracer(tp).StartBatch(t.Context(), "predict", members)
	end("")

	var batch sdktrace.ReadOnlySpan

	for _, s := range sr.Ended() {
		if s.Name() == "rpc.batch predict" {
			batch = s
		}
	}

	require.NotNil(t, batch)
	assert.Equal(t, trace.SpanKindConsumer, batch.SpanKind())
	require.Len(t, batch.Links(), 3)

	for i, l := range batch.Links() {
		assert.Equal(t, callers[i].SpanID(), l.SpanContext.SpanID())
	}

	assert.Contains(t, batch.Attributes(), attribute.Int("rpc.batch_size", 4))
	assert.Equal(t, codes.Unset, batch.Status().Code)
}

func TestTracer_FailureStatus(t *testing.T) {
	tp, sr := recorder(t)

	_, end := NewTracer(tp).StartBatch(t.Context(), "square", []map[string]string{{}})
	end("rpc.timeout")

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "rpc.timeout", spans[0].Status().Description)
}

func TestInit_Disabled(t *testing.T) {
	p, err := Init(t.Context(), config.Telemetry{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, p.TracerProvider())
	assert.NoError(t, p.Shutdown(t.Context()))
}

func TestInit_Enabled(t *testing.T) {
	orig := otel.GetTracerProvider()
	origProp := otel.GetTextMapPropagator()

	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		otel.SetTextMapPropagator(origProp)
	})

	cfg := config.Telemetry{
		Enabled:     true,
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "rpcbus-test",
		SampleRate:  1,
	}

	p, err := Init(t.Context(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, p.TracerProvider())

	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, isSDK)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = p.Shutdown(ctx)
	})
}
