package rpc

import "context"

// BatchTracer opens one span per executed batch. members holds the headers of
// every batch member in member order, so a tracer can link each caller's
// span. end receives the batch's failure kind, empty on success.
type BatchTracer interface {
	StartBatch(ctx context.Context, service string, members []map[string]string) (context.Context, func(kind string))
}

// NopBatchTracer starts no spans.
type NopBatchTracer struct{}

func (NopBatchTracer) StartBatch(ctx context.Context, _ string, _ []map[string]string) (context.Context, func(string)) {
	return ctx, func(string) {}
}
