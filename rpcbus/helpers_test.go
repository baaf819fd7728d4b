package rpcbus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-rpc-bus/adapters/inmemory"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/registry"
	"github.com/next-trace/scg-rpc-bus/rpcbus"
)

type harness struct {
	broker *inmemory.Broker
	server *rpcbus.Server
	client *rpcbus.Client
	obs    *recordingObserver
	ctx    context.Context
	stop   context.CancelFunc
	served chan error
}

func newHarness(t *testing.T, copts ...rpcbus.ClientOption) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	h := &harness{broker: inmemory.New(), obs: &recordingObserver{}, ctx: ctx, stop: cancel}
	reg := registry.New()
	h.server = rpcbus.NewServer(h.broker, reg, rpcbus.WithServerObserver(h.obs))

	c, err := rpcbus.NewClient(ctx, h.broker, reg, append([]rpcbus.ClientOption{rpcbus.WithClientObserver(h.obs)}, copts...)...)
	require.NoError(t, err)

	h.client = c

	t.Cleanup(func() {
		_ = h.client.Close()
		shutdown, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = h.server.Shutdown(shutdown)
		cancel()
	})

	return h
}

func (h *harness) serve(t *testing.T) {
	t.Helper()

	h.served = make(chan error, 1)

	go func() { h.served <- h.server.Serve(h.ctx) }()
}

type recordingObserver struct {
	rpc.NopObserver

	mu       sync.Mutex
	rejected []string
	calls    []string
	batches  []int
}

func (o *recordingObserver) DeliveryRejected(queue, kind string) {
	o.mu.Lock()
	o.rejected = append(o.rejected, queue+":"+kind)
	o.mu.Unlock()
}

func (o *recordingObserver) CallFinished(_ string, _ time.Duration, kind string) {
	o.mu.Lock()
	o.calls = append(o.calls, kind)
	o.mu.Unlock()
}

func (o *recordingObserver) BatchDispatched(_ string, size int, _ time.Duration) {
	o.mu.Lock()
	o.batches = append(o.batches, size)
	o.mu.Unlock()
}

func (o *recordingObserver) rejectedSnapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]string(nil), o.rejected...)
}

// flakyBroker fails the first n publishes to one queue.
type flakyBroker struct {
	rpc.Broker

	queue string
	fails atomic.Int32
}

func (f *flakyBroker) Publish(ctx context.Context, queue string, msg rpc.Message) error {
	if queue == f.queue && f.fails.Add(-1) >= 0 {
		return errors.New("connection reset")
	}

	return f.Broker.Publish(ctx, queue, msg)
}
