package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newObserver(t *testing.T) (*Observer, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()

	return New("rpc", reg), reg
}

func TestObserver_HandlerOutcomes(t *testing.T) {
	o, _ := newObserver(t)

	o.HandlerFinished("predict", 4, 20*time.Millisecond, "")
	o.HandlerFinished("predict", 2, 5*time.Millisecond, "rpc.handler_error")

	assert.InDelta(t, 4, testutil.ToFloat64(o.outcomes.WithLabelValues("predict", "ok")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(o.outcomes.WithLabelValues("predict", "rpc.handler_error")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(o.handlerDuration))
}

func TestObserver_Gauges(t *testing.T) {
	o, _ := newObserver(t)

	o.SlotsInUse("square", 3)
	o.SlotsInUse("square", 1)
	o.BatchQueued("square", 7)

	assert.InDelta(t, 1, testutil.ToFloat64(o.slotsInUse.WithLabelValues("square")), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(o.batchesQueued.WithLabelValues("square")), 0)
}

func TestObserver_CallsAndRejections(t *testing.T) {
	o, _ := newObserver(t)

	o.CallFinished("square", time.Millisecond, "")
	o.CallFinished("square", time.Second, "rpc.timeout")
	o.CallFinished("square", time.Second, "rpc.timeout")
	o.DeliveryRejected("square", "rpc.delivery")

	assert.InDelta(t, 1, testutil.ToFloat64(o.calls.WithLabelValues("square", "ok")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(o.calls.WithLabelValues("square", "rpc.timeout")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(o.rejected.WithLabelValues("square", "rpc.delivery")), 0)
}

func TestObserver_BatchDispatched(t *testing.T) {
	o, reg := newObserver(t)

	o.BatchDispatched("predict", 4, 10*time.Millisecond)
	o.BatchDispatched("predict", 2, 100*time.Millisecond)

	n, err := testutil.GatherAndCount(reg, "rpc_batch_size", "rpc_batch_wait_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New("rpc", prometheus.NewRegistry())
		New("rpc", prometheus.NewRegistry())
	})
}
