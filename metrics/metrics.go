package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

const okKind = "ok"

// Observer records runtime events into Prometheus collectors.
type Observer struct {
	batchSize       *prometheus.HistogramVec
	batchWait       *prometheus.HistogramVec
	batchesQueued   *prometheus.GaugeVec
	slotsInUse      *prometheus.GaugeVec
	handlerDuration *prometheus.HistogramVec
	outcomes        *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	calls           *prometheus.CounterVec
	rejected        *prometheus.CounterVec
}

var _ rpc.Observer = (*Observer)(nil)

// New registers the collectors on reg under namespace. A nil reg uses
// prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	f := promauto.With(reg)

	return &Observer{
		batchSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Number of requests per dispatched batch",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"service"},
		),
		batchWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_wait_seconds",
				Help:      "Time from batch open to dispatch into a worker slot",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"service"},
		),
		batchesQueued: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batches_queued",
				Help:      "Closed batches waiting for a free worker slot",
			},
			[]string{"service"},
		),
		slotsInUse: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_slots_in_use",
				Help:      "Worker slots currently executing a batch",
			},
			[]string{"service"},
		),
		handlerDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Handler execution time per batch",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_handled_total",
				Help:      "Requests executed by handlers, by outcome kind",
			},
			[]string{"service", "kind"},
		),
		callDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Caller-observed latency from publish to outcome",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		calls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Completed client calls, by outcome kind",
			},
			[]string{"service", "kind"},
		),
		rejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_rejected_total",
				Help:      "Deliveries rejected before reaching a handler",
			},
			[]string{"queue", "kind"},
		),
	}
}

func (o *Observer) BatchDispatched(service string, size int, waited time.Duration) {
	o.batchSize.WithLabelValues(service).Observe(float64(size))
	o.batchWait.WithLabelValues(service).Observe(waited.Seconds())
}

func (o *Observer) BatchQueued(service string, depth int) {
	o.batchesQueued.WithLabelValues(service).Set(float64(depth))
}

func (o *Observer) SlotsInUse(service string, n int) {
	o.slotsInUse.WithLabelValues(service).Set(float64(n))
}

func (o *Observer) HandlerFinished(service string, size int, elapsed time.Duration, kind string) {
	o.handlerDuration.WithLabelValues(service).Observe(elapsed.Seconds())
	o.outcomes.WithLabelValues(service, label(kind)).Add(float64(size))
}

func (o *Observer) CallFinished(service string, elapsed time.Duration, kind string) {
	o.callDuration.WithLabelValues(service).Observe(elapsed.Seconds())
	o.calls.WithLabelValues(service, label(kind)).Inc()
}

func (o *Observer) DeliveryRejected(queue, kind string) {
	o.rejected.WithLabelValues(queue, label(kind)).Inc()
}

func label(kind string) string {
	if kind == "" {
		return okKind
	}

	return kind
}
