package rpcbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/next-trace/scg-rpc-bus/batch"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/envelope"
	"github.com/next-trace/scg-rpc-bus/invoker"
	"github.com/next-trace/scg-rpc-bus/pool"
	"github.com/next-trace/scg-rpc-bus/registry"
)

// Server consumes service queues and executes registered handlers.
//
// Server is concurrency-safe and contains no global state.
type Server struct {
	broker    rpc.Broker
	reg       *registry.Registry
	logger    *slog.Logger
	obs       rpc.Observer
	extractor rpc.HeaderExtractor
	tracer    rpc.BatchTracer
	inv       *invoker.Invoker

	mu       sync.Mutex
	services []*service
	subs     []rpc.Subscription
	inflight map[string]struct{}
	serving  bool
	closed   bool
	// ackCtx outlives Serve's ctx so that draining batches can still reply.
	ackCtx context.Context
}

type service struct {
	binding registry.ServiceBinding
	asm     *batch.Assembler
	sched   *pool.Scheduler
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger; nil keeps slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServerObserver reports runtime events, typically to metrics.
func WithServerObserver(o rpc.Observer) ServerOption {
	return func(s *Server) {
		if o != nil {
			s.obs = o
		}
	}
}

// WithExtractor restores caller context (trace ids) from request headers.
func WithExtractor(e rpc.HeaderExtractor) ServerOption {
	return func(s *Server) {
		if e != nil {
			s.extractor = e
		}
	}
}

// WithBatchTracer opens a span around every executed batch.
func WithBatchTracer(t rpc.BatchTracer) ServerOption {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewServer constructs a Server over broker. A nil registry starts empty.
func NewServer(broker rpc.Broker, reg *registry.Registry, opts ...ServerOption) *Server {
	if reg == nil {
		reg = registry.New()
	}

	s := &Server{
		broker:    broker,
		reg:       reg,
		logger:    slog.Default(),
		obs:       rpc.NopObserver{},
		extractor: rpc.NopHeaderPropagator{},
		tracer:    rpc.NopBatchTracer{},
		inflight:  make(map[string]struct{}),
		ackCtx:    context.Background(),
	}

	for _, o := range opts {
		o(s)
	}

	s.inv = invoker.New(invoker.WithLogger(s.logger), invoker.WithObserver(s.obs))

	return s
}

// Registry returns the server's registry.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Register binds h under name. Duplicate names or queues are rejected.
func (s *Server) Register(name string, h rpc.Handler, opts registry.Options) error {
	b, err := registry.NewBinding(name, h, opts)
	if err != nil {
		return err
	}

	return s.reg.Register(b)
}

// RegisterBinding adds an already built binding.
func (s *Server) RegisterBinding(b registry.ServiceBinding) error {
	return s.reg.Register(b)
}

// Serve subscribes the queue of every local binding and blocks until ctx is
// done. It fails when any subscription cannot be established; subscriptions
// made before the failure are released.
func (s *Server) Serve(ctx context.Context) error {
	if s.broker == nil {
		return fmt.Errorf("serve: %w", berr.ErrBrokerUnavailable)
	}

	services, err := s.start(ctx)
	if err != nil {
		return err
	}

	subs := make([]rpc.Subscription, len(services))

	var g errgroup.Group

	for i, svc := range services {
		g.Go(func() error {
			opts := rpc.SubscribeOptions{Prefetch: svc.binding.Prefetch}

			sub, err := s.broker.Subscribe(ctx, svc.binding.Queue, opts, s.onDelivery(svc))
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}

				return fmt.Errorf("serve %s: %w", svc.binding.Name, errors.Join(berr.ErrSubscribeFailed, err))
			}

			subs[i] = sub

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, sub := range subs {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
		}

		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}

		return nil
	}

	s.subs = subs
	s.mu.Unlock()

	s.logger.Info("rpc: serving", "services", len(services))

	<-ctx.Done()

	return nil
}

func (s *Server) start(ctx context.Context) ([]*service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("serve: %w", berr.ErrClosed)
	}

	if s.serving {
		return nil, errors.New("serve: already serving")
	}

	s.serving = true
	s.ackCtx = context.WithoutCancel(ctx)

	for _, b := range s.reg.Bindings() {
		if !b.Local() {
			continue
		}

		svc := &service{binding: b}
		svc.sched = pool.New(b.Name, b.PoolSize, s.runBatch(svc), pool.WithObserver(s.obs))
		svc.asm = batch.NewAssembler(b, s.emit(svc))
		s.services = append(s.services, svc)
	}

	return s.services, nil
}

// Shutdown stops consumption and drains in-flight work. Open batches are
// flushed, queued and running batches finish and reply. If ctx ends first,
// running handlers are cancelled and batches that never started are nacked
// with requeue so another consumer can take them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	subs := s.subs
	services := s.services
	s.mu.Unlock()

	var errs []error

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, svc := range services {
		svc.asm.Close()
	}

	for _, svc := range services {
		left, err := svc.sched.Drain(ctx)
		if err != nil {
			s.logger.Warn("rpc: drain interrupted", "service", svc.binding.Name, "requeued_batches", len(left), "err", err)
			errs = append(errs, fmt.Errorf("drain %s: %w", svc.binding.Name, err))
		}

		for _, b := range left {
			s.requeue(b)
		}
	}

	s.logger.Info("rpc: server stopped")

	return errors.Join(errs...)
}

func (s *Server) onDelivery(svc *service) rpc.DeliveryFunc {
	return func(d rpc.Delivery) {
		req, err := envelope.DecodeRequest(d.Body)
		if err != nil {
			s.logger.Warn("rpc: rejecting malformed delivery", "queue", d.Queue, "err", err)
			s.obs.DeliveryRejected(svc.binding.Queue, berr.ErrCodeDelivery)

			if nerr := s.broker.Nack(s.ackCtx, d, false); nerr != nil {
				s.logger.Error("rpc: nack failed", "queue", d.Queue, "err", nerr)
			}

			return
		}

		if req.ReplyTo == "" {
			req.ReplyTo = d.ReplyTo
		}

		key := svc.binding.Name + "/" + req.CorrelationID

		s.mu.Lock()
		_, dup := s.inflight[key]
		if !dup {
			s.inflight[key] = struct{}{}
		}
		s.mu.Unlock()

		if dup {
			s.logger.Debug("rpc: dropping duplicate delivery", "service", svc.binding.Name, "correlation_id", req.CorrelationID)
			s.ack(d)

			return
		}

		if err := svc.asm.Add(batch.Member{Request: req, Delivery: d}); err != nil {
			s.forget(key)

			if nerr := s.broker.Nack(s.ackCtx, d, true); nerr != nil {
				s.logger.Error("rpc: nack failed", "queue", d.Queue, "err", nerr)
			}
		}
	}
}

// emit runs under the assembler lock; Submit only enqueues.
func (s *Server) emit(svc *service) func(*batch.Batch) {
	return func(b *batch.Batch) {
		if err := svc.sched.Submit(b); err != nil {
			go s.requeue(b)
		}
	}
}

func (s *Server) runBatch(svc *service) pool.Runner {
	return func(ctx context.Context, b *batch.Batch) {
		name := svc.binding.Name
		s.obs.BatchDispatched(name, b.Len(), time.Since(b.OpenedAt))

		headers := make([]map[string]string, b.Len())
		for i, m := range b.Members {
			headers[i] = m.Request.Headers
		}

		if b.Len() == 1 {
			ctx = s.extractor.Extract(ctx, headers[0])
		}

		ctx, end := s.tracer.StartBatch(ctx, name, headers)

		outcomes, finished := s.inv.Invoke(ctx, b)

		for i, m := range b.Members {
			s.reply(svc, m, outcomes[i])
		}

		<-finished

		kind := ""
		if len(outcomes) > 0 && !outcomes[0].OK() {
			kind = outcomes[0].ErrorKind
		}

		end(kind)
	}
}

// reply publishes the outcome to the caller and settles the delivery. A
// failed reply publish nacks with requeue, so the request runs again.
func (s *Server) reply(svc *service, m batch.Member, out envelope.Outcome) {
	cid := m.Request.CorrelationID
	defer s.forget(svc.binding.Name + "/" + cid)

	if m.Request.ReplyTo == "" {
		s.ack(m.Delivery)
		return
	}

	body, err := envelope.EncodeResult(envelope.Result{CorrelationID: cid, Outcome: out})
	if err != nil {
		s.logger.Error("rpc: encode result", "service", svc.binding.Name, "correlation_id", cid, "err", err)
		body, _ = envelope.EncodeResult(envelope.Result{
			CorrelationID: cid,
			Outcome:       envelope.Failure(berr.ErrCodeSerializationFailed, err.Error()),
		})
	}

	msg := rpc.Message{CorrelationID: cid, Body: body}

	if err := s.broker.Publish(s.ackCtx, m.Request.ReplyTo, msg); err != nil {
		s.logger.Error("rpc: reply publish failed", "service", svc.binding.Name, "correlation_id", cid, "err", err)

		if nerr := s.broker.Nack(s.ackCtx, m.Delivery, true); nerr != nil {
			s.logger.Error("rpc: nack failed", "queue", m.Delivery.Queue, "err", nerr)
		}

		return
	}

	s.ack(m.Delivery)
}

func (s *Server) requeue(b *batch.Batch) {
	for _, m := range b.Members {
		s.forget(b.Service.Name + "/" + m.Request.CorrelationID)

		if err := s.broker.Nack(s.ackCtx, m.Delivery, true); err != nil {
			s.logger.Error("rpc: nack failed", "queue", m.Delivery.Queue, "err", err)
		}
	}
}

func (s *Server) ack(d rpc.Delivery) {
	if err := s.broker.Ack(s.ackCtx, d); err != nil {
		s.logger.Error("rpc: ack failed", "queue", d.Queue, "err", err)
	}
}

func (s *Server) forget(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}
