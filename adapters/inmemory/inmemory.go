// Package inmemory provides a thread-safe in-process rpc.Broker with
// competing consumers, prefetch, ack/nack and requeue. It backs tests,
// examples and single-process deployments.
package inmemory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// Broker is an in-memory rpc.Broker.
type Broker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string]*queue
	// exclusive queues are deleted with their consumer; later publishes
	// to them are dropped like an unroutable message.
	gone    map[string]struct{}
	unacked map[uint64]*inflight
	nextTag uint64
	closed  bool
}

type queue struct {
	ready     []rpc.Delivery
	consumers int
	exclusive bool
}

type inflight struct {
	d   rpc.Delivery
	sub *subscription
}

type subscription struct {
	b        *Broker
	queue    string
	prefetch int
	inflight int
	active   bool
	fn       rpc.DeliveryFunc
	stop     chan struct{}
	once     sync.Once
}

var _ rpc.Broker = (*Broker)(nil)

// New creates an empty broker.
func New() *Broker {
	b := &Broker{
		queues:  make(map[string]*queue),
		gone:    make(map[string]struct{}),
		unacked: make(map[uint64]*inflight),
	}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// Publish appends msg to queue, declaring the queue if needed.
func (b *Broker) Publish(ctx context.Context, queue string, msg rpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("inmemory publish: %w", berr.ErrBrokerUnavailable)
	}

	if _, dropped := b.gone[queue]; dropped {
		return nil
	}

	msg.Headers = maps.Clone(msg.Headers)
	msg.Body = append([]byte(nil), msg.Body...)

	q := b.declare(queue, false)
	q.ready = append(q.ready, rpc.Delivery{Message: msg, Queue: queue})
	b.cond.Broadcast()

	return nil
}

// Subscribe starts a consumer goroutine delivering messages from queue to fn
// one at a time. Several subscriptions on one queue compete for messages.
func (b *Broker) Subscribe(ctx context.Context, queue string, opts rpc.SubscribeOptions, fn rpc.DeliveryFunc) (rpc.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("inmemory subscribe %s: %w", queue, berr.ErrBrokerUnavailable)
	}

	q := b.declare(queue, opts.Exclusive)
	if q.exclusive && q.consumers > 0 {
		b.mu.Unlock()
		return nil, fmt.Errorf("inmemory subscribe %s: queue is exclusive: %w", queue, berr.ErrSubscribeFailed)
	}

	q.consumers++

	s := &subscription{
		b:        b,
		queue:    queue,
		prefetch: opts.Prefetch,
		active:   true,
		fn:       fn,
		stop:     make(chan struct{}),
	}
	b.mu.Unlock()

	go s.run()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Unsubscribe()
		case <-s.stop:
		}
	}()

	return s, nil
}

// Ack settles d.
func (b *Broker) Ack(_ context.Context, d rpc.Delivery) error {
	_, err := b.settle(d)
	return err
}

// Nack settles d; with requeue it goes back to the tail of its queue marked
// redelivered.
func (b *Broker) Nack(_ context.Context, d rpc.Delivery, requeue bool) error {
	u, err := b.settle(d)
	if err != nil || !requeue {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dropped := b.gone[u.d.Queue]; dropped || b.closed {
		return nil
	}

	u.d.Redelivered = true
	u.d.Tag = nil
	q := b.declare(u.d.Queue, false)
	q.ready = append(q.ready, u.d)
	b.cond.Broadcast()

	return nil
}

// Depth returns the number of ready (not yet delivered) messages in queue.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[queue]; ok {
		return len(q.ready)
	}

	return 0
}

// Unacked returns the number of delivered, unsettled messages.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.unacked)
}

// Close stops every consumer. Later calls fail with broker_unavailable.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	return nil
}

func (b *Broker) declare(name string, exclusive bool) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{exclusive: exclusive}
		b.queues[name] = q
	}

	return q
}

func (b *Broker) settle(d rpc.Delivery) (*inflight, error) {
	tag, ok := d.Tag.(uint64)
	if !ok {
		return nil, fmt.Errorf("inmemory settle: foreign delivery tag %T: %w", d.Tag, berr.ErrDelivery)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.unacked[tag]
	if !ok {
		return nil, fmt.Errorf("inmemory settle: unknown delivery tag %d: %w", tag, berr.ErrDelivery)
	}

	delete(b.unacked, tag)
	u.sub.inflight--
	b.cond.Broadcast()

	return u, nil
}

// next blocks until a message can be handed to s. It reports false once s is
// unsubscribed or the broker is closed.
func (b *Broker) next(s *subscription) (rpc.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if !s.active || b.closed {
			return rpc.Delivery{}, false
		}

		q := b.queues[s.queue]
		if q != nil && len(q.ready) > 0 && (s.prefetch <= 0 || s.inflight < s.prefetch) {
			d := q.ready[0]
			q.ready[0] = rpc.Delivery{}
			q.ready = q.ready[1:]

			b.nextTag++
			d.Tag = b.nextTag
			b.unacked[b.nextTag] = &inflight{d: d, sub: s}
			s.inflight++

			return d, true
		}

		b.cond.Wait()
	}
}

func (s *subscription) run() {
	for {
		d, ok := s.b.next(s)
		if !ok {
			return
		}

		s.fn(d)
	}
}

// Unsubscribe stops delivery. It does not wait for an in-progress callback,
// so it may be called from inside one. An exclusive queue is deleted.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		b := s.b

		b.mu.Lock()
		s.active = false

		if q, ok := b.queues[s.queue]; ok {
			q.consumers--

			if q.exclusive {
				delete(b.queues, s.queue)
				b.gone[s.queue] = struct{}{}
			}
		}

		b.cond.Broadcast()
		b.mu.Unlock()

		close(s.stop)
	})

	return nil
}
