package kafka

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

const (
	defaultPrefix = "rpc."

	headerCorrelationID = "rpc-correlation-id"
	headerReplyTo       = "rpc-reply-to"
	headerRedelivered   = "rpc-redelivered"
)

// Writer is a minimal Kafka-like writer interface.
// Users can adapt segmentio/kafka-go or any other client to this.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Record is one consumed Kafka record. Raw carries the client's own record
// for Commit.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Raw       any
}

// Consumer polls one topic on behalf of a consumer group.
type Consumer interface {
	Poll(ctx context.Context) ([]Record, error)
	Commit(ctx context.Context, recs ...Record) error
	Close()
}

// ConsumerFactory opens a consumer for topic. Exclusive consumers (reply
// topics) must not share their group with anyone.
type ConsumerFactory func(topic string, exclusive bool) (Consumer, error)

// Adapter implements rpc.Broker over Kafka topics: queue q maps to topic
// Prefix+q. Ack commits offsets in partition order, Nack with requeue
// produces the record again marked redelivered, then settles the original.
type Adapter struct {
	Writer      Writer
	NewConsumer ConsumerFactory
	Prefix      string
}

var _ rpc.Broker = (*Adapter)(nil)

// New creates a new Kafka adapter instance with the provided writer and
// consumer factory.
func New(w Writer, nc ConsumerFactory) *Adapter {
	return &Adapter{Writer: w, NewConsumer: nc, Prefix: defaultPrefix}
}

// Dropper is implemented by consumers that can delete their private topic
// and group. Unsubscribe calls it for exclusive subscriptions once the
// consumer is closed, so reply topics do not outlive their client.
type Dropper interface {
	Drop(ctx context.Context) error
}

// dropTimeout bounds the topic and group deletion on Unsubscribe.
const dropTimeout = 10 * time.Second

type tag struct {
	rec Record
	sub *subscription
}

type pendingRecord struct {
	rec     Record
	settled bool
}

// partitionLog holds delivered records of one partition in offset order.
type partitionLog struct {
	pending []pendingRecord
}

type subscription struct {
	consumer  Consumer
	exclusive bool
	sem       *semaphore.Weighted
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	err       error

	mu    sync.Mutex
	parts map[int32]*partitionLog

	// commitMu keeps commits per partition monotonic.
	commitMu  sync.Mutex
	committed map[int32]int64
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.consumer.Close()

		if d, ok := s.consumer.(Dropper); ok && s.exclusive {
			ctx, cancel := context.WithTimeout(context.Background(), dropTimeout)
			defer cancel()

			if err := d.Drop(ctx); err != nil {
				s.err = fmt.Errorf("kafka unsubscribe: drop: %w", err)
			}
		}
	})

	return s.err
}

func (s *subscription) track(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parts[r.Partition]
	if !ok {
		p = &partitionLog{}
		s.parts[r.Partition] = p
	}

	p.pending = append(p.pending, pendingRecord{rec: r})
}

// index returns the position of the unsettled entry for r, or -1.
func (s *subscription) index(r Record) (*partitionLog, int) {
	p, ok := s.parts[r.Partition]
	if !ok {
		return nil, -1
	}

	for i, e := range p.pending {
		if e.rec.Offset == r.Offset && !e.settled {
			return p, i
		}
	}

	return p, -1
}

func (s *subscription) inflight(r Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, i := s.index(r)

	return i >= 0
}

// settle marks r as done and frees its prefetch slot. When every record of
// the partition up to some offset is settled, mark is the highest of them
// and advanced is true; only mark may be committed. ok is false when r was
// already settled.
func (s *subscription) settle(r Record) (mark Record, advanced, ok bool) {
	s.mu.Lock()

	p, i := s.index(r)
	if i < 0 {
		s.mu.Unlock()
		return Record{}, false, false
	}

	p.pending[i].settled = true

	n := 0
	for n < len(p.pending) && p.pending[n].settled {
		n++
	}

	if n > 0 {
		mark, advanced = p.pending[n-1].rec, true
		p.pending = p.pending[n:]
	}

	s.mu.Unlock()

	if s.sem != nil {
		s.sem.Release(1)
	}

	return mark, advanced, true
}

func (s *subscription) commit(ctx context.Context, mark Record) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if last, ok := s.committed[mark.Partition]; ok && mark.Offset <= last {
		return nil
	}

	if err := s.consumer.Commit(ctx, mark); err != nil {
		return fmt.Errorf("kafka commit %s[%d]@%d: %w", mark.Topic, mark.Partition, mark.Offset, errors.Join(berr.ErrDelivery, err))
	}

	s.committed[mark.Partition] = mark.Offset

	return nil
}

// finish settles r and commits the partition watermark if it advanced.
func (s *subscription) finish(ctx context.Context, r Record, label string) error {
	mark, advanced, ok := s.settle(r)
	if !ok {
		return fmt.Errorf("kafka %s: offset %d already settled: %w", label, r.Offset, berr.ErrDelivery)
	}

	if !advanced {
		return nil
	}

	return s.commit(ctx, mark)
}

func (a *Adapter) Publish(ctx context.Context, queue string, msg rpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Writer == nil {
		return fmt.Errorf("kafka publish: %w", berr.ErrPublishFailed)
	}

	return a.write(ctx, queue, msg, false)
}

func (a *Adapter) Subscribe(ctx context.Context, queue string, opts rpc.SubscribeOptions, fn rpc.DeliveryFunc) (rpc.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if a.NewConsumer == nil {
		return nil, fmt.Errorf("kafka subscribe: %w", berr.ErrSubscribeFailed)
	}

	c, err := a.NewConsumer(a.topic(queue), opts.Exclusive)
	if err != nil {
		return nil, fmt.Errorf("kafka subscribe %s: %w", queue, errors.Join(berr.ErrSubscribeFailed, err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		consumer:  c,
		exclusive: opts.Exclusive,
		cancel:    cancel,
		done:      make(chan struct{}),
		parts:     make(map[int32]*partitionLog),
		committed: make(map[int32]int64),
	}

	if opts.Prefetch > 0 {
		sub.sem = semaphore.NewWeighted(int64(opts.Prefetch))
	}

	go a.poll(runCtx, queue, sub, fn)

	return sub, nil
}

func (a *Adapter) poll(ctx context.Context, queue string, sub *subscription, fn rpc.DeliveryFunc) {
	defer close(sub.done)

	for ctx.Err() == nil {
		recs, err := sub.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			continue
		}

		for _, r := range recs {
			if sub.sem != nil {
				if err := sub.sem.Acquire(ctx, 1); err != nil {
					return
				}
			}

			sub.track(r)

			fn(toDelivery(queue, r, sub))
		}
	}
}

// Ack settles the record. Offsets are committed per partition only up to
// the highest offset below which every delivered record is settled, so a
// restart redelivers records that were still in flight.
func (a *Adapter) Ack(ctx context.Context, d rpc.Delivery) error {
	t, ok := d.Tag.(tag)
	if !ok {
		return fmt.Errorf("kafka ack: foreign delivery tag %T: %w", d.Tag, berr.ErrDelivery)
	}

	return t.sub.finish(ctx, t.rec, "ack")
}

// Nack with requeue produces the record again before settling it. A failed
// write leaves the record in flight, holding back the commit watermark.
func (a *Adapter) Nack(ctx context.Context, d rpc.Delivery, requeue bool) error {
	t, ok := d.Tag.(tag)
	if !ok {
		return fmt.Errorf("kafka nack: foreign delivery tag %T: %w", d.Tag, berr.ErrDelivery)
	}

	if !t.sub.inflight(t.rec) {
		return fmt.Errorf("kafka nack: offset %d already settled: %w", t.rec.Offset, berr.ErrDelivery)
	}

	if requeue {
		if err := a.write(ctx, d.Queue, d.Message, true); err != nil {
			return err
		}
	}

	return t.sub.finish(ctx, t.rec, "nack")
}

func (a *Adapter) topic(queue string) string { return a.Prefix + queue }

func (a *Adapter) write(ctx context.Context, queue string, msg rpc.Message, redelivered bool) error {
	hdrs := make(map[string]string, len(msg.Headers)+3)
	maps.Copy(hdrs, msg.Headers)

	if msg.CorrelationID != "" {
		hdrs[headerCorrelationID] = msg.CorrelationID
	}

	if msg.ReplyTo != "" {
		hdrs[headerReplyTo] = msg.ReplyTo
	}

	if redelivered {
		hdrs[headerRedelivered] = "true"
	}

	if err := a.Writer.Write(ctx, a.topic(queue), []byte(msg.CorrelationID), msg.Body, hdrs); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka publish write: %w", errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func toDelivery(queue string, r Record, sub *subscription) rpc.Delivery {
	msg := rpc.Message{Body: r.Value, Headers: make(map[string]string, len(r.Headers))}

	for k, v := range r.Headers {
		switch k {
		case headerCorrelationID:
			msg.CorrelationID = v
		case headerReplyTo:
			msg.ReplyTo = v
		case headerRedelivered:
		default:
			msg.Headers[k] = v
		}
	}

	return rpc.Delivery{
		Message:     msg,
		Queue:       queue,
		Redelivered: r.Headers[headerRedelivered] == "true",
		Tag:         tag{rec: r, sub: sub},
	}
}
