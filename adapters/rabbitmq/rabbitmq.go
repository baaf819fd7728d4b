package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// PubMsg is one message to publish on the default exchange.
type PubMsg struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	Headers       map[string]string
	CorrelationID string
	ReplyTo       string
	Persistent    bool
}

// InMsg is one consumed message. Tag is issued by the Consumer and is only
// meaningful to its Ack and Nack.
type InMsg struct {
	Body          []byte
	Headers       map[string]string
	CorrelationID string
	ReplyTo       string
	Redelivered   bool
	Tag           uint64
}

// QueueSpec declares the queue a Consumer reads.
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Prefetch   int
}

// Conn is the minimal AMQP surface the adapter needs.
type Conn interface {
	Publish(ctx context.Context, m PubMsg) error
	Consume(ctx context.Context, spec QueueSpec) (Consumer, error)
}

// Consumer is one consuming channel.
type Consumer interface {
	// Deliveries is closed once the consumer is cancelled.
	Deliveries() <-chan InMsg
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
	Cancel() error
}

// Adapter implements rpc.Broker on an injected Conn.
type Adapter struct {
	Conn Conn
}

var _ rpc.Broker = (*Adapter)(nil)

func New(c Conn) *Adapter { return &Adapter{Conn: c} }

type tag struct {
	consumer Consumer
	tag      uint64
}

type subscription struct {
	consumer Consumer
	stop     chan struct{}
	once     sync.Once
	err      error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.stop)
		s.err = s.consumer.Cancel()
	})

	return s.err
}

func (a *Adapter) Publish(ctx context.Context, queue string, msg rpc.Message) error {
	if err := a.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	m := PubMsg{
		RoutingKey:    queue,
		Body:          msg.Body,
		Headers:       maps.Clone(msg.Headers),
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Persistent:    msg.Persistent,
	}

	if err := a.Conn.Publish(ctx, m); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq publish %s: %w", queue, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (a *Adapter) Subscribe(ctx context.Context, queue string, opts rpc.SubscribeOptions, fn rpc.DeliveryFunc) (rpc.Subscription, error) {
	if err := a.ready(ctx, berr.ErrSubscribeFailed, "subscribe"); err != nil {
		return nil, err
	}

	spec := QueueSpec{
		Name:       queue,
		Durable:    !opts.Exclusive,
		Exclusive:  opts.Exclusive,
		AutoDelete: opts.Exclusive,
		Prefetch:   opts.Prefetch,
	}

	c, err := a.Conn.Consume(ctx, spec)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, fmt.Errorf("rabbitmq subscribe %s: %w", queue, errors.Join(berr.ErrSubscribeFailed, err))
	}

	sub := &subscription{consumer: c, stop: make(chan struct{})}

	go func() {
		for m := range c.Deliveries() {
			fn(rpc.Delivery{
				Message: rpc.Message{
					CorrelationID: m.CorrelationID,
					ReplyTo:       m.ReplyTo,
					Body:          m.Body,
					Headers:       m.Headers,
				},
				Queue:       queue,
				Redelivered: m.Redelivered,
				Tag:         tag{consumer: c, tag: m.Tag},
			})
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Unsubscribe()
		case <-sub.stop:
		}
	}()

	return sub, nil
}

func (a *Adapter) Ack(_ context.Context, d rpc.Delivery) error {
	t, ok := d.Tag.(tag)
	if !ok {
		return fmt.Errorf("rabbitmq ack: foreign delivery tag %T: %w", d.Tag, berr.ErrDelivery)
	}

	if err := t.consumer.Ack(t.tag); err != nil {
		return fmt.Errorf("rabbitmq ack: %w", errors.Join(berr.ErrDelivery, err))
	}

	return nil
}

func (a *Adapter) Nack(_ context.Context, d rpc.Delivery, requeue bool) error {
	t, ok := d.Tag.(tag)
	if !ok {
		return fmt.Errorf("rabbitmq nack: foreign delivery tag %T: %w", d.Tag, berr.ErrDelivery)
	}

	if err := t.consumer.Nack(t.tag, requeue); err != nil {
		return fmt.Errorf("rabbitmq nack: %w", errors.Join(berr.ErrDelivery, err))
	}

	return nil
}

func (a *Adapter) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Conn == nil {
		return fmt.Errorf("rabbitmq %s: %w", label, base)
	}

	return nil
}
