package nats

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

const (
	defaultPrefix = "rpc."
	defaultGroup  = "rpc-workers"

	headerCorrelationID = "Rpc-Correlation-Id"
	headerReplyTo       = "Rpc-Reply-To"
	headerRedelivered   = "Rpc-Redelivered"
)

// Client is a minimal NATS-like interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// QueueSubscribe delivers messages on subject to fn. Subscribers sharing a
	// non-empty group compete for messages; an empty group receives all.
	QueueSubscribe(subject, group string, fn func(data []byte, headers map[string]string)) (Unsubscriber, error)
}

// Unsubscriber stops a subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// Adapter implements rpc.Broker over core NATS subjects. Every service queue
// maps to subject Prefix+queue consumed by queue group Group; reply queues
// use a plain subscription.
//
// Core NATS has no acknowledgements, so delivery is at most once: Ack is a
// no-op, Nack with requeue republishes the message marked redelivered and
// Prefetch is not enforced.
type Adapter struct {
	Client Client
	Prefix string
	Group  string
}

var _ rpc.Broker = (*Adapter)(nil)

// New creates a new NATS adapter instance with the provided client.
func New(c Client) *Adapter { return &Adapter{Client: c, Prefix: defaultPrefix, Group: defaultGroup} }

type tag struct {
	msg rpc.Message
}

type subscription struct {
	u    Unsubscriber
	stop chan struct{}
	once sync.Once
	err  error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.stop)
		s.err = s.u.Unsubscribe()
	})

	return s.err
}

func (a *Adapter) Publish(ctx context.Context, queue string, msg rpc.Message) error {
	if err := a.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	return a.publish(queue, msg, false)
}

func (a *Adapter) Subscribe(ctx context.Context, queue string, opts rpc.SubscribeOptions, fn rpc.DeliveryFunc) (rpc.Subscription, error) {
	if err := a.ready(ctx, berr.ErrSubscribeFailed, "subscribe"); err != nil {
		return nil, err
	}

	group := a.Group
	if opts.Exclusive {
		group = ""
	}

	u, err := a.Client.QueueSubscribe(a.subject(queue), group, func(data []byte, headers map[string]string) {
		fn(toDelivery(queue, data, headers))
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", queue, errors.Join(berr.ErrSubscribeFailed, err))
	}

	sub := &subscription{u: u, stop: make(chan struct{})}

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Unsubscribe()
		case <-sub.stop:
		}
	}()

	return sub, nil
}

func (a *Adapter) Ack(ctx context.Context, d rpc.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, ok := d.Tag.(tag); !ok {
		return fmt.Errorf("nats ack: foreign delivery tag %T: %w", d.Tag, berr.ErrDelivery)
	}

	return nil
}

func (a *Adapter) Nack(ctx context.Context, d rpc.Delivery, requeue bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t, ok := d.Tag.(tag)
	if !ok {
		return fmt.Errorf("nats nack: foreign delivery tag %T: %w", d.Tag, berr.ErrDelivery)
	}

	if !requeue {
		return nil
	}

	if a.Client == nil {
		return fmt.Errorf("nats requeue: %w", berr.ErrPublishFailed)
	}

	return a.publish(d.Queue, t.msg, true)
}

func (a *Adapter) subject(queue string) string { return a.Prefix + queue }

func (a *Adapter) publish(queue string, msg rpc.Message, redelivered bool) error {
	// copy headers to avoid mutating caller-provided map
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

	if err := a.Client.Publish(a.subject(queue), msg.Body, hdrs); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish %s: %w", queue, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (a *Adapter) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Client == nil {
		return fmt.Errorf("nats %s: %w", label, base)
	}

	return nil
}

func toDelivery(queue string, data []byte, headers map[string]string) rpc.Delivery {
	msg := rpc.Message{Body: data, Headers: make(map[string]string, len(headers))}

	for k, v := range headers {
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
		Redelivered: headers[headerRedelivered] == "true",
		Tag:         tag{msg: msg},
	}
}
