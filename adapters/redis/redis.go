// Package redis implements rpc.Broker as a reliable queue over Redis lists.
//
// Publishers LPUSH framed messages onto the queue list. Each subscription
// BLMOVEs messages into its own processing list; Ack removes the message from
// the processing list and Nack with requeue moves it back onto the queue.
// Messages left in a processing list by a crashed consumer stay there for an
// operator or a recovery job to push back.
package redis

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/envelope"
)

const (
	defaultPrefix      = "rpc:"
	headerRedelivered  = "rpc-redelivered"
	defaultPollTimeout = time.Second
)

// Adapter is a Redis list backed rpc.Broker.
type Adapter struct {
	Client goredis.UniversalClient
	Prefix string
	// PollTimeout bounds one blocking BLMOVE so that consumers notice
	// Unsubscribe promptly.
	PollTimeout time.Duration
}

var _ rpc.Broker = (*Adapter)(nil)

// New creates an adapter over client.
func New(client goredis.UniversalClient) *Adapter {
	return &Adapter{Client: client, Prefix: defaultPrefix, PollTimeout: defaultPollTimeout}
}

type tag struct {
	payload    string
	processing string
	sub        *subscription
}

type subscription struct {
	a          *Adapter
	queue      string
	processing string
	exclusive  bool
	sem        *semaphore.Weighted
	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
	err        error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done

		if s.exclusive {
			s.err = s.a.Client.Del(context.Background(), s.a.queueKey(s.queue), s.processing).Err()
		}
	})

	return s.err
}

func (a *Adapter) queueKey(queue string) string { return a.Prefix + "queue:" + queue }

func (a *Adapter) processingKey(queue string) string {
	return a.Prefix + "processing:" + queue + ":" + uuid.NewString()
}

func (a *Adapter) Publish(ctx context.Context, queue string, msg rpc.Message) error {
	if err := a.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	payload, err := envelope.EncodeFrame(msg)
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	if err := a.Client.LPush(ctx, a.queueKey(queue), payload).Err(); err != nil {
		return wrap("publish", berr.ErrPublishFailed, err)
	}

	return nil
}

func (a *Adapter) Subscribe(ctx context.Context, queue string, opts rpc.SubscribeOptions, fn rpc.DeliveryFunc) (rpc.Subscription, error) {
	if err := a.ready(ctx, berr.ErrSubscribeFailed, "subscribe"); err != nil {
		return nil, err
	}

	if err := a.Client.Ping(ctx).Err(); err != nil {
		return nil, wrap("subscribe", berr.ErrSubscribeFailed, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		a:          a,
		queue:      queue,
		processing: a.processingKey(queue),
		exclusive:  opts.Exclusive,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	if opts.Prefetch > 0 {
		sub.sem = semaphore.NewWeighted(int64(opts.Prefetch))
	}

	go a.consume(runCtx, sub, fn)

	return sub, nil
}

func (a *Adapter) consume(ctx context.Context, sub *subscription, fn rpc.DeliveryFunc) {
	defer close(sub.done)

	timeout := a.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}

	src := a.queueKey(sub.queue)

	for {
		if sub.sem != nil {
			if err := sub.sem.Acquire(ctx, 1); err != nil {
				return
			}
		}

		payload, err := a.Client.BLMove(ctx, src, sub.processing, "RIGHT", "LEFT", timeout).Result()
		if err != nil {
			if sub.sem != nil {
				sub.sem.Release(1)
			}

			if ctx.Err() != nil {
				return
			}

			if !errors.Is(err, goredis.Nil) {
				// connection trouble: back off one poll interval
				select {
				case <-ctx.Done():
					return
				case <-time.After(timeout):
				}
			}

			continue
		}

		msg, err := envelope.DecodeFrame([]byte(payload))
		if err != nil {
			// undecodable frame: hand it over so the runtime can reject it
			msg = rpc.Message{Body: []byte(payload)}
		}

		redelivered := msg.Headers[headerRedelivered] == "true"
		if redelivered {
			msg.Headers = maps.Clone(msg.Headers)
			delete(msg.Headers, headerRedelivered)
		}

		fn(rpc.Delivery{
			Message:     msg,
			Queue:       sub.queue,
			Redelivered: redelivered,
			Tag:         tag{payload: payload, processing: sub.processing, sub: sub},
		})
	}
}

func (a *Adapter) Ack(ctx context.Context, d rpc.Delivery) error {
	t, ok := d.Tag.(tag)
	if !ok {
		return fmt.Errorf("redis ack: foreign delivery tag %T: %w", d.Tag, berr.ErrDelivery)
	}

	removed, err := a.Client.LRem(ctx, t.processing, 1, t.payload).Result()
	if err != nil {
		return wrap("ack", berr.ErrBrokerUnavailable, err)
	}

	return t.settled(removed)
}

func (a *Adapter) Nack(ctx context.Context, d rpc.Delivery, requeue bool) error {
	t, ok := d.Tag.(tag)
	if !ok {
		return fmt.Errorf("redis nack: foreign delivery tag %T: %w", d.Tag, berr.ErrDelivery)
	}

	if !requeue {
		removed, err := a.Client.LRem(ctx, t.processing, 1, t.payload).Result()
		if err != nil {
			return wrap("nack", berr.ErrBrokerUnavailable, err)
		}

		return t.settled(removed)
	}

	msg := d.Message
	msg.Headers = maps.Clone(msg.Headers)
	if msg.Headers == nil {
		msg.Headers = map[string]string{}
	}

	msg.Headers[headerRedelivered] = "true"

	payload, err := envelope.EncodeFrame(msg)
	if err != nil {
		return fmt.Errorf("redis requeue: %w", err)
	}

	var removed *goredis.IntCmd

	_, err = a.Client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		removed = p.LRem(ctx, t.processing, 1, t.payload)
		p.RPush(ctx, a.queueKey(d.Queue), payload)

		return nil
	})
	if err != nil {
		return wrap("requeue", berr.ErrBrokerUnavailable, err)
	}

	return t.settled(removed.Val())
}

// settled frees the prefetch slot once the message left the processing list.
func (t tag) settled(removed int64) error {
	if removed == 0 {
		return fmt.Errorf("redis settle: message not in %s: %w", t.processing, berr.ErrDelivery)
	}

	if t.sub.sem != nil {
		t.sub.sem.Release(1)
	}

	return nil
}

func (a *Adapter) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Client == nil {
		return fmt.Errorf("redis %s: %w", label, base)
	}

	return nil
}

func wrap(label string, base, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("redis %s: %w", label, errors.Join(base, err))
}

// Config holds connection settings for NewWithRedis.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// NewWithRedis connects to Redis and returns an Adapter and a cleanup.
func NewWithRedis(ctx context.Context, cfg Config) (*Adapter, func(), error) {
	if cfg.Addr == "" {
		return nil, nil, fmt.Errorf("%w: redis addr required", berr.ErrBrokerUnavailable)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("%w: redis ping: %w", berr.ErrBrokerUnavailable, err)
	}

	ad := New(client)
	if cfg.Prefix != "" {
		ad.Prefix = cfg.Prefix
	}

	return ad, func() { _ = client.Close() }, nil
}
