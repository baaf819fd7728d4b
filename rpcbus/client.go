package rpcbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/correlation"
	"github.com/next-trace/scg-rpc-bus/envelope"
	"github.com/next-trace/scg-rpc-bus/registry"
)

const (
	// DefaultTimeout bounds a call whose context carries no deadline.
	DefaultTimeout = 30 * time.Second
	// DefaultReplyPrefix prefixes the name of every client reply queue.
	DefaultReplyPrefix = "rpc.reply"
)

// PublishPolicy selects what a call does when the broker rejects a publish.
type PublishPolicy int

const (
	// FailFast returns a broker_unavailable error on the first failure.
	FailFast PublishPolicy = iota
	// Buffer retries with jittered exponential backoff until the call
	// deadline.
	Buffer
)

// ParsePublishPolicy maps "fail_fast" and "buffer" to a policy.
func ParsePublishPolicy(s string) (PublishPolicy, error) {
	switch s {
	case "", "fail_fast":
		return FailFast, nil
	case "buffer":
		return Buffer, nil
	default:
		return FailFast, fmt.Errorf("unknown publish policy %q", s)
	}
}

// Client is the caller-side proxy. It owns one exclusive reply queue and a
// correlation tracker; it is safe for concurrent use.
type Client struct {
	broker  rpc.Broker
	reg     *registry.Registry
	tracker *correlation.Tracker
	logger  *slog.Logger
	obs     rpc.Observer
	prop    rpc.HeaderPropagator

	timeout    time.Duration
	policy     PublishPolicy
	prefix     string
	minBackoff time.Duration
	maxBackoff time.Duration
	replyQueue string
	sub        rpc.Subscription
	ackCtx     context.Context
	closed     atomic.Bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger; nil keeps slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClientObserver reports call latencies and outcome kinds.
func WithClientObserver(o rpc.Observer) ClientOption {
	return func(c *Client) {
		if o != nil {
			c.obs = o
		}
	}
}

// WithPropagator injects caller context (trace ids) into request headers.
func WithPropagator(p rpc.HeaderPropagator) ClientOption {
	return func(c *Client) {
		if p != nil {
			c.prop = p
		}
	}
}

// WithTimeout replaces DefaultTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPublishPolicy selects FailFast (default) or Buffer.
func WithPublishPolicy(p PublishPolicy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithReplyPrefix replaces DefaultReplyPrefix.
func WithReplyPrefix(prefix string) ClientOption {
	return func(c *Client) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithRetryBackoff sets the Buffer policy backoff bounds.
func WithRetryBackoff(lo, hi time.Duration) ClientOption {
	return func(c *Client) {
		if lo > 0 && hi >= lo {
			c.minBackoff, c.maxBackoff = lo, hi
		}
	}
}

// NewClient subscribes a fresh reply queue and returns a ready Client.
// Service names resolve through reg; declare services served elsewhere with
// registry.Remote. The reply subscription lives until Close or until ctx is
// done.
func NewClient(ctx context.Context, broker rpc.Broker, reg *registry.Registry, opts ...ClientOption) (*Client, error) {
	if broker == nil {
		return nil, fmt.Errorf("client: %w", berr.ErrBrokerUnavailable)
	}

	if reg == nil {
		reg = registry.New()
	}

	c := &Client{
		broker:     broker,
		reg:        reg,
		logger:     slog.Default(),
		obs:        rpc.NopObserver{},
		prop:       rpc.NopHeaderPropagator{},
		timeout:    DefaultTimeout,
		prefix:     DefaultReplyPrefix,
		minBackoff: 50 * time.Millisecond,
		maxBackoff: 2 * time.Second,
		ackCtx:     context.WithoutCancel(ctx),
	}

	for _, o := range opts {
		o(c)
	}

	c.tracker = correlation.New(c.logger)
	c.replyQueue = c.prefix + "." + correlation.NewID()

	sub, err := broker.Subscribe(ctx, c.replyQueue, rpc.SubscribeOptions{Exclusive: true}, c.onReply)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, fmt.Errorf("client reply queue: %w", errors.Join(berr.ErrSubscribeFailed, err))
	}

	c.sub = sub

	return c, nil
}

// ReplyQueue returns the name of the client's reply queue.
func (c *Client) ReplyQueue() string { return c.replyQueue }

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int { return c.tracker.Len() }

// Go publishes a call and returns its future without waiting. The call
// deadline is ctx's deadline, or DefaultTimeout (see WithTimeout) from now
// when ctx has none; on expiry the future completes with a timeout failure.
func (c *Client) Go(ctx context.Context, name string, args ...any) (*correlation.PendingCall, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("call %s: %w", name, berr.ErrClosed)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("call %s: %w", name, berr.FromContext(err))
	}

	b, err := c.reg.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("call: %w", err)
	}

	cid := correlation.NewID()

	req, err := envelope.NewRequest(cid, c.replyQueue, args...)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	req.Service = name
	req.Headers = map[string]string{}
	c.prop.Inject(ctx, req.Headers)

	body, err := envelope.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	deadline := c.deadline(ctx)

	pc, err := c.tracker.Register(cid, name, deadline)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	pubCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	msg := rpc.Message{CorrelationID: cid, ReplyTo: c.replyQueue, Body: body, Headers: req.Headers, Persistent: true}

	if err := c.publish(pubCtx, b.Queue, msg); err != nil {
		c.tracker.Cancel(cid, err)
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	return pc, nil
}

// Call invokes name with positional args and waits for its value. A failed
// call returns a *errors.Failure whose Kind names the failure (timeout,
// handler_error, ...); errors.Is matches it against the Err* sentinels.
// Cancelling ctx yields a canceled failure that also matches ctx's error.
func (c *Client) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	start := time.Now()

	pc, err := c.Go(ctx, name, args...)
	if err != nil {
		c.obs.CallFinished(name, time.Since(start), berr.KindOf(err))
		return nil, err
	}

	out, err := pc.Wait(ctx)
	if err != nil {
		// stop waiting locally; a reply arriving later is dropped by the tracker
		if c.tracker.Cancel(pc.ID, err) {
			f := berr.FromContext(err)
			c.obs.CallFinished(name, time.Since(start), f.Kind)

			return nil, f
		}

		out, _ = pc.Outcome()
	}

	c.obs.CallFinished(name, time.Since(start), out.ErrorKind)

	if !out.OK() {
		return nil, out.Err()
	}

	return out.Value, nil
}

// Close unsubscribes the reply queue and fails every pending call with a
// closed failure.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	err := c.sub.Unsubscribe()

	if n := c.tracker.FailAll(envelope.Failure(berr.ErrCodeClosed, "client closed")); n > 0 {
		c.logger.Info("rpc: client closed with pending calls", "pending", n)
	}

	return err
}

func (c *Client) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}

	return time.Now().Add(c.timeout)
}

func (c *Client) publish(ctx context.Context, queue string, msg rpc.Message) error {
	backoff := c.minBackoff

	for {
		err := c.broker.Publish(ctx, queue, msg)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if c.policy == FailFast {
			return fmt.Errorf("publish %s: %w", queue, errors.Join(berr.ErrBrokerUnavailable, err))
		}

		c.logger.Debug("rpc: publish failed, retrying", "queue", queue, "correlation_id", msg.CorrelationID, "backoff", backoff, "err", err)

		// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
		sleep := backoff + time.Duration(rand.Int64N(int64(backoff/2)+1))

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("publish %s: %w", queue, errors.Join(berr.ErrBrokerUnavailable, err))
		case <-t.C:
		}

		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *Client) onReply(d rpc.Delivery) {
	res, err := envelope.DecodeResult(d.Body)
	if err != nil {
		c.logger.Warn("rpc: rejecting malformed reply", "queue", d.Queue, "err", err)
		c.obs.DeliveryRejected(c.replyQueue, berr.ErrCodeDelivery)

		if nerr := c.broker.Nack(c.ackCtx, d, false); nerr != nil {
			c.logger.Error("rpc: nack failed", "queue", d.Queue, "err", nerr)
		}

		return
	}

	if res.CorrelationID == "" {
		res.CorrelationID = d.CorrelationID
	}

	c.tracker.Resolve(res.CorrelationID, res.Outcome)

	if err := c.broker.Ack(c.ackCtx, d); err != nil {
		c.logger.Error("rpc: ack failed", "queue", d.Queue, "err", err)
	}
}
