package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Concrete AMQP connection with auto-reconnect, and the consumers built on it.

type Config struct {
	URL         string
	ConnTimeout time.Duration
	Logger      *slog.Logger
}

type reconnectingConn struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	ready chan struct{} // closed while connected

	closed    chan struct{}
	closeOnce sync.Once
}

func newReconnectingConn(cfg Config) *reconnectingConn {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rc := &reconnectingConn{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	go rc.run()

	return rc
}

// current waits until a connection is up.
func (rc *reconnectingConn) current(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	for {
		rc.mu.RLock()
		conn, ch, ready := rc.conn, rc.ch, rc.ready
		rc.mu.RUnlock()

		if conn != nil && !conn.IsClosed() {
			return conn, ch, nil
		}

		wait := ready
		if conn != nil {
			// closed but not yet noticed by run
			wait = nil
		}

		select {
		case <-wait:
		case <-time.After(50 * time.Millisecond):
		case <-rc.closed:
			return nil, nil, fmt.Errorf("rabbitmq: %w", berr.ErrClosed)
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (rc *reconnectingConn) Publish(ctx context.Context, m PubMsg) error {
	_, ch, err := rc.current(ctx)
	if err != nil {
		return err
	}

	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	mode := amqp.Transient
	if m.Persistent {
		mode = amqp.Persistent
	}

	return ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode:  mode,
			Headers:       h,
			ContentType:   "application/json",
			CorrelationId: m.CorrelationID,
			ReplyTo:       m.ReplyTo,
			Body:          m.Body,
		},
	)
}

func (rc *reconnectingConn) Consume(ctx context.Context, spec QueueSpec) (Consumer, error) {
	conn, _, err := rc.current(ctx)
	if err != nil {
		return nil, err
	}

	c := &amqpConsumer{
		rc:      rc,
		spec:    spec,
		tag:     "rpcbus-" + uuid.NewString(),
		out:     make(chan InMsg),
		stop:    make(chan struct{}),
		pending: make(map[uint64]pendingTag),
	}

	// declare once up front so that configuration errors surface to the caller
	ch, deliveries, err := c.open(conn)
	if err != nil {
		return nil, err
	}

	go c.loop(ch, deliveries)

	return c, nil
}

func (rc *reconnectingConn) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	dial := func() (*amqp.Connection, *amqp.Channel, error) {
		conn, err := amqp.DialConfig(rc.cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": "scg-rpc-bus"},
			Dial:       amqp.DefaultDial(rc.cfg.ConnTimeout),
		})
		if err != nil {
			return nil, nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return conn, ch, nil
	}

	for {
		select {
		case <-rc.closed:
			return
		default:
		}

		conn, ch, err := dial()
		if err != nil {
			rc.logger.Warn("rabbitmq: connect failed", "backoff", backoff, "err", err)
			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			sleep := backoff + jitter/2
			if sleep > maxBackoff {
				sleep = maxBackoff
			}
			t := time.NewTimer(sleep)
			select {
			case <-rc.closed:
				t.Stop()
				return
			case <-t.C:
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}

		// success
		backoff = time.Second

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		rc.mu.Lock()
		rc.conn = conn
		rc.ch = ch
		close(rc.ready)
		rc.mu.Unlock()

		rc.logger.Info("rabbitmq: connected")

		// Block on connection close notifications to trigger reconnect
		select {
		case <-rc.closed:
			_ = ch.Close()
			_ = conn.Close()
			return
		case amqpErr := <-notify:
			rc.logger.Warn("rabbitmq: connection lost", "err", amqpErr)

			rc.mu.Lock()
			rc.conn = nil
			rc.ch = nil
			rc.ready = make(chan struct{})
			rc.mu.Unlock()

			_ = ch.Close()
			_ = conn.Close()
			// loop to reconnect
		}
	}
}

func (rc *reconnectingConn) close() {
	rc.closeOnce.Do(func() {
		close(rc.closed)
	})
}

type pendingTag struct {
	ch  *amqp.Channel
	tag uint64
}

// amqpConsumer owns one channel at a time and re-opens it after the
// connection comes back. Tags handed out are its own; acks for deliveries
// from a previous channel fail instead of acking an unrelated message.
type amqpConsumer struct {
	rc   *reconnectingConn
	spec QueueSpec
	tag  string
	out  chan InMsg
	stop chan struct{}
	once sync.Once

	mu      sync.Mutex
	ch      *amqp.Channel
	next    uint64
	pending map[uint64]pendingTag
}

func (c *amqpConsumer) Deliveries() <-chan InMsg { return c.out }

func (c *amqpConsumer) open(conn *amqp.Connection) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}

	if c.spec.Prefetch > 0 {
		if err := ch.Qos(c.spec.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, nil, err
		}
	}

	if _, err := ch.QueueDeclare(c.spec.Name, c.spec.Durable, c.spec.AutoDelete, c.spec.Exclusive, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}

	deliveries, err := ch.Consume(c.spec.Name, c.tag, false, c.spec.Exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}

	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()

	return ch, deliveries, nil
}

func (c *amqpConsumer) loop(ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	defer close(c.out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-c.stop
		cancel()
	}()

	for {
		if !c.pump(ch, deliveries) {
			c.release(ch, deliveries)
			return
		}

		c.rc.logger.Warn("rabbitmq: consumer channel closed, re-consuming", "queue", c.spec.Name)

		for {
			conn, _, err := c.rc.current(ctx)
			if err != nil {
				return
			}

			ch, deliveries, err = c.open(conn)
			if err == nil {
				break
			}

			c.rc.logger.Warn("rabbitmq: re-consume failed", "queue", c.spec.Name, "err", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// pump forwards deliveries until the channel closes (true) or the consumer
// is cancelled (false).
func (c *amqpConsumer) pump(ch *amqp.Channel, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-c.stop:
			return false
		case d, ok := <-deliveries:
			if !ok {
				select {
				case <-c.stop:
					return false
				default:
					return true
				}
			}

			m := c.track(ch, d)

			select {
			case c.out <- m:
			case <-c.stop:
				if _, err := c.take(m.Tag); err == nil {
					_ = d.Nack(false, true)
				}

				return false
			}
		}
	}
}

// release cancels the AMQP consumer and requeues prefetched deliveries that
// were never handed out. The channel stays open so deliveries already handed
// out can still be acked; it closes with the connection.
func (c *amqpConsumer) release(ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	if err := ch.Cancel(c.tag, false); err != nil {
		return
	}

	for d := range deliveries {
		_ = d.Nack(false, true)
	}
}

func (c *amqpConsumer) track(ch *amqp.Channel, d amqp.Delivery) InMsg {
	c.mu.Lock()
	c.next++
	t := c.next
	c.pending[t] = pendingTag{ch: ch, tag: d.DeliveryTag}
	c.mu.Unlock()

	h := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		h[k] = fmt.Sprint(v)
	}

	return InMsg{
		Body:          d.Body,
		Headers:       h,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Redelivered:   d.Redelivered,
		Tag:           t,
	}
}

func (c *amqpConsumer) take(t uint64) (pendingTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[t]
	if !ok {
		return pendingTag{}, fmt.Errorf("unknown delivery tag %d", t)
	}

	delete(c.pending, t)

	if p.ch != c.ch || p.ch.IsClosed() {
		return pendingTag{}, errors.New("delivery channel closed; message will be redelivered")
	}

	return p, nil
}

func (c *amqpConsumer) Ack(t uint64) error {
	p, err := c.take(t)
	if err != nil {
		return err
	}

	return p.ch.Ack(p.tag, false)
}

func (c *amqpConsumer) Nack(t uint64, requeue bool) error {
	p, err := c.take(t)
	if err != nil {
		return err
	}

	return p.ch.Nack(p.tag, false, requeue)
}

// Cancel stops consuming. Deliveries already handed out stay ackable until
// the channel closes.
func (c *amqpConsumer) Cancel() error {
	c.once.Do(func() { close(c.stop) })

	return nil
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect and returns Adapter and cleanup.
func NewWithAMQPConn(cfg Config) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrBrokerUnavailable)
	}

	rc := newReconnectingConn(cfg)

	return New(rc), rc.close, nil
}
