package rpc

import "context"

// Broker abstracts the message transport the RPC runtime runs on.
// Library users provide an implementation backed by their queue/broker
// (RabbitMQ, NATS, Kafka, Redis, in-memory). Implementations must be safe for
// concurrent Publish/Subscribe/Ack/Nack from many goroutines.
type Broker interface {
	// Publish sends msg to the named queue.
	Publish(ctx context.Context, queue string, msg Message) error
	// Subscribe starts delivering messages from queue to fn until the returned
	// Subscription is closed or ctx is done. fn may be called concurrently.
	Subscribe(ctx context.Context, queue string, opts SubscribeOptions, fn DeliveryFunc) (Subscription, error)
	// Ack confirms that d was processed and must not be delivered again.
	Ack(ctx context.Context, d Delivery) error
	// Nack rejects d; with requeue the broker delivers it again later.
	Nack(ctx context.Context, d Delivery, requeue bool) error
}

// Subscription is an active consumer on a queue.
type Subscription interface {
	// Unsubscribe stops delivery. Deliveries already handed out stay valid
	// for Ack/Nack.
	Unsubscribe() error
}

// DeliveryFunc receives one delivery.
type DeliveryFunc func(d Delivery)

// SubscribeOptions controls queue declaration and flow control.
type SubscribeOptions struct {
	// Prefetch bounds unacknowledged deliveries for brokers with QoS support.
	// Zero means adapter default.
	Prefetch int
	// Exclusive marks a private, auto-deleted queue (reply queues).
	// Service queues are durable and shared.
	Exclusive bool
}
