/*
Package nats provides a core NATS rpc.Broker. Service queues map to subjects
consumed by a queue group; reply queues use a plain subscription.

Delivery is at most once. Core NATS keeps no messages: a request published
while no worker is subscribed is dropped, and a delivery that was handed to a
worker is gone once that worker stops, whether or not it was acknowledged.
Ack is a no-op and only an explicit Nack with requeue publishes the message
again. Callers relying on the bus for retries get them from their own call
deadline, not from the broker. Use the rabbitmq, redis or kafka adapters when
unacknowledged requests must survive a worker crash.
*/
package nats
