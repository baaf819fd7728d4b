/*
Package rabbitmq provides a RabbitMQ rpc.Broker. Service queues are durable
and shared by competing consumers with QoS prefetch; reply queues are
exclusive and auto-deleted. It includes an auto-reconnecting connection whose
consumers re-declare and re-consume their queues after a reconnect.
*/
package rabbitmq
