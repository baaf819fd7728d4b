package rpc

// Message is the unit moved by a Broker. CorrelationID and ReplyTo mirror
// the envelope so that brokers with native properties (AMQP) can route
// replies without decoding Body.
type Message struct {
	CorrelationID string
	ReplyTo       string
	Body          []byte
	Headers       map[string]string
	Persistent    bool
}

// Delivery is a Message received from a queue, pending Ack or Nack.
type Delivery struct {
	Message

	Queue       string
	Redelivered bool
	// Tag is the adapter-specific handle used by Ack/Nack.
	Tag any
}
