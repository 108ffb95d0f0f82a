package broker

import "context"

// Delivery is one in-flight message from the transport. Ack removes it
// from the queue; a delivery left unacked is redelivered after the
// consumer disconnects.
type Delivery struct {
	Body []byte
	Ack  func() error
}

// MessageBroker is the outbound transport used by the distributed
// scheduling backend.
type MessageBroker interface {
	Publish(queue string, message []byte) error
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Close() error
}
