package transport

import (
	"context"
)

// Message is one transported event. Messages with equal Key on the
// same topic are delivered in publish order.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Handler processes one delivered message. Returning an error causes
// redelivery after a bounded delay; the consumer runtime is expected
// to absorb retries and dead-lettering so handlers rarely error.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a running consumer group membership
type Subscription interface {
	// Stop leaves the group and waits for in-flight handlers
	Stop()
}

// Transport is an ordered, partitioned, at-least-once pub/sub between
// the CDC publisher and consumer groups. Implementations: Kafka via
// franz-go, and an in-memory broker for tests and single-process
// deployments.
type Transport interface {
	// Publish sends one message. It returns after the transport has
	// durably accepted the message.
	Publish(ctx context.Context, topic, key string, value []byte) error

	// Subscribe joins a consumer group on the given topics. Within a
	// group each partition is delivered to one handler at a time.
	Subscribe(group string, topics []string, h Handler) (Subscription, error)

	// Close releases all resources; active subscriptions are stopped
	Close() error
}
