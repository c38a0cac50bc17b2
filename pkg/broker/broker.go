// Package broker defines the narrow surface the rest of the module needs
// from a JetStream-style durable log: publish with header-based dedup,
// pull-based fetch against a durable consumer, and the management calls
// the topology manager uses to reconcile streams/consumers.
//
// pkg/broker/nats.go implements this against github.com/nats-io/nats.go;
// pkg/broker/memory.go implements it in-process for tests.
package broker

import (
	"context"
	"time"
)

// PublishAck is returned by a successful Publish.
type PublishAck struct {
	// Duplicate is true when the broker recognized the message-id header
	// as already seen within its dedup window and accepted the publish
	// without storing a second copy.
	Duplicate bool
}

// Message is a single delivery from a pull subscription.
type Message interface {
	Subject() string
	Data() []byte
	Headers() map[string]string

	// Stream and Sequence identify the message's position in the backing
	// stream; used as the inbox fallback key when EventID is absent.
	Stream() string
	Sequence() uint64

	// DeliveryCount is the broker's count of delivery attempts for this
	// message, starting at 1.
	DeliveryCount() int

	Ack() error
	Nak(delay time.Duration) error
	Term() error
}

// Subscription is a pull-based consumer handle.
type Subscription interface {
	// Fetch blocks for up to timeout waiting for at least one message,
	// returning up to batch messages. An empty, non-error result means
	// the fetch timed out with nothing available.
	Fetch(ctx context.Context, batch int, timeout time.Duration) ([]Message, error)

	// Drain stops delivery and waits for in-flight Fetch calls to return.
	Drain() error
}

// StreamConfig declares a stream's retention shape.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64
	Storage  string // "file" or "memory"
}

// ConsumerConfig declares a durable pull consumer's reconciled shape. All
// fields here are exactly the ones compared by the topology manager's
// canonicalization step.
type ConsumerConfig struct {
	Durable       string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
	BackoffMS     []int64
}

// ConsumerInfo is the live, broker-reported shape of a durable consumer.
type ConsumerInfo struct {
	Durable       string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
	BackoffMS     []int64
}

// Broker is the capability the outbox publisher, router and topology
// manager depend on. It deliberately does not expose anything beyond what
// reliable publish and durable pull consumption require.
type Broker interface {
	// Publish emits data to subject with the given headers (the caller is
	// responsible for setting the message-id header). It blocks until the
	// broker acks or the context is done.
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) (*PublishAck, error)

	// PullSubscribe binds to (or creates, if missing) a durable pull
	// consumer on stream, filtered to filterSubject, and returns a
	// Subscription for fetching from it.
	PullSubscribe(ctx context.Context, stream, filterSubject, durable string, cfg ConsumerConfig) (Subscription, error)

	// Management surface used by the topology manager.
	AddStream(ctx context.Context, cfg StreamConfig) error
	StreamInfo(ctx context.Context, name string) (*StreamConfig, error)
	AddConsumer(ctx context.Context, stream string, cfg ConsumerConfig) error
	ConsumerInfo(ctx context.Context, stream, durable string) (*ConsumerInfo, error)
	DeleteConsumer(ctx context.Context, stream, durable string) error

	// Healthy reports whether the underlying connection is currently
	// usable (connected and, where applicable, JetStream-enabled).
	Healthy(ctx context.Context) bool

	Close() error
}
