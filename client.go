package mqadmin

import (
	"context"
)

// Client is the minimal capability set a broker adapter implements. The
// manager owns exactly one Client per broker kind for the process lifetime;
// ingestors and the publish gateway borrow it for the duration of a single
// operation.
type Client interface {
	// Connect establishes the broker connection. It blocks until the
	// handshake completes or fails.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. Open streams return
	// ErrStreamClosed from Next afterwards.
	Disconnect() error

	// Publish sends one payload to a topic. For the log broker the result
	// carries the partition and offset assigned by the broker once it
	// acknowledges the write; for the MQTT broker the result is zero and
	// delivery is fire-and-forget at the chosen QoS.
	Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) (PublishResult, error)

	// Subscribe opens a pull-style stream of deliveries for a topic.
	Subscribe(ctx context.Context, topic string, opts ...SubscribeOption) (Stream, error)

	// Notify registers a callback invoked when the transport connection
	// is lost. At most one callback is registered, before Connect.
	Notify(fn func(error))

	String() string
}

// PublishResult reports broker acknowledgment metadata where the transport
// provides it. Partition and Offset are -1 when the broker acknowledged the
// write but the metadata did not arrive in time.
type PublishResult struct {
	Partition int
	Offset    int64
}

// Stream is a pull-style view of one topic subscription.
type Stream interface {
	// Next blocks until a delivery arrives, the stream is closed
	// (ErrStreamClosed), or ctx is done.
	Next(ctx context.Context) (*Delivery, error)

	// Close stops the subscription. Safe to call more than once.
	Close() error
}

// Delivery is one broker-native message, detached from any transport
// buffers so that it stays valid after the next read.
type Delivery struct {
	Topic   string
	Payload []byte
	Meta    Meta

	// Ack commits the delivery where the broker supports it (offset
	// commit for the log broker when auto-ack is disabled). Nil when the
	// transport acknowledges at the protocol level.
	Ack func(ctx context.Context) error
}
