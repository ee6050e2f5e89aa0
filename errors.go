package mqadmin

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that require an
	// established broker connection.
	ErrNotConnected = errors.New("broker not connected")

	// ErrAlreadySubscribed is returned when a (kind, topic) pair already
	// has an active subscription.
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrNotFound is returned when unsubscribing a topic that has no
	// subscription.
	ErrNotFound = errors.New("subscription not found")

	// ErrInvalidCursor is returned by message queries when the cursor
	// does not correspond to a known envelope.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrStoreUnavailable indicates the message store's persistence
	// medium is unreachable.
	ErrStoreUnavailable = errors.New("message store unavailable")

	// ErrStreamClosed is returned by Stream.Next once the stream has been
	// closed and no further deliveries will arrive.
	ErrStreamClosed = errors.New("stream closed")

	// ErrUnknownKind is returned for broker kinds the manager was not
	// constructed with.
	ErrUnknownKind = errors.New("unknown broker kind")
)

// PublishError wraps a broker-level failure during an outbound publish.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConnectError wraps a handshake failure after the connect retry budget is
// exhausted.
type ConnectError struct {
	Kind BrokerKind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s broker failed: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
