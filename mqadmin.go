// Package mqadmin provides administrative control over two heterogeneous
// pub/sub brokers, an MQTT-style fan-out broker and a partitioned log
// broker, behind a single abstraction: connection lifecycle, subscription
// bookkeeping, concurrent message ingestion and a queryable message history.
package mqadmin

import (
	"time"
)

// BrokerKind identifies which of the two supported message systems an
// operation targets.
type BrokerKind string

const (
	// MQTT is the topic-based fan-out broker.
	MQTT BrokerKind = "mqtt"
	// Log is the partitioned, ordered log broker.
	Log BrokerKind = "log"
)

// ConnState is the lifecycle state of one broker connection.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Direction records whether an envelope was received from a broker or sent
// to one.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Meta carries broker-specific delivery metadata. QoS applies to the MQTT
// broker; Key, Partition and Offset apply to the log broker.
type Meta struct {
	QoS       byte   `json:"qos,omitempty"`
	Key       string `json:"key,omitempty"`
	Partition int    `json:"partition,omitempty"`
	Offset    int64  `json:"offset,omitempty"`
}

// Envelope is the canonical representation of one message, independent of
// the broker it came from or went to. Envelopes are immutable once created.
// IDs are unique and sort in creation order, which keeps cursor pagination
// stable.
type Envelope struct {
	ID        string     `json:"id"`
	Kind      BrokerKind `json:"kind"`
	Topic     string     `json:"topic"`
	Meta      Meta       `json:"meta"`
	Payload   []byte     `json:"payload"`
	Timestamp time.Time  `json:"timestamp"`
	Direction Direction  `json:"direction"`
}

// Subscription describes one active topic subscription. Unique per
// (Kind, Topic). Active turns false when the subscription's ingestor has
// terminated on an unrecoverable broker error.
type Subscription struct {
	Topic     string     `json:"topic"`
	Kind      BrokerKind `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	Active    bool       `json:"active"`
}

// StatusView aggregates connection state and subscription bookkeeping for
// one broker kind.
type StatusView struct {
	Kind          BrokerKind     `json:"kind"`
	State         ConnState      `json:"state"`
	Subscriptions []Subscription `json:"subscriptions"`
	LastError     error          `json:"-"`
}
