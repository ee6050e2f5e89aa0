package mqadmin

import (
	"crypto/tls"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options contains configuration shared by broker adapters and the manager.
type Options struct {
	// Addrs is a list of broker addresses.
	Addrs []string
	// ClientID identifies this process to the broker.
	ClientID string
	// Username and Password are the broker credentials.
	Username string
	Password string

	// TLSConfig is the TLS configuration for secure connections.
	TLSConfig *tls.Config
	// KeepAlive is the transport keep-alive interval where the broker
	// protocol supports one.
	KeepAlive time.Duration

	// ConnectRetries bounds the transient-failure retries inside a single
	// connect or reconnect attempt. Past the ceiling the connection
	// settles in the Failed state.
	ConnectRetries uint64
	// RetryInitial and RetryMax bound the exponential backoff between
	// connect retries.
	RetryInitial time.Duration
	RetryMax     time.Duration

	// Logger is the structured logger. Defaults to a no-op logger.
	Logger zerolog.Logger
	// Tracer is the OpenTelemetry tracer for observability.
	Tracer trace.Tracer
}

// PublishOptions contains options for publishing a message.
type PublishOptions struct {
	// QoS is the MQTT quality-of-service level.
	QoS byte
	// Key is the sharding key for the log broker.
	Key string
}

// SubscribeOptions contains options for subscribing to a topic.
type SubscribeOptions struct {
	// QoS is the MQTT quality-of-service level for the subscription.
	QoS byte
	// Group is the consumer group name for the log broker. Defaults to
	// the client id, so offsets survive a restart.
	Group string
	// AutoAck controls whether the transport acknowledges deliveries on
	// receipt. Disabling it makes the log broker commit offsets only
	// after an envelope has been persisted.
	AutoAck bool
	// Buffer is the delivery channel capacity for push-style transports.
	Buffer int
}

type Option func(*Options)

type PublishOption func(*PublishOptions)

type SubscribeOption func(*SubscribeOptions)

func NewOptions(opts ...Option) *Options {
	options := Options{
		KeepAlive:      30 * time.Second,
		ConnectRetries: 5,
		RetryInitial:   500 * time.Millisecond,
		RetryMax:       30 * time.Second,
		Logger:         zerolog.Nop(),
		Tracer:         noop.NewTracerProvider().Tracer("mqadmin"),
	}

	for _, o := range opts {
		o(&options)
	}

	return &options
}

func NewPublishOptions(opts ...PublishOption) PublishOptions {
	opt := PublishOptions{
		QoS: 1,
	}

	for _, o := range opts {
		o(&opt)
	}

	return opt
}

func NewSubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	opt := SubscribeOptions{
		QoS:     1,
		AutoAck: true,
		Buffer:  256,
	}

	for _, o := range opts {
		o(&opt)
	}

	return opt
}

// Addrs sets the host addresses to be used by the broker.
func Addrs(addrs ...string) Option {
	return func(o *Options) {
		o.Addrs = addrs
	}
}

// ClientID sets the client identifier presented to the broker.
func ClientID(id string) Option {
	return func(o *Options) {
		o.ClientID = id
	}
}

// Credentials sets the broker username and password.
func Credentials(username, password string) Option {
	return func(o *Options) {
		o.Username = username
		o.Password = password
	}
}

// TLSConfig specifies a TLS config for the broker connection.
func TLSConfig(t *tls.Config) Option {
	return func(o *Options) {
		o.TLSConfig = t
	}
}

// KeepAlive sets the transport keep-alive interval.
func KeepAlive(d time.Duration) Option {
	return func(o *Options) {
		o.KeepAlive = d
	}
}

// ConnectRetries bounds the retry attempts inside connect and reconnect.
func ConnectRetries(n uint64) Option {
	return func(o *Options) {
		o.ConnectRetries = n
	}
}

// RetryBackoff bounds the exponential backoff between connect retries.
func RetryBackoff(initial, max time.Duration) Option {
	return func(o *Options) {
		o.RetryInitial = initial
		o.RetryMax = max
	}
}

// Logger sets the structured logger.
func Logger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Tracer sets the tracer used for observability.
func Tracer(t trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = t
	}
}

// WithQoS sets the MQTT quality-of-service level for a publish.
func WithQoS(qos byte) PublishOption {
	return func(o *PublishOptions) {
		o.QoS = qos
	}
}

// WithKey sets the sharding key used by the log broker for partitioning.
func WithKey(key string) PublishOption {
	return func(o *PublishOptions) {
		o.Key = key
	}
}

// SubscribeQoS sets the MQTT quality-of-service level for a subscription.
func SubscribeQoS(qos byte) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.QoS = qos
	}
}

// Group sets the consumer group name for the log broker.
func Group(name string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Group = name
	}
}

// DisableAutoAck makes the subscription acknowledge deliveries only after
// they have been persisted.
func DisableAutoAck() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.AutoAck = false
	}
}

// Buffer sets the delivery channel capacity for push-style transports.
func Buffer(n int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Buffer = n
	}
}
