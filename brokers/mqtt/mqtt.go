// Package mqtt adapts the Eclipse Paho client to the mqadmin broker
// capability set. Paho's push-style message callbacks are converted into
// the pull-style Stream the ingestor consumes.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/qvcloud/mqadmin"
)

const tokenTimeout = 5 * time.Second

type Broker struct {
	opts *mqadmin.Options

	mu        sync.RWMutex
	client    paho.Client
	connected bool
	onLost    func(error)

	// newClient is an injection point for tests.
	newClient func(*paho.ClientOptions) paho.Client
}

func New(opts ...mqadmin.Option) *Broker {
	return &Broker{
		opts:      mqadmin.NewOptions(opts...),
		newClient: paho.NewClient,
	}
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}
	if len(b.opts.Addrs) == 0 {
		return fmt.Errorf("mqtt: broker address is required")
	}

	b.client = b.newClient(b.createOptions())

	tok := b.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	b.connected = true
	return nil
}

func (b *Broker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil
	}
	b.client.Disconnect(250)
	b.connected = false
	return nil
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, opts ...mqadmin.PublishOption) (mqadmin.PublishResult, error) {
	po := mqadmin.NewPublishOptions(opts...)

	b.mu.RLock()
	client := b.client
	connected := b.connected
	b.mu.RUnlock()

	if !connected {
		return mqadmin.PublishResult{}, fmt.Errorf("mqtt: not connected")
	}

	tok := client.Publish(topic, po.QoS, false, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return mqadmin.PublishResult{}, err
		}
	case <-ctx.Done():
		return mqadmin.PublishResult{}, ctx.Err()
	}

	// Fire-and-forget at the chosen QoS; there is no partition or offset
	// to report.
	return mqadmin.PublishResult{Partition: -1, Offset: -1}, nil
}

func (b *Broker) Subscribe(_ context.Context, topic string, opts ...mqadmin.SubscribeOption) (mqadmin.Stream, error) {
	so := mqadmin.NewSubscribeOptions(opts...)

	b.mu.RLock()
	client := b.client
	connected := b.connected
	b.mu.RUnlock()

	if !connected {
		return nil, fmt.Errorf("mqtt: not connected")
	}

	s := &stream{
		topic:  topic,
		client: client,
		ch:     make(chan *mqadmin.Delivery, so.Buffer),
		done:   make(chan struct{}),
	}

	tok := client.Subscribe(topic, so.QoS, s.handle)
	if !tok.WaitTimeout(tokenTimeout) {
		return nil, fmt.Errorf("mqtt subscribe %q: timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %q: %w", topic, err)
	}
	return s, nil
}

func (b *Broker) Notify(fn func(error)) {
	b.onLost = fn
}

func (b *Broker) String() string { return "mqtt" }

func (b *Broker) createOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	for _, addr := range b.opts.Addrs {
		opts.AddBroker(addr)
	}

	clientID := b.opts.ClientID
	if clientID == "" {
		clientID = "mqadmin"
	}
	opts.SetClientID(fmt.Sprintf("%s-%s", clientID, uuid.NewString()[:8]))
	opts.SetUsername(b.opts.Username)
	opts.SetPassword(b.opts.Password)
	opts.SetKeepAlive(b.opts.KeepAlive)
	opts.SetCleanSession(true)
	// Reconnection policy belongs to the connection manager, not paho.
	opts.SetAutoReconnect(false)
	if b.opts.TLSConfig != nil {
		opts.SetTLSConfig(b.opts.TLSConfig)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.mu.Lock()
		b.connected = false
		fn := b.onLost
		b.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
	return opts
}

type stream struct {
	topic  string
	client paho.Client

	ch        chan *mqadmin.Delivery
	done      chan struct{}
	closeOnce sync.Once
}

func (s *stream) handle(_ paho.Client, msg paho.Message) {
	body := make([]byte, len(msg.Payload()))
	copy(body, msg.Payload())

	d := &mqadmin.Delivery{
		Topic:   msg.Topic(),
		Payload: body,
		Meta:    mqadmin.Meta{QoS: msg.Qos()},
		// QoS acking happens at the protocol level inside paho; no
		// further action is needed from the pipeline.
	}

	select {
	case s.ch <- d:
	case <-s.done:
	}
}

func (s *stream) Next(ctx context.Context) (*mqadmin.Delivery, error) {
	select {
	case d := <-s.ch:
		return d, nil
	case <-s.done:
		select {
		case d := <-s.ch:
			return d, nil
		default:
			return nil, mqadmin.ErrStreamClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.client.IsConnected() {
			tok := s.client.Unsubscribe(s.topic)
			if tok.WaitTimeout(tokenTimeout) {
				err = tok.Error()
			}
		}
		close(s.done)
	})
	return err
}
