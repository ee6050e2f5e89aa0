// Package inmem is a loopback broker used by tests and examples. Published
// payloads fan out to every open stream on the topic, and Deliver injects
// broker-originated messages from outside.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/qvcloud/mqadmin"
)

type Broker struct {
	opts *mqadmin.Options

	mu        sync.RWMutex
	connected bool
	streams   map[string][]*stream
	offsets   map[string]int64
	onLost    func(error)

	// ConnectErr, when set, makes Connect fail. Used to exercise the
	// retry and Failed-state paths.
	ConnectErr error
	// PublishErr, when set, makes Publish fail.
	PublishErr error
}

func New(opts ...mqadmin.Option) *Broker {
	return &Broker{
		opts:    mqadmin.NewOptions(opts...),
		streams: make(map[string][]*stream),
		offsets: make(map[string]int64),
	}
}

func (b *Broker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ConnectErr != nil {
		return b.ConnectErr
	}
	b.connected = true
	return nil
}

func (b *Broker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.streams {
		for _, s := range subs {
			s.close()
		}
	}
	b.streams = make(map[string][]*stream)
	b.connected = false
	return nil
}

func (b *Broker) Publish(_ context.Context, topic string, payload []byte, opts ...mqadmin.PublishOption) (mqadmin.PublishResult, error) {
	po := mqadmin.NewPublishOptions(opts...)

	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return mqadmin.PublishResult{}, fmt.Errorf("inmem: not connected")
	}
	if b.PublishErr != nil {
		err := b.PublishErr
		b.mu.Unlock()
		return mqadmin.PublishResult{}, err
	}
	offset := b.offsets[topic]
	b.offsets[topic] = offset + 1
	subs := append([]*stream(nil), b.streams[topic]...)
	b.mu.Unlock()

	meta := mqadmin.Meta{QoS: po.QoS, Key: po.Key, Offset: offset}
	for _, s := range subs {
		s.deliver(topic, payload, meta)
	}
	return mqadmin.PublishResult{Offset: offset}, nil
}

func (b *Broker) Subscribe(_ context.Context, topic string, opts ...mqadmin.SubscribeOption) (mqadmin.Stream, error) {
	so := mqadmin.NewSubscribeOptions(opts...)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, fmt.Errorf("inmem: not connected")
	}

	s := &stream{
		id:     uuid.New().String(),
		topic:  topic,
		broker: b,
		ch:     make(chan *mqadmin.Delivery, so.Buffer),
		done:   make(chan struct{}),
	}
	b.streams[topic] = append(b.streams[topic], s)
	return s, nil
}

func (b *Broker) Notify(fn func(error)) {
	b.onLost = fn
}

func (b *Broker) String() string { return "inmem" }

// Deliver injects a broker-originated message, as if a remote publisher had
// sent it.
func (b *Broker) Deliver(topic string, payload []byte, meta mqadmin.Meta) {
	b.mu.RLock()
	subs := append([]*stream(nil), b.streams[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(topic, payload, meta)
	}
}

// FailConnection simulates transport loss: the broker drops to
// disconnected, open streams close, and the registered loss callback fires.
func (b *Broker) FailConnection(err error) {
	b.mu.Lock()
	for _, subs := range b.streams {
		for _, s := range subs {
			s.close()
		}
	}
	b.streams = make(map[string][]*stream)
	b.connected = false
	fn := b.onLost
	b.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// Connected reports the transport state. Exposed for tests.
func (b *Broker) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

type stream struct {
	id     string
	topic  string
	broker *Broker

	ch        chan *mqadmin.Delivery
	done      chan struct{}
	closeOnce sync.Once
}

func (s *stream) deliver(topic string, payload []byte, meta mqadmin.Meta) {
	body := make([]byte, len(payload))
	copy(body, payload)
	d := &mqadmin.Delivery{Topic: topic, Payload: body, Meta: meta}

	select {
	case <-s.done:
	case s.ch <- d:
	}
}

func (s *stream) Next(ctx context.Context) (*mqadmin.Delivery, error) {
	select {
	case d := <-s.ch:
		return d, nil
	case <-s.done:
		// drain what was buffered before the close
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
	s.close()

	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	subs := s.broker.streams[s.topic]
	kept := subs[:0]
	for _, sb := range subs {
		if sb.id != s.id {
			kept = append(kept, sb)
		}
	}
	s.broker.streams[s.topic] = kept
	return nil
}

func (s *stream) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
