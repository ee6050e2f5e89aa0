// Package kafka adapts segmentio/kafka-go to the mqadmin broker capability
// set for the partitioned log broker. Publishes report the partition and
// offset the broker acknowledged; subscriptions are consumer-group readers
// exposed as pull-style streams.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/qvcloud/mqadmin"
)

// publishIDHeader correlates an outgoing message with the writer completion
// callback that carries its assigned partition and offset.
const publishIDHeader = "x-publish-id"

const defaultCompletionTimeout = 2 * time.Second

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type Broker struct {
	opts *mqadmin.Options

	mu      sync.Mutex
	writer  kafkaWriter
	streams map[string]*stream
	running bool
	seq     uint64
	onLost  func(error)

	pendingMu sync.Mutex
	pending   map[string]chan kafkago.Message

	// injection points for tests
	newWriter         func() kafkaWriter
	newReader         func(cfg kafkago.ReaderConfig) kafkaReader
	completionTimeout time.Duration
}

func New(opts ...mqadmin.Option) *Broker {
	b := &Broker{
		opts:              mqadmin.NewOptions(opts...),
		streams:           make(map[string]*stream),
		pending:           make(map[string]chan kafkago.Message),
		completionTimeout: defaultCompletionTimeout,
	}
	b.newWriter = b.defaultWriter
	b.newReader = func(cfg kafkago.ReaderConfig) kafkaReader {
		return kafkago.NewReader(cfg)
	}
	return b
}

func (b *Broker) defaultWriter() kafkaWriter {
	return &kafkago.Writer{
		Addr:       kafkago.TCP(b.opts.Addrs...),
		Balancer:   &kafkago.LeastBytes{},
		Completion: b.completion,
	}
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}
	if len(b.opts.Addrs) == 0 {
		return fmt.Errorf("kafka: broker addresses are required")
	}

	// The writer dials lazily; probe the cluster so Connect reports
	// reachability the way a handshake would.
	conn, err := kafkago.DialContext(ctx, "tcp", b.opts.Addrs[0])
	if err != nil {
		return fmt.Errorf("kafka connect: %w", err)
	}
	_ = conn.Close()

	b.writer = b.newWriter()
	b.running = true
	return nil
}

func (b *Broker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	if b.writer != nil {
		_ = b.writer.Close()
		b.writer = nil
	}
	for _, s := range b.streams {
		s.close()
	}
	b.streams = make(map[string]*stream)
	b.running = false
	return nil
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, opts ...mqadmin.PublishOption) (mqadmin.PublishResult, error) {
	po := mqadmin.NewPublishOptions(opts...)

	b.mu.Lock()
	writer := b.writer
	b.seq++
	id := fmt.Sprintf("%d", b.seq)
	b.mu.Unlock()

	if writer == nil {
		return mqadmin.PublishResult{}, fmt.Errorf("kafka: not connected")
	}

	ack := make(chan kafkago.Message, 1)
	b.pendingMu.Lock()
	b.pending[id] = ack
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	msg := kafkago.Message{
		Topic:   topic,
		Key:     []byte(po.Key),
		Value:   payload,
		Headers: []kafkago.Header{{Key: publishIDHeader, Value: []byte(id)}},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		if isConnLoss(err) && b.onLost != nil {
			b.onLost(err)
		}
		return mqadmin.PublishResult{}, err
	}

	// The completion callback runs on the writer's goroutine; give it a
	// moment to report the assigned partition and offset. When it never
	// arrives the write still stands, so the result carries the -1
	// metadata-unavailable markers rather than an error.
	select {
	case m := <-ack:
		return mqadmin.PublishResult{Partition: m.Partition, Offset: m.Offset}, nil
	case <-time.After(b.completionTimeout):
		return mqadmin.PublishResult{Partition: -1, Offset: -1}, nil
	case <-ctx.Done():
		return mqadmin.PublishResult{Partition: -1, Offset: -1}, nil
	}
}

// completion receives delivered messages with Partition and Offset set and
// routes them back to the publish call that wrote them.
func (b *Broker) completion(msgs []kafkago.Message, err error) {
	if err != nil {
		return
	}
	for _, m := range msgs {
		for _, h := range m.Headers {
			if h.Key != publishIDHeader {
				continue
			}
			b.pendingMu.Lock()
			ch, ok := b.pending[string(h.Value)]
			b.pendingMu.Unlock()
			if ok {
				select {
				case ch <- m:
				default:
				}
			}
		}
	}
}

func (b *Broker) Subscribe(_ context.Context, topic string, opts ...mqadmin.SubscribeOption) (mqadmin.Stream, error) {
	so := mqadmin.NewSubscribeOptions(opts...)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil, fmt.Errorf("kafka: not connected")
	}

	group := so.Group
	if group == "" {
		group = b.opts.ClientID
	}
	if group == "" {
		group = "mqadmin"
	}

	reader := b.newReader(kafkago.ReaderConfig{
		Brokers:  b.opts.Addrs,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	b.seq++
	s := &stream{
		id:      fmt.Sprintf("%s-%d", topic, b.seq),
		topic:   topic,
		reader:  reader,
		autoAck: so.AutoAck,
		broker:  b,
	}
	b.streams[s.id] = s
	return s, nil
}

func (b *Broker) Notify(fn func(error)) {
	b.onLost = fn
}

func (b *Broker) String() string { return "kafka" }

func isConnLoss(err error) bool {
	var netErr net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &netErr)
}

type stream struct {
	id      string
	topic   string
	reader  kafkaReader
	autoAck bool
	broker  *Broker

	closeOnce sync.Once
}

func (s *stream) Next(ctx context.Context) (*mqadmin.Delivery, error) {
	var (
		m   kafkago.Message
		err error
	)
	if s.autoAck {
		// ReadMessage commits the offset on receipt: at-most-once
		// persistence.
		m, err = s.reader.ReadMessage(ctx)
	} else {
		m, err = s.reader.FetchMessage(ctx)
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil, mqadmin.ErrStreamClosed
		}
		return nil, err
	}

	d := &mqadmin.Delivery{
		Topic:   m.Topic,
		Payload: m.Value,
		Meta: mqadmin.Meta{
			Key:       string(m.Key),
			Partition: m.Partition,
			Offset:    m.Offset,
		},
	}
	if !s.autoAck {
		msg := m
		d.Ack = func(ctx context.Context) error {
			return s.reader.CommitMessages(ctx, msg)
		}
	}
	return d, nil
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.reader.Close()
		s.broker.mu.Lock()
		delete(s.broker.streams, s.id)
		s.broker.mu.Unlock()
	})
	return err
}

// close is the Disconnect-side teardown; it must not retake broker.mu.
func (s *stream) close() {
	s.closeOnce.Do(func() {
		_ = s.reader.Close()
	})
}
