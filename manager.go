package mqadmin

import (
	"context"

	"github.com/rs/zerolog"
)

// Manager is the process-scoped entry point for the surrounding system. It
// owns one connection manager, one subscription registry and one publish
// gateway per configured broker kind, all sharing a single message store.
// Construct it once at startup and Shutdown once at process exit; tests
// build isolated instances.
type Manager struct {
	store  Store
	logger zerolog.Logger
	ids    *idSource
	kinds  map[BrokerKind]*brokerRuntime
}

type brokerRuntime struct {
	cm  *connManager
	reg *registry
	gw  *gateway
}

// NewManager wires one runtime per supplied client. The clients map is
// typically {MQTT: mqtt adapter, Log: kafka adapter}, but any Client
// implementation works, which is how tests substitute the in-memory broker.
func NewManager(store Store, clients map[BrokerKind]Client, opts ...Option) *Manager {
	options := NewOptions(opts...)

	m := &Manager{
		store:  store,
		logger: options.Logger.With().Str("component", "manager").Logger(),
		ids:    &idSource{},
		kinds:  make(map[BrokerKind]*brokerRuntime, len(clients)),
	}

	for kind, client := range clients {
		cm := newConnManager(kind, client, options)
		reg := newRegistry(kind, cm, store, m.ids, options)
		cm.onReconnected = func() {
			reg.resume(context.Background())
		}
		m.kinds[kind] = &brokerRuntime{
			cm:  cm,
			reg: reg,
			gw:  newGateway(kind, cm, store, m.ids, options),
		}
	}
	return m
}

func (m *Manager) runtime(kind BrokerKind) (*brokerRuntime, error) {
	rt, ok := m.kinds[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return rt, nil
}

// Connect establishes the connection for one broker kind. Idempotent.
func (m *Manager) Connect(ctx context.Context, kind BrokerKind) error {
	rt, err := m.runtime(kind)
	if err != nil {
		return err
	}
	return rt.cm.Connect(ctx)
}

// Disconnect stops every ingestor for the kind, waits for the aggregate
// drain, then closes the connection. Idempotent.
func (m *Manager) Disconnect(ctx context.Context, kind BrokerKind) error {
	rt, err := m.runtime(kind)
	if err != nil {
		return err
	}
	if err := rt.reg.stopAll(ctx); err != nil {
		return err
	}
	return rt.cm.Disconnect()
}

// Shutdown tears down every broker kind. Part of process exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	var firstErr error
	for kind := range m.kinds {
		if err := m.Disconnect(ctx, kind); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetStatus reports connection state, subscriptions and the most recent
// surfaced error for one broker kind.
func (m *Manager) GetStatus(kind BrokerKind) (StatusView, error) {
	rt, err := m.runtime(kind)
	if err != nil {
		return StatusView{}, err
	}
	return rt.reg.statusView(), nil
}

// Publish forwards a payload to the broker, recording an outbound envelope
// for audit first. Returns the envelope id and, for the log broker, the
// acknowledged partition and offset.
func (m *Manager) Publish(ctx context.Context, kind BrokerKind, topic string, payload []byte, opts ...PublishOption) (string, PublishResult, error) {
	rt, err := m.runtime(kind)
	if err != nil {
		return "", PublishResult{}, err
	}
	return rt.gw.publish(ctx, topic, payload, opts...)
}

// Subscribe registers a topic subscription and starts its ingestor.
func (m *Manager) Subscribe(ctx context.Context, kind BrokerKind, topic string, opts ...SubscribeOption) error {
	rt, err := m.runtime(kind)
	if err != nil {
		return err
	}
	return rt.reg.subscribe(ctx, topic, opts...)
}

// Unsubscribe stops the topic's ingestor, waits for it to drain, and
// removes the subscription.
func (m *Manager) Unsubscribe(ctx context.Context, kind BrokerKind, topic string) error {
	rt, err := m.runtime(kind)
	if err != nil {
		return err
	}
	return rt.reg.unsubscribe(ctx, topic)
}

// ListSubscriptions returns a snapshot of the kind's subscriptions.
func (m *Manager) ListSubscriptions(kind BrokerKind) ([]Subscription, error) {
	rt, err := m.runtime(kind)
	if err != nil {
		return nil, err
	}
	return rt.reg.list(), nil
}

// QueryMessages reads persisted history for one topic, cursor-paged in
// creation order. It never touches the live connection.
func (m *Manager) QueryMessages(ctx context.Context, kind BrokerKind, topic string, cursor string, limit int) (Page, error) {
	if _, err := m.runtime(kind); err != nil {
		return Page{}, err
	}
	return m.store.Query(ctx, kind, topic, cursor, limit)
}
