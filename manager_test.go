package mqadmin_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvcloud/mqadmin"
	"github.com/qvcloud/mqadmin/brokers/inmem"
	"github.com/qvcloud/mqadmin/store/memstore"
)

func newTestManager(t *testing.T, kind mqadmin.BrokerKind) (*mqadmin.Manager, *inmem.Broker, *memstore.Store) {
	t.Helper()
	broker := inmem.New()
	store := memstore.New()
	mgr := mqadmin.NewManager(store, map[mqadmin.BrokerKind]mqadmin.Client{
		kind: broker,
	}, mqadmin.ConnectRetries(0), mqadmin.RetryBackoff(time.Millisecond, 10*time.Millisecond))
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return mgr, broker, store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestManager_UnknownKind(t *testing.T) {
	mgr, _, _ := newTestManager(t, mqadmin.MQTT)

	err := mgr.Connect(context.Background(), mqadmin.Log)
	assert.ErrorIs(t, err, mqadmin.ErrUnknownKind)
}

func TestManager_ConnectIdempotent(t *testing.T) {
	mgr, broker, _ := newTestManager(t, mqadmin.MQTT)
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.MQTT))
	require.NoError(t, mgr.Connect(ctx, mqadmin.MQTT))
	assert.True(t, broker.Connected())

	status, err := mgr.GetStatus(mqadmin.MQTT)
	require.NoError(t, err)
	assert.Equal(t, mqadmin.Connected, status.State)
}

func TestManager_ConnectFailure(t *testing.T) {
	mgr, broker, _ := newTestManager(t, mqadmin.MQTT)
	broker.ConnectErr = errors.New("handshake refused")

	err := mgr.Connect(context.Background(), mqadmin.MQTT)
	require.Error(t, err)

	var ce *mqadmin.ConnectError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, mqadmin.MQTT, ce.Kind)

	status, _ := mgr.GetStatus(mqadmin.MQTT)
	assert.Equal(t, mqadmin.Failed, status.State)
	assert.Error(t, status.LastError)

	// Operator retry after the fault clears.
	broker.ConnectErr = nil
	require.NoError(t, mgr.Connect(context.Background(), mqadmin.MQTT))
	status, _ = mgr.GetStatus(mqadmin.MQTT)
	assert.Equal(t, mqadmin.Connected, status.State)
	assert.NoError(t, status.LastError)
}

func TestManager_SubscribeRequiresConnection(t *testing.T) {
	mgr, _, _ := newTestManager(t, mqadmin.MQTT)

	err := mgr.Subscribe(context.Background(), mqadmin.MQTT, "sensors/temp")
	assert.ErrorIs(t, err, mqadmin.ErrNotConnected)

	subs, err := mgr.ListSubscriptions(mqadmin.MQTT)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestManager_DoubleSubscribe(t *testing.T) {
	mgr, _, _ := newTestManager(t, mqadmin.MQTT)
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.MQTT))
	require.NoError(t, mgr.Subscribe(ctx, mqadmin.MQTT, "sensors/temp"))

	err := mgr.Subscribe(ctx, mqadmin.MQTT, "sensors/temp")
	assert.ErrorIs(t, err, mqadmin.ErrAlreadySubscribed)

	subs, err := mgr.ListSubscriptions(mqadmin.MQTT)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sensors/temp", subs[0].Topic)
	assert.True(t, subs[0].Active)
}

func TestManager_UnsubscribeNotFound(t *testing.T) {
	mgr, _, _ := newTestManager(t, mqadmin.MQTT)
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.MQTT))
	err := mgr.Unsubscribe(ctx, mqadmin.MQTT, "nope")
	assert.ErrorIs(t, err, mqadmin.ErrNotFound)
}

func TestManager_InboundScenario(t *testing.T) {
	mgr, broker, _ := newTestManager(t, mqadmin.MQTT)
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.MQTT))
	require.NoError(t, mgr.Subscribe(ctx, mqadmin.MQTT, "sensors/temp"))

	broker.Deliver("sensors/temp", []byte("22.5"), mqadmin.Meta{QoS: 1})

	waitFor(t, func() bool {
		page, err := mgr.QueryMessages(ctx, mqadmin.MQTT, "sensors/temp", "", 10)
		return err == nil && len(page.Envelopes) == 1
	})

	page, err := mgr.QueryMessages(ctx, mqadmin.MQTT, "sensors/temp", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Envelopes, 1)
	env := page.Envelopes[0]
	assert.Equal(t, []byte("22.5"), env.Payload)
	assert.Equal(t, mqadmin.Inbound, env.Direction)
	assert.Equal(t, byte(1), env.Meta.QoS)
	assert.Equal(t, "sensors/temp", env.Topic)
	assert.NotEmpty(t, env.ID)
}

func TestManager_IngestionOrder(t *testing.T) {
	mgr, broker, store := newTestManager(t, mqadmin.Log)
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.Log))
	require.NoError(t, mgr.Subscribe(ctx, mqadmin.Log, "orders"))

	const n = 25
	for i := 0; i < n; i++ {
		broker.Deliver("orders", []byte(fmt.Sprintf("msg-%03d", i)), mqadmin.Meta{Offset: int64(i)})
	}

	waitFor(t, func() bool { return store.Len(mqadmin.Log, "orders") == n })

	page, err := mgr.QueryMessages(ctx, mqadmin.Log, "orders", "", n)
	require.NoError(t, err)
	require.Len(t, page.Envelopes, n)
	for i, env := range page.Envelopes {
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), string(env.Payload))
	}

	// Re-query with the same cursor returns the same page.
	first, err := mgr.QueryMessages(ctx, mqadmin.Log, "orders", "", 10)
	require.NoError(t, err)
	again, err := mgr.QueryMessages(ctx, mqadmin.Log, "orders", "", 10)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestManager_PaginationRoundTrip(t *testing.T) {
	mgr, broker, store := newTestManager(t, mqadmin.Log)
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.Log))
	require.NoError(t, mgr.Subscribe(ctx, mqadmin.Log, "orders"))

	const n = 23
	for i := 0; i < n; i++ {
		broker.Deliver("orders", []byte(fmt.Sprintf("m%d", i)), mqadmin.Meta{})
	}
	waitFor(t, func() bool { return store.Len(mqadmin.Log, "orders") == n })

	var all []mqadmin.Envelope
	cursor := ""
	for {
		page, err := mgr.QueryMessages(ctx, mqadmin.Log, "orders", cursor, 5)
		require.NoError(t, err)
		if len(page.Envelopes) == 0 {
			break
		}
		all = append(all, page.Envelopes...)
		cursor = page.NextCursor
	}

	require.Len(t, all, n)
	seen := make(map[string]bool, n)
	for i, env := range all {
		assert.Equal(t, fmt.Sprintf("m%d", i), string(env.Payload))
		assert.False(t, seen[env.ID], "duplicate envelope %s", env.ID)
		seen[env.ID] = true
	}
}

func TestManager_InvalidCursor(t *testing.T) {
	mgr, _, _ := newTestManager(t, mqadmin.Log)

	_, err := mgr.QueryMessages(context.Background(), mqadmin.Log, "orders", "bogus", 10)
	assert.ErrorIs(t, err, mqadmin.ErrInvalidCursor)
}

func TestManager_PublishRecordsOutbound(t *testing.T) {
	mgr, _, _ := newTestManager(t, mqadmin.Log)
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.Log))

	id, res, err := mgr.Publish(ctx, mqadmin.Log, "orders", []byte("payload"), mqadmin.WithKey("k1"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int64(0), res.Offset)

	page, err := mgr.QueryMessages(ctx, mqadmin.Log, "orders", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Envelopes, 1)
	assert.Equal(t, id, page.Envelopes[0].ID)
	assert.Equal(t, mqadmin.Outbound, page.Envelopes[0].Direction)
	assert.Equal(t, "k1", page.Envelopes[0].Meta.Key)
}

func TestManager_PublishNotConnected(t *testing.T) {
	mgr, _, store := newTestManager(t, mqadmin.MQTT)

	_, _, err := mgr.Publish(context.Background(), mqadmin.MQTT, "sensors/temp", []byte("x"))
	assert.ErrorIs(t, err, mqadmin.ErrNotConnected)
	assert.Zero(t, store.Len(mqadmin.MQTT, "sensors/temp"))
}

func TestManager_PublishBrokerError(t *testing.T) {
	mgr, broker, _ := newTestManager(t, mqadmin.MQTT)
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.MQTT))
	broker.PublishErr = errors.New("broker rejected")

	_, _, err := mgr.Publish(ctx, mqadmin.MQTT, "sensors/temp", []byte("x"))
	require.Error(t, err)

	var pe *mqadmin.PublishError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, "sensors/temp", pe.Topic)
}

func TestManager_UnsubscribeStopsIngestion(t *testing.T) {
	mgr, broker, store := newTestManager(t, mqadmin.MQTT)
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.MQTT))
	require.NoError(t, mgr.Subscribe(ctx, mqadmin.MQTT, "sensors/temp"))

	broker.Deliver("sensors/temp", []byte("before"), mqadmin.Meta{})
	waitFor(t, func() bool { return store.Len(mqadmin.MQTT, "sensors/temp") == 1 })

	require.NoError(t, mgr.Unsubscribe(ctx, mqadmin.MQTT, "sensors/temp"))

	subs, err := mgr.ListSubscriptions(mqadmin.MQTT)
	require.NoError(t, err)
	assert.Empty(t, subs)

	// Deliveries after the drain are not persisted.
	broker.Deliver("sensors/temp", []byte("after"), mqadmin.Meta{})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, store.Len(mqadmin.MQTT, "sensors/temp"))
}

func TestManager_DisconnectCascade(t *testing.T) {
	mgr, _, _ := newTestManager(t, mqadmin.Log)
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.Log))
	require.NoError(t, mgr.Subscribe(ctx, mqadmin.Log, "orders"))
	require.NoError(t, mgr.Subscribe(ctx, mqadmin.Log, "shipments"))

	require.NoError(t, mgr.Disconnect(ctx, mqadmin.Log))

	subs, err := mgr.ListSubscriptions(mqadmin.Log)
	require.NoError(t, err)
	assert.Empty(t, subs)

	_, _, err = mgr.Publish(ctx, mqadmin.Log, "orders", []byte("x"))
	assert.ErrorIs(t, err, mqadmin.ErrNotConnected)
	_, _, err = mgr.Publish(ctx, mqadmin.Log, "shipments", []byte("x"))
	assert.ErrorIs(t, err, mqadmin.ErrNotConnected)

	status, _ := mgr.GetStatus(mqadmin.Log)
	assert.Equal(t, mqadmin.Disconnected, status.State)
}

func TestManager_ReconnectResumesSubscriptions(t *testing.T) {
	mgr, broker, store := newTestManager(t, mqadmin.MQTT)
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.MQTT))
	require.NoError(t, mgr.Subscribe(ctx, mqadmin.MQTT, "sensors/temp"))

	broker.FailConnection(errors.New("transport reset"))

	waitFor(t, func() bool {
		status, _ := mgr.GetStatus(mqadmin.MQTT)
		return status.State == mqadmin.Connected
	})

	// The resumed ingestor receives on a fresh stream.
	waitFor(t, func() bool {
		broker.Deliver("sensors/temp", []byte("again"), mqadmin.Meta{})
		return store.Len(mqadmin.MQTT, "sensors/temp") > 0
	})

	subs, err := mgr.ListSubscriptions(mqadmin.MQTT)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.True(t, subs[0].Active)
}

func TestManager_QueryDoesNotTouchConnection(t *testing.T) {
	mgr, _, _ := newTestManager(t, mqadmin.MQTT)

	page, err := mgr.QueryMessages(context.Background(), mqadmin.MQTT, "sensors/temp", "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Envelopes)
}

// gatedStore blocks the first Append until released so tests can hold a
// write in flight across a lifecycle operation.
type gatedStore struct {
	inner   mqadmin.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		inner:   memstore.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *gatedStore) Append(ctx context.Context, env mqadmin.Envelope) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.inner.Append(ctx, env)
}

func (s *gatedStore) Query(ctx context.Context, kind mqadmin.BrokerKind, topic string, cursor string, limit int) (mqadmin.Page, error) {
	return s.inner.Query(ctx, kind, topic, cursor, limit)
}

func TestManager_UnsubscribeDrainsInFlightWrite(t *testing.T) {
	broker := inmem.New()
	store := newGatedStore()
	mgr := mqadmin.NewManager(store, map[mqadmin.BrokerKind]mqadmin.Client{
		mqadmin.MQTT: broker,
	}, mqadmin.ConnectRetries(0))
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.MQTT))
	require.NoError(t, mgr.Subscribe(ctx, mqadmin.MQTT, "sensors/temp"))

	broker.Deliver("sensors/temp", []byte("in-flight"), mqadmin.Meta{})
	<-store.entered

	unsubErr := make(chan error, 1)
	go func() { unsubErr <- mgr.Unsubscribe(ctx, mqadmin.MQTT, "sensors/temp") }()

	// the drain must not complete while the write is still in flight
	select {
	case err := <-unsubErr:
		t.Fatalf("unsubscribe returned before the write finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-unsubErr)

	page, err := mgr.QueryMessages(ctx, mqadmin.MQTT, "sensors/temp", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Envelopes, 1)
	assert.Equal(t, []byte("in-flight"), page.Envelopes[0].Payload)

	subs, err := mgr.ListSubscriptions(mqadmin.MQTT)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestManager_ResubscribeWaitsForDrain(t *testing.T) {
	broker := inmem.New()
	store := newGatedStore()
	mgr := mqadmin.NewManager(store, map[mqadmin.BrokerKind]mqadmin.Client{
		mqadmin.MQTT: broker,
	}, mqadmin.ConnectRetries(0))
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx, mqadmin.MQTT))
	require.NoError(t, mgr.Subscribe(ctx, mqadmin.MQTT, "sensors/temp"))

	broker.Deliver("sensors/temp", []byte("m1"), mqadmin.Meta{})
	<-store.entered

	// the caller gives up on the drain; the ingestor keeps finishing
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := mgr.Unsubscribe(cancelled, mqadmin.MQTT, "sensors/temp")
	require.ErrorIs(t, err, context.Canceled)

	// a fresh subscribe must not start a second ingestor until the old
	// one has drained
	resubErr := make(chan error, 1)
	go func() { resubErr <- mgr.Subscribe(ctx, mqadmin.MQTT, "sensors/temp") }()
	select {
	case err := <-resubErr:
		t.Fatalf("subscribe returned while the old ingestor was draining: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-resubErr)

	broker.Deliver("sensors/temp", []byte("m2"), mqadmin.Meta{})
	waitFor(t, func() bool {
		page, err := mgr.QueryMessages(ctx, mqadmin.MQTT, "sensors/temp", "", 10)
		return err == nil && len(page.Envelopes) == 2
	})

	page, err := mgr.QueryMessages(ctx, mqadmin.MQTT, "sensors/temp", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Envelopes, 2)
	assert.Equal(t, []byte("m1"), page.Envelopes[0].Payload)
	assert.Equal(t, []byte("m2"), page.Envelopes[1].Payload)
}
