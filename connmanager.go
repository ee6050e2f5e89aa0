package mqadmin

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// connManager owns the singleton connection for one broker kind. It is
// created once at manager construction and torn down once at shutdown; the
// connection handle never leaves it.
type connManager struct {
	kind   BrokerKind
	client Client
	logger zerolog.Logger

	maxRetries uint64
	boTemplate backoff.ExponentialBackOff

	// onReconnected is invoked after a successful background reconnect so
	// the registry can resume its ingestors against the fresh connection.
	onReconnected func()

	mu              sync.Mutex
	state           ConnState
	lastErr         error
	reconnecting    bool
	reconnectCancel context.CancelFunc
}

func newConnManager(kind BrokerKind, client Client, opts *Options) *connManager {
	bo := backoff.ExponentialBackOff{
		InitialInterval:     opts.RetryInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         opts.RetryMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}

	m := &connManager{
		kind:       kind,
		client:     client,
		logger:     opts.Logger.With().Str("component", "connmanager").Str("kind", string(kind)).Logger(),
		maxRetries: opts.ConnectRetries,
		boTemplate: bo,
		state:      Disconnected,
	}
	client.Notify(m.connectionLost)
	return m
}

// State never blocks.
func (m *connManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *connManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect is idempotent: connecting while Connected is a no-op. Transient
// handshake failures are retried with capped exponential backoff up to the
// retry ceiling, after which the manager settles in Failed and surfaces the
// last error.
func (m *connManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	m.state = Connecting
	m.mu.Unlock()

	err := m.dial(ctx)

	m.mu.Lock()
	if err != nil {
		m.state = Failed
		m.lastErr = err
	} else {
		m.state = Connected
		m.lastErr = nil
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Msg("connect failed")
		return &ConnectError{Kind: m.kind, Err: err}
	}
	m.logger.Info().Msg("connected")
	return nil
}

// Disconnect is idempotent and transitions to Disconnected regardless of
// prior state. Ingestor teardown is the registry's side of the cascade; the
// manager sequences it before calling here. Any in-flight background
// reconnect is cancelled so the transport cannot come back up afterwards.
func (m *connManager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	err := m.client.Disconnect()
	m.state = Disconnected
	m.lastErr = nil
	m.logger.Info().Msg("disconnected")
	return err
}

func (m *connManager) dial(ctx context.Context) error {
	bo := m.boTemplate
	bo.Reset()
	return backoff.Retry(func() error {
		return m.client.Connect(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(&bo, m.maxRetries), ctx))
}

// connectionLost is the adapter callback for transport loss detected during
// use. It transitions to Failed and launches one bounded reconnect attempt;
// past the ceiling the operator must call Connect explicitly.
func (m *connManager) connectionLost(err error) {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.state = Failed
	m.lastErr = err
	already := m.reconnecting
	var ctx context.Context
	if !already {
		m.reconnecting = true
		ctx, m.reconnectCancel = context.WithCancel(context.Background())
	}
	m.mu.Unlock()

	m.logger.Warn().Err(err).Msg("connection lost")
	if already {
		return
	}
	go m.reconnect(ctx)
}

// reconnect runs in the background after transport loss. The dial only
// counts if the manager is still Failed when it finishes; an operator
// Disconnect issued meanwhile wins, and a transport the dial brought up
// underfoot is torn down again.
func (m *connManager) reconnect(ctx context.Context) {
	err := m.dial(ctx)

	m.mu.Lock()
	m.reconnecting = false
	m.reconnectCancel = nil
	stillFailed := m.state == Failed
	if err != nil {
		if stillFailed {
			m.lastErr = err
		}
		m.mu.Unlock()
		if stillFailed {
			m.logger.Error().Err(err).Msg("reconnect gave up, operator connect required")
		}
		return
	}
	if !stillFailed {
		m.mu.Unlock()
		_ = m.client.Disconnect()
		m.logger.Debug().Msg("reconnect superseded by disconnect")
		return
	}
	m.state = Connected
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info().Msg("reconnected")
	if m.onReconnected != nil {
		m.onReconnected()
	}
}
