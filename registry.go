package mqadmin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// registry is the thread-safe set of active subscriptions for one broker
// kind, each bound to a running ingestor. All mutations go through a single
// critical section; registries for distinct kinds never block each other.
type registry struct {
	kind   BrokerKind
	cm     *connManager
	store  Store
	ids    *idSource
	logger zerolog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	subs    map[string]*subEntry
	lastErr error
}

// subEntry binds one Subscription record to its ingestor goroutine. The
// ingestor itself only holds the topic name; the entry is owned here.
// draining means a stop was signalled but the ingestor has not finished;
// the entry stays in the map until done closes so a second ingestor can
// never start for the same topic.
type subEntry struct {
	sub      Subscription
	subOpts  []SubscribeOption
	cancel   context.CancelFunc
	done     chan struct{}
	draining bool
}

func newRegistry(kind BrokerKind, cm *connManager, store Store, ids *idSource, opts *Options) *registry {
	return &registry{
		kind:   kind,
		cm:     cm,
		store:  store,
		ids:    ids,
		logger: opts.Logger.With().Str("component", "registry").Str("kind", string(kind)).Logger(),
		tracer: opts.Tracer,
		subs:   make(map[string]*subEntry),
	}
}

// subscribe registers a topic and starts its ingestor. It returns once the
// ingestor goroutine is confirmed running, not once the first message
// arrives. Nothing is registered on error.
func (r *registry) subscribe(ctx context.Context, topic string, opts ...SubscribeOption) error {
	r.mu.Lock()
	for {
		e, ok := r.subs[topic]
		if !ok {
			break
		}
		if e.draining {
			select {
			case <-e.done:
				// drained while we held the lock; clear the record
				delete(r.subs, topic)
				continue
			default:
			}
			// previous ingestor still draining; wait before starting
			// the next one
			done := e.done
			r.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			r.mu.Lock()
			continue
		}
		if e.sub.Active {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s/%s", ErrAlreadySubscribed, r.kind, topic)
		}
		// dead entry left by a failed ingestor; replace it
		break
	}
	defer r.mu.Unlock()

	if r.cm.State() != Connected {
		return ErrNotConnected
	}

	entry, err := r.startLocked(ctx, topic, opts)
	if err != nil {
		return err
	}
	r.subs[topic] = entry
	r.logger.Info().Str("topic", topic).Msg("subscribed")
	return nil
}

// startLocked opens the broker stream and launches the ingestor. Callers
// hold r.mu, which is what guarantees at most one running ingestor per
// (kind, topic).
func (r *registry) startLocked(ctx context.Context, topic string, opts []SubscribeOption) (*subEntry, error) {
	stream, err := r.cm.client.Subscribe(ctx, topic, opts...)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s/%s: %w", r.kind, topic, err)
	}

	ing := &ingestor{
		kind:    r.kind,
		topic:   topic,
		stream:  stream,
		store:   r.store,
		ids:     r.ids,
		onError: r.ingestFailed,
		logger:  r.logger.With().Str("component", "ingestor").Str("topic", topic).Logger(),
		tracer:  r.tracer,
	}

	ingCtx, cancel := context.WithCancel(context.Background())
	entry := &subEntry{
		sub: Subscription{
			Topic:     topic,
			Kind:      r.kind,
			CreatedAt: time.Now().UTC(),
			Active:    true,
		},
		subOpts: opts,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	started := make(chan struct{})
	go func() {
		defer close(entry.done)
		ing.run(ingCtx, started)
	}()
	<-started

	return entry, nil
}

// unsubscribe signals the topic's ingestor to stop, waits for it to drain
// and removes the record. If the caller's context expires mid-drain the
// record stays, marked draining, and a background reaper removes it once
// the ingestor finishes.
func (r *registry) unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	entry, ok := r.subs[topic]
	if !ok || entry.draining {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrNotFound, r.kind, topic)
	}
	entry.draining = true
	entry.sub.Active = false
	r.mu.Unlock()

	entry.cancel()
	select {
	case <-entry.done:
	case <-ctx.Done():
		go r.reap(topic, entry)
		return ctx.Err()
	}

	r.mu.Lock()
	if cur, ok := r.subs[topic]; ok && cur == entry {
		delete(r.subs, topic)
	}
	r.mu.Unlock()
	r.logger.Info().Str("topic", topic).Msg("unsubscribed")
	return nil
}

// reap removes a draining entry once its ingestor finishes.
func (r *registry) reap(topic string, entry *subEntry) {
	<-entry.done
	r.mu.Lock()
	if cur, ok := r.subs[topic]; ok && cur == entry {
		delete(r.subs, topic)
	}
	r.mu.Unlock()
	r.logger.Info().Str("topic", topic).Msg("unsubscribed")
}

// list returns a snapshot copy of the subscriptions, sorted by topic.
func (r *registry) list() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0, len(r.subs))
	for _, e := range r.subs {
		out = append(out, e.sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// stopAll cancels every ingestor for this kind and waits for the aggregate
// drain. Used by the disconnect cascade and at shutdown. Records are only
// removed after their ingestors finish; an expired context leaves them
// draining with reapers attached, and the caller must not proceed to close
// the connection.
func (r *registry) stopAll(ctx context.Context) error {
	r.mu.Lock()
	entries := make(map[string]*subEntry, len(r.subs))
	for t, e := range r.subs {
		e.draining = true
		e.sub.Active = false
		entries[t] = e
	}
	r.lastErr = nil
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			for t, e := range entries {
				go r.reap(t, e)
			}
			return ctx.Err()
		}
	}

	r.mu.Lock()
	for t, e := range entries {
		if cur, ok := r.subs[t]; ok && cur == e {
			delete(r.subs, t)
		}
	}
	r.mu.Unlock()

	if len(entries) > 0 {
		r.logger.Info().Int("count", len(entries)).Msg("all ingestors drained")
	}
	return nil
}

// resume restarts the ingestors after a reconnect. The old streams died
// with the previous connection, so each entry is drained and replaced with
// a fresh stream. Entries whose resubscribe fails are left inactive.
func (r *registry) resume(ctx context.Context) {
	r.mu.Lock()
	topics := make(map[string]*subEntry, len(r.subs))
	for t, e := range r.subs {
		if e.draining {
			// an unsubscribe is already in flight; let it finish
			continue
		}
		topics[t] = e
	}
	r.mu.Unlock()

	for topic, old := range topics {
		old.cancel()
		<-old.done

		r.mu.Lock()
		if current, ok := r.subs[topic]; !ok || current != old || current.draining {
			// unsubscribed or replaced while we were draining
			r.mu.Unlock()
			continue
		}
		entry, err := r.startLocked(ctx, topic, old.subOpts)
		if err != nil {
			old.sub.Active = false
			r.lastErr = err
			r.mu.Unlock()
			r.logger.Error().Err(err).Str("topic", topic).Msg("resubscribe after reconnect failed")
			continue
		}
		entry.sub.CreatedAt = old.sub.CreatedAt
		r.subs[topic] = entry
		r.mu.Unlock()
		r.logger.Info().Str("topic", topic).Msg("subscription resumed")
	}
}

// ingestFailed is the ingestor's unrecoverable-error callback. The record
// stays listed, marked inactive, and the error surfaces through status.
func (r *registry) ingestFailed(topic string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.subs[topic]; ok {
		e.sub.Active = false
	}
	r.lastErr = err
}

// statusView snapshots connection state and subscriptions under the same
// lock discipline as the mutating operations.
func (r *registry) statusView() StatusView {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := make([]Subscription, 0, len(r.subs))
	for _, e := range r.subs {
		subs = append(subs, e.sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Topic < subs[j].Topic })

	lastErr := r.cm.LastError()
	if lastErr == nil {
		lastErr = r.lastErr
	}
	return StatusView{
		Kind:          r.kind,
		State:         r.cm.State(),
		Subscriptions: subs,
		LastError:     lastErr,
	}
}
