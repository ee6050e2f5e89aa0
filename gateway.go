package mqadmin

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// gateway validates and forwards outbound messages to the connected broker,
// recording each one in the store for audit before the send. The audit
// record stands even when the transport send fails; persistence and
// transport are never atomically coupled.
type gateway struct {
	kind   BrokerKind
	cm     *connManager
	store  Store
	ids    *idSource
	logger zerolog.Logger
	tracer trace.Tracer
}

func newGateway(kind BrokerKind, cm *connManager, store Store, ids *idSource, opts *Options) *gateway {
	return &gateway{
		kind:   kind,
		cm:     cm,
		store:  store,
		ids:    ids,
		logger: opts.Logger.With().Str("component", "gateway").Str("kind", string(kind)).Logger(),
		tracer: opts.Tracer,
	}
}

// publish returns the assigned envelope id and, for the log broker, the
// partition and offset the broker acknowledged. There is no automatic
// retry; the caller decides.
func (g *gateway) publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) (string, PublishResult, error) {
	if g.cm.State() != Connected {
		return "", PublishResult{}, ErrNotConnected
	}

	po := NewPublishOptions(opts...)

	ctx, span := g.tracer.Start(ctx, "mqadmin.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", string(g.kind)),
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.operation", "publish"),
		),
	)
	defer span.End()

	body := make([]byte, len(payload))
	copy(body, payload)

	env := Envelope{
		ID:        g.ids.next(),
		Kind:      g.kind,
		Topic:     topic,
		Meta:      Meta{QoS: po.QoS, Key: po.Key},
		Payload:   body,
		Timestamp: time.Now().UTC(),
		Direction: Outbound,
	}

	if err := g.store.Append(ctx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", PublishResult{}, err
	}

	res, err := g.cm.client.Publish(ctx, topic, payload, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", PublishResult{}, &PublishError{Topic: topic, Err: err}
	}

	g.logger.Debug().
		Str("topic", topic).
		Str("envelope_id", env.ID).
		Int("partition", res.Partition).
		Int64("offset", res.Offset).
		Msg("published")
	return env.ID, res, nil
}
