package mqadmin

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ingestor is the background consumer for one active subscription. It
// blocks on the stream, converts each delivery to an inbound envelope and
// appends it to the store. It holds only the topic name, never the
// subscription record; the registry owns that.
type ingestor struct {
	kind    BrokerKind
	topic   string
	stream  Stream
	store   Store
	ids     *idSource
	onError func(topic string, err error)
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// persistTimeout bounds the store write that is allowed to finish after a
// stop signal so a cancelled ingestor never truncates an envelope.
const persistTimeout = 5 * time.Second

// run loops until the context is cancelled, the stream closes, or an
// unrecoverable broker error occurs. It closes started once the loop is
// live so subscribe can confirm the task is running.
func (i *ingestor) run(ctx context.Context, started chan<- struct{}) {
	defer func() { _ = i.stream.Close() }()
	close(started)

	for {
		d, err := i.stream.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrStreamClosed):
				i.logger.Debug().Msg("ingestor stopped")
			default:
				// Unrecoverable at the broker level, e.g. topic
				// deleted upstream. Surface via status instead of
				// retrying forever.
				i.logger.Error().Err(err).Msg("ingestor terminated")
				i.onError(i.topic, err)
			}
			return
		}

		if err := i.persist(d); err != nil {
			// Best-effort history: the broker-side receive stands,
			// the envelope is lost, never duplicated.
			i.logger.Error().Err(err).Msg("failed to persist delivery")
		}
	}
}

// persist runs on its own context so a stop signal arriving mid-write lets
// the write complete instead of dropping a half-built envelope.
func (i *ingestor) persist(d *Delivery) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	ctx, span := i.tracer.Start(ctx, "mqadmin.ingest",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", string(i.kind)),
			attribute.String("messaging.destination", i.topic),
			attribute.String("messaging.operation", "process"),
		),
	)
	defer span.End()

	topic := d.Topic
	if topic == "" {
		topic = i.topic
	}

	env := Envelope{
		ID:        i.ids.next(),
		Kind:      i.kind,
		Topic:     topic,
		Meta:      d.Meta,
		Payload:   d.Payload,
		Timestamp: time.Now().UTC(),
		Direction: Inbound,
	}

	if err := i.store.Append(ctx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if d.Ack != nil {
		if err := d.Ack(ctx); err != nil {
			i.logger.Warn().Err(err).Msg("delivery ack failed")
		}
	}
	return nil
}
