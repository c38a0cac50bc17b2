package broker

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedBroker wraps a Broker with structured logging and tracing
// around publish and fetch, the two operations on the hot path.
type InstrumentedBroker struct {
	next   Broker
	tracer trace.Tracer
}

func NewInstrumentedBroker(next Broker) *InstrumentedBroker {
	return &InstrumentedBroker{next: next, tracer: otel.Tracer("pkg/broker")}
}

func (b *InstrumentedBroker) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) (*PublishAck, error) {
	ctx, span := b.tracer.Start(ctx, "broker.Publish", trace.WithAttributes(
		attribute.String("broker.subject", subject),
		attribute.String("broker.message_id", headers["nats-msg-id"]),
	))
	defer span.End()

	ack, err := b.next.Publish(ctx, subject, data, headers)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "publish failed", "subject", subject, "error", err)
		return nil, err
	}
	if ack.Duplicate {
		logger.L().InfoContext(ctx, "publish deduplicated by broker", "subject", subject)
	}
	span.SetStatus(codes.Ok, "published")
	return ack, nil
}

func (b *InstrumentedBroker) PullSubscribe(ctx context.Context, stream, filterSubject, durable string, cfg ConsumerConfig) (Subscription, error) {
	sub, err := b.next.PullSubscribe(ctx, stream, filterSubject, durable, cfg)
	if err != nil {
		logger.L().ErrorContext(ctx, "pull subscribe failed", "stream", stream, "durable", durable, "error", err)
		return nil, err
	}
	return &instrumentedSubscription{next: sub, durable: durable, tracer: b.tracer}, nil
}

func (b *InstrumentedBroker) AddStream(ctx context.Context, cfg StreamConfig) error {
	logger.L().InfoContext(ctx, "ensuring stream", "name", cfg.Name, "subjects", cfg.Subjects)
	return b.next.AddStream(ctx, cfg)
}

func (b *InstrumentedBroker) StreamInfo(ctx context.Context, name string) (*StreamConfig, error) {
	return b.next.StreamInfo(ctx, name)
}

func (b *InstrumentedBroker) AddConsumer(ctx context.Context, stream string, cfg ConsumerConfig) error {
	logger.L().InfoContext(ctx, "ensuring consumer", "stream", stream, "durable", cfg.Durable)
	return b.next.AddConsumer(ctx, stream, cfg)
}

func (b *InstrumentedBroker) ConsumerInfo(ctx context.Context, stream, durable string) (*ConsumerInfo, error) {
	return b.next.ConsumerInfo(ctx, stream, durable)
}

func (b *InstrumentedBroker) DeleteConsumer(ctx context.Context, stream, durable string) error {
	logger.L().WarnContext(ctx, "deleting drifted consumer", "stream", stream, "durable", durable)
	return b.next.DeleteConsumer(ctx, stream, durable)
}

func (b *InstrumentedBroker) Healthy(ctx context.Context) bool {
	return b.next.Healthy(ctx)
}

func (b *InstrumentedBroker) Close() error {
	logger.L().Info("closing broker connection")
	return b.next.Close()
}

type instrumentedSubscription struct {
	next    Subscription
	durable string
	tracer  trace.Tracer
}

func (s *instrumentedSubscription) Fetch(ctx context.Context, batch int, timeout time.Duration) ([]Message, error) {
	ctx, span := s.tracer.Start(ctx, "broker.Fetch", trace.WithAttributes(
		attribute.String("broker.durable", s.durable),
	))
	defer span.End()

	msgs, err := s.next.Fetch(ctx, batch, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "fetch failed", "durable", s.durable, "error", err)
		return nil, err
	}
	if len(msgs) > 0 {
		logger.L().DebugContext(ctx, "fetched messages", "durable", s.durable, "count", len(msgs))
	}
	return msgs, nil
}

func (s *instrumentedSubscription) Drain() error {
	return s.next.Drain()
}
