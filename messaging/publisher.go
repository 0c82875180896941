package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/conveyor/conventions"
	"github.com/glimte/conveyor/interceptors"
	"github.com/glimte/conveyor/internal/rabbitmq"
)

// Publisher resolves, serializes and publishes messages on pooled channels.
// It does not retry; callers that need redelivery use the outbox.
type Publisher struct {
	pool     *rabbitmq.ChannelPool
	resolver *conventions.Resolver
	builder  *PropertiesBuilder
	topology TopologyOptions
	tracer   trace.Tracer
	logger   *slog.Logger

	declared sync.Map // exchange name -> struct{}
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublisherTopology sets how exchanges are declared before first use
func WithPublisherTopology(opts TopologyOptions) PublisherOption {
	return func(p *Publisher) {
		p.topology = opts
	}
}

// WithPropertiesOptions sets the message properties policy
func WithPropertiesOptions(opts PropertiesOptions) PublisherOption {
	return func(p *Publisher) {
		p.builder = NewPropertiesBuilder(opts)
	}
}

// WithPublisherTracer sets the tracer used for producer spans
func WithPublisherTracer(tracer trace.Tracer) PublisherOption {
	return func(p *Publisher) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// NewPublisher creates a publisher on top of pool
func NewPublisher(pool *rabbitmq.ChannelPool, resolver *conventions.Resolver, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:     pool,
		resolver: resolver,
		builder:  NewPropertiesBuilder(DefaultPropertiesOptions()),
		topology: DefaultTopologyOptions(),
		tracer:   otel.Tracer("github.com/glimte/conveyor"),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg to the exchange and routing key of its type
func (p *Publisher) Publish(ctx context.Context, msg any, opts ...PublishOption) error {
	conv, err := p.resolver.Resolve(msg)
	if err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", conv.MessageType, err)
	}

	return p.publish(ctx, conv, body, NewPublishOptions(opts...))
}

// PublishSerialized sends an already serialized body of messageType. The
// route given with WithRoute is used as is; only a missing route is resolved
// from messageType.
func (p *Publisher) PublishSerialized(ctx context.Context, messageType string, body []byte, opts ...PublishOption) error {
	o := NewPublishOptions(opts...)
	conv := conventions.Conventions{MessageType: messageType}
	if o.Exchange == "" {
		resolved, err := p.resolver.ResolveName(messageType)
		if err != nil {
			return err
		}
		conv = resolved
	}
	return p.publish(ctx, conv, body, o)
}

func (p *Publisher) publish(ctx context.Context, conv conventions.Conventions, body []byte, o PublishOptions) error {
	if o.Exchange != "" {
		conv.Exchange = o.Exchange
		conv.RoutingKey = o.RoutingKey
	}

	ctx, span := p.tracer.Start(ctx, conv.RoutingKey+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation", "publish"),
			attribute.String("messaging.destination.name", conv.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", conv.RoutingKey),
			attribute.Int("messaging.message.body.size", len(body)),
		),
	)
	defer span.End()

	if o.TraceContext == "" {
		o.TraceContext = interceptors.InjectTraceParent(ctx)
	}

	props, err := p.builder.Build(conv.MessageType, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	props.Body = body
	span.SetAttributes(attribute.String("messaging.message.id", props.MessageId))

	err = p.pool.Execute(ctx, func(ch rabbitmq.Channel) error {
		if err := p.ensureExchange(ch, conv.Exchange); err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, conv.Exchange, conv.RoutingKey, false, false, props)
	})
	if err != nil {
		var topoErr *rabbitmq.TopologyError
		if !errors.As(err, &topoErr) {
			err = &rabbitmq.PublishError{
				Exchange:   conv.Exchange,
				RoutingKey: conv.RoutingKey,
				MessageID:  props.MessageId,
				Err:        err,
				Timestamp:  time.Now(),
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.ErrorContext(ctx, "failed to publish message",
			"messageId", props.MessageId,
			"messageType", conv.MessageType,
			"exchange", conv.Exchange,
			"routingKey", conv.RoutingKey,
			"error", err,
		)
		return err
	}

	p.logger.DebugContext(ctx, "message published",
		"messageId", props.MessageId,
		"messageType", conv.MessageType,
		"exchange", conv.Exchange,
		"routingKey", conv.RoutingKey,
	)
	return nil
}

func (p *Publisher) ensureExchange(ch rabbitmq.Channel, name string) error {
	if name == "" {
		return nil
	}
	if _, ok := p.declared.Load(name); ok {
		return nil
	}
	if err := rabbitmq.DeclareExchange(ch, p.topology.exchange(name)); err != nil {
		return err
	}
	p.declared.Store(name, struct{}{})
	return nil
}
