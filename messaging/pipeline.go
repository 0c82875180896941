package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/conveyor/contracts"
	"github.com/glimte/conveyor/conventions"
	"github.com/glimte/conveyor/interceptors"
	"github.com/glimte/conveyor/internal/reliability"
)

// Outcome is how a delivery was settled
type Outcome int

const (
	// Acknowledged deliveries were handled successfully
	Acknowledged Outcome = iota
	// Rejected deliveries could not be decoded and never reached the handler
	Rejected
	// Failed deliveries exhausted their handler attempts
	Failed
	// Abandoned deliveries were interrupted by shutdown and requeued
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Acknowledged:
		return "acknowledged"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Subscription is a handler bound to its coordinates with the interceptor
// chain and retry policy composed around it
type Subscription struct {
	Conventions conventions.Conventions
	handler     SubscriptionHandler
	invoke      interceptors.Handler
}

// Pipeline turns deliveries into handler calls and settles them
type Pipeline struct {
	chain   *interceptors.Chain
	opts    DispatchOptions
	headers PropertiesOptions
	logger  *slog.Logger
}

// PipelineOption configures the Pipeline
type PipelineOption func(*Pipeline)

// WithInterceptors appends interceptors, outermost first
func WithInterceptors(list ...interceptors.Interceptor) PipelineOption {
	return func(p *Pipeline) {
		for _, i := range list {
			p.chain.Add(i)
		}
	}
}

// WithDispatchOptions sets retry and requeue behaviour
func WithDispatchOptions(opts DispatchOptions) PipelineOption {
	return func(p *Pipeline) {
		p.opts = opts
	}
}

// WithHeaderNames sets the trace and message-context header names to read
func WithHeaderNames(traceHeader, contextHeader string) PipelineOption {
	return func(p *Pipeline) {
		if traceHeader != "" {
			p.headers.TraceHeader = traceHeader
		}
		if contextHeader != "" {
			p.headers.ContextHeader = contextHeader
		}
	}
}

// WithPipelineLogger sets the logger
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline creates a dispatch pipeline
func NewPipeline(options ...PipelineOption) *Pipeline {
	p := &Pipeline{
		chain:   interceptors.NewChain(),
		opts:    DefaultDispatchOptions(),
		headers: DefaultPropertiesOptions(),
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Bind composes the interceptor chain and retry policy around h once
func (p *Pipeline) Bind(c conventions.Conventions, h SubscriptionHandler) *Subscription {
	policy := reliability.NewExponentialBackoff(p.opts.RetryInterval, p.opts.RetryAttempts)

	retrying := interceptors.HandlerFunc(func(ctx context.Context, msg any) error {
		return reliability.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
			err := safeHandle(ctx, h, msg)
			if err != nil {
				p.logger.WarnContext(ctx, "handler attempt failed",
					"messageType", c.MessageType,
					"attempt", attempt,
					"maxAttempts", policy.MaxAttempts(),
					"error", err,
				)
			}
			return err
		})
	})

	return &Subscription{
		Conventions: c,
		handler:     h,
		invoke:      p.chain.Then(retrying),
	}
}

// Dispatch decodes, handles and settles one delivery. Deliveries of one
// subscription must be dispatched sequentially to keep broker order.
func (p *Pipeline) Dispatch(ctx context.Context, s *Subscription, d amqp.Delivery) Outcome {
	msg, err := s.handler.Decode(d.Body)
	if err != nil {
		err = &DeserializationError{MessageID: d.MessageId, MessageType: s.Conventions.MessageType, Err: err}
		p.logger.ErrorContext(ctx, "rejecting undecodable message",
			"messageId", d.MessageId,
			"queue", s.Conventions.Queue,
			"requeue", p.opts.RequeueOnPoison,
			"error", err,
		)
		p.nack(d, p.opts.RequeueOnPoison)
		return Rejected
	}

	dc := p.deliveryContext(s, d)
	ctx = contracts.WithDelivery(ctx, dc)

	if err := safeHandle(ctx, s.invoke, msg); err != nil {
		if ctx.Err() != nil {
			p.logger.WarnContext(ctx, "message handling interrupted",
				"messageId", dc.MessageID,
				"messageType", dc.MessageType,
				"error", err,
			)
			p.nack(d, true)
			return Abandoned
		}

		p.logger.ErrorContext(ctx, "message handling failed",
			"messageId", dc.MessageID,
			"messageType", dc.MessageType,
			"queue", s.Conventions.Queue,
			"requeue", p.opts.RequeueOnFailure,
			"error", err,
		)
		p.nack(d, p.opts.RequeueOnFailure)
		return Failed
	}

	p.ack(d)
	return Acknowledged
}

func (p *Pipeline) deliveryContext(s *Subscription, d amqp.Delivery) *contracts.DeliveryContext {
	messageType := d.Type
	if messageType == "" {
		messageType = s.Conventions.MessageType
	}

	dc := &contracts.DeliveryContext{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		MessageType:   messageType,
		Timestamp:     d.Timestamp,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Redelivered:   d.Redelivered,
		Headers:       map[string]any(d.Headers),
	}

	if v, ok := dc.Header(p.headers.TraceHeader); ok {
		dc.TraceContext = v
	}
	switch v := d.Headers[p.headers.ContextHeader].(type) {
	case []byte:
		dc.MessageContext = v
	case string:
		dc.MessageContext = []byte(v)
	}

	return dc
}

func (p *Pipeline) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		p.logger.Error("failed to ack message",
			"deliveryTag", d.DeliveryTag,
			"error", err,
		)
	}
}

func (p *Pipeline) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		p.logger.Error("failed to nack message",
			"deliveryTag", d.DeliveryTag,
			"requeue", requeue,
			"error", err,
		)
	}
}

func safeHandle(ctx context.Context, h interceptors.Handler, msg any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%w: %w", ErrHandlerPanic, e)
				return
			}
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.Handle(ctx, msg)
}

// IsHandlerPanic reports whether err came from a recovered panic
func IsHandlerPanic(err error) bool {
	return errors.Is(err, ErrHandlerPanic)
}
