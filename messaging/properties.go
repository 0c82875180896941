package messaging

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var emptyMessageContext = []byte("{}")

// PublishOptions are the per-message inputs of Publish and Send
type PublishOptions struct {
	MessageID     string
	CorrelationID string
	TraceContext  string
	// MessageContext is marshalled to JSON into the message-context header
	MessageContext any
	// RawMessageContext is used verbatim and wins over MessageContext
	RawMessageContext []byte
	Headers           map[string]any
	// Exchange and RoutingKey replace the resolved coordinates when set
	Exchange   string
	RoutingKey string
}

// PublishOption configures PublishOptions
type PublishOption func(*PublishOptions)

// WithMessageID sets the message id. A fresh UUID is used when empty.
func WithMessageID(id string) PublishOption {
	return func(o *PublishOptions) {
		o.MessageID = id
	}
}

// WithCorrelationID sets the correlation id. A fresh UUID is used when empty.
func WithCorrelationID(id string) PublishOption {
	return func(o *PublishOptions) {
		o.CorrelationID = id
	}
}

// WithTraceContext sets the trace context header value
func WithTraceContext(traceContext string) PublishOption {
	return func(o *PublishOptions) {
		o.TraceContext = traceContext
	}
}

// WithMessageContext attaches an application context value
func WithMessageContext(v any) PublishOption {
	return func(o *PublishOptions) {
		o.MessageContext = v
	}
}

// WithRawMessageContext attaches an already serialized context
func WithRawMessageContext(b []byte) PublishOption {
	return func(o *PublishOptions) {
		o.RawMessageContext = b
	}
}

// WithHeaders merges custom headers
func WithHeaders(headers map[string]any) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]any, len(headers))
		}
		maps.Copy(o.Headers, headers)
	}
}

// WithHeader sets one custom header
func WithHeader(key string, value any) PublishOption {
	return WithHeaders(map[string]any{key: value})
}

// WithRoute publishes to exchange with routingKey instead of the
// coordinates resolved for the message type
func WithRoute(exchange, routingKey string) PublishOption {
	return func(o *PublishOptions) {
		o.Exchange = exchange
		o.RoutingKey = routingKey
	}
}

// NewPublishOptions applies opts to empty PublishOptions
func NewPublishOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// PropertiesBuilder builds the amqp.Publishing metadata of a message
type PropertiesBuilder struct {
	opts  PropertiesOptions
	now   func() time.Time
	newID func() string
}

// NewPropertiesBuilder creates a builder. Empty header names fall back to the defaults.
func NewPropertiesBuilder(opts PropertiesOptions) *PropertiesBuilder {
	if opts.TraceHeader == "" {
		opts.TraceHeader = DefaultTraceHeader
	}
	if opts.ContextHeader == "" {
		opts.ContextHeader = DefaultContextHeader
	}
	return &PropertiesBuilder{
		opts:  opts,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Options returns the effective options
func (b *PropertiesBuilder) Options() PropertiesOptions {
	return b.opts
}

// IsReserved reports whether key is a header the builder owns
func (b *PropertiesBuilder) IsReserved(key string) bool {
	return key == b.opts.TraceHeader || key == b.opts.ContextHeader
}

// Build returns the properties for one message of messageType. The body is
// left for the caller to fill.
func (b *PropertiesBuilder) Build(messageType string, o PublishOptions) (amqp.Publishing, error) {
	messageID := o.MessageID
	if messageID == "" {
		messageID = b.newID()
	}
	correlationID := o.CorrelationID
	if correlationID == "" {
		correlationID = b.newID()
	}

	headers := amqp.Table{}
	if o.TraceContext != "" {
		headers[b.opts.TraceHeader] = o.TraceContext
	}

	if b.opts.ContextPropagation {
		payload, err := encodeMessageContext(o)
		if err != nil {
			return amqp.Publishing{}, err
		}
		headers[b.opts.ContextHeader] = payload
	}

	for key, value := range o.Headers {
		if b.IsReserved(key) {
			continue
		}
		headers[key] = tableValue(value)
	}

	deliveryMode := amqp.Transient
	if b.opts.Persistent {
		deliveryMode = amqp.Persistent
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  deliveryMode,
		CorrelationId: correlationID,
		MessageId:     messageID,
		Timestamp:     b.now().UTC().Truncate(time.Second),
		Type:          messageType,
	}, nil
}

// tableValue converts decoded JSON maps to amqp.Table, the only map type the
// wire codec accepts
func tableValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		table := make(amqp.Table, len(t))
		for k, item := range t {
			table[k] = tableValue(item)
		}
		return table
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = tableValue(item)
		}
		return out
	default:
		return v
	}
}

func encodeMessageContext(o PublishOptions) ([]byte, error) {
	if o.RawMessageContext != nil {
		return o.RawMessageContext, nil
	}
	if o.MessageContext == nil {
		return emptyMessageContext, nil
	}
	payload, err := json.Marshal(o.MessageContext)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message context: %w", err)
	}
	return payload, nil
}
