package contracts

import (
	"context"
	"encoding/json"
	"time"
)

// DeliveryContext is the correlation context of one inbound delivery
type DeliveryContext struct {
	MessageID     string
	CorrelationID string
	MessageType   string
	Timestamp     time.Time
	Exchange      string
	RoutingKey    string
	Redelivered   bool
	Headers       map[string]any

	// TraceContext is the value of the trace header, empty when absent
	TraceContext string
	// MessageContext is the raw message-context header, nil when the
	// sender does not propagate context
	MessageContext []byte
}

// HasMessageContext reports whether the sender propagated a message context
func (d *DeliveryContext) HasMessageContext() bool {
	return d != nil && d.MessageContext != nil
}

// DecodeMessageContext unmarshals the propagated message context into v.
// It is a no-op when no context was propagated.
func (d *DeliveryContext) DecodeMessageContext(v any) error {
	if !d.HasMessageContext() || len(d.MessageContext) == 0 {
		return nil
	}
	return json.Unmarshal(d.MessageContext, v)
}

// Header returns a header value as a string
func (d *DeliveryContext) Header(key string) (string, bool) {
	if d == nil {
		return "", false
	}
	switch v := d.Headers[key].(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

type deliveryKey struct{}

// WithDelivery returns a copy of ctx carrying dc
func WithDelivery(ctx context.Context, dc *DeliveryContext) context.Context {
	return context.WithValue(ctx, deliveryKey{}, dc)
}

// DeliveryFromContext returns the delivery being handled, if any
func DeliveryFromContext(ctx context.Context) (*DeliveryContext, bool) {
	dc, ok := ctx.Value(deliveryKey{}).(*DeliveryContext)
	return dc, ok && dc != nil
}
