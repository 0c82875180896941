package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/glimte/conveyor/interceptors"
)

// SubscriptionHandler decodes deliveries of one message type and handles them
type SubscriptionHandler interface {
	interceptors.Handler

	// Decode turns a delivery body into the value passed to Handle
	Decode(body []byte) (any, error)
	// MessageType returns the Go type the handler accepts
	MessageType() reflect.Type
}

// HandlerFunc is a typed handler for messages of type T
type HandlerFunc[T any] func(ctx context.Context, msg T) error

// Decode implements SubscriptionHandler
func (h HandlerFunc[T]) Decode(body []byte) (any, error) {
	var msg T
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Handle implements interceptors.Handler
func (h HandlerFunc[T]) Handle(ctx context.Context, msg any) error {
	typed, ok := msg.(T)
	if !ok {
		return fmt.Errorf("%w: got %T", ErrUnexpectedMessage, msg)
	}
	return h(ctx, typed)
}

// MessageType implements SubscriptionHandler
func (h HandlerFunc[T]) MessageType() reflect.Type {
	return reflect.TypeFor[T]()
}
