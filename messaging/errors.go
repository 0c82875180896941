package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrControllerClosed is returned when submitting to a closed controller
	ErrControllerClosed = errors.New("messaging: subscription controller is closed")
	// ErrHandlerRequired is returned by Subscribe without a handler
	ErrHandlerRequired = errors.New("messaging: handler is required")
	// ErrUnexpectedMessage is returned when a handler receives a value of the wrong type
	ErrUnexpectedMessage = errors.New("messaging: unexpected message type")
	// ErrHandlerPanic wraps a recovered panic from a handler or interceptor
	ErrHandlerPanic = errors.New("messaging: handler panicked")
	// ErrPublisherClosed is returned by Publish after Close
	ErrPublisherClosed = errors.New("messaging: publisher is closed")
)

// DeserializationError reports a delivery body that could not be decoded
type DeserializationError struct {
	MessageID   string
	MessageType string
	Err         error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("failed to deserialize message %s into %s: %v", e.MessageID, e.MessageType, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}
