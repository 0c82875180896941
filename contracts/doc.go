// Package contracts holds the values shared between the transport, the
// dispatch pipeline and handler code.
//
// DeliveryContext carries the broker metadata of the message being handled.
// The dispatch pipeline stores it in the handler's context.Context; handlers
// and the outbox read it back with DeliveryFromContext.
package contracts
