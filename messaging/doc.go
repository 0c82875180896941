// Package messaging moves messages between Go handlers and RabbitMQ.
//
// This package includes:
//   - PropertiesBuilder: message id, correlation id, timestamp and header policy
//   - Publisher: resolves conventions, serializes and publishes on pooled channels
//   - SubscriptionController: a single loop that owns the ChannelRegistry and
//     applies subscribe and unsubscribe commands in order
//   - Pipeline: decode, correlation context, interceptors, bounded retry and
//     acknowledgement for every delivery
//
// Handlers are registered explicitly per message type:
//
//	err := messaging.Subscribe(controller, func(ctx context.Context, msg OrderPlaced) error {
//		dc, _ := contracts.DeliveryFromContext(ctx)
//		return process(ctx, dc.MessageID, msg)
//	})
//
// Delivery is at least once. Handlers must tolerate redelivery; the outbox
// package provides inbox deduplication for that.
package messaging
