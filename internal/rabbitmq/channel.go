package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used for topology, consumption and publishing
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// ChannelOpener opens broker channels
type ChannelOpener interface {
	OpenChannel(ctx context.Context) (Channel, error)
}

// ChannelOpenerFunc is a function adapter for ChannelOpener
type ChannelOpenerFunc func(ctx context.Context) (Channel, error)

// OpenChannel implements ChannelOpener
func (f ChannelOpenerFunc) OpenChannel(ctx context.Context) (Channel, error) {
	return f(ctx)
}

var _ Channel = (*amqp.Channel)(nil)
