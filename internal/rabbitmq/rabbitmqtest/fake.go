// Package rabbitmqtest provides an in-memory broker double for tests.
package rabbitmqtest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/conveyor/internal/rabbitmq"
)

// ErrClosed is returned by operations on a closed fake channel
var ErrClosed = errors.New("rabbitmqtest: channel closed")

// Published is one recorded basic.publish
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Queue is one recorded queue.declare
type Queue struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Args       amqp.Table
}

// Broker opens fake channels and records everything done on them
type Broker struct {
	mu       sync.Mutex
	channels []*Channel
	acks     *Acknowledger

	// OpenErr fails OpenChannel when set
	OpenErr error
	// OnOpen runs for every new channel before it is returned
	OnOpen func(ch *Channel)
}

// NewBroker creates an empty fake broker
func NewBroker() *Broker {
	return &Broker{acks: &Acknowledger{}}
}

// OpenChannel implements rabbitmq.ChannelOpener
func (b *Broker) OpenChannel(ctx context.Context) (rabbitmq.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.OpenErr != nil {
		err := b.OpenErr
		b.mu.Unlock()
		return nil, err
	}
	ch := &Channel{ID: len(b.channels) + 1, broker: b}
	b.channels = append(b.channels, ch)
	hook := b.OnOpen
	b.mu.Unlock()

	if hook != nil {
		hook(ch)
	}
	return ch, nil
}

// SetOpenErr changes OpenErr while channels may be opened concurrently
func (b *Broker) SetOpenErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenErr = err
}

// Channels returns every channel opened so far
func (b *Broker) Channels() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Channel(nil), b.channels...)
}

// Published returns publishes from all channels in channel order
func (b *Broker) Published() []Published {
	var out []Published
	for _, ch := range b.Channels() {
		out = append(out, ch.Published()...)
	}
	return out
}

// Consumer returns the open channel consuming queue
func (b *Broker) Consumer(queue string) *Channel {
	for _, ch := range b.Channels() {
		if ch.ConsumingQueue() == queue && !ch.IsClosed() {
			return ch
		}
	}
	return nil
}

// Acks returns the acknowledger shared by all deliveries
func (b *Broker) Acks() *Acknowledger {
	return b.acks
}

// Channel is a fake rabbitmq.Channel
type Channel struct {
	ID     int
	broker *Broker

	mu         sync.Mutex
	exchanges  []rabbitmq.ExchangeDeclaration
	queues     []Queue
	bindings   []rabbitmq.Binding
	qos        rabbitmq.QoS
	published  []Published
	queue      string
	deliveries chan amqp.Delivery
	nextTag    uint64
	closed     bool

	ExchangeErr error
	QueueErr    error
	BindErr     error
	QosErr      error
	ConsumeErr  error
	PublishErr  error
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.ExchangeErr != nil {
		return c.ExchangeErr
	}
	c.exchanges = append(c.exchanges, rabbitmq.ExchangeDeclaration{
		Name: name, Kind: kind, Durable: durable, AutoDelete: autoDelete, Arguments: args,
	})
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.Queue{}, ErrClosed
	}
	if c.QueueErr != nil {
		return amqp.Queue{}, c.QueueErr
	}
	c.queues = append(c.queues, Queue{Name: name, Durable: durable, Exclusive: exclusive, AutoDelete: autoDelete, Args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.BindErr != nil {
		return c.BindErr
	}
	c.bindings = append(c.bindings, rabbitmq.Binding{Queue: name, Exchange: exchange, RoutingKey: key, Arguments: args})
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.QosErr != nil {
		return c.QosErr
	}
	c.qos = rabbitmq.QoS{PrefetchCount: prefetchCount, PrefetchSize: prefetchSize, Global: global}
	return nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	c.queue = queue
	c.deliveries = make(chan amqp.Delivery, 64)
	return c.deliveries, nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.published = append(c.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	if c.deliveries != nil {
		close(c.deliveries)
	}
	return nil
}

// Deliver pushes a delivery to the consumer of this channel and returns its tag
func (c *Channel) Deliver(body []byte, msg amqp.Publishing) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.deliveries == nil {
		return 0
	}
	c.nextTag++
	c.deliveries <- amqp.Delivery{
		Acknowledger:  c.broker.acks,
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		CorrelationId: msg.CorrelationId,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		Type:          msg.Type,
		ConsumerTag:   "fake",
		DeliveryTag:   c.nextTag,
		RoutingKey:    c.bindingKey(),
		Exchange:      c.bindingExchange(),
		Body:          body,
	}
	return c.nextTag
}

// Exchanges returns recorded exchange declarations
func (c *Channel) Exchanges() []rabbitmq.ExchangeDeclaration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rabbitmq.ExchangeDeclaration(nil), c.exchanges...)
}

// Queues returns recorded queue declarations
func (c *Channel) Queues() []Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Queue(nil), c.queues...)
}

// Bindings returns recorded bindings
func (c *Channel) Bindings() []rabbitmq.Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rabbitmq.Binding(nil), c.bindings...)
}

// QoS returns the last basic.qos settings
func (c *Channel) QoS() rabbitmq.QoS {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qos
}

// Published returns publishes recorded on this channel
func (c *Channel) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// ConsumingQueue returns the queue passed to Consume
func (c *Channel) ConsumingQueue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// must be called with mu held
func (c *Channel) bindingKey() string {
	for _, b := range c.bindings {
		if b.Queue == c.queue {
			return b.RoutingKey
		}
	}
	return ""
}

// must be called with mu held
func (c *Channel) bindingExchange() string {
	for _, b := range c.bindings {
		if b.Queue == c.queue {
			return b.Exchange
		}
	}
	return ""
}

// Nack is one recorded basic.nack or basic.reject
type Nack struct {
	Tag     uint64
	Requeue bool
}

// Acknowledger records acknowledgements
type Acknowledger struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []Nack
}

func (a *Acknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *Acknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, Nack{Tag: tag, Requeue: requeue})
	return nil
}

func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// Acked returns acknowledged delivery tags
func (a *Acknowledger) Acked() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acks...)
}

// Nacked returns negatively acknowledged deliveries
func (a *Acknowledger) Nacked() []Nack {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Nack(nil), a.nacks...)
}
