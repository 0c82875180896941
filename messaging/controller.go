package messaging

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/conveyor/conventions"
	"github.com/glimte/conveyor/internal/rabbitmq"
)

// ErrControllerRunning is returned by a second concurrent Run
var ErrControllerRunning = errors.New("messaging: subscription controller already running")

// Action is the kind of a subscription command
type Action int

const (
	ActionSubscribe Action = iota
	ActionUnsubscribe
)

func (a Action) String() string {
	if a == ActionUnsubscribe {
		return "unsubscribe"
	}
	return "subscribe"
}

// MessageSubscriber is a subscribe or unsubscribe request for one message type
type MessageSubscriber struct {
	Action  Action
	Type    reflect.Type
	Handler SubscriptionHandler
}

type eviction struct {
	key string
	id  string
}

type command struct {
	subscriber *MessageSubscriber
	evict      *eviction
	barrier    chan struct{}
	restore    bool
	stop       bool
}

// SubscriptionController owns the channel registry. A single loop applies
// subscribe and unsubscribe commands in submission order; Submit never
// blocks the caller.
//
// Subscriptions whose channel the broker closed are subscribed again right
// away and, if that fails, every time the connection is re-established.
type SubscriptionController struct {
	opener   rabbitmq.ChannelOpener
	resolver *conventions.Resolver
	pipeline *Pipeline
	registry *ChannelRegistry
	topology TopologyOptions
	logger   *slog.Logger

	mu      sync.Mutex
	pending []command
	signal  chan struct{}
	closed  bool
	running bool
	base    context.Context

	stopped   chan struct{}
	consumers sync.WaitGroup

	// lost is owned by the loop; lostCount mirrors its size for readers
	lost      map[string]*MessageSubscriber
	lostCount atomic.Int64
}

// ControllerOption configures the SubscriptionController
type ControllerOption func(*SubscriptionController)

// WithTopologyOptions sets what is declared per subscription
func WithTopologyOptions(opts TopologyOptions) ControllerOption {
	return func(c *SubscriptionController) {
		c.topology = opts
	}
}

// WithControllerLogger sets the logger
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *SubscriptionController) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewSubscriptionController creates a controller. Call Run to start its loop.
func NewSubscriptionController(opener rabbitmq.ChannelOpener, resolver *conventions.Resolver, pipeline *Pipeline, options ...ControllerOption) *SubscriptionController {
	c := &SubscriptionController{
		opener:   opener,
		resolver: resolver,
		pipeline: pipeline,
		registry: NewChannelRegistry(),
		topology: DefaultTopologyOptions(),
		logger:   slog.Default(),
		signal:   make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		base:     context.Background(),
		lost:     make(map[string]*MessageSubscriber),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Registry returns the channel registry for read access
func (c *SubscriptionController) Registry() *ChannelRegistry {
	return c.registry
}

// Submit queues a command for the loop
func (c *SubscriptionController) Submit(s *MessageSubscriber) error {
	if s == nil || s.Type == nil {
		return errors.New("messaging: subscriber type is required")
	}
	if s.Action == ActionSubscribe && s.Handler == nil {
		return ErrHandlerRequired
	}
	return c.enqueue(command{subscriber: s})
}

// Pending returns the number of commands not yet applied
func (c *SubscriptionController) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Lost returns the number of subscriptions waiting to be re-established
func (c *SubscriptionController) Lost() int {
	return int(c.lostCount.Load())
}

// OnConnected implements rabbitmq.ConnectionStateListener. It queues the
// re-subscription of every lost subscription.
func (c *SubscriptionController) OnConnected() {
	if err := c.enqueue(command{restore: true}); err != nil {
		c.logger.Debug("restore skipped", "error", err)
	}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (c *SubscriptionController) OnDisconnected(err error) {
	c.logger.Debug("connection lost, consumers wait for reconnect", "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (c *SubscriptionController) OnReconnecting(attempt int) {}

// Sync waits until every command submitted before it has been applied
func (c *SubscriptionController) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	if err := c.enqueue(command{barrier: barrier}); err != nil {
		return err
	}

	select {
	case <-barrier:
		return nil
	case <-c.stopped:
		return ErrControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies commands until ctx is done or Close is called. Consumers keep
// the values of ctx but are only cancelled when their channel is disposed.
func (c *SubscriptionController) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrControllerRunning
	}
	select {
	case <-c.stopped:
		c.mu.Unlock()
		return ErrControllerClosed
	default:
	}
	c.running = true
	c.base = context.WithoutCancel(ctx)
	c.mu.Unlock()

	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-c.signal:
		}

		for {
			cmd, ok := c.next()
			if !ok {
				break
			}
			if cmd.stop {
				c.shutdown()
				return nil
			}
			c.apply(cmd)
		}
	}
}

// Close drains queued commands, disposes every channel and stops the loop.
// It waits for running consumers until ctx is done.
func (c *SubscriptionController) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.pending = append(c.pending, command{stop: true})
		c.notify()
	}
	running := c.running
	c.mu.Unlock()

	if !running {
		go func() { _ = c.Run(context.Background()) }()
	}

	select {
	case <-c.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		c.consumers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *SubscriptionController) enqueue(cmd command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrControllerClosed
	}
	c.pending = append(c.pending, cmd)
	c.notify()
	return nil
}

// notify must be called with mu held
func (c *SubscriptionController) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *SubscriptionController) next() (command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return command{}, false
	}
	cmd := c.pending[0]
	c.pending[0] = command{}
	c.pending = c.pending[1:]
	return cmd, true
}

func (c *SubscriptionController) apply(cmd command) {
	switch {
	case cmd.barrier != nil:
		close(cmd.barrier)
	case cmd.evict != nil:
		c.evict(cmd.evict)
	case cmd.restore:
		c.restore()
	case cmd.subscriber.Action == ActionUnsubscribe:
		c.unsubscribe(cmd.subscriber)
	default:
		c.subscribe(cmd.subscriber)
	}
}

func (c *SubscriptionController) subscribe(s *MessageSubscriber) {
	conv, err := c.resolver.ResolveType(s.Type)
	if err != nil {
		c.logger.Error("cannot subscribe: conventions not resolvable",
			"type", s.Type.String(),
			"error", err,
		)
		return
	}

	key := conv.Key()
	if existing, ok := c.registry.get(key); ok {
		c.logger.Debug("already subscribed",
			"key", key,
			"state", existing.State.String(),
		)
		return
	}

	entry := &Entry{
		ID:          uuid.NewString(),
		Conventions: conv,
		ConsumerTag: "conveyor-" + uuid.NewString(),
		State:       Declaring,
		subscriber:  s,
	}
	c.registry.put(entry)

	ch, deliveries, err := c.attach(conv, entry.ConsumerTag)
	if err != nil {
		c.registry.remove(key)
		c.logger.Error("subscription failed, command dropped",
			"messageType", conv.MessageType,
			"exchange", conv.Exchange,
			"queue", conv.Queue,
			"routingKey", conv.RoutingKey,
			"error", err,
		)
		return
	}

	ctx, cancel := context.WithCancel(c.base)
	entry.Channel = ch
	entry.cancel = cancel
	entry.done = make(chan struct{})
	entry.State = Consuming
	c.registry.put(entry)
	c.forget(key)

	sub := c.pipeline.Bind(conv, s.Handler)

	c.consumers.Add(1)
	go c.consume(ctx, entry.ID, key, sub, deliveries, entry.done)

	c.logger.Info("subscribed",
		"messageType", conv.MessageType,
		"exchange", conv.Exchange,
		"queue", conv.Queue,
		"routingKey", conv.RoutingKey,
	)
}

// attach declares the topology for conv on a fresh channel and starts consuming
func (c *SubscriptionController) attach(conv conventions.Conventions, consumerTag string) (ch rabbitmq.Channel, deliveries <-chan amqp.Delivery, err error) {
	ch, err = c.opener.OpenChannel(c.base)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			_ = ch.Close()
		}
	}()

	t := c.topology
	if err = rabbitmq.DeclareExchange(ch, t.exchange(conv.Exchange)); err != nil {
		return nil, nil, err
	}

	var args amqp.Table
	if t.DeadLetterEnabled {
		dlx := t.DeadLetterExchange(conv.Exchange)
		dlq := t.DeadLetterQueue(conv.Queue)

		if err = rabbitmq.DeclareExchange(ch, t.exchange(dlx)); err != nil {
			return nil, nil, err
		}
		if _, err = rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{Name: dlq, Durable: t.QueueDurable}); err != nil {
			return nil, nil, err
		}
		if err = rabbitmq.BindQueue(ch, rabbitmq.Binding{Queue: dlq, Exchange: dlx, RoutingKey: conv.RoutingKey}); err != nil {
			return nil, nil, err
		}
		args = amqp.Table{"x-dead-letter-exchange": dlx}
	}

	_, err = rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
		Name:       conv.Queue,
		Durable:    t.QueueDurable,
		Exclusive:  t.QueueExclusive,
		AutoDelete: t.QueueAutoDelete,
		Arguments:  args,
	})
	if err != nil {
		return nil, nil, err
	}

	if err = rabbitmq.BindQueue(ch, rabbitmq.Binding{Queue: conv.Queue, Exchange: conv.Exchange, RoutingKey: conv.RoutingKey}); err != nil {
		return nil, nil, err
	}
	if err = rabbitmq.ApplyQoS(ch, t.qos()); err != nil {
		return nil, nil, err
	}

	deliveries, err = ch.Consume(conv.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		err = &rabbitmq.ConsumerError{Queue: conv.Queue, ConsumerTag: consumerTag, Op: "consume", Err: err, Timestamp: time.Now()}
		return nil, nil, err
	}
	return ch, deliveries, nil
}

func (c *SubscriptionController) consume(ctx context.Context, id, key string, sub *Subscription, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer c.consumers.Done()
	defer close(done)

	for d := range deliveries {
		c.pipeline.Dispatch(ctx, sub, d)
	}

	if ctx.Err() == nil {
		c.logger.Warn("consumer channel closed by broker", "key", key)
		if err := c.enqueue(command{evict: &eviction{key: key, id: id}}); err != nil {
			c.logger.Debug("eviction skipped", "key", key, "error", err)
		}
	}
}

func (c *SubscriptionController) unsubscribe(s *MessageSubscriber) {
	conv, err := c.resolver.ResolveType(s.Type)
	if err != nil {
		c.logger.Error("cannot unsubscribe: conventions not resolvable",
			"type", s.Type.String(),
			"error", err,
		)
		return
	}

	c.forget(conv.Key())

	entry, ok := c.registry.remove(conv.Key())
	if !ok {
		c.logger.Debug("unsubscribe of unknown subscription ignored", "key", conv.Key())
		return
	}
	c.dispose(entry)

	c.logger.Info("unsubscribed",
		"messageType", conv.MessageType,
		"queue", conv.Queue,
	)
}

func (c *SubscriptionController) evict(e *eviction) {
	entry, ok := c.registry.get(e.key)
	if !ok || entry.ID != e.id {
		return
	}
	c.registry.remove(e.key)
	c.dispose(entry)

	if entry.subscriber == nil {
		return
	}
	c.lost[e.key] = entry.subscriber
	c.lostCount.Store(int64(len(c.lost)))
	c.subscribe(entry.subscriber)
}

// restore subscribes every lost subscription again. Failures stay lost
// until the next reconnect.
func (c *SubscriptionController) restore() {
	if len(c.lost) == 0 {
		return
	}
	c.logger.Info("restoring subscriptions", "count", len(c.lost))
	for _, s := range c.lost {
		c.subscribe(s)
	}
}

func (c *SubscriptionController) forget(key string) {
	if _, ok := c.lost[key]; !ok {
		return
	}
	delete(c.lost, key)
	c.lostCount.Store(int64(len(c.lost)))
}

func (c *SubscriptionController) dispose(e *Entry) {
	if e.cancel != nil {
		e.cancel()
	}
	if e.Channel != nil && !e.Channel.IsClosed() {
		if err := e.Channel.Close(); err != nil {
			c.logger.Warn("failed to close channel", "key", e.Key(), "error", err)
		}
	}
}

func (c *SubscriptionController) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	for _, e := range c.registry.all() {
		c.registry.remove(e.Key())
		c.dispose(e)
	}
	c.logger.Info("subscription controller stopped")
}

var _ rabbitmq.ConnectionStateListener = (*SubscriptionController)(nil)

// Subscribe asks c to consume messages of type T with handler
func Subscribe[T any](c *SubscriptionController, handler func(ctx context.Context, msg T) error) error {
	if handler == nil {
		return ErrHandlerRequired
	}
	h := HandlerFunc[T](handler)
	if _, err := c.resolver.ResolveType(h.MessageType()); err != nil {
		return err
	}
	return c.Submit(&MessageSubscriber{
		Action:  ActionSubscribe,
		Type:    h.MessageType(),
		Handler: h,
	})
}

// Unsubscribe asks c to stop consuming messages of type T
func Unsubscribe[T any](c *SubscriptionController) error {
	return c.Submit(&MessageSubscriber{
		Action: ActionUnsubscribe,
		Type:   reflect.TypeFor[T](),
	})
}
