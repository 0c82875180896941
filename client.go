// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package conveyor wires the conveyor components into a single Bus: a
// publisher, a subscription controller with its dispatch pipeline and an
// optional outbox with its processor.
package conveyor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/conveyor/config"
	"github.com/glimte/conveyor/conventions"
	"github.com/glimte/conveyor/health"
	"github.com/glimte/conveyor/interceptors"
	"github.com/glimte/conveyor/internal/rabbitmq"
	"github.com/glimte/conveyor/messaging"
	"github.com/glimte/conveyor/outbox"
)

var (
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("conveyor: bus already started")
	// ErrOutboxNotConfigured is returned by Send and Handle on a bus built without a store
	ErrOutboxNotConfigured = errors.New("conveyor: outbox store not configured")
)

// Bus is the main entry point for conveyor
type Bus struct {
	cfg    *config.Config
	logger *slog.Logger

	conn       *rabbitmq.ConnectionManager
	pool       *rabbitmq.ChannelPool
	resolver   *conventions.Resolver
	publisher  *messaging.Publisher
	pipeline   *messaging.Pipeline
	controller *messaging.SubscriptionController
	manager    *outbox.Manager
	processor  *outbox.Processor
	health     *health.Registry

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   errgroup.Group
}

// busConfig holds construction options
type busConfig struct {
	logger       *slog.Logger
	opener       rabbitmq.ChannelOpener
	resolver     *conventions.Resolver
	store        outbox.Store
	inbox        outbox.InboxStore
	tracer       trace.Tracer
	interceptors []interceptors.Interceptor
}

// Option configures the bus
type Option func(*busConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *busConfig) {
		cfg.logger = logger
	}
}

// WithChannelOpener replaces the managed broker connection with opener
func WithChannelOpener(opener rabbitmq.ChannelOpener) Option {
	return func(cfg *busConfig) {
		cfg.opener = opener
	}
}

// WithResolver shares a conventions resolver with the bus
func WithResolver(resolver *conventions.Resolver) Option {
	return func(cfg *busConfig) {
		cfg.resolver = resolver
	}
}

// WithStore enables the outbox, the inbox and the processor on store
func WithStore(store outbox.Store) Option {
	return func(cfg *busConfig) {
		cfg.store = store
	}
}

// WithInboxStore keeps inbox records in a different store than the outbox
func WithInboxStore(inbox outbox.InboxStore) Option {
	return func(cfg *busConfig) {
		cfg.inbox = inbox
	}
}

// WithTracer enables producer and consumer spans
func WithTracer(tracer trace.Tracer) Option {
	return func(cfg *busConfig) {
		cfg.tracer = tracer
	}
}

// WithInterceptors adds interceptors to every subscription, outermost first
func WithInterceptors(list ...interceptors.Interceptor) Option {
	return func(cfg *busConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}

// New creates a bus. A nil cfg selects config.Default.
func New(cfg *config.Config, options ...Option) (*Bus, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	bc := &busConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(bc)
	}
	if bc.logger == nil {
		bc.logger = slog.Default()
	}

	b := &Bus{cfg: cfg, logger: bc.logger}

	opener := bc.opener
	if opener == nil {
		b.conn = rabbitmq.NewConnectionManager(cfg.RabbitMQURL, rabbitmq.WithLogger(bc.logger))
		opener = b.conn
	}

	pool, err := rabbitmq.NewChannelPool(opener,
		rabbitmq.WithMaxSize(cfg.PublisherPoolSize),
		rabbitmq.WithPoolLogger(bc.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}
	b.pool = pool

	b.resolver = bc.resolver
	if b.resolver == nil {
		b.resolver = conventions.NewResolver(cfg.ResolverOptions()...)
	}

	publisherOpts := []messaging.PublisherOption{
		messaging.WithPublisherLogger(bc.logger),
		messaging.WithPublisherTopology(cfg.TopologyOptions()),
		messaging.WithPropertiesOptions(cfg.PropertiesOptions()),
	}
	chain := bc.interceptors
	if bc.tracer != nil {
		publisherOpts = append(publisherOpts, messaging.WithPublisherTracer(bc.tracer))
		chain = append([]interceptors.Interceptor{interceptors.NewTracingInterceptor(bc.tracer)}, chain...)
	}
	b.publisher = messaging.NewPublisher(pool, b.resolver, publisherOpts...)

	props := cfg.PropertiesOptions()
	b.pipeline = messaging.NewPipeline(
		messaging.WithInterceptors(chain...),
		messaging.WithDispatchOptions(cfg.DispatchOptions()),
		messaging.WithHeaderNames(props.TraceHeader, props.ContextHeader),
		messaging.WithPipelineLogger(bc.logger),
	)

	b.controller = messaging.NewSubscriptionController(opener, b.resolver, b.pipeline,
		messaging.WithTopologyOptions(cfg.TopologyOptions()),
		messaging.WithControllerLogger(bc.logger),
	)
	if b.conn != nil {
		b.conn.AddStateListener(b.controller)
	}

	b.health = health.NewRegistry(
		health.NewBrokerChecker(opener),
		health.NewChannelPoolChecker(pool),
		health.NewSubscriptionChecker(b.controller),
	)

	if bc.store != nil {
		if backlog, ok := bc.store.(health.Backlog); ok {
			b.health.Register(health.NewOutboxChecker(backlog, cfg.Outbox.BacklogThreshold))
		}

		inbox := bc.inbox
		if inbox == nil {
			inbox = bc.store
		}
		managerOpts := append(cfg.OutboxOptions(),
			outbox.WithResolver(b.resolver),
			outbox.WithManagerLogger(bc.logger),
		)
		if b.manager, err = outbox.NewManager(bc.store, inbox, managerOpts...); err != nil {
			return nil, err
		}

		processorOpts, err := cfg.ProcessorOptions()
		if err != nil {
			return nil, err
		}
		processorOpts = append(processorOpts, outbox.WithProcessorLogger(bc.logger))
		if b.processor, err = outbox.NewProcessor(bc.store, b.publisher, processorOpts...); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// Start connects to the broker and starts the subscription controller and,
// when an outbox store is configured, the outbox processor
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}

	if b.conn != nil {
		if err := b.conn.Connect(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.started = true

	b.group.Go(func() error {
		return b.controller.Run(runCtx)
	})
	if b.processor != nil && b.manager.Enabled() {
		b.group.Go(func() error {
			return b.processor.Run(runCtx)
		})
	}

	b.logger.Info("conveyor bus started",
		"outbox", b.manager != nil && b.manager.Enabled(),
	)
	return nil
}

// Close drains the subscription controller, disposes its channels, stops the
// outbox processor and then closes the publisher channels and the connection
func (b *Bus) Close(ctx context.Context) error {
	var errs []error

	if err := b.controller.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close subscription controller: %w", err))
	}

	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := b.group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, messaging.ErrControllerClosed) {
		errs = append(errs, err)
	}

	if err := b.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close channel pool: %w", err))
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}

	b.logger.Info("conveyor bus stopped")
	return errors.Join(errs...)
}

// Publish sends msg directly to the broker
func (b *Bus) Publish(ctx context.Context, msg any, opts ...messaging.PublishOption) error {
	return b.publisher.Publish(ctx, msg, opts...)
}

// Send stores msg in the outbox. The processor publishes it later.
func (b *Bus) Send(ctx context.Context, msg any, opts ...messaging.PublishOption) (string, error) {
	if b.manager == nil {
		return "", ErrOutboxNotConfigured
	}
	return b.manager.Send(ctx, msg, opts...)
}

// Handle runs fn at most once for messageID
func (b *Bus) Handle(ctx context.Context, messageID string, fn func(ctx context.Context) error) (outbox.HandleResult, error) {
	if b.manager == nil {
		return outbox.Failed, ErrOutboxNotConfigured
	}
	return b.manager.Handle(ctx, messageID, fn)
}

// HandleDelivery runs fn at most once for the delivery in ctx
func (b *Bus) HandleDelivery(ctx context.Context, fn func(ctx context.Context) error) (outbox.HandleResult, error) {
	if b.manager == nil {
		return outbox.Failed, ErrOutboxNotConfigured
	}
	return b.manager.HandleDelivery(ctx, fn)
}

// Sync waits until every subscription change requested so far is applied
func (b *Bus) Sync(ctx context.Context) error {
	return b.controller.Sync(ctx)
}

// Health runs the broker, channel pool, subscription and outbox checks
func (b *Bus) Health(ctx context.Context) health.Report {
	return b.health.Check(ctx)
}

// Resolver returns the conventions resolver
func (b *Bus) Resolver() *conventions.Resolver {
	return b.resolver
}

// Publisher returns the message publisher
func (b *Bus) Publisher() *messaging.Publisher {
	return b.publisher
}

// Controller returns the subscription controller
func (b *Bus) Controller() *messaging.SubscriptionController {
	return b.controller
}

// Outbox returns the outbox manager, or nil without a store
func (b *Bus) Outbox() *outbox.Manager {
	return b.manager
}

// Processor returns the outbox processor, or nil without a store
func (b *Bus) Processor() *outbox.Processor {
	return b.processor
}

// Subscribe consumes messages of type T on b with handler
func Subscribe[T any](b *Bus, handler func(ctx context.Context, msg T) error) error {
	return messaging.Subscribe[T](b.controller, handler)
}

// Unsubscribe stops consuming messages of type T on b
func Unsubscribe[T any](b *Bus) error {
	return messaging.Unsubscribe[T](b.controller)
}
