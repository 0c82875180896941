package messaging

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/conveyor/conventions"
	"github.com/glimte/conveyor/internal/rabbitmq"
	"github.com/glimte/conveyor/internal/rabbitmq/rabbitmqtest"
)

type paymentCaptured struct {
	PaymentID string `json:"paymentId"`
}

const (
	orderKey   = "messaging:messaging.orderPlaced:orderPlaced"
	paymentKey = "messaging:messaging.paymentCaptured:paymentCaptured"
)

func newController(broker *rabbitmqtest.Broker, opts ...ControllerOption) *SubscriptionController {
	return NewSubscriptionController(broker, conventions.NewResolver(), NewPipeline(WithDispatchOptions(fastDispatch())), opts...)
}

func runController(t *testing.T, c *SubscriptionController) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() {
		closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = c.Close(closeCtx)
		cancel()
	})
}

func syncController(t *testing.T, c *SubscriptionController) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Sync(ctx))
}

func ignore[T any](ctx context.Context, msg T) error { return nil }

func TestSubscriptionControllerSubscribe(t *testing.T) {
	t.Run("declares topology and starts consuming", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := newController(broker)
		runController(t, c)

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		syncController(t, c)

		require.Len(t, broker.Channels(), 1)
		ch := broker.Channels()[0]

		assert.Equal(t, []rabbitmq.ExchangeDeclaration{
			{Name: "messaging", Kind: amqp.ExchangeTopic, Durable: true},
			{Name: "messaging.dead-letter", Kind: amqp.ExchangeTopic, Durable: true},
		}, ch.Exchanges())
		assert.Equal(t, []rabbitmqtest.Queue{
			{Name: "messaging.orderPlaced.dead-letter", Durable: true},
			{Name: "messaging.orderPlaced", Durable: true, Args: amqp.Table{"x-dead-letter-exchange": "messaging.dead-letter"}},
		}, ch.Queues())
		assert.Equal(t, []rabbitmq.Binding{
			{Queue: "messaging.orderPlaced.dead-letter", Exchange: "messaging.dead-letter", RoutingKey: "orderPlaced"},
			{Queue: "messaging.orderPlaced", Exchange: "messaging", RoutingKey: "orderPlaced"},
		}, ch.Bindings())
		assert.Equal(t, rabbitmq.QoS{PrefetchCount: 10}, ch.QoS())
		assert.Equal(t, "messaging.orderPlaced", ch.ConsumingQueue())

		entry, ok := c.Registry().Lookup(orderKey)
		require.True(t, ok)
		assert.Equal(t, Consuming, entry.State)
		assert.True(t, strings.HasPrefix(entry.ConsumerTag, "conveyor-"))
		assert.Same(t, ch, entry.Channel)
	})

	t.Run("skips dead-lettering when disabled", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		topology := DefaultTopologyOptions()
		topology.DeadLetterEnabled = false
		topology.QueueDurable = false
		topology.QueueAutoDelete = true
		c := newController(broker, WithTopologyOptions(topology))
		runController(t, c)

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		syncController(t, c)

		ch := broker.Channels()[0]
		assert.Len(t, ch.Exchanges(), 1)
		assert.Equal(t, []rabbitmqtest.Queue{{Name: "messaging.orderPlaced", AutoDelete: true}}, ch.Queues())
	})

	t.Run("a second subscribe for the same key is a no-op", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := newController(broker)
		runController(t, c)

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		syncController(t, c)

		assert.Len(t, broker.Channels(), 1)
		assert.Equal(t, 1, c.Registry().Len())
	})

	t.Run("separate types get separate channels", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := newController(broker)
		runController(t, c)

		require.NoError(t, Subscribe(c, ignore[paymentCaptured]))
		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		syncController(t, c)

		assert.Len(t, broker.Channels(), 2)
		assert.Equal(t, []string{orderKey, paymentKey}, c.Registry().Keys())
	})

	t.Run("a topology failure drops the command and keeps the loop alive", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		var opened atomic.Int32
		broker.OnOpen = func(ch *rabbitmqtest.Channel) {
			if opened.Add(1) == 1 {
				ch.QueueErr = errors.New("ACCESS_REFUSED")
			}
		}
		c := newController(broker)
		runController(t, c)

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		require.NoError(t, Subscribe(c, ignore[paymentCaptured]))
		syncController(t, c)

		channels := broker.Channels()
		require.Len(t, channels, 2)
		assert.True(t, channels[0].IsClosed())
		assert.Equal(t, Unregistered, c.Registry().State(orderKey))
		assert.Equal(t, Consuming, c.Registry().State(paymentKey))
	})

	t.Run("a channel open failure leaves no entry", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.OpenErr = errors.New("connection not ready")
		c := newController(broker)
		runController(t, c)

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		syncController(t, c)

		assert.Zero(t, c.Registry().Len())
	})

	t.Run("a consume failure closes the channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.OnOpen = func(ch *rabbitmqtest.Channel) {
			ch.ConsumeErr = errors.New("NOT_FOUND")
		}
		c := newController(broker)
		runController(t, c)

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		syncController(t, c)

		assert.True(t, broker.Channels()[0].IsClosed())
		assert.Zero(t, c.Registry().Len())
	})

	t.Run("rejects invalid requests synchronously", func(t *testing.T) {
		c := newController(rabbitmqtest.NewBroker())

		assert.ErrorIs(t, Subscribe[orderPlaced](c, nil), ErrHandlerRequired)
		assert.ErrorIs(t, Subscribe(c, ignore[struct{ ID string }]), conventions.ErrUnnamedType)
		assert.Error(t, c.Submit(&MessageSubscriber{Action: ActionSubscribe}))
		assert.ErrorIs(t, c.Submit(&MessageSubscriber{Action: ActionSubscribe, Type: reflect.TypeFor[orderPlaced]()}), ErrHandlerRequired)
		assert.Zero(t, c.Pending())
	})

	t.Run("submit does not wait for the loop", func(t *testing.T) {
		c := newController(rabbitmqtest.NewBroker())

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		require.NoError(t, Unsubscribe[orderPlaced](c))
		assert.Equal(t, 2, c.Pending())
	})
}

func TestSubscriptionControllerDelivery(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	c := newController(broker)
	runController(t, c)

	received := make(chan orderPlaced, 1)
	require.NoError(t, Subscribe(c, func(ctx context.Context, msg orderPlaced) error {
		received <- msg
		return nil
	}))
	syncController(t, c)

	ch := broker.Consumer("messaging.orderPlaced")
	require.NotNil(t, ch)
	tag := ch.Deliver([]byte(`{"orderId":"o-7","amount":3}`), amqp.Publishing{MessageId: "m-7"})

	select {
	case msg := <-received:
		assert.Equal(t, "o-7", msg.OrderID)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}

	assert.Eventually(t, func() bool {
		acked := broker.Acks().Acked()
		return len(acked) == 1 && acked[0] == tag
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubscriptionControllerUnsubscribe(t *testing.T) {
	t.Run("closes the channel and removes the entry", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := newController(broker)
		runController(t, c)

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		require.NoError(t, Unsubscribe[orderPlaced](c))
		syncController(t, c)

		require.Len(t, broker.Channels(), 1)
		assert.True(t, broker.Channels()[0].IsClosed())
		assert.Zero(t, c.Registry().Len())
	})

	t.Run("unknown subscriptions are ignored", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := newController(broker)
		runController(t, c)

		require.NoError(t, Unsubscribe[orderPlaced](c))
		syncController(t, c)

		assert.Empty(t, broker.Channels())
	})

	t.Run("resubscribing opens a fresh channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := newController(broker)
		runController(t, c)

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		require.NoError(t, Unsubscribe[orderPlaced](c))
		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		syncController(t, c)

		channels := broker.Channels()
		require.Len(t, channels, 2)
		assert.True(t, channels[0].IsClosed())
		assert.False(t, channels[1].IsClosed())

		entry, ok := c.Registry().Lookup(orderKey)
		require.True(t, ok)
		assert.Same(t, channels[1], entry.Channel)
	})
}

func TestSubscriptionControllerEviction(t *testing.T) {
	t.Run("resubscribes a channel the broker closed", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := newController(broker)
		runController(t, c)

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		syncController(t, c)

		// broker-side channel close
		require.NoError(t, broker.Channels()[0].Close())

		assert.Eventually(t, func() bool {
			entry, ok := c.Registry().Lookup(orderKey)
			return ok && entry.State == Consuming && len(broker.Channels()) == 2 && entry.Channel == broker.Channels()[1]
		}, 5*time.Second, 10*time.Millisecond)
		assert.Zero(t, c.Lost())

		tag := broker.Consumer("messaging.orderPlaced").Deliver([]byte(`{"orderId":"o-1"}`), amqp.Publishing{MessageId: "m-1"})
		assert.Eventually(t, func() bool {
			return slices.Contains(broker.Acks().Acked(), tag)
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("waits for the connection before resubscribing", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := newController(broker)
		runController(t, c)

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		syncController(t, c)

		broker.SetOpenErr(rabbitmq.ErrConnectionClosed)
		require.NoError(t, broker.Channels()[0].Close())

		assert.Eventually(t, func() bool {
			return c.Lost() == 1
		}, 5*time.Second, 10*time.Millisecond)
		syncController(t, c)
		assert.Zero(t, c.Registry().Len())

		broker.SetOpenErr(nil)
		c.OnConnected()
		syncController(t, c)

		assert.Equal(t, Consuming, c.Registry().State(orderKey))
		assert.Zero(t, c.Lost())
		assert.Len(t, broker.Channels(), 2)
	})

	t.Run("unsubscribe forgets a lost subscription", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := newController(broker)
		runController(t, c)

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		syncController(t, c)

		broker.SetOpenErr(rabbitmq.ErrConnectionClosed)
		require.NoError(t, broker.Channels()[0].Close())
		assert.Eventually(t, func() bool {
			return c.Lost() == 1
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, Unsubscribe[orderPlaced](c))
		syncController(t, c)
		assert.Zero(t, c.Lost())

		broker.SetOpenErr(nil)
		c.OnConnected()
		syncController(t, c)

		assert.Zero(t, c.Registry().Len())
		assert.Len(t, broker.Channels(), 1)
	})
}

func TestSubscriptionControllerLifecycle(t *testing.T) {
	t.Run("close drains queued commands and disposes channels", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := newController(broker)

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		require.NoError(t, Subscribe(c, ignore[paymentCaptured]))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, c.Close(ctx))

		channels := broker.Channels()
		require.Len(t, channels, 2)
		for _, ch := range channels {
			assert.True(t, ch.IsClosed())
		}
		assert.Zero(t, c.Registry().Len())
		assert.ErrorIs(t, Subscribe(c, ignore[orderPlaced]), ErrControllerClosed)
		assert.ErrorIs(t, c.Sync(ctx), ErrControllerClosed)
		assert.NoError(t, c.Close(ctx))
	})

	t.Run("cancelling run disposes channels", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := newController(broker)

		ctx, cancel := context.WithCancel(context.Background())
		errs := make(chan error, 1)
		go func() { errs <- c.Run(ctx) }()

		require.NoError(t, Subscribe(c, ignore[orderPlaced]))
		syncController(t, c)
		cancel()

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("run did not return")
		}
		assert.True(t, broker.Channels()[0].IsClosed())
		assert.Zero(t, c.Registry().Len())
	})

	t.Run("run cannot be started twice", func(t *testing.T) {
		c := newController(rabbitmqtest.NewBroker())
		runController(t, c)
		syncController(t, c)

		assert.ErrorIs(t, c.Run(context.Background()), ErrControllerRunning)
	})
}

func TestChannelRegistry(t *testing.T) {
	r := NewChannelRegistry()
	assert.Zero(t, r.Len())
	assert.Equal(t, Unregistered, r.State("a:b:c"))

	entry := &Entry{ID: "1", Conventions: conventions.Conventions{Exchange: "a", Queue: "b", RoutingKey: "c"}, State: Declaring}
	r.put(entry)

	snapshot, ok := r.Lookup("a:b:c")
	require.True(t, ok)
	assert.Equal(t, Declaring, snapshot.State)

	entry.State = Consuming
	assert.Equal(t, Declaring, r.State("a:b:c"), "readers see the last published snapshot")
	r.put(entry)
	assert.Equal(t, Consuming, r.State("a:b:c"))

	removed, ok := r.remove("a:b:c")
	require.True(t, ok)
	assert.Equal(t, "1", removed.ID)
	_, ok = r.remove("a:b:c")
	assert.False(t, ok)
	assert.Empty(t, r.Keys())

	assert.Equal(t, "declaring", Declaring.String())
	assert.Equal(t, "consuming", Consuming.String())
	assert.Equal(t, "unregistered", Unregistered.String())
}
