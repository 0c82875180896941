package outbox_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/conveyor/conventions"
	"github.com/glimte/conveyor/internal/rabbitmq"
	"github.com/glimte/conveyor/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/conveyor/messaging"
	"github.com/glimte/conveyor/outbox"
	"github.com/glimte/conveyor/outbox/memory"
)

type relayed struct {
	messageType string
	body        []byte
	opts        messaging.PublishOptions
}

type fakeRelay struct {
	mu    sync.Mutex
	calls []relayed
	fail  map[string]bool
}

func (r *fakeRelay) PublishSerialized(ctx context.Context, messageType string, body []byte, opts ...messaging.PublishOption) error {
	o := messaging.NewPublishOptions(opts...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[o.MessageID] {
		return errors.New("broker unavailable")
	}
	r.calls = append(r.calls, relayed{messageType: messageType, body: body, opts: o})
	return nil
}

func (r *fakeRelay) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		ids = append(ids, c.opts.MessageID)
	}
	return ids
}

type countingStore struct {
	*memory.Store
	marks atomic.Int32
	err   error
}

func (s *countingStore) MarkProcessed(ctx context.Context, at time.Time, ids ...string) error {
	s.marks.Add(1)
	return s.Store.MarkProcessed(ctx, at, ids...)
}

func (s *countingStore) FindUnprocessed(ctx context.Context, limit int) ([]outbox.OutboxMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.Store.FindUnprocessed(ctx, limit)
}

var base = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, store outbox.OutboxStore, ids ...string) {
	t.Helper()
	for i, id := range ids {
		require.NoError(t, store.InsertOutbox(context.Background(), outbox.OutboxMessage{
			ID:                id,
			CorrelationID:     "corr-" + id,
			MessageType:       orderType,
			SerializedMessage: []byte(`{"orderId":"` + id + `"}`),
			Headers:           map[string]any{"seq": float64(i)},
			SentAt:            base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func unprocessed(t *testing.T, store outbox.OutboxStore) []string {
	t.Helper()
	rows, err := store.FindUnprocessed(context.Background(), 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids
}

func TestParseMode(t *testing.T) {
	mode, err := outbox.ParseMode("Parallel")
	require.NoError(t, err)
	assert.Equal(t, outbox.Parallel, mode)

	mode, err = outbox.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, outbox.Sequential, mode)

	_, err = outbox.ParseMode("batched")
	assert.ErrorIs(t, err, outbox.ErrUnknownMode)

	assert.Equal(t, "sequential", outbox.Sequential.String())
	assert.Equal(t, "parallel", outbox.Parallel.String())
}

func TestNewProcessor(t *testing.T) {
	_, err := outbox.NewProcessor(nil, &fakeRelay{})
	assert.ErrorIs(t, err, outbox.ErrStoreRequired)

	_, err = outbox.NewProcessor(memory.NewStore(), nil)
	assert.Error(t, err)
}

func TestProcessorSequential(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes in sent order and marks each row", func(t *testing.T) {
		store := &countingStore{Store: memory.NewStore()}
		// inserted out of order on purpose
		require.NoError(t, store.InsertOutbox(ctx, outbox.OutboxMessage{ID: "t3", MessageType: orderType, SentAt: base.Add(3 * time.Second)}))
		require.NoError(t, store.InsertOutbox(ctx, outbox.OutboxMessage{ID: "t1", MessageType: orderType, SentAt: base.Add(time.Second)}))
		require.NoError(t, store.InsertOutbox(ctx, outbox.OutboxMessage{ID: "t2", MessageType: orderType, SentAt: base.Add(2 * time.Second)}))

		relay := &fakeRelay{}
		p, err := outbox.NewProcessor(store, relay)
		require.NoError(t, err)

		res, err := p.Tick(ctx)
		require.NoError(t, err)

		assert.Equal(t, outbox.TickResult{Fetched: 3, Published: 3}, res)
		assert.Equal(t, []string{"t1", "t2", "t3"}, relay.ids())
		assert.Equal(t, int32(3), store.marks.Load())
		assert.Empty(t, unprocessed(t, store))
	})

	t.Run("relays the stored metadata", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.InsertOutbox(ctx, outbox.OutboxMessage{
			ID:                       "m1",
			CorrelationID:            "c1",
			TraceContext:             "00-trace",
			Headers:                  map[string]any{"tenant": "acme"},
			MessageType:              orderType,
			SerializedMessage:        []byte(`{"orderId":"o"}`),
			SerializedMessageContext: []byte(`{"user":"u"}`),
			SentAt:                   base,
		}))
		relay := &fakeRelay{}
		p, err := outbox.NewProcessor(store, relay)
		require.NoError(t, err)

		_, err = p.Tick(ctx)
		require.NoError(t, err)

		require.Len(t, relay.calls, 1)
		call := relay.calls[0]
		assert.Equal(t, orderType, call.messageType)
		assert.Equal(t, []byte(`{"orderId":"o"}`), call.body)
		assert.Equal(t, "m1", call.opts.MessageID)
		assert.Equal(t, "c1", call.opts.CorrelationID)
		assert.Equal(t, "00-trace", call.opts.TraceContext)
		assert.Equal(t, []byte(`{"user":"u"}`), call.opts.RawMessageContext)
		assert.Equal(t, "acme", call.opts.Headers["tenant"])
	})

	t.Run("a failed row stays for the next tick without blocking the rest", func(t *testing.T) {
		store := memory.NewStore()
		seed(t, store, "a", "b", "c")
		relay := &fakeRelay{fail: map[string]bool{"b": true}}
		p, err := outbox.NewProcessor(store, relay)
		require.NoError(t, err)

		res, err := p.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, outbox.TickResult{Fetched: 3, Published: 2, Failed: 1}, res)
		assert.Equal(t, []string{"b"}, unprocessed(t, store))

		relay.mu.Lock()
		relay.fail = nil
		relay.mu.Unlock()

		res, err = p.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, outbox.TickResult{Fetched: 1, Published: 1}, res)
		assert.Equal(t, []string{"a", "c", "b"}, relay.ids())
		assert.Empty(t, unprocessed(t, store))
	})

	t.Run("fetches at most one batch", func(t *testing.T) {
		store := memory.NewStore()
		seed(t, store, "a", "b", "c")
		relay := &fakeRelay{}
		p, err := outbox.NewProcessor(store, relay, outbox.WithBatchSize(2))
		require.NoError(t, err)

		res, err := p.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Fetched)
		assert.Equal(t, []string{"c"}, unprocessed(t, store))
	})

	t.Run("reports store failures", func(t *testing.T) {
		store := &countingStore{Store: memory.NewStore(), err: errors.New("db down")}
		p, err := outbox.NewProcessor(store, &fakeRelay{})
		require.NoError(t, err)

		_, err = p.Tick(ctx)
		assert.Error(t, err)
	})
}

func TestProcessorParallel(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes the batch and marks it in one call", func(t *testing.T) {
		store := &countingStore{Store: memory.NewStore()}
		seed(t, store, "a", "b", "c", "d")
		relay := &fakeRelay{}
		p, err := outbox.NewProcessor(store, relay, outbox.WithMode(outbox.Parallel), outbox.WithParallelism(2))
		require.NoError(t, err)

		res, err := p.Tick(ctx)
		require.NoError(t, err)

		assert.Equal(t, outbox.TickResult{Fetched: 4, Published: 4}, res)
		assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, relay.ids())
		assert.Equal(t, int32(1), store.marks.Load())
		assert.Empty(t, unprocessed(t, store))
	})

	t.Run("failed rows are not marked", func(t *testing.T) {
		store := &countingStore{Store: memory.NewStore()}
		seed(t, store, "a", "b", "c")
		relay := &fakeRelay{fail: map[string]bool{"a": true, "c": true}}
		p, err := outbox.NewProcessor(store, relay, outbox.WithMode(outbox.Parallel))
		require.NoError(t, err)

		res, err := p.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, outbox.TickResult{Fetched: 3, Published: 1, Failed: 2}, res)
		assert.Equal(t, []string{"a", "c"}, unprocessed(t, store))
	})

	t.Run("nothing is marked when every publish fails", func(t *testing.T) {
		store := &countingStore{Store: memory.NewStore()}
		seed(t, store, "a")
		p, err := outbox.NewProcessor(store, &fakeRelay{fail: map[string]bool{"a": true}}, outbox.WithMode(outbox.Parallel))
		require.NoError(t, err)

		_, err = p.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, store.marks.Load())
	})
}

func TestProcessorRun(t *testing.T) {
	store := memory.NewStore()
	relay := &fakeRelay{}
	p, err := outbox.NewProcessor(store, relay, outbox.WithInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- p.Run(ctx) }()

	seed(t, store, "late")
	assert.Eventually(t, func() bool {
		return len(relay.ids()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestSendThenRelay(t *testing.T) {
	ctx := context.Background()

	store := memory.NewStore()
	resolver := conventions.NewResolver()
	m, err := outbox.NewManager(store, store, outbox.WithResolver(resolver))
	require.NoError(t, err)

	_, err = m.Send(ctx, OrderPlaced{OrderID: "o-1"}, messaging.WithMessageID("abc"))
	require.NoError(t, err)

	rows := store.Outbox()
	require.Len(t, rows, 1)
	assert.Equal(t, "abc", rows[0].ID)
	assert.Nil(t, rows[0].ProcessedAt)

	broker := rabbitmqtest.NewBroker()
	pool, err := rabbitmq.NewChannelPool(broker)
	require.NoError(t, err)
	defer func() { _ = pool.Close() }()

	// a fresh processor stands in for a restarted process
	p, err := outbox.NewProcessor(store, messaging.NewPublisher(pool, resolver))
	require.NoError(t, err)
	_, err = p.Tick(ctx)
	require.NoError(t, err)

	assert.NotNil(t, store.Outbox()[0].ProcessedAt)

	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "outbox_test", published[0].Exchange)
	assert.Equal(t, "OrderPlaced", published[0].RoutingKey)
	assert.Equal(t, "abc", published[0].Msg.MessageId)
	assert.Equal(t, rows[0].CorrelationID, published[0].Msg.CorrelationId)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(published[0].Msg.Body))
	assert.Equal(t, []byte("{}"), published[0].Msg.Headers[messaging.DefaultContextHeader])
}

type InvoiceIssued struct {
	InvoiceID string `json:"invoiceId"`
}

func TestRelayKeepsSendRoute(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	sender := conventions.NewResolver()
	require.NoError(t, sender.Override(InvoiceIssued{}, conventions.Conventions{
		Exchange:   "billing",
		RoutingKey: "invoice.issued",
	}))
	m, err := outbox.NewManager(store, store, outbox.WithResolver(sender))
	require.NoError(t, err)

	_, err = m.Send(ctx, InvoiceIssued{InvoiceID: "i-1"}, messaging.WithMessageID("inv-1"))
	require.NoError(t, err)

	rows := store.Outbox()
	require.Len(t, rows, 1)
	assert.Equal(t, "billing", rows[0].Exchange)
	assert.Equal(t, "invoice.issued", rows[0].RoutingKey)

	broker := rabbitmqtest.NewBroker()
	pool, err := rabbitmq.NewChannelPool(broker)
	require.NoError(t, err)
	defer func() { _ = pool.Close() }()

	// a standalone relay knows nothing about the sender's pins
	p, err := outbox.NewProcessor(store, messaging.NewPublisher(pool, conventions.NewResolver()))
	require.NoError(t, err)
	res, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "billing", published[0].Exchange)
	assert.Equal(t, "invoice.issued", published[0].RoutingKey)
	assert.Equal(t, "inv-1", published[0].Msg.MessageId)
}

func TestRelayResolvesRowsWithoutRoute(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed(t, store, "legacy")

	relay := &fakeRelay{}
	p, err := outbox.NewProcessor(store, relay)
	require.NoError(t, err)
	_, err = p.Tick(ctx)
	require.NoError(t, err)

	require.Len(t, relay.calls, 1)
	assert.Equal(t, orderType, relay.calls[0].messageType)
	assert.Empty(t, relay.calls[0].opts.Exchange)

	broker := rabbitmqtest.NewBroker()
	pool, err := rabbitmq.NewChannelPool(broker)
	require.NoError(t, err)
	defer func() { _ = pool.Close() }()

	seed(t, store, "legacy-2")
	p, err = outbox.NewProcessor(store, messaging.NewPublisher(pool, conventions.NewResolver()))
	require.NoError(t, err)
	_, err = p.Tick(ctx)
	require.NoError(t, err)

	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "outbox_test", published[0].Exchange)
	assert.Equal(t, "OrderPlaced", published[0].RoutingKey)
}
