package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/conveyor/contracts"
	"github.com/glimte/conveyor/conventions"
	"github.com/glimte/conveyor/interceptors"
	"github.com/glimte/conveyor/messaging"
)

// HandleResult is how Handle treated a message
type HandleResult int

const (
	// Handled means the handler ran and the inbox row was written
	Handled HandleResult = iota
	// Duplicate means the id was already in the inbox and the handler did not run
	Duplicate
	// Bypassed means the outbox is disabled and the handler ran unguarded
	Bypassed
	// Failed means the handler or the store returned an error
	Failed
)

func (r HandleResult) String() string {
	switch r {
	case Handled:
		return "handled"
	case Duplicate:
		return "duplicate"
	case Bypassed:
		return "bypassed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Manager writes outbox rows and guards handlers with the inbox
type Manager struct {
	outbox       OutboxStore
	inbox        InboxStore
	transactor   Transactor
	resolver     *conventions.Resolver
	enabled      bool
	transactions bool
	logger       *slog.Logger
	now          func() time.Time
}

// ManagerOption configures the Manager
type ManagerOption func(*Manager)

// WithEnabled gates both Send and Handle. Disabled managers warn and pass through.
func WithEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.enabled = enabled
	}
}

// WithTransactions controls whether Handle runs inside a store transaction
func WithTransactions(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.transactions = enabled
	}
}

// WithTransactor sets the transaction runner. By default the outbox store is
// used when it implements Transactor.
func WithTransactor(t Transactor) ManagerOption {
	return func(m *Manager) {
		m.transactor = t
	}
}

// WithResolver sets the conventions resolver used to name message types
func WithResolver(r *conventions.Resolver) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.resolver = r
		}
	}
}

// WithManagerLogger sets the logger
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a manager over an outbox and an inbox store, which may
// be the same value
func NewManager(outbox OutboxStore, inbox InboxStore, options ...ManagerOption) (*Manager, error) {
	m := &Manager{
		outbox:       outbox,
		inbox:        inbox,
		resolver:     conventions.NewResolver(),
		enabled:      true,
		transactions: true,
		logger:       slog.Default(),
		now:          time.Now,
	}
	if t, ok := outbox.(Transactor); ok {
		m.transactor = t
	}
	for _, opt := range options {
		opt(m)
	}

	if m.enabled && (m.outbox == nil || m.inbox == nil) {
		return nil, ErrStoreRequired
	}
	return m, nil
}

// Enabled reports whether Send and Handle are guarded
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Send persists msg for later publication and returns its message id. The
// row keeps the exchange and routing key resolved here so any relay
// publishes it where this process would have. Inside
// a delivery scope the current message becomes the origin and its
// correlation id is inherited.
func (m *Manager) Send(ctx context.Context, msg any, opts ...messaging.PublishOption) (string, error) {
	if !m.enabled {
		m.logger.WarnContext(ctx, "outbox disabled, message not persisted",
			"messageType", conventions.NameOf(msg))
		return "", nil
	}

	conv, err := m.resolver.Resolve(msg)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to serialize %s: %w", conv.MessageType, err)
	}

	o := messaging.NewPublishOptions(opts...)
	row := OutboxMessage{
		ID:                o.MessageID,
		CorrelationID:     o.CorrelationID,
		TraceContext:      o.TraceContext,
		Headers:           maps.Clone(o.Headers),
		MessageType:       conv.MessageType,
		Exchange:          conv.Exchange,
		RoutingKey:        conv.RoutingKey,
		SerializedMessage: body,
		SentAt:            m.now().UTC(),
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}

	if dc, ok := contracts.DeliveryFromContext(ctx); ok {
		row.OriginatedMessageID = dc.MessageID
		if row.CorrelationID == "" {
			row.CorrelationID = dc.CorrelationID
		}
		if row.TraceContext == "" {
			row.TraceContext = dc.TraceContext
		}
	}
	if row.CorrelationID == "" {
		row.CorrelationID = uuid.NewString()
	}
	if row.TraceContext == "" {
		row.TraceContext = interceptors.InjectTraceParent(ctx)
	}

	switch {
	case o.RawMessageContext != nil:
		row.SerializedMessageContext = o.RawMessageContext
	case o.MessageContext != nil:
		row.MessageContextType = conventions.NameOf(o.MessageContext)
		row.SerializedMessageContext, err = json.Marshal(o.MessageContext)
		if err != nil {
			return "", fmt.Errorf("failed to serialize message context: %w", err)
		}
	}

	if err := m.outbox.InsertOutbox(ctx, row); err != nil {
		return "", fmt.Errorf("failed to store outbox message %s: %w", row.ID, err)
	}

	m.logger.DebugContext(ctx, "message stored in outbox",
		"messageId", row.ID,
		"messageType", row.MessageType,
		"correlationId", row.CorrelationID,
	)
	return row.ID, nil
}

// Handle runs fn at most once per id. The handler and the inbox row share a
// transaction when transactions are enabled and a Transactor is available;
// a handler error leaves no inbox row so a redelivery runs fn again.
//
// When the outbox is disabled fn still runs, without deduplication, and
// the result is Bypassed.
func (m *Manager) Handle(ctx context.Context, id string, fn func(ctx context.Context) error) (HandleResult, error) {
	if !m.enabled {
		m.logger.WarnContext(ctx, "outbox disabled, message not deduplicated", "messageId", id)
		return Bypassed, fn(ctx)
	}
	if id == "" {
		return Failed, ErrMessageIDRequired
	}

	exists, err := m.inbox.InboxExists(ctx, id)
	if err != nil {
		return Failed, fmt.Errorf("failed to look up inbox: %w", err)
	}
	if exists {
		m.logger.DebugContext(ctx, "duplicate message skipped", "messageId", id)
		return Duplicate, nil
	}

	run := func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		return m.inbox.InsertInbox(ctx, InboxMessage{ID: id, ProcessedAt: m.now().UTC()})
	}

	if m.transactions && m.transactor != nil {
		err = m.transactor.WithTransaction(ctx, run)
	} else {
		err = run(ctx)
	}

	switch {
	case errors.Is(err, ErrAlreadyHandled):
		m.logger.DebugContext(ctx, "message handled concurrently", "messageId", id)
		return Duplicate, nil
	case err != nil:
		return Failed, err
	}
	return Handled, nil
}

// HandleDelivery is Handle keyed by the message id of the current delivery
func (m *Manager) HandleDelivery(ctx context.Context, fn func(ctx context.Context) error) (HandleResult, error) {
	dc, ok := contracts.DeliveryFromContext(ctx)
	if !ok {
		if !m.enabled {
			return m.Handle(ctx, "", fn)
		}
		return Failed, ErrNoDelivery
	}
	return m.Handle(ctx, dc.MessageID, fn)
}
