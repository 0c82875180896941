package outbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreRequired is returned when a component is built without its store
	ErrStoreRequired = errors.New("outbox: store is required")
	// ErrAlreadyHandled is returned by InsertInbox when the id is already recorded
	ErrAlreadyHandled = errors.New("outbox: message already handled")
	// ErrMessageIDRequired is returned by Handle without a message id
	ErrMessageIDRequired = errors.New("outbox: message id is required")
	// ErrNoDelivery is returned by HandleDelivery outside a delivery scope
	ErrNoDelivery = errors.New("outbox: no delivery in context")
	// ErrUnknownMode is returned by ParseMode
	ErrUnknownMode = errors.New("outbox: unknown processing mode")
)

// OutboxStore persists outgoing messages
type OutboxStore interface {
	// InsertOutbox appends msg. Inserting an existing id is a no-op.
	InsertOutbox(ctx context.Context, msg OutboxMessage) error
	// FindUnprocessed returns at most limit unprocessed messages ordered by SentAt
	FindUnprocessed(ctx context.Context, limit int) ([]OutboxMessage, error)
	// MarkProcessed sets ProcessedAt on the given ids
	MarkProcessed(ctx context.Context, processedAt time.Time, ids ...string) error
}

// InboxStore records handled message ids
type InboxStore interface {
	InboxExists(ctx context.Context, id string) (bool, error)
	// InsertInbox returns ErrAlreadyHandled when msg.ID is already recorded
	InsertInbox(ctx context.Context, msg InboxMessage) error
}

// Transactor runs fn in a transaction carried by the context passed to fn.
// Store calls made with that context join the transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is a single durable store holding both outbox and inbox
type Store interface {
	OutboxStore
	InboxStore
}
