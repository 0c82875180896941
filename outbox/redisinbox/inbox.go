// Package redisinbox is an outbox.InboxStore on Redis. Each handled id is a
// key written with SET NX and an expiry.
//
// Redis does not take part in SQL transactions: pair it with a handler whose
// effects are idempotent, or use the gorm store for the inbox as well.
package redisinbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/conveyor/outbox"
)

const (
	// DefaultPrefix namespaces inbox keys
	DefaultPrefix = "conveyor:inbox:"
	// DefaultTTL is how long a handled id is remembered
	DefaultTTL = 7 * 24 * time.Hour
)

// Store records handled message ids in Redis
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the Store
type Option func(*Store)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL sets the key expiry. Zero keeps keys forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an inbox on client
func New(client redis.UniversalClient, options ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// InboxExists implements outbox.InboxStore
func (s *Store) InboxExists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		s.logger.Error("inbox lookup failed", "messageId", id, "error", err)
		return false, fmt.Errorf("redis inbox exists: %w", err)
	}
	return n > 0, nil
}

// InsertInbox implements outbox.InboxStore
func (s *Store) InsertInbox(ctx context.Context, msg outbox.InboxMessage) error {
	processedAt := msg.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}

	ok, err := s.client.SetNX(ctx, s.key(msg.ID), processedAt.UTC().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		s.logger.Error("inbox insert failed", "messageId", msg.ID, "error", err)
		return fmt.Errorf("redis inbox insert: %w", err)
	}
	if !ok {
		return outbox.ErrAlreadyHandled
	}
	return nil
}

// ProcessedAt returns when id was handled
func (s *Store) ProcessedAt(ctx context.Context, id string) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis inbox get: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis inbox value for %s: %w", id, err)
	}
	return at, true, nil
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

var _ outbox.InboxStore = (*Store)(nil)
