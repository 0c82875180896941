// Package memory is an in-process outbox and inbox store. Transactions stage
// writes and apply them on commit, so it also serves as a reference for the
// durable stores' semantics.
package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/glimte/conveyor/outbox"
)

type txKey struct{}

type tx struct {
	outbox []outbox.OutboxMessage
	inbox  map[string]outbox.InboxMessage
}

// Store keeps rows in memory
type Store struct {
	mu     sync.RWMutex
	outbox map[string]outbox.OutboxMessage
	order  []string
	inbox  map[string]outbox.InboxMessage
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		outbox: make(map[string]outbox.OutboxMessage),
		inbox:  make(map[string]outbox.InboxMessage),
	}
}

// InsertOutbox implements outbox.OutboxStore
func (s *Store) InsertOutbox(ctx context.Context, msg outbox.OutboxMessage) error {
	if strings.TrimSpace(msg.ID) == "" {
		return outbox.ErrMessageIDRequired
	}
	msg = clone(msg)
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		t.outbox = append(t.outbox, msg)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertOutbox(msg)
	return nil
}

// FindUnprocessed implements outbox.OutboxStore
func (s *Store) FindUnprocessed(_ context.Context, limit int) ([]outbox.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []outbox.OutboxMessage
	for _, id := range s.order {
		if row := s.outbox[id]; !row.Processed() {
			rows = append(rows, clone(row))
		}
	}
	slices.SortStableFunc(rows, func(a, b outbox.OutboxMessage) int {
		return a.SentAt.Compare(b.SentAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// MarkProcessed implements outbox.OutboxStore
func (s *Store) MarkProcessed(_ context.Context, processedAt time.Time, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		row, ok := s.outbox[id]
		if !ok || row.Processed() {
			continue
		}
		at := processedAt
		row.ProcessedAt = &at
		s.outbox[id] = row
	}
	return nil
}

// Pending counts unprocessed outbox rows
func (s *Store) Pending(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, row := range s.outbox {
		if !row.Processed() {
			n++
		}
	}
	return n, nil
}

// InboxExists implements outbox.InboxStore
func (s *Store) InboxExists(ctx context.Context, id string) (bool, error) {
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		if _, staged := t.inbox[id]; staged {
			return true, nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbox[id]
	return ok, nil
}

// InsertInbox implements outbox.InboxStore
func (s *Store) InsertInbox(ctx context.Context, msg outbox.InboxMessage) error {
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		if _, staged := t.inbox[msg.ID]; staged {
			return outbox.ErrAlreadyHandled
		}
		if exists, _ := s.InboxExists(context.Background(), msg.ID); exists {
			return outbox.ErrAlreadyHandled
		}
		t.inbox[msg.ID] = msg
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbox[msg.ID]; ok {
		return outbox.ErrAlreadyHandled
	}
	s.inbox[msg.ID] = msg
	return nil
}

// WithTransaction implements outbox.Transactor. Writes made through the
// context passed to fn become visible only when fn returns nil. A nested call
// joins the outer transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}

	t := &tx{inbox: make(map[string]outbox.InboxMessage)}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range t.inbox {
		if _, ok := s.inbox[id]; ok {
			return outbox.ErrAlreadyHandled
		}
	}
	maps.Copy(s.inbox, t.inbox)
	for _, msg := range t.outbox {
		s.insertOutbox(msg)
	}
	return nil
}

// Outbox returns every outbox row in insertion order
func (s *Store) Outbox() []outbox.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]outbox.OutboxMessage, 0, len(s.order))
	for _, id := range s.order {
		rows = append(rows, clone(s.outbox[id]))
	}
	return rows
}

// insertOutbox must be called with mu held
func (s *Store) insertOutbox(msg outbox.OutboxMessage) {
	if _, ok := s.outbox[msg.ID]; ok {
		return
	}
	s.outbox[msg.ID] = msg
	s.order = append(s.order, msg.ID)
}

func clone(m outbox.OutboxMessage) outbox.OutboxMessage {
	m.Headers = maps.Clone(m.Headers)
	m.SerializedMessage = slices.Clone(m.SerializedMessage)
	m.SerializedMessageContext = slices.Clone(m.SerializedMessageContext)
	if m.ProcessedAt != nil {
		at := *m.ProcessedAt
		m.ProcessedAt = &at
	}
	return m
}

var (
	_ outbox.Store      = (*Store)(nil)
	_ outbox.Transactor = (*Store)(nil)
)
