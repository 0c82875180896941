// Package gormstore is the durable outbox and inbox store on gorm. It is used
// with PostgreSQL in production; any gorm dialect supporting ON CONFLICT works.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/glimte/conveyor/outbox"
)

type txKey struct{}

// Store implements outbox.Store and outbox.Transactor
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Option configures the Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a store on db
func New(db *gorm.DB, options ...Option) (*Store, error) {
	if db == nil {
		return nil, outbox.ErrStoreRequired
	}
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Connect opens a PostgreSQL database and verifies it answers
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the outbox and inbox tables
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&outboxModel{}, &inboxModel{}); err != nil {
		return s.logError("migrate", err)
	}
	return nil
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTransaction implements outbox.Transactor. A nested call joins the
// outer transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// InsertOutbox implements outbox.OutboxStore
func (s *Store) InsertOutbox(ctx context.Context, msg outbox.OutboxMessage) error {
	if strings.TrimSpace(msg.ID) == "" {
		return outbox.ErrMessageIDRequired
	}
	row, err := outboxModelFromMessage(msg)
	if err != nil {
		return s.logError("insert outbox encode", err, "messageId", msg.ID)
	}

	create := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return s.logError("insert outbox", create.Error, "messageId", msg.ID)
	}
	return nil
}

// FindUnprocessed implements outbox.OutboxStore
func (s *Store) FindUnprocessed(ctx context.Context, limit int) ([]outbox.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []outboxModel
	if err := s.conn(ctx).
		Where("processed_at IS NULL").
		Order("sent_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, s.logError("find unprocessed", err, "limit", limit)
	}

	items := make([]outbox.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toMessage()
		if err != nil {
			return nil, s.logError("find unprocessed decode", err, "messageId", row.ID)
		}
		items = append(items, msg)
	}
	return items, nil
}

// MarkProcessed implements outbox.OutboxStore
func (s *Store) MarkProcessed(ctx context.Context, processedAt time.Time, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	result := s.conn(ctx).
		Model(&outboxModel{}).
		Where("id IN ?", ids).
		Where("processed_at IS NULL").
		Update("processed_at", processedAt.UTC())
	if result.Error != nil {
		return s.logError("mark processed", result.Error, "count", len(ids))
	}
	return nil
}

// InboxExists implements outbox.InboxStore
func (s *Store) InboxExists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.conn(ctx).
		Model(&inboxModel{}).
		Where("id = ?", id).
		Count(&count).Error; err != nil {
		return false, s.logError("inbox exists", err, "messageId", id)
	}
	return count > 0, nil
}

// InsertInbox implements outbox.InboxStore
func (s *Store) InsertInbox(ctx context.Context, msg outbox.InboxMessage) error {
	row := inboxModel{ID: msg.ID, ProcessedAt: msg.ProcessedAt.UTC()}
	if row.ProcessedAt.IsZero() {
		row.ProcessedAt = time.Now().UTC()
	}

	create := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		if isUniqueViolation(create.Error) {
			return outbox.ErrAlreadyHandled
		}
		return s.logError("insert inbox", create.Error, "messageId", msg.ID)
	}
	if create.RowsAffected == 0 {
		return outbox.ErrAlreadyHandled
	}
	return nil
}

// Pending counts unprocessed outbox rows
func (s *Store) Pending(ctx context.Context) (int64, error) {
	var count int64
	if err := s.conn(ctx).
		Model(&outboxModel{}).
		Where("processed_at IS NULL").
		Count(&count).Error; err != nil {
		return 0, s.logError("count pending", err)
	}
	return count, nil
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *Store) logError(op string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+4)
	fields = append(fields, "op", op, "error", err)
	fields = append(fields, attrs...)
	s.logger.Error("outbox store operation failed", fields...)
	return fmt.Errorf("outbox store %s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var (
	_ outbox.Store      = (*Store)(nil)
	_ outbox.Transactor = (*Store)(nil)
)
