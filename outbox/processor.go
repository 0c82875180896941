package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/conveyor/messaging"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 100
	defaultParallelism  = 16
)

// Mode selects how a batch is relayed
type Mode int

const (
	// Sequential publishes rows in SentAt order and marks each one right after its publish
	Sequential Mode = iota
	// Parallel publishes the whole batch concurrently and marks it in one call.
	// A crash before the mark republishes the batch.
	Parallel
)

func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "sequential" or "parallel"
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequential":
		return Sequential, nil
	case "parallel":
		return Parallel, nil
	default:
		return Sequential, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Relay publishes an already serialized message
type Relay interface {
	PublishSerialized(ctx context.Context, messageType string, body []byte, opts ...messaging.PublishOption) error
}

// TickResult counts what one poll did
type TickResult struct {
	Fetched   int
	Published int
	Failed    int
}

// Processor polls the outbox and relays unprocessed rows
type Processor struct {
	store       OutboxStore
	relay       Relay
	interval    time.Duration
	mode        Mode
	batchSize   int
	parallelism int
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	running bool
}

// ProcessorOption configures the Processor
type ProcessorOption func(*Processor)

// WithInterval sets the poll interval
func WithInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMode sets the processing mode
func WithMode(mode Mode) ProcessorOption {
	return func(p *Processor) {
		p.mode = mode
	}
}

// WithBatchSize bounds the rows fetched per tick
func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithParallelism bounds concurrent publishes in Parallel mode
func WithParallelism(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates a processor relaying rows of store through relay
func NewProcessor(store OutboxStore, relay Relay, options ...ProcessorOption) (*Processor, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if relay == nil {
		return nil, fmt.Errorf("outbox: relay is required")
	}

	p := &Processor{
		store:       store,
		relay:       relay,
		interval:    defaultPollInterval,
		mode:        Sequential,
		batchSize:   defaultBatchSize,
		parallelism: defaultParallelism,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// Run ticks immediately and then every interval until ctx is done
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("outbox: processor already running")
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.logger.Info("outbox processor started",
		"interval", p.interval,
		"mode", p.mode.String(),
		"batchSize", p.batchSize,
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("outbox poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("outbox processor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick relays one batch. Rows that fail to publish stay unprocessed for the
// next tick; the error is only set when the store itself failed.
func (p *Processor) Tick(ctx context.Context) (TickResult, error) {
	rows, err := p.store.FindUnprocessed(ctx, p.batchSize)
	if err != nil {
		return TickResult{}, fmt.Errorf("failed to fetch unprocessed outbox messages: %w", err)
	}
	if len(rows) == 0 {
		return TickResult{}, nil
	}

	var res TickResult
	if p.mode == Parallel {
		res, err = p.parallel(ctx, rows)
	} else {
		res = p.sequential(ctx, rows)
	}
	res.Fetched = len(rows)

	p.logger.Debug("outbox batch relayed",
		"fetched", res.Fetched,
		"published", res.Published,
		"failed", res.Failed,
	)
	return res, err
}

func (p *Processor) sequential(ctx context.Context, rows []OutboxMessage) TickResult {
	var res TickResult
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if err := p.publish(ctx, row); err != nil {
			res.Failed++
			continue
		}
		if err := p.store.MarkProcessed(ctx, p.now().UTC(), row.ID); err != nil {
			p.logger.Error("failed to mark outbox message processed",
				"messageId", row.ID,
				"error", err,
			)
			res.Failed++
			continue
		}
		res.Published++
	}
	return res
}

func (p *Processor) parallel(ctx context.Context, rows []OutboxMessage) (TickResult, error) {
	published := make([]bool, len(rows))

	var g errgroup.Group
	g.SetLimit(p.parallelism)
	for i, row := range rows {
		g.Go(func() error {
			published[i] = p.publish(ctx, row) == nil
			return nil
		})
	}
	_ = g.Wait()

	var res TickResult
	ids := make([]string, 0, len(rows))
	for i, ok := range published {
		if ok {
			ids = append(ids, rows[i].ID)
		} else {
			res.Failed++
		}
	}
	if len(ids) == 0 {
		return res, nil
	}

	if err := p.store.MarkProcessed(ctx, p.now().UTC(), ids...); err != nil {
		res.Failed += len(ids)
		return res, fmt.Errorf("failed to mark %d outbox messages processed: %w", len(ids), err)
	}
	res.Published = len(ids)
	return res, nil
}

func (p *Processor) publish(ctx context.Context, row OutboxMessage) error {
	err := p.relay.PublishSerialized(ctx, row.MessageType, row.SerializedMessage,
		messaging.WithMessageID(row.ID),
		messaging.WithCorrelationID(row.CorrelationID),
		messaging.WithTraceContext(row.TraceContext),
		messaging.WithRawMessageContext(row.SerializedMessageContext),
		messaging.WithHeaders(row.Headers),
		messaging.WithRoute(row.Exchange, row.RoutingKey),
	)
	if err != nil {
		p.logger.Error("failed to relay outbox message",
			"messageId", row.ID,
			"messageType", row.MessageType,
			"error", err,
		)
	}
	return err
}
