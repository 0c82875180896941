package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxChannels bounds a pool configured with size 0
const DefaultMaxChannels = 256

// ChannelPool lends channels to concurrent publishers. At most maxSize
// channels exist at any time; borrowers wait when all of them are lent out.
type ChannelPool struct {
	opener  ChannelOpener
	maxSize int
	logger  *slog.Logger

	idle  chan Channel
	slots chan struct{}

	mu     sync.Mutex
	closed bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size. Zero selects DefaultMaxChannels.
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		if logger != nil {
			cp.logger = logger
		}
	}
}

// NewChannelPool creates a new channel pool. Channels are opened lazily.
func NewChannelPool(opener ChannelOpener, options ...ChannelPoolOption) (*ChannelPool, error) {
	if opener == nil {
		return nil, fmt.Errorf("%w: channel opener is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		opener: opener,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 0 {
		return nil, fmt.Errorf("%w: max size must not be negative", ErrInvalidConfiguration)
	}
	if pool.maxSize == 0 || pool.maxSize > DefaultMaxChannels {
		pool.maxSize = DefaultMaxChannels
	}

	pool.idle = make(chan Channel, pool.maxSize)
	pool.slots = make(chan struct{}, pool.maxSize)

	return pool, nil
}

// Get borrows a channel, opening one if the pool is below its bound
func (cp *ChannelPool) Get(ctx context.Context) (Channel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	for {
		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		default:
		}

		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil

		case cp.slots <- struct{}{}:
			ch, err := cp.opener.OpenChannel(ctx)
			if err != nil {
				cp.release()
				return nil, err
			}
			return ch, nil

		case <-ctx.Done():
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ctx.Err(),
				Timestamp: time.Now(),
			}
		}
	}
}

// Put returns a borrowed channel. Closed channels give their slot back.
func (cp *ChannelPool) Put(ch Channel) {
	if ch == nil {
		return
	}

	if cp.isClosed() || ch.IsClosed() {
		cp.discard(ch)
		return
	}

	select {
	case cp.idle <- ch:
	default:
		cp.discard(ch)
	}
}

// Execute runs fn with a borrowed channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
			cp.discard(ch)
			return
		}
		cp.Put(ch)
	}()

	return fn(ch)
}

// Size returns the number of channels currently open or lent out
func (cp *ChannelPool) Size() int {
	return len(cp.slots)
}

// Close closes idle channels. Borrowed channels are closed on Put.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.idle:
			cp.discard(ch)
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) discard(ch Channel) {
	if !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			cp.logger.Debug("failed to close pooled channel", "error", err)
		}
	}
	cp.release()
}

func (cp *ChannelPool) release() {
	select {
	case <-cp.slots:
	default:
	}
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}
