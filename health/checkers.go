package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/conveyor/internal/rabbitmq"
	"github.com/glimte/conveyor/messaging"
)

// BrokerChecker opens and closes a channel to prove the broker answers
type BrokerChecker struct {
	opener rabbitmq.ChannelOpener
}

// NewBrokerChecker creates a broker checker
func NewBrokerChecker(opener rabbitmq.ChannelOpener) *BrokerChecker {
	return &BrokerChecker{opener: opener}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	ch, err := c.opener.OpenChannel(ctx)
	if err != nil {
		return result.fail(StatusUnhealthy, "failed to open channel", err)
	}
	if err := ch.Close(); err != nil {
		return result.fail(StatusDegraded, "failed to close channel", err)
	}

	result.Status = StatusHealthy
	result.Message = "broker is reachable"
	return result.done()
}

// ChannelPoolChecker borrows and returns a publisher channel
type ChannelPoolChecker struct {
	pool *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a channel pool checker
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return result.fail(StatusUnhealthy, "failed to get channel from pool", err)
	}
	c.pool.Put(ch)

	result.Status = StatusHealthy
	result.Message = "channel pool is healthy"
	result.Details["pool_size"] = c.pool.Size()
	return result.done()
}

// SubscriptionChecker reports consumer channels the broker has closed and
// subscriptions that could not be re-established yet
type SubscriptionChecker struct {
	controller *messaging.SubscriptionController
}

// NewSubscriptionChecker creates a subscription checker
func NewSubscriptionChecker(controller *messaging.SubscriptionController) *SubscriptionChecker {
	return &SubscriptionChecker{controller: controller}
}

func (c *SubscriptionChecker) Name() string {
	return "subscriptions"
}

func (c *SubscriptionChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	registry := c.controller.Registry()
	var closed []string
	for _, key := range registry.Keys() {
		entry, ok := registry.Lookup(key)
		if ok && entry.Channel != nil && entry.Channel.IsClosed() {
			closed = append(closed, key)
		}
	}

	lost := c.controller.Lost()
	result.Details["subscriptions"] = registry.Len()
	result.Details["pending_commands"] = c.controller.Pending()
	result.Details["lost"] = lost

	if lost > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d subscriptions waiting for the broker", lost)
		return result.done()
	}
	if len(closed) > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d consumer channels closed", len(closed))
		result.Details["closed"] = closed
		return result.done()
	}

	result.Status = StatusHealthy
	result.Message = "all consumer channels open"
	return result.done()
}

// Backlog counts outbox messages waiting to be published
type Backlog interface {
	Pending(ctx context.Context) (int64, error)
}

// OutboxChecker reports a growing outbox backlog
type OutboxChecker struct {
	backlog   Backlog
	threshold int64
}

// NewOutboxChecker creates an outbox checker that degrades above threshold pending messages
func NewOutboxChecker(backlog Backlog, threshold int64) *OutboxChecker {
	return &OutboxChecker{backlog: backlog, threshold: threshold}
}

func (c *OutboxChecker) Name() string {
	return "outbox"
}

func (c *OutboxChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	pending, err := c.backlog.Pending(ctx)
	if err != nil {
		return result.fail(StatusUnhealthy, "failed to count pending messages", err)
	}
	result.Details["pending"] = pending

	if c.threshold > 0 && pending > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("outbox has %d pending messages", pending)
		return result.done()
	}

	result.Status = StatusHealthy
	result.Message = "outbox is draining"
	return result.done()
}

type pendingResult struct {
	CheckResult
	start time.Time
}

func newResult(name string) *pendingResult {
	start := time.Now()
	return &pendingResult{
		CheckResult: CheckResult{
			Name:      name,
			Timestamp: start,
			Details:   make(map[string]any),
		},
		start: start,
	}
}

func (r *pendingResult) fail(status Status, message string, err error) CheckResult {
	r.Status = status
	r.Message = message
	r.Error = err.Error()
	return r.done()
}

func (r *pendingResult) done() CheckResult {
	r.Duration = time.Since(r.start)
	return r.CheckResult
}
