package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/conveyor/contracts"
)

// MessageFilter decides whether a message reaches the handler
type MessageFilter interface {
	ShouldProcess(ctx context.Context, msg any) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg any) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg any) (bool, error) {
	return f(ctx, msg)
}

// FilteringInterceptor drops messages rejected by its filter. A dropped
// message counts as handled and is acknowledged.
type FilteringInterceptor struct {
	filter MessageFilter
	logger *slog.Logger
}

// NewFilteringInterceptor creates a filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{filter: filter, logger: logger}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg any, next Handler) error {
	ok, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return err
	}
	if !ok {
		var messageID string
		if dc, found := contracts.DeliveryFromContext(ctx); found {
			messageID = dc.MessageID
		}
		i.logger.DebugContext(ctx, "message filtered out", "messageId", messageID)
		return nil
	}
	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// HeaderFilter passes messages whose delivery carries header key with value
func HeaderFilter(key, value string) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg any) (bool, error) {
		dc, ok := contracts.DeliveryFromContext(ctx)
		if !ok {
			return false, nil
		}
		v, ok := dc.Header(key)
		return ok && v == value, nil
	})
}
