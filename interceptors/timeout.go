package interceptors

import (
	"context"
	"time"
)

// TimeoutInterceptor bounds the time spent in the rest of the chain
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. Handlers observe the deadline through ctx.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg any, next Handler) error {
	if i.timeout <= 0 {
		return next.Handle(ctx, msg)
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
