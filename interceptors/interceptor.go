package interceptors

import (
	"context"
)

// Handler handles one decoded message
type Handler interface {
	Handle(ctx context.Context, msg any) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg any) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg any) error {
	return f(ctx, msg)
}

// Interceptor wraps message handling. It continues the chain by calling
// next; returning without calling next skips the rest of the chain and
// the handler.
type Interceptor interface {
	Intercept(ctx context.Context, msg any, next Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg any, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg any, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg any, next Handler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. The first interceptor added is
// the outermost one.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain from interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Names lists interceptor names in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then composes the chain around final into a single Handler. The result
// holds no per-delivery state and can be shared by concurrent deliveries.
func (c *Chain) Then(final Handler) Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, msg any) error {
			return interceptor.Intercept(ctx, msg, next)
		})
	}
	return handler
}
