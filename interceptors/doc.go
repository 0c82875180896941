// Package interceptors provides the chain of responsibility that wraps
// message handlers.
//
// A Chain is composed once into a single Handler with Then. Each
// Interceptor decides whether to call next; not calling it short-circuits
// the remaining interceptors and the handler.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs processing with timing information
//   - TracingInterceptor: opens an OpenTelemetry consumer span per delivery
//   - TimeoutInterceptor: bounds handler time through the context deadline
package interceptors
